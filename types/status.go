package types

// Status is the lifecycle state of a node or flow run.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusResolving   Status = "RESOLVING"
	StatusPreflight   Status = "PREFLIGHT"
	StatusInvoking    Status = "INVOKING"
	StatusPass        Status = "PASS"
	StatusFail        Status = "FAIL"
	StatusSkip        Status = "SKIP"
	StatusInterrupted Status = "INTERRUPTED"
)

// IsTerminal reports whether s is one of PASS, FAIL, SKIP or INTERRUPTED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPass, StatusFail, StatusSkip, StatusInterrupted:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
