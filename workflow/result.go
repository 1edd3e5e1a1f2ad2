package workflow

import (
	"time"

	"github.com/BaSui01/cardflow/ledger"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/types"
)

// NodeRunResult is the terminal outcome of one node.
type NodeRunResult struct {
	NodeID  string       `json:"node_id"`
	Status  types.Status `json:"status"`
	Reason  string       `json:"reason"`
	Backend string       `json:"backend,omitempty"`
	Model   string       `json:"model,omitempty"`
	// Output is the raw content returned by the backend.
	Output string `json:"output,omitempty"`
	// Artifacts and SharedState hold the declared outputs by name.
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	SharedState map[string]string `json:"shared_state,omitempty"`
	// StateVersions is the version written for each shared-state key.
	StateVersions map[string]int64 `json:"state_versions,omitempty"`
	Usage         llm.Usage        `json:"usage"`
	Attempts      int              `json:"attempts"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Warnings      []string         `json:"warnings,omitempty"`
	// ResumeToken is set when Status is INTERRUPTED.
	ResumeToken string `json:"resume_token,omitempty"`
	// Error is the classified error behind a FAIL or SKIP.
	Error *types.Error `json:"error,omitempty"`
	// Regression is set when a regression was overridden.
	Regression *ledger.Warning `json:"regression,omitempty"`
	// BlockedBy names the upstream node that kept this node from running.
	BlockedBy string `json:"blocked_by,omitempty"`
}

// Duration returns the wall-clock time the node took.
func (r *NodeRunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FlowRunResult aggregates every node result of a flow run.
type FlowRunResult struct {
	FlowID    string       `json:"flow_id"`
	ProfileID string       `json:"profile_id"`
	RunID     string       `json:"run_id"`
	Status    types.Status `json:"status"`
	Reason    string       `json:"reason"`
	// FirstFailure is the id of the first node that failed.
	FirstFailure string `json:"first_failure,omitempty"`
	// Order is the validated topological order.
	Order      []string                  `json:"order"`
	Nodes      map[string]*NodeRunResult `json:"nodes"`
	Fallbacks  []string                  `json:"fallbacks,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	// ResumeToken is set when the run is INTERRUPTED.
	ResumeToken string `json:"resume_token,omitempty"`
}

// Results returns the node results in topological order.
func (r *FlowRunResult) Results() []*NodeRunResult {
	out := make([]*NodeRunResult, 0, len(r.Order))
	for _, id := range r.Order {
		if n, ok := r.Nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Artifacts returns every node's artifacts keyed by node id.
func (r *FlowRunResult) Artifacts() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, n := range r.Results() {
		if len(n.Artifacts) > 0 {
			out[n.NodeID] = n.Artifacts
		}
	}
	return out
}

// SharedState returns every node's shared-state writes keyed by node id.
func (r *FlowRunResult) SharedState() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, n := range r.Results() {
		if len(n.SharedState) > 0 {
			out[n.NodeID] = n.SharedState
		}
	}
	return out
}
