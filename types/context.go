package types

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestContext contextKey = "request_context"
)

var tenantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

// RequestContextOptions carries the fields used to build a RequestContext.
type RequestContextOptions struct {
	TenantID  string
	Mode      string
	ProjectID string
	RunID     string
	TraceID   string
	StepID    string
	UserID    string
	ActorID   string
	SurfaceID string
}

// RequestContext is the immutable tenancy/run identity propagated through
// every adapter invocation and ledger record. Build it with NewRequestContext.
type RequestContext struct {
	tenantID  string
	mode      string
	projectID string
	runID     string
	traceID   string
	stepID    string
	userID    string
	actorID   string
	surfaceID string
}

// NewRequestContext validates opts and returns a RequestContext. Missing run
// and trace ids are generated.
func NewRequestContext(opts RequestContextOptions) (RequestContext, error) {
	tenant := strings.TrimSpace(opts.TenantID)
	if !tenantPattern.MatchString(tenant) {
		return RequestContext{}, Errorf(ErrInvalidInput, "tenant id %q does not match %s", opts.TenantID, tenantPattern.String())
	}
	mode := opts.Mode
	if mode == "" {
		mode = "default"
	}
	runID := opts.RunID
	if runID == "" {
		runID = "run_" + uuid.NewString()
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return RequestContext{
		tenantID:  tenant,
		mode:      mode,
		projectID: opts.ProjectID,
		runID:     runID,
		traceID:   traceID,
		stepID:    opts.StepID,
		userID:    opts.UserID,
		actorID:   opts.ActorID,
		surfaceID: opts.SurfaceID,
	}, nil
}

// MustRequestContext is NewRequestContext that panics on invalid input.
// Intended for tests and static setup.
func MustRequestContext(opts RequestContextOptions) RequestContext {
	rc, err := NewRequestContext(opts)
	if err != nil {
		panic(fmt.Sprintf("invalid request context: %v", err))
	}
	return rc
}

func (rc RequestContext) TenantID() string  { return rc.tenantID }
func (rc RequestContext) Mode() string      { return rc.mode }
func (rc RequestContext) ProjectID() string { return rc.projectID }
func (rc RequestContext) RunID() string     { return rc.runID }
func (rc RequestContext) TraceID() string   { return rc.traceID }
func (rc RequestContext) StepID() string    { return rc.stepID }
func (rc RequestContext) UserID() string    { return rc.userID }
func (rc RequestContext) ActorID() string   { return rc.actorID }
func (rc RequestContext) SurfaceID() string { return rc.surfaceID }

// IsZero reports whether rc was never built through NewRequestContext.
func (rc RequestContext) IsZero() bool {
	return rc.tenantID == "" && rc.runID == ""
}

// Options returns the fields of rc, e.g. for persisting a resumable run.
func (rc RequestContext) Options() RequestContextOptions {
	return RequestContextOptions{
		TenantID:  rc.tenantID,
		Mode:      rc.mode,
		ProjectID: rc.projectID,
		RunID:     rc.runID,
		TraceID:   rc.traceID,
		StepID:    rc.stepID,
		UserID:    rc.userID,
		ActorID:   rc.actorID,
		SurfaceID: rc.surfaceID,
	}
}

// Fields returns rc as a flat map for audit payloads and adapter metadata.
func (rc RequestContext) Fields() map[string]string {
	out := map[string]string{
		"tenant_id": rc.tenantID,
		"mode":      rc.mode,
		"run_id":    rc.runID,
		"trace_id":  rc.traceID,
	}
	for k, v := range map[string]string{
		"project_id": rc.projectID,
		"step_id":    rc.stepID,
		"user_id":    rc.userID,
		"actor_id":   rc.actorID,
		"surface_id": rc.surfaceID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// WithRequestContext adds the request context to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, keyRequestContext, rc)
}

// RequestContextFrom extracts the request context from ctx.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	v, ok := ctx.Value(keyRequestContext).(RequestContext)
	return v, ok && !v.IsZero()
}
