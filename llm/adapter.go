package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/types"
)

// =============================================================================
// 🎯 Readiness
// =============================================================================

// ReadinessStatus is the self-reported ability of a backend to accept calls.
type ReadinessStatus string

const (
	StatusReady                ReadinessStatus = "READY"
	StatusMissingDeps          ReadinessStatus = "MISSING_DEPS"
	StatusMissingCredsOrConfig ReadinessStatus = "MISSING_CREDS_OR_CONFIG"
)

// Readiness is the result of a preflight check.
type Readiness struct {
	Status ReadinessStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// IsReady reports whether the backend may be invoked.
func (r Readiness) IsReady() bool { return r.Status == StatusReady }

func (r Readiness) String() string {
	if r.Reason == "" {
		return string(r.Status)
	}
	return string(r.Status) + ": " + r.Reason
}

// Ready returns a READY readiness.
func Ready() Readiness { return Readiness{Status: StatusReady} }

// MissingDeps returns a MISSING_DEPS readiness with a formatted reason.
func MissingDeps(format string, args ...any) Readiness {
	return Readiness{Status: StatusMissingDeps, Reason: fmt.Sprintf(format, args...)}
}

// MissingCredsOrConfig returns a MISSING_CREDS_OR_CONFIG readiness with a formatted reason.
func MissingCredsOrConfig(format string, args ...any) Readiness {
	return Readiness{Status: StatusMissingCredsOrConfig, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// 📨 Request / Result
// =============================================================================

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the outbound conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CapabilityToggle is a capability translated for one backend.
type CapabilityToggle struct {
	ID       string         `json:"id"`
	Feature  string         `json:"feature"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Limits are attached to every invocation and enforced by the adapter.
type Limits struct {
	MaxCalls       int           `json:"max_calls,omitempty"`
	MaxOutputChars int           `json:"max_output_chars,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InvokeRequest is everything an adapter receives for one call.
type InvokeRequest struct {
	// CardRef is the node card id the call is made for.
	CardRef         string               `json:"card_ref"`
	Model           string               `json:"model"`
	Messages        []Message            `json:"messages"`
	Capabilities    []CapabilityToggle   `json:"capabilities,omitempty"`
	Limits          Limits               `json:"limits"`
	Context         types.RequestContext `json:"-"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Temperature     float64              `json:"temperature,omitempty"`
	Params          map[string]any       `json:"params,omitempty"`
}

// Validate reports programmer errors in the request.
func (r *InvokeRequest) Validate() error {
	if r == nil {
		return types.NewError(types.ErrContractBroken, "nil invoke request")
	}
	if strings.TrimSpace(r.Model) == "" {
		return types.NewError(types.ErrContractBroken, "invoke request without model").WithRef(r.CardRef)
	}
	if len(r.Messages) == 0 {
		return types.NewError(types.ErrContractBroken, "invoke request without messages").WithRef(r.CardRef)
	}
	if r.Context.IsZero() {
		return types.NewError(types.ErrContractBroken, "invoke request without request context").WithRef(r.CardRef)
	}
	return nil
}

// Finish reasons with engine meaning.
const (
	FinishStop       = "stop"
	FinishLength     = "length"
	FinishNeedsInput = "needs_input"
	FinishError      = "error"
	FinishCancelled  = "cancelled"
)

// InvokeResult is the blocking call outcome. Backend failures are carried in
// Error instead of being returned as Go errors.
type InvokeResult struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Usage        Usage         `json:"usage"`
	FinishReason string        `json:"finish_reason"`
	Error        *BackendError `json:"error,omitempty"`
}

// ErrorResult wraps a backend error as a result.
func ErrorResult(err *BackendError) *InvokeResult {
	return &InvokeResult{Role: RoleAssistant, FinishReason: FinishError, Error: err}
}

// =============================================================================
// ❌ Backend errors
// =============================================================================

// BackendErrorCode classifies remote failures.
type BackendErrorCode string

const (
	BackendUpstream       BackendErrorCode = "UPSTREAM_ERROR"
	BackendTimeout        BackendErrorCode = "TIMEOUT"
	BackendCancelled      BackendErrorCode = "CANCELLED"
	BackendUnauthorized   BackendErrorCode = "UNAUTHORIZED"
	BackendForbidden      BackendErrorCode = "FORBIDDEN"
	BackendRateLimited    BackendErrorCode = "RATE_LIMITED"
	BackendQuotaExceeded  BackendErrorCode = "QUOTA_EXCEEDED"
	BackendInvalidRequest BackendErrorCode = "INVALID_REQUEST"
	BackendOverloaded     BackendErrorCode = "MODEL_OVERLOADED"
	BackendCallLimit      BackendErrorCode = "CALL_LIMIT_EXCEEDED"
	BackendOutputTooLarge BackendErrorCode = "OUTPUT_TOO_LARGE"
)

// BackendError describes a failed remote call. Message keeps the upstream
// text verbatim.
type BackendError struct {
	Code       BackendErrorCode `json:"code"`
	Message    string           `json:"message"`
	Backend    string           `json:"backend,omitempty"`
	HTTPStatus int              `json:"http_status,omitempty"`
	Retryable  bool             `json:"retryable"`
}

func (e *BackendError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConnectivity reports whether the failure says the backend itself is
// unreachable, unauthenticated, timing out or erroring server-side. Request
// and budget errors do not count.
func (e *BackendError) IsConnectivity() bool {
	switch e.Code {
	case BackendTimeout, BackendUnauthorized, BackendForbidden, BackendOverloaded:
		return true
	case BackendUpstream:
		return e.HTTPStatus == 0 || e.HTTPStatus >= 500
	}
	return false
}

// NewBackendError classifies err. Context deadline and cancellation map to
// TIMEOUT and CANCELLED; anything else is an upstream error.
func NewBackendError(backend string, err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &BackendError{Code: BackendTimeout, Message: "wall-clock budget exceeded: " + err.Error(), Backend: backend}
	case errors.Is(err, context.Canceled):
		return &BackendError{Code: BackendCancelled, Message: "cancelled", Backend: backend}
	default:
		return &BackendError{Code: BackendUpstream, Message: err.Error(), Backend: backend, Retryable: true}
	}
}

// =============================================================================
// 📡 Streaming
// =============================================================================

type ChunkKind string

const (
	ChunkToken ChunkKind = "token"
	ChunkEvent ChunkKind = "event"
)

// Metadata keys on event chunks.
const (
	MetaEvent        = "event"
	MetaFinishReason = "finish_reason"
	MetaError        = "error"
	MetaUsage        = "usage"
	EventEnd         = "end"
	EventUsage       = "usage"
)

// StreamChunk is one ordered increment of a streaming invocation.
type StreamChunk struct {
	Kind     ChunkKind      `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsTerminal reports whether c is the end-of-stream event.
func (c StreamChunk) IsTerminal() bool {
	return c.Kind == ChunkEvent && c.Metadata[MetaEvent] == EventEnd
}

// Terminal returns the finish reason and error carried by an end event.
func (c StreamChunk) Terminal() (string, *BackendError) {
	finish, _ := c.Metadata[MetaFinishReason].(string)
	berr, _ := c.Metadata[MetaError].(*BackendError)
	return finish, berr
}

// Stream is a cancellable, ordered, finite sequence of chunks. Recv returns
// io.EOF after the terminal chunk. Close must always be called.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Collect drains s and folds it into an InvokeResult. Each chunk is passed to
// observe first when observe is non-nil.
func Collect(s Stream, observe func(StreamChunk)) *InvokeResult {
	defer s.Close()
	var b strings.Builder
	result := &InvokeResult{Role: RoleAssistant}
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ErrorResult(NewBackendError("", err))
		}
		if observe != nil {
			observe(chunk)
		}
		if chunk.Kind == ChunkToken {
			b.WriteString(chunk.Text)
			continue
		}
		if u, ok := chunk.Metadata[MetaUsage].(Usage); ok {
			result.Usage = u
		}
		if chunk.IsTerminal() {
			result.FinishReason, result.Error = chunk.Terminal()
			break
		}
	}
	result.Content = b.String()
	return result
}

// =============================================================================
// 🔌 Adapter
// =============================================================================

// Adapter is the contract every pluggable backend implements. Callers must
// check readiness first and never invoke a backend that is not READY.
type Adapter interface {
	// Backend returns the backend id, e.g. "openai".
	Backend() string
	CheckReadiness(ctx context.Context) Readiness
	// Invoke blocks for a single response. Backend failures are reported in
	// InvokeResult.Error; panics are reserved for programmer errors.
	Invoke(ctx context.Context, req *InvokeRequest) *InvokeResult
	// InvokeStream returns an error only for programmer errors.
	InvokeStream(ctx context.Context, req *InvokeRequest) (Stream, error)
}

// ProviderSpec is the connection configuration handed to a Factory.
type ProviderSpec struct {
	ProviderID   string
	Backend      string
	BaseURL      string
	APIKeyEnv    string
	RequiredEnv  []string
	Timeout      time.Duration
	RateLimitRPS float64
	Params       map[string]string
	// StreamGrace bounds how long a cancelled stream may take to stop.
	StreamGrace time.Duration
	// Guard is set by Registry.Create.
	Guard *LimitGuard
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// SpecFromCard builds a ProviderSpec from a provider card.
func SpecFromCard(c *cards.ProviderConfigCard) ProviderSpec {
	return ProviderSpec{
		ProviderID:   c.ID,
		Backend:      c.Backend,
		BaseURL:      c.BaseURL,
		APIKeyEnv:    c.APIKeyEnv,
		RequiredEnv:  append([]string(nil), c.RequiredEnv...),
		Timeout:      c.Timeout.Std(),
		RateLimitRPS: c.RateLimitRPS,
		Params:       c.Params,
	}
}

// Env looks up an environment variable through the spec's lookup function.
func (s ProviderSpec) Env(name string) (string, bool) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// CheckEnv is the readiness rule shared by built-in adapters: required_env
// entries missing means MISSING_DEPS; a missing API key variable or base URL
// means MISSING_CREDS_OR_CONFIG.
func (s ProviderSpec) CheckEnv(keyEnv string, needBaseURL bool) Readiness {
	for _, name := range s.RequiredEnv {
		if _, ok := s.Env(name); !ok {
			return MissingDeps("required environment variable %s is not set", name)
		}
	}
	if needBaseURL && strings.TrimSpace(s.BaseURL) == "" {
		return MissingCredsOrConfig("provider %s has no base_url", s.ProviderID)
	}
	if keyEnv != "" {
		if _, ok := s.Env(keyEnv); !ok {
			return MissingCredsOrConfig("environment variable %s is not set", keyEnv)
		}
	}
	return Ready()
}
