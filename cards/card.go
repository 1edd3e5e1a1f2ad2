package cards

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind is the card_type discriminator.
type Kind string

const (
	KindPersona           Kind = "persona"
	KindTask              Kind = "task"
	KindModel             Kind = "model"
	KindProvider          Kind = "provider"
	KindCapability        Kind = "capability"
	KindCapabilityBinding Kind = "capability_binding"
	KindNode              Kind = "node"
	KindFlow              Kind = "flow"
	KindRunProfile        Kind = "run_profile"
)

// Kinds lists every card kind in load order.
var Kinds = []Kind{
	KindPersona, KindTask, KindModel, KindProvider, KindCapability,
	KindCapabilityBinding, KindNode, KindFlow, KindRunProfile,
}

var kindPrefixes = map[Kind]string{
	KindPersona:           "persona.",
	KindTask:              "task.",
	KindModel:             "model.",
	KindProvider:          "provider.",
	KindCapability:        "capability.",
	KindCapabilityBinding: "binding.",
	KindNode:              "node.",
	KindFlow:              "flow.",
	KindRunProfile:        "profile.",
}

// Prefix returns the id prefix required for cards of kind k.
func (k Kind) Prefix() string {
	return kindPrefixes[k]
}

// Valid reports whether k is a known card kind.
func (k Kind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

// Key identifies a card in the registry.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Header is the envelope shared by every card.
type Header struct {
	Type        Kind           `yaml:"card_type" json:"card_type"`
	ID          string         `yaml:"id" json:"id"`
	Version     int            `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Card is the closed union of card variants. Only types in this package
// implement it; callers switch on the concrete type or on Kind().
type Card interface {
	Kind() Kind
	CardID() string
	CardHeader() Header
	isCard()
}

func (h Header) Kind() Kind         { return h.Type }
func (h Header) CardID() string     { return h.ID }
func (h Header) CardHeader() Header { return h }
func (Header) isCard()              {}

// PersonaCard describes who the agent is.
type PersonaCard struct {
	Header     `yaml:",inline"`
	Identity   string   `yaml:"identity" json:"identity"`
	Voice      string   `yaml:"voice,omitempty" json:"voice,omitempty"`
	Principles []string `yaml:"principles,omitempty" json:"principles,omitempty"`
}

// TaskCard describes what the agent must do.
type TaskCard struct {
	Header             `yaml:",inline"`
	Goal               string   `yaml:"goal" json:"goal"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	Constraints        []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	// Knowledge lists retrieval queries whose results are attached to the request.
	Knowledge []string `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`
}

// ModelCard binds a backend id to a concrete model identifier.
type ModelCard struct {
	Header          `yaml:",inline"`
	Backend         string  `yaml:"backend" json:"backend"`
	Model           string  `yaml:"model" json:"model"`
	MaxOutputTokens int     `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	Temperature     float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// ProviderConfigCard holds connection parameters for a backend. Secrets are
// referenced by environment variable name, never inlined.
type ProviderConfigCard struct {
	Header       `yaml:",inline"`
	Backend      string            `yaml:"backend" json:"backend"`
	BaseURL      string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv    string            `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	RequiredEnv  []string          `yaml:"required_env,omitempty" json:"required_env,omitempty"`
	Timeout      Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimitRPS float64           `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
	Params       map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// CapabilityCard names an optional feature and how each backend toggles it.
type CapabilityCard struct {
	Header  `yaml:",inline"`
	Feature string `yaml:"feature" json:"feature"`
	// Toggles maps backend id to the backend-specific request switches.
	Toggles map[string]map[string]any `yaml:"toggles,omitempty" json:"toggles,omitempty"`
}

// CapabilityBindingCard declares that a model supports a capability.
type CapabilityBindingCard struct {
	Header       `yaml:",inline"`
	ModelID      string         `yaml:"model_id" json:"model_id"`
	CapabilityID string         `yaml:"capability_id" json:"capability_id"`
	Params       map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// NodeOutputs declares what a node emits.
type NodeOutputs struct {
	Artifacts   []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	SharedState []string `yaml:"shared_state,omitempty" json:"shared_state,omitempty"`
}

// Limits bound every invocation of a node.
type Limits struct {
	MaxCalls       int      `yaml:"max_calls,omitempty" json:"max_calls,omitempty"`
	MaxOutputChars int      `yaml:"max_output_chars,omitempty" json:"max_output_chars,omitempty"`
	Timeout        Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// NodeCard is one unit of work.
type NodeCard struct {
	Header       `yaml:",inline"`
	Persona      string      `yaml:"persona" json:"persona"`
	Task         string      `yaml:"task" json:"task"`
	Provider     string      `yaml:"provider" json:"provider"`
	Model        string      `yaml:"model" json:"model"`
	Capabilities []string    `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Outputs      NodeOutputs `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Limits       Limits      `yaml:"limits,omitempty" json:"limits,omitempty"`
	Stream       bool        `yaml:"stream,omitempty" json:"stream,omitempty"`
	// RequiresInput interrupts the node until external input is supplied.
	RequiresInput bool `yaml:"requires_input,omitempty" json:"requires_input,omitempty"`
}

// Edge is a directed data dependency between two nodes of a flow.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

func (e Edge) String() string {
	return e.From + "->" + e.To
}

// OnFail policies for FlowPolicy.
const (
	OnFailHalt     = "halt"
	OnFailContinue = "continue"
)

// FlowPolicy tunes flow-level failure handling.
type FlowPolicy struct {
	OnFail string `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
}

// FlowCard is a DAG of node ids.
type FlowCard struct {
	Header `yaml:",inline"`
	Nodes  []string   `yaml:"nodes" json:"nodes"`
	Edges  []Edge     `yaml:"edges,omitempty" json:"edges,omitempty"`
	Entry  string     `yaml:"entry" json:"entry"`
	Exits  []string   `yaml:"exits" json:"exits"`
	Policy FlowPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Strategy names for RunProfileCard.
const (
	StrategyLocal    = "local"
	StrategyInfra    = "infra"
	StrategyDisabled = "disabled"
)

// RunProfileCard is a deployment policy.
type RunProfileCard struct {
	Header          `yaml:",inline"`
	ArtifactStorage string `yaml:"artifact_storage" json:"artifact_storage"`
	SharedState     string `yaml:"shared_state" json:"shared_state"`
	PII             string `yaml:"pii" json:"pii"`
	Retrieval       string `yaml:"retrieval" json:"retrieval"`
	AllowFallback   bool   `yaml:"allow_fallback,omitempty" json:"allow_fallback,omitempty"`
}

// Duration is a time.Duration that reads and writes as "30s" in card files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// newCard returns an empty variant for kind.
func newCard(kind Kind) (Card, error) {
	switch kind {
	case KindPersona:
		return &PersonaCard{}, nil
	case KindTask:
		return &TaskCard{}, nil
	case KindModel:
		return &ModelCard{}, nil
	case KindProvider:
		return &ProviderConfigCard{}, nil
	case KindCapability:
		return &CapabilityCard{}, nil
	case KindCapabilityBinding:
		return &CapabilityBindingCard{}, nil
	case KindNode:
		return &NodeCard{}, nil
	case KindFlow:
		return &FlowCard{}, nil
	case KindRunProfile:
		return &RunProfileCard{}, nil
	default:
		return nil, fmt.Errorf("unknown card_type %q", kind)
	}
}
