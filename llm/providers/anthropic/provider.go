// Package anthropic adapts the Anthropic Messages API to the cardflow
// adapter contract using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/llm"
)

const (
	// Backend is the backend id served by this adapter.
	Backend = "anthropic"

	defaultAPIKeyEnv = "ANTHROPIC_API_KEY"
	defaultMaxTokens = 1024

	// FeatureThinking enables extended thinking; settings.budget_tokens sets the budget.
	FeatureThinking = "extended_thinking"
)

// MessagesClient captures the subset of the SDK used by the adapter. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Adapter is the llm.Adapter for Anthropic.
type Adapter struct {
	spec      llm.ProviderSpec
	apiKeyEnv string
	msg       MessagesClient
	injected  bool
	logger    *zap.Logger
}

var _ llm.Adapter = (*Adapter)(nil)

// Factory builds adapters backed by the real SDK client.
func Factory(spec llm.ProviderSpec, logger *zap.Logger) (llm.Adapter, error) {
	return New(spec, nil, logger), nil
}

// New creates an adapter. A nil msg builds an SDK client from the API key
// environment variable.
func New(spec llm.ProviderSpec, msg MessagesClient, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	keyEnv := spec.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	a := &Adapter{
		spec:      spec,
		apiKeyEnv: keyEnv,
		msg:       msg,
		injected:  msg != nil,
		logger:    logger.With(zap.String("component", "anthropic")),
	}
	if a.msg == nil {
		key, _ := spec.Env(keyEnv)
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if spec.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(spec.BaseURL))
		}
		ac := sdk.NewClient(opts...)
		a.msg = &ac.Messages
	}
	return a
}

// Backend returns the backend id.
func (a *Adapter) Backend() string {
	if a.spec.Backend != "" {
		return a.spec.Backend
	}
	return Backend
}

// CheckReadiness reports missing dependencies or credentials.
func (a *Adapter) CheckReadiness(_ context.Context) llm.Readiness {
	if a.injected {
		return a.spec.CheckEnv("", false)
	}
	return a.spec.CheckEnv(a.apiKeyEnv, false)
}

func (a *Adapter) effective(req *llm.InvokeRequest) *llm.InvokeRequest {
	out := *req
	if out.Limits.Timeout == 0 {
		out.Limits.Timeout = a.spec.Timeout
	}
	return &out
}

// prepareRequest maps the invoke request onto MessageNewParams. System
// messages become the system prompt.
func (a *Adapter) prepareRequest(req *llm.InvokeRequest) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(req.Model),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return params, errors.New("anthropic: at least one user message is required")
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	for _, c := range req.Capabilities {
		if c.Feature != FeatureThinking {
			a.logger.Debug("capability has no anthropic toggle", zap.String("capability", c.ID))
			continue
		}
		budget := toInt64(c.Settings["budget_tokens"])
		if budget < 1024 {
			return params, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= params.MaxTokens {
			return params, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, params.MaxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// Invoke issues a non-streaming Messages.New request.
func (a *Adapter) Invoke(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult {
	if err := req.Validate(); err != nil {
		panic(err)
	}
	req = a.effective(req)
	params, err := a.prepareRequest(req)
	if err != nil {
		return llm.ErrorResult(&llm.BackendError{Code: llm.BackendInvalidRequest, Message: err.Error(), Backend: a.Backend()})
	}

	ctx, cancel, berr := a.spec.Guard.Begin(ctx, a.Backend(), req)
	defer cancel()
	if berr != nil {
		return llm.ErrorResult(berr)
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return llm.ErrorResult(a.mapError(ctx, err))
	}
	if msg == nil {
		return llm.ErrorResult(&llm.BackendError{Code: llm.BackendUpstream, Message: "response message is nil", Backend: a.Backend()})
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	result := &llm.InvokeResult{
		Role:         llm.RoleAssistant,
		Content:      b.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	if berr := a.spec.Guard.CheckOutput(a.Backend(), req, result.Content); berr != nil {
		result.Error = berr
		result.FinishReason = llm.FinishLength
	}
	return result
}

// InvokeStream invokes Messages.NewStreaming and forwards text deltas.
func (a *Adapter) InvokeStream(ctx context.Context, req *llm.InvokeRequest) (llm.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = a.effective(req)
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}

	return llm.NewStream(ctx, a.Backend(), a.spec.StreamGrace, func(ctx context.Context, emit llm.Emitter) (string, *llm.BackendError) {
		ctx, cancel, berr := a.spec.Guard.Begin(ctx, a.Backend(), req)
		defer cancel()
		if berr != nil {
			return llm.FinishError, berr
		}

		stream := a.msg.NewStreaming(ctx, params)
		defer stream.Close()

		finish := ""
		chars := 0
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
				if !ok || delta.Text == "" {
					continue
				}
				chars += len([]rune(delta.Text))
				if max := req.Limits.MaxOutputChars; max > 0 && chars > max {
					return llm.FinishLength, llm.OutputTooLarge(a.Backend(), chars, max)
				}
				if err := emit(llm.StreamChunk{Kind: llm.ChunkToken, Text: delta.Text}); err != nil {
					return finish, llm.NewBackendError(a.Backend(), err)
				}
			case sdk.MessageDeltaEvent:
				finish = mapStopReason(string(ev.Delta.StopReason))
				usage := llm.Usage{
					PromptTokens:     int(ev.Usage.InputTokens),
					CompletionTokens: int(ev.Usage.OutputTokens),
					TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
				}
				if err := emit(llm.StreamChunk{Kind: llm.ChunkEvent, Metadata: map[string]any{
					llm.MetaEvent: llm.EventUsage, llm.MetaUsage: usage,
				}}); err != nil {
					return finish, llm.NewBackendError(a.Backend(), err)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return llm.FinishError, a.mapError(ctx, err)
		}
		if ctx.Err() != nil {
			return finish, llm.NewBackendError(a.Backend(), ctx.Err())
		}
		return finish, nil
	}), nil
}

// mapError converts SDK and context errors into backend errors.
func (a *Adapter) mapError(ctx context.Context, err error) *llm.BackendError {
	if ctx.Err() != nil {
		return llm.NewBackendError(a.Backend(), ctx.Err())
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return llm.MapHTTPError(apiErr.StatusCode, apiErr.Error(), a.Backend())
	}
	return llm.NewBackendError(a.Backend(), err)
}

func mapStopReason(reason string) string {
	switch reason {
	case "", string(sdk.StopReasonEndTurn), string(sdk.StopReasonStopSequence):
		return llm.FinishStop
	case string(sdk.StopReasonMaxTokens):
		return llm.FinishLength
	case llm.FinishNeedsInput:
		return llm.FinishNeedsInput
	default:
		return reason
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
