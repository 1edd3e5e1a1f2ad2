// =============================================================================
// cardflow OpenAI-Compatible Adapter
// =============================================================================
// Shared implementation for every backend that speaks the OpenAI chat
// completions protocol. "openai" and "openai-compatible" only differ in
// their defaults (base URL, API key variable).
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/internal/tlsutil"
	"github.com/BaSui01/cardflow/llm"
)

// Defaults fill the gaps of a provider card for one backend flavour.
type Defaults struct {
	BaseURL   string
	APIKeyEnv string
	// RequireBaseURL makes a missing base_url a readiness failure.
	RequireBaseURL bool
}

// OpenAIDefaults are used for the "openai" backend.
var OpenAIDefaults = Defaults{BaseURL: "https://api.openai.com", APIKeyEnv: "OPENAI_API_KEY"}

// CompatibleDefaults are used for the "openai-compatible" backend.
var CompatibleDefaults = Defaults{RequireBaseURL: true}

const (
	defaultEndpointPath = "/v1/chat/completions"
	defaultModelsPath   = "/v1/models"
)

// Adapter is the llm.Adapter for OpenAI-compatible backends.
type Adapter struct {
	spec           llm.ProviderSpec
	baseURL        string
	apiKeyEnv      string
	requireBaseURL bool
	endpointPath   string
	modelsPath     string
	client         *http.Client
	logger         *zap.Logger
}

var _ llm.Adapter = (*Adapter)(nil)

// NewFactory returns an llm.Factory that applies d to every spec.
func NewFactory(d Defaults) llm.Factory {
	return func(spec llm.ProviderSpec, logger *zap.Logger) (llm.Adapter, error) {
		return New(spec, d, logger), nil
	}
}

// New creates an adapter.
func New(spec llm.ProviderSpec, d Defaults, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = d.BaseURL
	}
	keyEnv := spec.APIKeyEnv
	if keyEnv == "" {
		keyEnv = d.APIKeyEnv
	}
	endpoint := spec.Params["endpoint_path"]
	if endpoint == "" {
		endpoint = defaultEndpointPath
	}
	models := spec.Params["models_path"]
	if models == "" {
		models = defaultModelsPath
	}
	return &Adapter{
		spec:           spec,
		baseURL:        baseURL,
		apiKeyEnv:      keyEnv,
		requireBaseURL: d.RequireBaseURL,
		endpointPath:   endpoint,
		modelsPath:     models,
		// No client timeout: budgets are carried by the request context so
		// long streams are not cut off.
		client: &http.Client{Transport: tlsutil.BackendTransport()},
		logger: logger.With(zap.String("component", "openaicompat"), zap.String("backend", spec.Backend)),
	}
}

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.client = c
	return a
}

// Backend returns the backend id.
func (a *Adapter) Backend() string { return a.spec.Backend }

// endpoint builds the full URL for a given path.
func (a *Adapter) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(a.baseURL, "/"), path)
}

func (a *Adapter) apiKey() string {
	if a.apiKeyEnv == "" {
		return ""
	}
	key, _ := a.spec.Env(a.apiKeyEnv)
	return key
}

// buildHeaders applies headers to the HTTP request.
func (a *Adapter) buildHeaders(req *http.Request, rc llm.InvokeRequest) {
	if key := a.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	if !rc.Context.IsZero() {
		req.Header.Set("X-Trace-Id", rc.Context.TraceID())
		req.Header.Set("X-Run-Id", rc.Context.RunID())
	}
}

// CheckReadiness checks configuration and, when the card sets
// params.readiness_probe=true, probes the models endpoint.
func (a *Adapter) CheckReadiness(ctx context.Context) llm.Readiness {
	spec := a.spec
	spec.BaseURL = a.baseURL
	if r := spec.CheckEnv(a.apiKeyEnv, a.requireBaseURL); !r.IsReady() {
		return r
	}
	if a.spec.Params["readiness_probe"] != "true" {
		return llm.Ready()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(a.modelsPath), nil)
	if err != nil {
		return llm.MissingCredsOrConfig("invalid base_url %q: %v", a.baseURL, err)
	}
	a.buildHeaders(httpReq, llm.InvokeRequest{})
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return llm.MissingDeps("%s unreachable: %v", a.Backend(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.MissingCredsOrConfig("%s rejected credentials: status=%d msg=%s",
			a.Backend(), resp.StatusCode, llm.ReadErrorMessage(resp.Body))
	case resp.StatusCode >= 400:
		return llm.MissingDeps("%s readiness probe failed: status=%d msg=%s",
			a.Backend(), resp.StatusCode, llm.ReadErrorMessage(resp.Body))
	}
	return llm.Ready()
}

// effective applies provider-level defaults to a copy of req.
func (a *Adapter) effective(req *llm.InvokeRequest) *llm.InvokeRequest {
	out := *req
	if out.Limits.Timeout == 0 {
		out.Limits.Timeout = a.spec.Timeout
	}
	return &out
}

// buildBody renders the request. Capability settings and params are merged
// into the top-level JSON object.
func (a *Adapter) buildBody(req *llm.InvokeRequest, stream bool) ([]byte, error) {
	body := chatRequest{
		Model:     req.Model,
		Messages:  make([]chatMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxOutputTokens,
		Stream:    stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if uid := req.Context.UserID(); uid != "" {
		body.User = uid
	}

	base, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(req.Capabilities) == 0 && len(req.Params) == 0 {
		return base, nil
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for _, c := range req.Capabilities {
		for k, v := range c.Settings {
			if !reservedParams[k] {
				merged[k] = v
			}
		}
	}
	for k, v := range req.Params {
		if !reservedParams[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (a *Adapter) post(ctx context.Context, req *llm.InvokeRequest, payload []byte) (*http.Response, *llm.BackendError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(a.endpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.BackendError{Code: llm.BackendInvalidRequest, Message: err.Error(), Backend: a.Backend()}
	}
	a.buildHeaders(httpReq, *req)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.NewBackendError(a.Backend(), ctx.Err())
		}
		return nil, llm.NewBackendError(a.Backend(), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, llm.MapHTTPError(resp.StatusCode, llm.ReadErrorMessage(resp.Body), a.Backend())
	}
	return resp, nil
}

// Invoke performs a non-streaming chat completion.
func (a *Adapter) Invoke(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult {
	if err := req.Validate(); err != nil {
		panic(err)
	}
	req = a.effective(req)

	ctx, cancel, berr := a.spec.Guard.Begin(ctx, a.Backend(), req)
	defer cancel()
	if berr != nil {
		return llm.ErrorResult(berr)
	}

	payload, err := a.buildBody(req, false)
	if err != nil {
		panic(fmt.Sprintf("openaicompat: marshal request: %v", err))
	}

	start := time.Now()
	resp, berr := a.post(ctx, req, payload)
	if berr != nil {
		a.logger.Warn("invoke failed", zap.String("node", req.CardRef), zap.String("code", string(berr.Code)))
		return llm.ErrorResult(berr)
	}
	defer resp.Body.Close()

	var oaResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		if ctx.Err() != nil {
			return llm.ErrorResult(llm.NewBackendError(a.Backend(), ctx.Err()))
		}
		return llm.ErrorResult(&llm.BackendError{Code: llm.BackendUpstream, Message: "decode response: " + err.Error(), Backend: a.Backend(), Retryable: true})
	}
	if len(oaResp.Choices) == 0 {
		return llm.ErrorResult(&llm.BackendError{Code: llm.BackendUpstream, Message: "response has no choices", Backend: a.Backend()})
	}

	choice := oaResp.Choices[0]
	result := &llm.InvokeResult{
		Role:         llm.RoleAssistant,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if result.FinishReason == "" {
		result.FinishReason = llm.FinishStop
	}
	if oaResp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		}
	}
	if berr := a.spec.Guard.CheckOutput(a.Backend(), req, result.Content); berr != nil {
		result.Error = berr
		result.FinishReason = llm.FinishLength
	}
	a.logger.Debug("invoke completed",
		zap.String("node", req.CardRef),
		zap.String("finish_reason", result.FinishReason),
		zap.Duration("duration", time.Since(start)))
	return result
}

// InvokeStream performs a streaming chat completion via SSE.
func (a *Adapter) InvokeStream(ctx context.Context, req *llm.InvokeRequest) (llm.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = a.effective(req)
	payload, err := a.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return llm.NewStream(ctx, a.Backend(), a.spec.StreamGrace, func(ctx context.Context, emit llm.Emitter) (string, *llm.BackendError) {
		ctx, cancel, berr := a.spec.Guard.Begin(ctx, a.Backend(), req)
		defer cancel()
		if berr != nil {
			return llm.FinishError, berr
		}
		resp, berr := a.post(ctx, req, payload)
		if berr != nil {
			return llm.FinishError, berr
		}
		return a.readSSE(ctx, resp.Body, req, emit)
	}), nil
}

// readSSE parses an OpenAI-compatible SSE body and emits token chunks in
// arrival order.
func (a *Adapter) readSSE(ctx context.Context, body io.ReadCloser, req *llm.InvokeRequest, emit llm.Emitter) (string, *llm.BackendError) {
	defer body.Close()
	reader := bufio.NewReader(body)
	finish := ""
	chars := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return finish, llm.NewBackendError(a.Backend(), ctx.Err())
			}
			if err == io.EOF {
				// Some servers close without [DONE].
				return finish, nil
			}
			return finish, &llm.BackendError{Code: llm.BackendUpstream, Message: err.Error(), Backend: a.Backend(), Retryable: true}
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return finish, nil
		}

		var oaResp chatResponse
		if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
			return llm.FinishError, &llm.BackendError{Code: llm.BackendUpstream, Message: "decode stream event: " + err.Error(), Backend: a.Backend()}
		}
		if oaResp.Usage != nil {
			usage := llm.Usage{
				PromptTokens:     oaResp.Usage.PromptTokens,
				CompletionTokens: oaResp.Usage.CompletionTokens,
				TotalTokens:      oaResp.Usage.TotalTokens,
			}
			if err := emit(llm.StreamChunk{Kind: llm.ChunkEvent, Metadata: map[string]any{
				llm.MetaEvent: llm.EventUsage, llm.MetaUsage: usage,
			}}); err != nil {
				return finish, llm.NewBackendError(a.Backend(), err)
			}
		}
		for _, choice := range oaResp.Choices {
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			chars += len([]rune(choice.Delta.Content))
			if max := req.Limits.MaxOutputChars; max > 0 && chars > max {
				return llm.FinishLength, llm.OutputTooLarge(a.Backend(), chars, max)
			}
			if err := emit(llm.StreamChunk{Kind: llm.ChunkToken, Text: choice.Delta.Content}); err != nil {
				return finish, llm.NewBackendError(a.Backend(), err)
			}
		}
	}
}
