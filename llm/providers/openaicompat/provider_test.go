package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/types"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func newAdapter(t *testing.T, baseURL string, params map[string]string) *Adapter {
	t.Helper()
	spec := llm.ProviderSpec{
		ProviderID: "provider.test",
		Backend:    "openai-compatible",
		BaseURL:    baseURL,
		APIKeyEnv:  "TEST_KEY",
		Params:     params,
		Guard:      llm.NewLimitGuard(0, nil),
		LookupEnv:  env(map[string]string{"TEST_KEY": "sk-test"}),
	}
	return New(spec, CompatibleDefaults, zaptest.NewLogger(t))
}

func request(t *testing.T) *llm.InvokeRequest {
	t.Helper()
	rc, err := types.NewRequestContext(types.RequestContextOptions{TenantID: "acme", UserID: "u1"})
	require.NoError(t, err)
	return &llm.InvokeRequest{
		CardRef: "node.writer",
		Model:   "gpt-test",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hello"},
		},
		Context: rc,
	}
}

func TestInvoke_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Trace-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{FinishReason: "stop", Message: chatMessage{Role: "assistant", Content: "hi there"}}},
			Usage:   &chatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	req := request(t)
	req.Capabilities = []llm.CapabilityToggle{{ID: "capability.json", Feature: "json_mode", Settings: map[string]any{
		"response_format": map[string]any{"type": "json_object"},
		"model":           "ignored",
	}}}
	req.Params = map[string]any{"top_p": 0.5}

	result := newAdapter(t, srv.URL, nil).Invoke(context.Background(), req)
	require.Nil(t, result.Error)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, llm.FinishStop, result.FinishReason)
	assert.Equal(t, 5, result.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got["model"], "reserved keys are not overridden")
	assert.Equal(t, 0.5, got["top_p"])
	assert.Equal(t, "u1", got["user"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestInvoke_MapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer srv.Close()

	result := newAdapter(t, srv.URL, nil).Invoke(context.Background(), request(t))
	require.NotNil(t, result.Error)
	assert.Equal(t, llm.FinishError, result.FinishReason)
	assert.Equal(t, llm.BackendUnauthorized, result.Error.Code)
	assert.Equal(t, http.StatusUnauthorized, result.Error.HTTPStatus)
	assert.Equal(t, "Incorrect API key provided", result.Error.Message)
}

func TestInvoke_TimeoutBudget(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	req := request(t)
	req.Limits.Timeout = 50 * time.Millisecond
	result := newAdapter(t, srv.URL, nil).Invoke(context.Background(), req)
	require.NotNil(t, result.Error)
	assert.Equal(t, llm.BackendTimeout, result.Error.Code)
}

func TestInvoke_OutputTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "0123456789"}}}})
	}))
	defer srv.Close()

	req := request(t)
	req.Limits.MaxOutputChars = 4
	result := newAdapter(t, srv.URL, nil).Invoke(context.Background(), req)
	require.NotNil(t, result.Error)
	assert.Equal(t, llm.BackendOutputTooLarge, result.Error.Code)
	assert.Equal(t, llm.FinishLength, result.FinishReason)
}

func TestInvoke_PanicsOnContractViolation(t *testing.T) {
	a := newAdapter(t, "http://127.0.0.1:1", nil)
	req := request(t)
	req.Model = ""
	assert.Panics(t, func() { a.Invoke(context.Background(), req) })
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
			flusher.Flush()
		}
	}))
}

func TestInvokeStream_OrderedTokensAndTerminal(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		`[DONE]`,
	)
	defer srv.Close()

	s, err := newAdapter(t, srv.URL, nil).InvokeStream(context.Background(), request(t))
	require.NoError(t, err)

	var texts []string
	result := llm.Collect(s, func(c llm.StreamChunk) {
		if c.Kind == llm.ChunkToken {
			texts = append(texts, c.Text)
		}
	})
	assert.Equal(t, []string{"Hel", "lo"}, texts)
	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, llm.FinishStop, result.FinishReason)
	assert.Equal(t, 6, result.Usage.TotalTokens)
	assert.Nil(t, result.Error)
}

func TestInvokeStream_MaxOutputChars(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"abc"}}]}`,
		`{"choices":[{"delta":{"content":"def"}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	req := request(t)
	req.Limits.MaxOutputChars = 4
	s, err := newAdapter(t, srv.URL, nil).InvokeStream(context.Background(), req)
	require.NoError(t, err)

	result := llm.Collect(s, nil)
	assert.Equal(t, "abc", result.Content)
	require.NotNil(t, result.Error)
	assert.Equal(t, llm.BackendOutputTooLarge, result.Error.Code)
}

func TestInvokeStream_ContractViolationIsError(t *testing.T) {
	req := request(t)
	req.Messages = nil
	_, err := newAdapter(t, "http://127.0.0.1:1", nil).InvokeStream(context.Background(), req)
	assert.True(t, types.IsCode(err, types.ErrContractBroken))
}

func TestCheckReadiness(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		a := newAdapter(t, "http://example.invalid", nil)
		a.spec.LookupEnv = env(nil)
		r := a.CheckReadiness(context.Background())
		assert.Equal(t, llm.StatusMissingCredsOrConfig, r.Status)
		assert.Contains(t, r.Reason, "TEST_KEY")
	})

	t.Run("compatible backend requires base url", func(t *testing.T) {
		r := newAdapter(t, "", nil).CheckReadiness(context.Background())
		assert.Equal(t, llm.StatusMissingCredsOrConfig, r.Status)
	})

	t.Run("openai defaults fill base url", func(t *testing.T) {
		a := New(llm.ProviderSpec{Backend: "openai", LookupEnv: env(map[string]string{"OPENAI_API_KEY": "k"})}, OpenAIDefaults, nil)
		assert.True(t, a.CheckReadiness(context.Background()).IsReady())
	})

	t.Run("probe rejects credentials", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/models", r.URL.Path)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()
		r := newAdapter(t, srv.URL, map[string]string{"readiness_probe": "true"}).CheckReadiness(context.Background())
		assert.Equal(t, llm.StatusMissingCredsOrConfig, r.Status)
	})

	t.Run("probe server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		r := newAdapter(t, srv.URL, map[string]string{"readiness_probe": "true"}).CheckReadiness(context.Background())
		assert.Equal(t, llm.StatusMissingDeps, r.Status)
	})

	t.Run("probe ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"data":[]}`)
		}))
		defer srv.Close()
		assert.True(t, newAdapter(t, srv.URL, map[string]string{"readiness_probe": "true"}).CheckReadiness(context.Background()).IsReady())
	})
}
