package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/internal/tlsutil"
)

// RemoteRedactor is the infra PII strategy: a managed redaction endpoint
// that accepts {"text": ...} and answers {"redacted": ...}.
type RemoteRedactor struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

var _ Redactor = (*RemoteRedactor)(nil)

type redactRequest struct {
	Text string `json:"text"`
}

type redactResponse struct {
	Redacted string `json:"redacted"`
}

// NewRemoteRedactor builds a client for cfg.Endpoint. The API key is read
// from cfg.APIKeyEnv when set.
func NewRemoteRedactor(cfg config.PIIConfig, logger *zap.Logger) (*RemoteRedactor, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("pii endpoint is not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &RemoteRedactor{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   tlsutil.ServiceClient(timeout),
		logger:   logger.With(zap.String("component", "pii_remote")),
	}
	if cfg.APIKeyEnv != "" {
		r.apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return r, nil
}

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func (r *RemoteRedactor) WithHTTPClient(c *http.Client) *RemoteRedactor {
	r.client = c
	return r
}

func (r *RemoteRedactor) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return req, nil
}

// Redact sends text to the endpoint. Errors are returned, never swallowed:
// sending unredacted content is not an acceptable fallback.
func (r *RemoteRedactor) Redact(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	payload, err := json.Marshal(redactRequest{Text: text})
	if err != nil {
		return "", err
	}
	req, err := r.newRequest(ctx, http.MethodPost, r.endpoint+"/redact", payload)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pii redaction request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("pii redaction failed: status=%d", resp.StatusCode)
	}
	var out redactResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pii response: %w", err)
	}
	return out.Redacted, nil
}

// Ping calls the endpoint's health route.
func (r *RemoteRedactor) Ping(ctx context.Context) error {
	req, err := r.newRequest(ctx, http.MethodGet, r.endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("pii endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pii endpoint unhealthy: status=%d", resp.StatusCode)
	}
	return nil
}
