// Package provider wraps an OpenAI-compatible chat completion API behind a
// small Client interface so the loop and harness can inject fakes in tests.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/throw-if-null/metacrit/internal/api"
)

// Client produces a completion for a conversation. Implementations must be
// safe for concurrent use; the harness shares one client across tasks.
type Client interface {
	Complete(ctx context.Context, messages []api.Message, opts Options) (string, error)
}

// Options are per-call generation parameters.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Config holds connection settings for an HTTP client. API key and base URL
// come from configuration, never from package-level state.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls a chat-completions endpoint. Stateless between calls.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

const defaultTimeout = 120 * time.Second

// maximum number of bytes we'll read from a completion response body
const maxBodyBytes = 5 << 20 // 5 MiB

func New(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Complete posts one chat completion request and returns the generated text.
// No implicit retries: every failure is mapped to one of the sentinel error
// kinds and returned to the caller.
func (c *HTTPClient) Complete(ctx context.Context, messages []api.Message, opts Options) (string, error) {
	if err := validateMessages(messages); err != nil {
		return "", err
	}

	reqBody := api.ChatRequest{
		Model:       opts.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	payload, err := json.Marshal(&reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, body)
	}

	var parsed api.ChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode body: %v", ErrMalformed, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformed, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrMalformed)
	}
	return parsed.Choices[0].Message.Content, nil
}

// validateMessages enforces well-formed requests: non-empty conversation
// ending with a non-assistant role.
func validateMessages(messages []api.Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: empty conversation", ErrMalformed)
	}
	last := messages[len(messages)-1]
	if last.Role == api.RoleAssistant {
		return fmt.Errorf("%w: conversation ends with assistant message", ErrMalformed)
	}
	for _, m := range messages {
		switch m.Role {
		case api.RoleSystem, api.RoleUser, api.RoleAssistant:
		default:
			return fmt.Errorf("%w: unknown role %q", ErrMalformed, m.Role)
		}
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	summary := errorSummary(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, summary)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrTimeout, status, summary)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, summary)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrMalformed, status, summary)
	}
}

// errorSummary extracts the provider's error message when the body carries
// one, falling back to a truncated raw body.
func errorSummary(body []byte) string {
	var parsed api.ChatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isClientTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
