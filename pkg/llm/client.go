// Package llm adapts OpenAI-compatible chat completion APIs for the
// benchmark: it sends anonymized page prompts and parses the model's
// concept choice out of whatever the model returns.
package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wikilabs/wikinav/pkg/models"
)

const (
	defaultBaseURL    = "https://nano-gpt.com/api/v1"
	defaultMaxRetries = 3
	// initialRetryDelay doubles on each retry; a uniform jitter of up to
	// 100ms is added on top.
	initialRetryDelay = 1 * time.Second
	maxJitter         = 100 * time.Millisecond
)

// Config holds the connection settings for one API endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// SSLVerify disables TLS certificate verification when false.
	SSLVerify bool
	// RateLimitPerMinute spaces requests when positive; zero disables
	// client-side pacing.
	RateLimitPerMinute int
	Timeout            time.Duration
	// ReadTimeout bounds the wait for response headers on each request.
	// Zero leaves only the overall Timeout in effect.
	ReadTimeout time.Duration
	MaxRetries  int
}

// Client talks to an OpenAI-compatible API. It is safe for concurrent
// use; the rate limiter serializes request starts across goroutines.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient builds a client from config, filling defaults for base URL,
// timeout and retry count.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.ReadTimeout > 0 {
		transport.ResponseHeaderTimeout = config.ReadTimeout
	}
	if !config.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logger.Warn("TLS certificate verification is disabled")
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		logger:     logger,
	}
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage models.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatCompletion sends the conversation to the model and returns the raw
// completion text with token usage. Retryable failures are retried with
// exponential backoff and jitter.
func (c *Client) ChatCompletion(ctx context.Context, model string, messages []models.ChatMessage) (string, models.Usage, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("marshaling chat request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.pace(ctx); err != nil {
			return "", models.Usage{}, err
		}

		content, usage, err := c.doChat(ctx, body)
		if err == nil {
			return content, usage, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == c.config.MaxRetries {
			break
		}

		delay := initialRetryDelay*(1<<(attempt-1)) + time.Duration(rand.Int64N(int64(maxJitter)))
		c.logger.Warn("LLM request failed, retrying",
			"model", model,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", models.Usage{}, ctx.Err()
		}
	}
	return "", models.Usage{}, fmt.Errorf("chat completion for %s: %w", model, lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, models.Usage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", models.Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", models.Usage{}, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", models.Usage{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", models.Usage{}, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", models.Usage{}, errors.New("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage, nil
}

// ListModels returns the model IDs the endpoint advertises.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding models response: %w", err)
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// pace blocks until the per-minute rate limit allows the next request.
func (c *Client) pace(ctx context.Context) error {
	if c.config.RateLimitPerMinute <= 0 {
		return nil
	}
	interval := time.Minute / time.Duration(c.config.RateLimitPerMinute)

	c.mu.Lock()
	wait := interval - time.Since(c.lastRequest)
	if wait < 0 {
		wait = 0
	}
	c.lastRequest = time.Now().Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.status, e.body)
}

// retryableStatuses are transient server-side conditions worth retrying.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// isRetryable reports whether the error looks transient: retryable HTTP
// statuses, timeouts, rate limits, overload and connection failures.
func isRetryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if retryableStatuses[apiErr.status] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"rate limit",
		"429",
		"connection error",
		"connection refused",
		"connection reset",
		"disconnected",
		"overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
