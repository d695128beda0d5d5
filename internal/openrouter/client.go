// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/secret"
	"github.com/sufiyansj/mag/internal/storage"
)

// Configuration constants for the OpenRouter API.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts for transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay caps the exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// Generation defaults applied when CompletionOptions leaves a field zero.
// These match the API-side request defaults, not the conversation settings.
const (
	DefaultRequestTemperature      = 0.7
	DefaultRequestMaxTokens        = 32768
	DefaultRequestTopP             = 1.0
	DefaultRequestFrequencyPenalty = 2.0
	DefaultRequestPresencePenalty  = 2.0
)

var (
	// sharedHTTPClient is used for all bounded requests.
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests.
	// No client timeout; lifetime is controlled through the request context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common OpenRouter failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed: check your key at https://openrouter.ai/keys")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// APIError represents a non-2xx response from the OpenRouter API.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// ChatMessage is the wire-format message for the chat completions endpoint.
type ChatMessage struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// NewUserMessage creates a new user wire message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewSystemMessage creates a new system wire message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// FromModelMessages converts stored messages to wire messages. Streaming
// accumulator state is flattened through GetDisplayContent.
func FromModelMessages(messages []*model.Message) []ChatMessage {
	wire := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, ChatMessage{
			Role:    string(m.Role),
			Content: m.GetDisplayContent(),
		})
	}
	return wire
}

// CompletionOptions carries per-request generation parameters. Zero fields
// are replaced with the request defaults, matching the upstream API contract
// where omitted parameters fall back server-side.
type CompletionOptions struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// withDefaults fills zero fields with the request defaults.
func (o CompletionOptions) withDefaults() CompletionOptions {
	if o.Model == "" {
		o.Model = model.DefaultModel
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultRequestTemperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultRequestMaxTokens
	}
	if o.TopP == 0 {
		o.TopP = DefaultRequestTopP
	}
	if o.FrequencyPenalty == 0 {
		o.FrequencyPenalty = DefaultRequestFrequencyPenalty
	}
	if o.PresencePenalty == 0 {
		o.PresencePenalty = DefaultRequestPresencePenalty
	}
	return o
}

// ChatRequest is the request body for the chat completions endpoint.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

// ChatResponse is the response body for non-streaming completions.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// ModelInfo describes one available model.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_length"`
}

// modelsResponse is the wire structure for the models listing endpoint.
type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// apiErrorResponse is the wire structure for API error bodies.
type apiErrorResponse struct {
	Error struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// fallbackModels is shown when the models endpoint is unreachable, so the
// picker still offers the free models the client is tuned for.
var fallbackModels = []ModelInfo{
	{ID: "minimax/minimax-m2:free", Name: "MiniMax M2 (free)", ContextSize: 196608},
	{ID: "deepseek/deepseek-chat-v3-0324:free", Name: "DeepSeek V3 (free)", ContextSize: 163840},
	{ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Llama 3.3 70B (free)", ContextSize: 131072},
	{ID: "qwen/qwen3-coder:free", Name: "Qwen3 Coder (free)", ContextSize: 262144},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for the OpenRouter API.
//
// The API key is held in memory and persisted encrypted through the KV store.
// All request paths share pooled HTTP clients and a token-bucket rate limiter.
type Client struct {
	apiKey     string
	baseURL    string
	kv         storage.KV
	maxRetries int
	siteURL    string
	siteName   string
	limiter    *rate.Limiter
}

// NewClient creates a client backed by the given KV store.
//
// The key is resolved in order: MAG_OPENROUTER_API_KEY, OPENROUTER_API_KEY,
// then the encrypted value persisted in the store. A client without a key is
// still usable; requests fail with ErrNotConfigured until SetAPIKey is called.
func NewClient(kv storage.KV) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		kv:         kv,
		maxRetries: DefaultMaxRetries,
		siteURL:    "https://mag.chat",
		siteName:   "MAG",
		// Client-side throttle below the OpenRouter free-tier ceiling.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}

	if key := firstEnv("MAG_OPENROUTER_API_KEY", "OPENROUTER_API_KEY"); key != "" {
		c.apiKey = strings.TrimSpace(key)
		return c
	}

	if kv != nil {
		if sealed, ok, err := kv.Get(storage.KeyAPIKey); err == nil && ok {
			if key, err := secret.Open(sealed, keyPassphrase()); err == nil {
				c.apiKey = strings.TrimSpace(key)
			} else {
				log.Printf("Stored API key could not be decrypted: %v", err)
			}
		}
	}
	return c
}

// firstEnv returns the first non-empty environment variable value.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// keyPassphrase derives a machine-local passphrase for sealing the stored
// API key. This is obfuscation against casual file reads, not protection
// against an attacker who can run code as the same user.
func keyPassphrase() string {
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	return "mag:" + host + ":" + home
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithMaxRetries sets the maximum number of attempts for transient errors.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.maxRetries = maxRetries
	return c
}

// WithSiteInfo sets the HTTP-Referer and X-Title attribution headers.
func (c *Client) WithSiteInfo(url, name string) *Client {
	c.siteURL = url
	c.siteName = name
	return c
}

// SetAPIKey stores the key in memory and persists it encrypted.
func (c *Client) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key is empty")
	}

	sealed, err := secret.Seal(key, keyPassphrase())
	if err != nil {
		return fmt.Errorf("encrypt API key: %w", err)
	}
	if c.kv != nil {
		if err := c.kv.Set(storage.KeyAPIKey, sealed); err != nil {
			return fmt.Errorf("persist API key: %w", err)
		}
		if err := c.kv.Set(storage.KeyAPIProvider, model.ProviderOpenRouter); err != nil {
			return fmt.Errorf("persist API provider: %w", err)
		}
	}
	c.apiKey = key
	return nil
}

// ClearAPIKey removes the key from memory and from the store.
func (c *Client) ClearAPIKey() error {
	c.apiKey = ""
	if c.kv == nil {
		return nil
	}
	if err := c.kv.Delete(storage.KeyAPIKey); err != nil {
		return err
	}
	return c.kv.Delete(storage.KeyAPIProvider)
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint for display.
// SECURITY: Never expose key fragments; log the fingerprint instead.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// ValidateAPIKey checks whether the key format looks like an OpenRouter key.
// It does not verify the key against the API.
func ValidateAPIKey(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	if !strings.HasPrefix(apiKey, "sk-or-") {
		return false
	}
	return len(apiKey) >= 38
}

// =============================================================================
// REQUEST/RESPONSE LOGGING (without sensitive data)
// =============================================================================

// logRequest logs an API request. Headers and body are never logged.
func (c *Client) logRequest(req *http.Request) {
	log.Printf("API Request: %s %s", req.Method, req.URL.Path)
}

// logResponse logs status and duration only.
func (c *Client) logResponse(resp *http.Response, duration time.Duration) {
	log.Printf("API Response: %d (%v)", resp.StatusCode, duration)
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mag/1.0")

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// CreateCompletion performs a non-streaming chat completion request.
//
// Transient failures (rate limits and 5xx responses) are retried with
// exponential backoff up to the configured retry count.
func (c *Client) CreateCompletion(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if len(messages) == 0 {
		return nil, errors.New("no messages to send")
	}

	reqBody := c.buildRequest(messages, opts, false)
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		resp, err := c.doRequest(ctx, reqBody)
		if err != nil {
			if c.isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, errors.New("max retries exceeded")
}

// buildRequest assembles the request body with defaults applied.
func (c *Client) buildRequest(messages []ChatMessage, opts CompletionOptions, stream bool) ChatRequest {
	opts = opts.withDefaults()
	return ChatRequest{
		Model:            opts.Model,
		Messages:         messages,
		Stream:           stream,
		Temperature:      opts.Temperature,
		MaxTokens:        opts.MaxTokens,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
	}
}

// doRequest performs a single request to the chat completions endpoint.
func (c *Client) doRequest(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	c.logRequest(req)

	start := time.Now()
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logResponse(resp, time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chatResp, nil
}

// readResponse reads the body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to Go errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		wrapped := &APIError{
			Code:    apiErr.Error.Code.String(),
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, wrapped.Message)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrInsufficientCredits, wrapped.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotFound, wrapped.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, wrapped.Message)
		default:
			return wrapped
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{Message: strings.TrimSpace(string(body)), Status: statusCode}
	}
}

// isRetryable reports whether an error should trigger a retry.
func (c *Client) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	return false
}

// calculateBackoff returns the delay before the next retry.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels retrieves the available models from OpenRouter. When the
// endpoint is unreachable it falls back to a built-in list of free models
// rather than failing, so the UI can always offer a picker.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mag/1.0")

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		log.Printf("Models endpoint unreachable, using built-in list: %v", err)
		return fallbackModels, nil
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return fallbackModels, nil
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("Models endpoint returned %d, using built-in list", resp.StatusCode)
		return fallbackModels, nil
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.Name, ContextSize: m.ContextLength})
	}
	if len(models) == 0 {
		return fallbackModels, nil
	}
	return models, nil
}
