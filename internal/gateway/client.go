// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway talks to the OpenClaw gateway over HTTP. Chat requests go
// through the per-provider queue, are retried on transient failures and fall
// back through a chain of substitute models.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/retry"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Defaults for Options.
const (
	DefaultBaseURL        = "http://openclaw-gateway:18789"
	DefaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultMaxTokens      = 4096
	DefaultBaseDelay      = time.Second
	DefaultRateLimitDelay = 3 * time.Second
	DefaultMaxDelay       = 10 * time.Second
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatRequest is the input of Chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"maxTokens,omitempty"`
}

// ChatResult is the outcome of a successful Chat.
type ChatResult struct {
	Success       bool            `json:"success"`
	Model         string          `json:"model"`
	Content       string          `json:"content"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	Duration      time.Duration   `json:"-"`
	DurationMS    int64           `json:"duration"`
	Attempts      int             `json:"attempts"`
	UsedFallback  bool            `json:"fallback"`
	OriginalModel string          `json:"originalModel,omitempty"`
}

// HTTPStatusError is a non-2xx answer from the gateway.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("gateway responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway responded with status %d: %s", e.StatusCode, body)
}

// HTTPStatus implements retry.StatusCoder.
func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

// ExhaustedError is returned when the primary model and every fallback failed.
type ExhaustedError struct {
	Model    string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Options configures a Client.
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	EnableFallback bool
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	MaxDelay       time.Duration

	// Queue schedules every HTTP attempt; nil sends directly.
	Queue *queue.Manager
	// Fallbacks resolves fallback chains; nil uses built-in defaults only.
	Fallbacks *FallbackResolver
	// HTTPClient overrides the transport.
	HTTPClient *http.Client
	// Sleep overrides the wait between retries.
	Sleep retry.SleepFunc
}

// Client sends chat requests to the gateway.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	queue      *queue.Manager
	fallbacks  *FallbackResolver
	sleep      retry.SleepFunc

	baseDelay      time.Duration
	rateLimitDelay time.Duration
	maxDelay       time.Duration

	mu             sync.RWMutex
	maxRetries     int
	enableFallback bool
}

// NewClient creates a client. Zero values in opts take the package defaults,
// except MaxRetries where a negative value means DefaultMaxRetries.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          opts.Token,
		timeout:        opts.Timeout,
		httpClient:     opts.HTTPClient,
		queue:          opts.Queue,
		fallbacks:      opts.Fallbacks,
		sleep:          opts.Sleep,
		baseDelay:      opts.BaseDelay,
		rateLimitDelay: opts.RateLimitDelay,
		maxDelay:       opts.MaxDelay,
		maxRetries:     opts.MaxRetries,
		enableFallback: opts.EnableFallback,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.fallbacks == nil {
		c.fallbacks = NewFallbackResolver(nil, 0)
	}
	if c.sleep == nil {
		c.sleep = retry.Sleep
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.rateLimitDelay <= 0 {
		c.rateLimitDelay = DefaultRateLimitDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.maxRetries < 0 {
		c.maxRetries = DefaultMaxRetries
	}
	return c
}

// SetRetryOptions updates the retry budget and fallback switch at runtime.
func (c *Client) SetRetryOptions(maxRetries int, enableFallback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	c.enableFallback = enableFallback
}

func (c *Client) retryOptions() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxRetries, c.enableFallback
}

// Fallbacks returns the resolver so callers can invalidate it.
func (c *Client) Fallbacks() *FallbackResolver { return c.fallbacks }

// chatBackOff doubles from baseDelay up to maxDelay, switching to the longer
// rateLimitDelay base while the last failure was a 429.
type chatBackOff struct {
	normal    *backoff.ExponentialBackOff
	rateLimit *backoff.ExponentialBackOff
	class     retry.Class
}

func (c *Client) newChatBackOff() *chatBackOff {
	return &chatBackOff{
		normal:    retry.Policy{BaseDelay: c.baseDelay, MaxDelay: c.maxDelay, Multiplier: 2}.BackOff(),
		rateLimit: retry.Policy{BaseDelay: c.rateLimitDelay, MaxDelay: c.maxDelay, Multiplier: 2}.BackOff(),
	}
}

// NextBackOff advances both schedules so the attempt index stays shared.
func (b *chatBackOff) NextBackOff() time.Duration {
	normal, limited := b.normal.NextBackOff(), b.rateLimit.NextBackOff()
	if b.class == retry.ClassRateLimited {
		return limited
	}
	return normal
}

func (b *chatBackOff) Reset() {
	b.normal.Reset()
	b.rateLimit.Reset()
	b.class = retry.ClassNone
}

// retryDelay is the wait after the 0-indexed attempt failed with class.
func (c *Client) retryDelay(attempt int, class retry.Class) time.Duration {
	b := c.newChatBackOff()
	b.class = class
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func retryableChat(class retry.Class) bool {
	switch class {
	case retry.ClassTransientNetwork, retry.ClassRateLimited, retry.ClassServerError:
		return true
	default:
		return false
	}
}

type chatResponse struct {
	content string
	usage   json.RawMessage
}

// Chat sends req to the gateway. The primary model gets up to MaxRetries+1
// attempts; after that each fallback model gets exactly one.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	maxRetries, enableFallback := c.retryOptions()
	start := time.Now()
	attempts := 0
	var lastErr error

	bo := c.newChatBackOff()
	canceled := false
	resp, err := retry.Run(ctx, backoff.WithMaxRetries(bo, uint64(maxRetries)), c.sleep,
		func(ctx context.Context) (chatResponse, error) {
			attempts++
			resp, err := c.send(ctx, req.Model, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			class := retry.Classify(err)
			if ctx.Err() != nil || class == retry.ClassCanceled {
				canceled = true
				return chatResponse{}, backoff.Permanent(err)
			}
			if !retryableChat(class) {
				return chatResponse{}, backoff.Permanent(err)
			}
			bo.class = class
			return chatResponse{}, err
		},
		func(err error, delay time.Duration) {
			log.Warnf("gateway: %s attempt %d/%d failed (%s), retrying in %s: %v", req.Model, attempts, maxRetries+1, bo.class, delay, err)
		})
	if err == nil {
		log.Infof("gateway: %s ok in %s (attempt %d)", req.Model, time.Since(start).Round(time.Millisecond), attempts)
		return c.result(req.Model, "", resp, start, attempts), nil
	}
	if canceled || ctx.Err() != nil {
		return nil, &ExhaustedError{Model: req.Model, Attempts: attempts, Last: lastErr}
	}

	if enableFallback {
		for _, fb := range c.fallbacks.Chain(ctx, req.Model) {
			log.Warnf("gateway: %s failed, trying fallback %s", req.Model, fb)
			attempts++
			resp, err := c.send(ctx, fb, req)
			if err == nil {
				log.Infof("gateway: fallback %s ok in %s", fb, time.Since(start).Round(time.Millisecond))
				return c.result(fb, req.Model, resp, start, attempts), nil
			}
			log.Errorf("gateway: fallback %s failed: %v", fb, err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
	}

	log.Errorf("gateway: %s exhausted after %d attempt(s) in %s: %v", req.Model, attempts, time.Since(start).Round(time.Millisecond), lastErr)
	return nil, &ExhaustedError{Model: req.Model, Attempts: attempts, Last: lastErr}
}

func (c *Client) result(model, original string, resp chatResponse, start time.Time, attempts int) *ChatResult {
	d := time.Since(start)
	return &ChatResult{
		Success:       true,
		Model:         model,
		Content:       resp.content,
		Usage:         resp.usage,
		Duration:      d,
		DurationMS:    d.Milliseconds(),
		Attempts:      attempts,
		UsedFallback:  original != "",
		OriginalModel: original,
	}
}

func (c *Client) send(ctx context.Context, model string, req ChatRequest) (chatResponse, error) {
	do := func(ctx context.Context) (chatResponse, error) { return c.post(ctx, model, req) }
	if c.queue == nil {
		return do(ctx)
	}
	return queue.Run(ctx, c.queue, model, do)
}

func (c *Client) post(ctx context.Context, model string, req ChatRequest) (chatResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": req.MaxTokens,
		"messages":   req.Messages,
	})
	if err != nil {
		return chatResponse{}, fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, err
	}
	c.authorize(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chatResponse{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chatResponse{}, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if !gjson.ValidBytes(data) {
		return chatResponse{}, fmt.Errorf("gateway returned invalid JSON")
	}
	return parseChatResponse(data), nil
}

// parseChatResponse accepts content as a string or as a list of text blocks.
func parseChatResponse(data []byte) chatResponse {
	var out chatResponse
	content := gjson.GetBytes(data, "content")
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			} else if block.Type == gjson.String {
				parts = append(parts, block.String())
			}
			return true
		})
		out.content = strings.Join(parts, "")
	} else {
		out.content = content.String()
	}
	if usage := gjson.GetBytes(data, "usage"); usage.Exists() {
		out.usage = json.RawMessage(usage.Raw)
	}
	return out
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}
