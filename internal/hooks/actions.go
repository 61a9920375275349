// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ActionTimeout bounds restart and resync actions.
const ActionTimeout = 2 * time.Minute

// Webhook limits.
const (
	webhookRateLimit = 10
	webhookWindow    = time.Minute
	webhookTimeout   = 5 * time.Second
	webhookUserAgent = "openclaw-config-api-hooks/1.0"
)

var webhookBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrActionUnavailable is returned by actions whose dependency was not wired.
var ErrActionUnavailable = errors.New("action dependency not configured")

// ActionDeps binds actions to the running service.
type ActionDeps struct {
	RestartGateway      func(ctx context.Context) error
	InvalidateFallbacks func()
	Resync              func(ctx context.Context) error
}

// RegisterBuiltInActions registers the default action handlers.
func RegisterBuiltInActions(m *HookManager, deps ActionDeps) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := NewWebhookHandler(nil)
	m.RegisterAction(ActionNotifyWebhook, wh.Handle)
	m.RegisterAction(ActionRestartGateway, deps.restartGateway)
	m.RegisterAction(ActionInvalidateFallbackCache, deps.invalidateFallbacks)
	m.RegisterAction(ActionResync, deps.resync)
}

func handleLogWarning(hook *Hook, ctx *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "Hook triggered"
	}
	log.Warnf("[Hook: %s] %s (Event: %s)", hook.Name, msg, ctx.Event)
	return nil
}

func (d ActionDeps) restartGateway(hook *Hook, _ *EventContext) error {
	if d.RestartGateway == nil {
		return ErrActionUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
	defer cancel()
	log.Infof("[Hook: %s] restarting gateway", hook.Name)
	return d.RestartGateway(ctx)
}

func (d ActionDeps) invalidateFallbacks(hook *Hook, _ *EventContext) error {
	if d.InvalidateFallbacks == nil {
		return ErrActionUnavailable
	}
	log.Infof("[Hook: %s] invalidating fallback model cache", hook.Name)
	d.InvalidateFallbacks()
	return nil
}

func (d ActionDeps) resync(hook *Hook, _ *EventContext) error {
	if d.Resync == nil {
		return ErrActionUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
	defer cancel()
	log.Infof("[Hook: %s] resynchronizing credentials", hook.Name)
	return d.Resync(ctx)
}

// WebhookHandler manages webhook execution with rate limiting.
type WebhookHandler struct {
	client *http.Client
	now    func() time.Time
	sleep  func(time.Duration)

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
}

type rateLimiter struct {
	count    int
	lastTime time.Time
}

// NewWebhookHandler creates a handler. A nil client uses a 5s-timeout client.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &WebhookHandler{
		client:       client,
		now:          time.Now,
		sleep:        time.Sleep,
		rateLimiters: make(map[string]*rateLimiter),
	}
}

// validateWebhookURL accepts https URLs and plain http to loopback hosts.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url: %s", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
	}
	return fmt.Errorf("insecure webhook url (must be https or localhost): %s", raw)
}

// Sign returns the X-Hook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Handle posts the event to the hook's url param.
func (h *WebhookHandler) Handle(hook *Hook, ctx *EventContext) error {
	target, _ := hook.Params["url"].(string)
	if target == "" {
		return fmt.Errorf("missing webhook url")
	}
	if err := validateWebhookURL(target); err != nil {
		return err
	}
	if !h.checkRateLimit(target) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", target)
	}

	secret, _ := hook.Params["secret"].(string)

	payload := map[string]any{
		"event":     ctx.Event,
		"timestamp": ctx.Timestamp,
		"hook_id":   hook.ID,
		"data":      ctx.Data,
	}
	if ctx.Provider != "" {
		payload["provider"] = ctx.Provider
	}
	if ctx.Model != "" {
		payload["model"] = ctx.Model
	}
	if ctx.ErrorMessage != "" {
		payload["error"] = ctx.ErrorMessage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= len(webhookBackoff); i++ {
		if i > 0 {
			h.sleep(webhookBackoff[i-1])
		}

		req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", webhookUserAgent)
		if secret != "" {
			req.Header.Set("X-Hook-Signature", Sign(secret, body))
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			log.Warnf("Webhook attempt %d failed: %v", i+1, err)
			continue
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			log.Warnf("Webhook attempt %d failed with status: %d", i+1, resp.StatusCode)
			continue
		}

		return nil
	}

	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) checkRateLimit(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	limiter, exists := h.rateLimiters[target]
	if !exists {
		limiter = &rateLimiter{lastTime: now}
		h.rateLimiters[target] = limiter
	}

	if now.Sub(limiter.lastTime) > webhookWindow {
		limiter.count = 0
		limiter.lastTime = now
	}

	if limiter.count >= webhookRateLimit {
		return false
	}

	limiter.count++
	return true
}
