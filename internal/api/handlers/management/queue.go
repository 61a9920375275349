// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RetryConfigurer receives the retry settings of the rate-limit configuration.
type RetryConfigurer interface {
	SetRetryOptions(maxRetries int, enableFallback bool)
}

// DefaultRateLimitConfig is served when nothing was saved yet.
func DefaultRateLimitConfig() *store.RateLimitConfig {
	return &store.RateLimitConfig{
		ProviderLimits: queue.DefaultLimits(),
		GlobalEnabled:  true,
		MaxRetries:     3,
		EnableFallback: true,
	}
}

// ApplyRateLimitConfig pushes a saved configuration into the running queue
// manager and gateway client. Either target may be nil.
func ApplyRateLimitConfig(q *queue.Manager, gw RetryConfigurer, rl *store.RateLimitConfig) {
	if rl == nil {
		return
	}
	if q != nil {
		for provider, limit := range config.NormalizeLimits(rl.ProviderLimits) {
			if err := q.SetConcurrencyLimit(provider, limit); err != nil {
				log.Warnf("queue: skipping limit %s=%d: %v", provider, limit, err)
			}
		}
		q.SetBypass(!rl.GlobalEnabled)
	}
	if gw != nil {
		gw.SetRetryOptions(rl.MaxRetries, rl.EnableFallback)
	}
}

// LoadRateLimitConfig reads the saved configuration and applies it.
func LoadRateLimitConfig(ctx context.Context, rs store.RateLimitStore, q *queue.Manager, gw RetryConfigurer) (*store.RateLimitConfig, error) {
	rl, ok, err := rs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate limit config: %w", err)
	}
	if !ok {
		return nil, nil
	}
	ApplyRateLimitConfig(q, gw, rl)
	log.Infof("queue: applied saved limits %v (enabled=%t)", rl.ProviderLimits, rl.GlobalEnabled)
	return rl, nil
}

type queueSummary struct {
	TotalProviders int `json:"totalProviders"`
	TotalRunning   int `json:"totalRunning"`
	TotalQueued    int `json:"totalQueued"`
}

func summarize(stats map[string]queue.Stats) queueSummary {
	sum := queueSummary{TotalProviders: len(stats)}
	for _, s := range stats {
		sum.TotalRunning += s.Running
		sum.TotalQueued += s.Queued
	}
	return sum
}

// QueueStats returns the stats of every provider queue.
// GET /api/queue/stats
func (h *Handler) QueueStats(c *gin.Context) {
	stats := h.queue.AllStats()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": time.Now().UTC(),
		"queues":    stats,
		"summary":   summarize(stats),
	})
}

// QueueProviderStats returns the stats of one provider queue.
// GET /api/queue/stats/:provider
func (h *Handler) QueueProviderStats(c *gin.Context) {
	provider := c.Param("provider")
	stats, ok := h.queue.Stats(provider)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("provider '%s' has no active queue", provider)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"provider": provider,
		"running":  stats.Running,
		"queued":   stats.Queued,
		"limit":    stats.Limit,
	})
}

// QueueDefaults returns the built-in per-provider concurrency limits.
// GET /api/queue/defaults
func (h *Handler) QueueDefaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "defaults": queue.DefaultLimits()})
}

// SetQueueLimit changes the concurrency limit of one provider.
// PUT /api/queue/limits/:provider
func (h *Handler) SetQueueLimit(c *gin.Context) {
	var body struct {
		Limit *int `json:"limit"`
	}
	err := c.ShouldBindJSON(&body)
	if err != nil || body.Limit == nil || *body.Limit < store.MinProviderLimit || *body.Limit > store.MaxProviderLimit {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": fmt.Sprintf("limit must be a number between %d and %d", store.MinProviderLimit, store.MaxProviderLimit)})
		return
	}
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if err := h.queue.SetConcurrencyLimit(provider, *body.Limit); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	logging.Entry(c).Infof("queue: concurrency limit %s=%d", provider, *body.Limit)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"provider": provider,
		"limit":    *body.Limit,
		"message":  fmt.Sprintf("concurrency limit for '%s' set to %d", provider, *body.Limit),
	})
}

// ClearQueues rejects every pending task.
// POST /api/queue/clear
func (h *Handler) ClearQueues(c *gin.Context) {
	rejected := h.queue.ClearAll()
	logging.Entry(c).Warnf("queue: cleared, %d pending task(s) rejected", rejected)
	h.publish(hooks.NewEvent(hooks.EventQueueCleared, map[string]any{"rejectedTasks": rejected}, nil))
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "all queues cleared",
		"rejectedTasks": rejected,
	})
}

// GetQueueConfig returns the saved rate-limit configuration and the live limits.
// GET /api/queue/config
func (h *Handler) GetQueueConfig(c *gin.Context) {
	rl, ok, err := h.rateLimits.Load(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		rl = DefaultRateLimitConfig()
	}
	current := make(map[string]int)
	for provider, s := range h.queue.AllStats() {
		current[provider] = s.Limit
	}
	body := gin.H{
		"success": true,
		"config": gin.H{
			"providerLimits": rl.ProviderLimits,
			"globalEnabled":  rl.GlobalEnabled,
			"maxRetries":     rl.MaxRetries,
			"enableFallback": rl.EnableFallback,
		},
		"currentLimits": current,
		"defaults":      queue.DefaultLimits(),
	}
	if !rl.UpdatedAt.IsZero() {
		body["updatedAt"] = rl.UpdatedAt
	}
	c.JSON(http.StatusOK, body)
}

type queueConfigRequest struct {
	ProviderLimits map[string]int `json:"providerLimits"`
	GlobalEnabled  *bool          `json:"globalEnabled"`
	MaxRetries     *int           `json:"maxRetries"`
	EnableFallback *bool          `json:"enableFallback"`
}

// SaveQueueConfig validates, stores and applies a rate-limit configuration.
// POST /api/queue/config
func (h *Handler) SaveQueueConfig(c *gin.Context) {
	var req queueConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
		return
	}
	rl := DefaultRateLimitConfig()
	if req.ProviderLimits != nil {
		rl.ProviderLimits = req.ProviderLimits
	}
	if req.GlobalEnabled != nil {
		rl.GlobalEnabled = *req.GlobalEnabled
	}
	if req.MaxRetries != nil {
		rl.MaxRetries = *req.MaxRetries
	}
	if req.EnableFallback != nil {
		rl.EnableFallback = *req.EnableFallback
	}
	if err := rl.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.rateLimits.Save(c.Request.Context(), rl); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidLimit) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	ApplyRateLimitConfig(h.queue, h.gateway, rl)
	logging.Entry(c).Infof("queue: rate limit config saved %v", rl.ProviderLimits)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "rate limit configuration saved",
		"config":  rl,
	})
}
