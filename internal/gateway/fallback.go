// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultFallbackTTL is how long configured fallback models are cached.
const DefaultFallbackTTL = 60 * time.Second

// defaultFallbacks maps provider -> model name -> fallback model id.
var defaultFallbacks = map[string]map[string]string{
	"anthropic": {
		"claude-3-5-sonnet-20241022": "anthropic/claude-3-5-haiku-20241022",
		"claude-3-5-sonnet-20240620": "anthropic/claude-3-haiku-20240307",
		"claude-3-opus-20240229":     "anthropic/claude-3-sonnet-20240229",
	},
	"openai": {
		"gpt-4-turbo": "openai/gpt-3.5-turbo",
		"gpt-4":       "openai/gpt-3.5-turbo",
	},
}

// familyFallbacks is the last resort per provider when no specific entry exists.
var familyFallbacks = map[string]string{
	"anthropic": "anthropic/claude-3-5-haiku-20241022",
	"openai":    "openai/gpt-3.5-turbo",
}

// DefaultFallback returns the built-in fallback for model, if its provider family has one.
func DefaultFallback(model string) (string, bool) {
	provider := queue.ProviderKey(model)
	name := model
	if i := strings.LastIndex(model, "/"); i >= 0 {
		name = model[i+1:]
	}
	if m, ok := defaultFallbacks[provider][name]; ok {
		return m, true
	}
	m, ok := familyFallbacks[provider]
	return m, ok
}

// FallbackResolver builds fallback chains from the fallbackModel1 and
// fallbackModel2 settings, cached for a TTL.
type FallbackResolver struct {
	settings store.ConfigStore
	ttl      time.Duration
	now      func() time.Time

	mu         sync.Mutex
	configured []string
	loadedAt   time.Time
	valid      bool
	generation uint64

	group singleflight.Group
}

// NewFallbackResolver creates a resolver. A nil settings store yields only
// built-in fallbacks; ttl <= 0 uses DefaultFallbackTTL.
func NewFallbackResolver(settings store.ConfigStore, ttl time.Duration) *FallbackResolver {
	if ttl <= 0 {
		ttl = DefaultFallbackTTL
	}
	return &FallbackResolver{settings: settings, ttl: ttl, now: time.Now}
}

// Invalidate drops the cached settings; the next Chain call reloads them.
func (r *FallbackResolver) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.generation++
	r.mu.Unlock()
	r.group.Forget("fallbacks")
	log.Debug("gateway: fallback cache invalidated")
}

// Configured returns the configured fallback models, loading them if the cache is stale.
func (r *FallbackResolver) Configured(ctx context.Context) []string {
	r.mu.Lock()
	if r.valid && r.now().Sub(r.loadedAt) < r.ttl {
		out := append([]string(nil), r.configured...)
		r.mu.Unlock()
		return out
	}
	gen := r.generation
	r.mu.Unlock()

	v, _, _ := r.group.Do("fallbacks", func() (any, error) {
		models, err := r.load(ctx)
		if err != nil {
			log.Errorf("gateway: cannot load fallback chain: %v", err)
			return []string(nil), nil
		}
		r.mu.Lock()
		if r.generation == gen {
			r.configured = models
			r.loadedAt = r.now()
			r.valid = true
		}
		r.mu.Unlock()
		log.Debugf("gateway: fallback chain loaded, %d configured", len(models))
		return models, nil
	})
	models, _ := v.([]string)
	return append([]string(nil), models...)
}

func (r *FallbackResolver) load(ctx context.Context) ([]string, error) {
	if r.settings == nil {
		return nil, nil
	}
	var out []string
	for _, key := range []string{store.KeyFallbackModel1, store.KeyFallbackModel2} {
		v, err := store.GetString(ctx, r.settings, key)
		if err != nil {
			return nil, err
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// Chain returns the models to try after model failed, in order. Configured
// fallbacks replace the built-in default; entries equal to model and
// duplicates are dropped.
func (r *FallbackResolver) Chain(ctx context.Context, model string) []string {
	candidates := r.Configured(ctx)
	if len(candidates) == 0 {
		if m, ok := DefaultFallback(model); ok {
			candidates = []string{m}
		}
	}
	seen := map[string]struct{}{model: {}}
	out := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
