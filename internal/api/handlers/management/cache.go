// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"sync"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"golang.org/x/sync/singleflight"
)

// ModelsByProvider groups selectable models by provider id.
type ModelsByProvider map[string][]gateway.ModelEntry

// modelsCache holds the available-models answer for a fixed TTL. Concurrent
// misses share one load, and a Clear during a load discards its result.
type modelsCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu     sync.Mutex
	data   ModelsByProvider
	stored time.Time
	gen    uint64
}

func newModelsCache(ttl time.Duration) *modelsCache {
	return &modelsCache{ttl: ttl, now: time.Now}
}

// Get returns the cached value when it is still fresh.
func (m *modelsCache) Get() (ModelsByProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil || m.now().Sub(m.stored) >= m.ttl {
		return nil, false
	}
	return m.data, true
}

// Load returns the cached value or runs load once for all concurrent callers.
func (m *modelsCache) Load(ctx context.Context, load func(context.Context) (ModelsByProvider, error)) (ModelsByProvider, error) {
	if data, ok := m.Get(); ok {
		return data, nil
	}
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	v, err, _ := m.group.Do("models", func() (any, error) {
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.gen == gen {
			m.data = data
			m.stored = m.now()
		}
		m.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ModelsByProvider), nil
}

// Clear drops the cached value.
func (m *modelsCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.stored = time.Time{}
	m.gen++
}
