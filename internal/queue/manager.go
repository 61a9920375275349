// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue schedules calls to the gateway through one bounded FIFO per
// upstream provider, so a burst for one vendor cannot exceed its rate limits
// and never delays another vendor.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// UnknownProvider is the bucket for model ids without a provider segment.
const UnknownProvider = "unknown"

// DefaultLimit applies to providers without an explicit limit.
const DefaultLimit = 5

var (
	// ErrQueueCleared is returned to every pending task rejected by ClearAll.
	ErrQueueCleared = errors.New("queue cleared")
	// ErrInvalidLimit is returned for concurrency limits below 1.
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")
)

// Task is one unit of work scheduled on a provider queue.
type Task func(ctx context.Context) error

// Stats is a point-in-time view of one provider queue.
type Stats struct {
	Provider string `json:"provider"`
	Running  int    `json:"running"`
	Queued   int    `json:"queued"`
	Limit    int    `json:"limit"`
}

// DefaultLimits returns the built-in per-provider concurrency limits.
func DefaultLimits() map[string]int {
	return map[string]int{
		"anthropic":  5,
		"openai":     10,
		"minimax":    3,
		"groq":       10,
		"openrouter": 5,
	}
}

// ProviderKey extracts the lowercased provider from a "provider/model" id. It
// never fails: empty or malformed ids map to UnknownProvider.
func ProviderKey(model string) string {
	provider, _, _ := strings.Cut(strings.TrimSpace(model), "/")
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return UnknownProvider
	}
	return provider
}

type waiter struct {
	ready    chan struct{}
	promoted bool
	err      error
	elem     *list.Element
}

type providerQueue struct {
	name    string
	limit   int
	running int
	pending *list.List
}

// Manager owns every provider queue of the process.
type Manager struct {
	mu           sync.Mutex
	queues       map[string]*providerQueue
	limits       map[string]int
	defaultLimit int
	bypass       bool
}

// NewManager creates a manager. Nil limits use DefaultLimits; a non-positive
// defaultLimit uses DefaultLimit.
func NewManager(limits map[string]int, defaultLimit int) *Manager {
	if limits == nil {
		limits = DefaultLimits()
	}
	if defaultLimit < 1 {
		defaultLimit = DefaultLimit
	}
	own := make(map[string]int, len(limits))
	for k, v := range limits {
		if v >= 1 {
			own[strings.ToLower(k)] = v
		}
	}
	return &Manager{
		queues:       make(map[string]*providerQueue),
		limits:       own,
		defaultLimit: defaultLimit,
	}
}

func (m *Manager) limitFor(provider string) int {
	if l, ok := m.limits[provider]; ok {
		return l
	}
	return m.defaultLimit
}

func (m *Manager) queueFor(provider string) *providerQueue {
	q, ok := m.queues[provider]
	if !ok {
		q = &providerQueue{name: provider, limit: m.limitFor(provider), pending: list.New()}
		m.queues[provider] = q
	}
	return q
}

// promote starts pending waiters while slots are free. Caller holds m.mu.
func (m *Manager) promote(q *providerQueue) {
	for q.running < q.limit && q.pending.Len() > 0 {
		w := q.pending.Remove(q.pending.Front()).(*waiter)
		w.elem = nil
		w.promoted = true
		q.running++
		close(w.ready)
	}
}

func (m *Manager) release(q *providerQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.running--
	m.promote(q)
}

// Execute schedules task on the queue of model's provider and returns the
// task's own error once it has run. A task whose ctx ends while it is still
// pending is dropped with ctx.Err(); a running task is never interrupted by
// the manager.
func (m *Manager) Execute(ctx context.Context, model string, task Task) error {
	provider := ProviderKey(model)

	m.mu.Lock()
	if m.bypass {
		m.mu.Unlock()
		return runTask(ctx, provider, task)
	}
	q := m.queueFor(provider)
	if q.running < q.limit && q.pending.Len() == 0 {
		q.running++
		log.Debugf("queue[%s]: start (running=%d, queued=%d)", provider, q.running, q.pending.Len())
		m.mu.Unlock()
		defer m.release(q)
		return runTask(ctx, provider, task)
	}

	w := &waiter{ready: make(chan struct{})}
	w.elem = q.pending.PushBack(w)
	log.Debugf("queue[%s]: enqueued (running=%d, queued=%d)", provider, q.running, q.pending.Len())
	m.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		m.mu.Lock()
		switch {
		case w.promoted:
			// Promoted concurrently; hand the slot to the next waiter.
			q.running--
			m.promote(q)
		case w.err == nil && w.elem != nil:
			q.pending.Remove(w.elem)
			w.elem = nil
		}
		cleared := w.err
		m.mu.Unlock()
		if cleared != nil {
			return cleared
		}
		return ctx.Err()
	}

	if w.err != nil {
		return w.err
	}
	defer m.release(q)
	return runTask(ctx, provider, task)
}

func runTask(ctx context.Context, provider string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("queue[%s]: task panicked: %v", provider, r)
			err = fmt.Errorf("queue[%s]: task panicked: %v", provider, r)
		}
	}()
	return task(ctx)
}

// Run is Execute for tasks that produce a value.
func Run[T any](ctx context.Context, m *Manager, model string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, model, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// SetConcurrencyLimit changes a provider's limit. Running tasks above a lowered
// limit are left alone; a raised limit promotes waiters immediately.
func (m *Manager) SetConcurrencyLimit(provider string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidLimit, provider, limit)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[provider] = limit
	if q, ok := m.queues[provider]; ok {
		q.limit = limit
		m.promote(q)
	}
	return nil
}

// SetBypass disables scheduling entirely when true; tasks then run at once.
func (m *Manager) SetBypass(bypass bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bypass = bypass
	if !bypass {
		return
	}
	for _, q := range m.queues {
		for q.pending.Len() > 0 {
			w := q.pending.Remove(q.pending.Front()).(*waiter)
			w.elem = nil
			w.promoted = true
			q.running++
			close(w.ready)
		}
	}
}

// Stats returns the stats of a provider queue that has been used at least once.
func (m *Manager) Stats(provider string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[strings.ToLower(provider)]
	if !ok {
		return Stats{}, false
	}
	return Stats{Provider: q.name, Running: q.running, Queued: q.pending.Len(), Limit: q.limit}, true
}

// AllStats returns the stats of every known queue.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = Stats{Provider: name, Running: q.running, Queued: q.pending.Len(), Limit: q.limit}
	}
	return out
}

// Limits returns the configured limits, including providers without a queue yet.
func (m *Manager) Limits() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.limits)+1)
	for k, v := range m.limits {
		out[k] = v
	}
	out["default"] = m.defaultLimit
	return out
}

// Providers lists known queues, sorted.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ClearAll rejects every pending task with ErrQueueCleared and returns how
// many were rejected. Running tasks continue and still release their slots.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rejected := 0
	for _, q := range m.queues {
		for q.pending.Len() > 0 {
			w := q.pending.Remove(q.pending.Front()).(*waiter)
			w.elem = nil
			w.err = ErrQueueCleared
			close(w.ready)
			rejected++
		}
	}
	if rejected > 0 {
		log.Warnf("queue: cleared %d pending task(s)", rejected)
	}
	return rejected
}
