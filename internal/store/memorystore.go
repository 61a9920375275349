// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps every collection in process memory. It backs tests and
// the "memory" storage driver used for local development without MongoDB.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
	seq         map[string]int64
	next        int64
	settings    map[string]any
	rateLimit   *RateLimitConfig
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*Credential),
		seq:         make(map[string]int64),
		settings:    make(map[string]any),
		now:         time.Now,
	}
}

func (s *MemoryStore) sorted(filter func(*Credential) bool) []Credential {
	out := make([]Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		if filter == nil || filter(c) {
			cp := *c
			cp.Metadata = cloneMetadata(c.Metadata)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// List returns every credential in creation order.
func (s *MemoryStore) List(_ context.Context) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil), nil
}

// FindEnabled returns enabled credentials in creation order.
func (s *MemoryStore) FindEnabled(_ context.Context) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(c *Credential) bool { return c.Enabled }), nil
}

// Get returns a credential by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Metadata = cloneMetadata(c.Metadata)
	return &cp, nil
}

// Create inserts a credential and assigns its id and timestamps.
func (s *MemoryStore) Create(_ context.Context, c *Credential) (*Credential, error) {
	rec := *c
	if err := rec.Normalize(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = uuid.NewString()
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.Metadata = cloneMetadata(c.Metadata)
	s.next++
	s.seq[rec.ID] = s.next
	s.credentials[rec.ID] = &rec

	out := rec
	out.Metadata = cloneMetadata(rec.Metadata)
	return &out, nil
}

// Update applies the non-nil fields of patch.
func (s *MemoryStore) Update(_ context.Context, id string, patch CredentialPatch) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.TokenEncrypted != nil {
		c.TokenEncrypted = *patch.TokenEncrypted
	}
	if patch.Enabled != nil {
		c.Enabled = *patch.Enabled
	}
	if patch.Metadata != nil {
		c.Metadata = cloneMetadata(patch.Metadata)
	}
	c.UpdatedAt = s.now()

	out := *c
	out.Metadata = cloneMetadata(c.Metadata)
	return &out, nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(s.credentials, id)
	delete(s.seq, id)
	return nil
}

// MemoryConfigStore exposes the settings map of a MemoryStore as a ConfigStore.
type MemoryConfigStore struct{ s *MemoryStore }

// Settings returns the ConfigStore view.
func (s *MemoryStore) Settings() *MemoryConfigStore { return &MemoryConfigStore{s: s} }

// Get returns a setting.
func (c *MemoryConfigStore) Get(_ context.Context, key string) (any, bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	v, ok := c.s.settings[key]
	return v, ok, nil
}

// All returns a copy of every setting.
func (c *MemoryConfigStore) All(_ context.Context) (map[string]any, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return cloneMetadata(c.s.settings), nil
}

// Set upserts a setting.
func (c *MemoryConfigStore) Set(_ context.Context, key string, value any) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.settings[key] = value
	return nil
}

// MemoryRateLimitStore exposes the rate-limit document of a MemoryStore.
type MemoryRateLimitStore struct{ s *MemoryStore }

// RateLimits returns the RateLimitStore view.
func (s *MemoryStore) RateLimits() *MemoryRateLimitStore { return &MemoryRateLimitStore{s: s} }

// Load returns the saved configuration, if any.
func (r *MemoryRateLimitStore) Load(_ context.Context) (*RateLimitConfig, bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.rateLimit == nil {
		return nil, false, nil
	}
	cp := *r.s.rateLimit
	cp.ProviderLimits = cloneLimits(r.s.rateLimit.ProviderLimits)
	return &cp, true, nil
}

// Save replaces the configuration.
func (r *MemoryRateLimitStore) Save(_ context.Context, cfg *RateLimitConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cfg
	cp.ProviderLimits = cloneLimits(cfg.ProviderLimits)
	cp.UpdatedAt = r.s.now()
	r.s.rateLimit = &cp
	cfg.UpdatedAt = cp.UpdatedAt
	return nil
}

func cloneLimits(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
