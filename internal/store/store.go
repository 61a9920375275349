// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists provider credentials, application settings and the
// rate-limit configuration. Secrets are stored only as cipher blobs; this
// package never sees plaintext.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well-known app_config keys.
const (
	KeyDefaultAgentModel = "defaultAgentModel"
	KeyFallbackModel1    = "fallbackModel1"
	KeyFallbackModel2    = "fallbackModel2"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidID is returned for identifiers that cannot name a record.
	ErrInvalidID = errors.New("invalid record id")
	// ErrInvalidCredential is returned when required credential fields are missing.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidLimit is returned for concurrency limits outside [MinProviderLimit, MaxProviderLimit].
	ErrInvalidLimit = errors.New("invalid provider limit")
)

// Provider limit bounds accepted by the rate-limit configuration.
const (
	MinProviderLimit = 1
	MaxProviderLimit = 100
)

// Credential is one stored provider secret.
type Credential struct {
	ID             string         `json:"id"`
	Provider       string         `json:"provider"`
	Name           string         `json:"name"`
	TokenEncrypted string         `json:"-"`
	Enabled        bool           `json:"enabled"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CredentialPatch carries the optional fields of an update. Nil fields are left alone.
type CredentialPatch struct {
	Name           *string
	TokenEncrypted *string
	Enabled        *bool
	Metadata       map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p CredentialPatch) IsEmpty() bool {
	return p.Name == nil && p.TokenEncrypted == nil && p.Enabled == nil && p.Metadata == nil
}

// Normalize trims the provider and defaults the display name, then validates.
func (c *Credential) Normalize() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Name = strings.TrimSpace(c.Name)
	if c.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidCredential)
	}
	if c.TokenEncrypted == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidCredential)
	}
	if c.Name == "" {
		c.Name = c.Provider
	}
	return nil
}

// CredentialStore is the persistence contract for api_credentials.
type CredentialStore interface {
	List(ctx context.Context) ([]Credential, error)
	// FindEnabled returns enabled credentials in creation order.
	FindEnabled(ctx context.Context) ([]Credential, error)
	Get(ctx context.Context, id string) (*Credential, error)
	Create(ctx context.Context, c *Credential) (*Credential, error)
	Update(ctx context.Context, id string, patch CredentialPatch) (*Credential, error)
	Delete(ctx context.Context, id string) error
}

// ConfigStore is a key/value view over app_config.
type ConfigStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
	All(ctx context.Context) (map[string]any, error)
	Set(ctx context.Context, key string, value any) error
}

// GetString reads a string setting. Missing keys, null values and blank
// strings all yield "".
func GetString(ctx context.Context, cs ConfigStore, key string) (string, error) {
	v, ok, err := cs.Get(ctx, key)
	if err != nil || !ok || v == nil {
		return "", err
	}
	s, _ := v.(string)
	return strings.TrimSpace(s), nil
}

// RateLimitConfig is the persisted queue configuration.
type RateLimitConfig struct {
	ProviderLimits map[string]int `json:"providerLimits"`
	GlobalEnabled  bool           `json:"globalEnabled"`
	MaxRetries     int            `json:"maxRetries"`
	EnableFallback bool           `json:"enableFallback"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Validate checks every provider limit.
func (r *RateLimitConfig) Validate() error {
	for provider, limit := range r.ProviderLimits {
		if limit < MinProviderLimit || limit > MaxProviderLimit {
			return fmt.Errorf("%w: limit for %q must be between %d and %d", ErrInvalidLimit, provider, MinProviderLimit, MaxProviderLimit)
		}
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidLimit)
	}
	return nil
}

// RateLimitStore persists the single rate_limit_config document.
type RateLimitStore interface {
	Load(ctx context.Context) (*RateLimitConfig, bool, error)
	Save(ctx context.Context, cfg *RateLimitConfig) error
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
