// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hooks distributes service events to in-process subscribers and runs
// operator-defined automation rules loaded from YAML files.
package hooks

import (
	"time"
)

// HookEvent defines the type of event that can trigger a hook.
type HookEvent string

const (
	EventCredentialsSynced    HookEvent = "credentials_synced"
	EventSyncFailed           HookEvent = "sync_failed"
	EventGatewayRestarted     HookEvent = "gateway_restarted"
	EventGatewayRestartFailed HookEvent = "gateway_restart_failed"
	EventQueueCleared         HookEvent = "queue_cleared"
	EventChatFallback         HookEvent = "chat_fallback"
	EventChatFailed           HookEvent = "chat_failed"
	EventMainConfigScrubbed   HookEvent = "main_config_scrubbed"
)

// AllEvents lists every event the service publishes.
func AllEvents() []HookEvent {
	return []HookEvent{
		EventCredentialsSynced, EventSyncFailed,
		EventGatewayRestarted, EventGatewayRestartFailed,
		EventQueueCleared, EventChatFallback, EventChatFailed,
		EventMainConfigScrubbed,
	}
}

// HookAction defines the action to be performed when a hook is triggered.
type HookAction string

const (
	ActionLogWarning              HookAction = "log_warning"
	ActionNotifyWebhook           HookAction = "notify_webhook"
	ActionRestartGateway          HookAction = "restart_gateway"
	ActionInvalidateFallbackCache HookAction = "invalidate_fallback_cache"
	ActionResync                  HookAction = "resync"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext is one published event.
type EventContext struct {
	Event        HookEvent      `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Error        error          `json:"-"`
	ErrorMessage string         `json:"error,omitempty"`
}

// NewEvent builds an event stamped with the current time. A non-nil err
// also fills ErrorMessage.
func NewEvent(event HookEvent, data map[string]any, err error) *EventContext {
	ctx := &EventContext{Event: event, Timestamp: time.Now(), Data: data, Error: err}
	if err != nil {
		ctx.ErrorMessage = err.Error()
	}
	return ctx
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error
