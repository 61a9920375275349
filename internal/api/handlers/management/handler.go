// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package management implements the HTTP handlers of the config API:
// credential CRUD, settings, gateway container control, queue control,
// chat dispatch, health and the notification stream.
package management

import (
	"context"
	"net/http"
	"sync"

	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/reconcile"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// UISecretHeader carries the UI secret on every authenticated request.
const UISecretHeader = "X-UI-Secret"

// Encrypter seals credential tokens before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Reconciler brings the gateway in line with the credential store.
type Reconciler interface {
	Apply(ctx context.Context, reason string) reconcile.Outcome
	ApplyAsync(reason string)
}

// Gateway is the subset of the gateway client used by the handlers.
type Gateway interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResult, error)
	ListModels(ctx context.Context) (map[string][]gateway.ModelEntry, error)
	SetRetryOptions(maxRetries int, enableFallback bool)
}

// FallbackInvalidator drops cached fallback chains.
type FallbackInvalidator interface {
	Invalidate()
}

// EventBus publishes service events and feeds the notification stream.
type EventBus interface {
	Publish(ctx *hooks.EventContext)
	SubscribeAll(callback func(*hooks.EventContext)) (unsubscribe func())
}

// Dependencies wires a Handler. Pinger, Fallbacks and Events may be nil.
type Dependencies struct {
	Config      *config.Config
	Credentials store.CredentialStore
	Settings    store.ConfigStore
	RateLimits  store.RateLimitStore
	Pinger      store.Pinger
	Cipher      Encrypter
	Reconciler  Reconciler
	Container   container.Controller
	Queue       *queue.Manager
	Gateway     Gateway
	Fallbacks   FallbackInvalidator
	Events      EventBus
}

// Handler serves the management endpoints.
type Handler struct {
	cfg        *config.Config
	creds      store.CredentialStore
	settings   store.ConfigStore
	rateLimits store.RateLimitStore
	pinger     store.Pinger
	cipher     Encrypter
	reconciler Reconciler
	container  container.Controller
	queue      *queue.Manager
	gateway    Gateway
	fallbacks  FallbackInvalidator
	events     EventBus
	models     *modelsCache

	openWarning sync.Once
}

// NewHandler creates a handler from deps.
func NewHandler(deps Dependencies) *Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handler{
		cfg:        cfg,
		creds:      deps.Credentials,
		settings:   deps.Settings,
		rateLimits: deps.RateLimits,
		pinger:     deps.Pinger,
		cipher:     deps.Cipher,
		reconciler: deps.Reconciler,
		container:  deps.Container,
		queue:      deps.Queue,
		gateway:    deps.Gateway,
		fallbacks:  deps.Fallbacks,
		events:     deps.Events,
		models:     newModelsCache(cfg.ModelsCacheTTL()),
	}
}

// Middleware checks the X-UI-Secret header against the configured secret.
// Without a configured secret every request is let through.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.UISecret == "" {
			h.openWarning.Do(func() {
				log.Warn("UI secret is not configured, management API is open")
			})
			c.Next()
			return
		}
		provided := c.GetHeader(UISecretHeader)
		if provided == "" || !h.cfg.CheckUISecret(provided) {
			logging.Entry(c).Warnf("unauthorized %s %s (secret %s)", c.Request.Method, c.Request.URL.Path, presence(provided))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func presence(s string) string {
	if s == "" {
		return "missing"
	}
	return "invalid"
}

func (h *Handler) publish(evt *hooks.EventContext) {
	if h.events != nil {
		h.events.Publish(evt)
	}
}

func (h *Handler) reconcileAsync(reason string) {
	h.models.Clear()
	if h.reconciler != nil {
		h.reconciler.ApplyAsync(reason)
	}
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
