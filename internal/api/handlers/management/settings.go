// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"net/http"
	"sort"

	"github.com/ctangarife/openclaw-docker/internal/catalog"
	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/ctangarife/openclaw-docker/internal/syncer"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// keyCredentials is written by the UI when it edits credentials in bulk.
const keyCredentials = "credentials"

// GetConfig returns every stored setting.
// GET /api/config
func (h *Handler) GetConfig(c *gin.Context) {
	all, err := h.settings.All(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

// PutConfig upserts the keys of the request body and returns every setting.
// PUT /api/config
func (h *Handler) PutConfig(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON object required"})
		return
	}
	ctx := c.Request.Context()
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := h.settings.Set(ctx, k, body[k]); err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
	}

	_, modelChanged := body[store.KeyDefaultAgentModel]
	_, fb1 := body[store.KeyFallbackModel1]
	_, fb2 := body[store.KeyFallbackModel2]
	_, credsChanged := body[keyCredentials]

	if modelChanged {
		logging.Entry(c).Infof("default agent model set to %v", body[store.KeyDefaultAgentModel])
		if model, ok := body[store.KeyDefaultAgentModel].(string); ok {
			h.writeDefaultModel(c, model)
		}
		h.reconcileAsync("default model changed")
	}
	if (fb1 || fb2) && h.fallbacks != nil {
		h.fallbacks.Invalidate()
		logging.Entry(c).Info("fallback cache invalidated")
	}
	if credsChanged {
		h.models.Clear()
	}

	h.GetConfig(c)
}

// writeDefaultModel puts model into the gateway main config when its provider
// has an enabled credential. Sync keeps a valid primary, so a changed default
// only takes effect through this write.
func (h *Handler) writeDefaultModel(c *gin.Context, model string) {
	path := h.cfg.Gateway.MainConfigPath
	provider := catalog.ProviderOf(model)
	if path == "" || provider == "" {
		return
	}
	enabled, err := h.creds.FindEnabled(c.Request.Context())
	if err != nil {
		logging.Entry(c).Warnf("default model not written: %v", err)
		return
	}
	for _, cred := range enabled {
		if cred.Provider != provider {
			continue
		}
		if err = syncer.SetDefaultModel(path, model); err != nil {
			logging.Entry(c).Warnf("failed to write default model: %v", err)
		}
		return
	}
	logging.Entry(c).Warnf("default model %s not written: provider %s has no enabled credential", model, provider)
}

// AvailableModels returns the selectable models of the enabled providers.
// GET /api/config/available-models
func (h *Handler) AvailableModels(c *gin.Context) {
	models, err := h.models.Load(c.Request.Context(), h.loadAvailableModels)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, models)
}

// loadAvailableModels asks the gateway for its models and keeps the enabled
// providers. When the gateway cannot answer, the built-in catalog is used.
func (h *Handler) loadAvailableModels(ctx context.Context) (ModelsByProvider, error) {
	creds, err := h.creds.FindEnabled(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(creds))
	for _, cred := range creds {
		enabled[cred.Provider] = true
	}

	var all map[string][]gateway.ModelEntry
	if h.gateway != nil {
		all, err = h.gateway.ListModels(ctx)
		if err != nil {
			log.Warnf("available-models: gateway unavailable, using catalog: %v", err)
			all = nil
		}
	}

	out := make(ModelsByProvider)
	if all == nil {
		for provider := range enabled {
			refs := catalog.ModelList(provider)
			if len(refs) == 0 {
				continue
			}
			entries := make([]gateway.ModelEntry, 0, len(refs))
			for _, m := range refs {
				entries = append(entries, gateway.ModelEntry{ID: provider + "/" + m.ID, Name: m.Name})
			}
			out[provider] = entries
		}
		return out, nil
	}
	for provider, entries := range all {
		if enabled[provider] {
			out[provider] = entries
		}
	}
	return out, nil
}
