// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/gin-gonic/gin"
)

type createCredentialRequest struct {
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Token    string         `json:"token"`
	Metadata map[string]any `json:"metadata"`
}

type updateCredentialRequest struct {
	Enabled  *bool          `json:"enabled"`
	Name     *string        `json:"name"`
	Token    *string        `json:"token"`
	Metadata map[string]any `json:"metadata"`
}

// credentialView is the public shape of a credential; it never carries the token.
type credentialView struct {
	ID        string         `json:"_id"`
	Provider  string         `json:"provider"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

func viewOf(c store.Credential) credentialView {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return credentialView{
		ID:        c.ID,
		Provider:  c.Provider,
		Name:      c.Name,
		Enabled:   c.Enabled,
		Metadata:  meta,
		CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		UpdatedAt: c.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidID):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidCredential):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListCredentials returns every credential without its secret.
// GET /api/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	list, err := h.creds.List(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]credentialView, 0, len(list))
	for _, cred := range list {
		out = append(out, viewOf(cred))
	}
	c.JSON(http.StatusOK, out)
}

// CreateCredential stores a new credential and schedules a reconcile.
// POST /api/credentials
func (h *Handler) CreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Provider) == "" || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and token are required"})
		return
	}
	blob, err := h.cipher.Encrypt(req.Token)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, fmt.Errorf("encrypt token: %w", err))
		return
	}
	created, err := h.creds.Create(c.Request.Context(), &store.Credential{
		Provider:       req.Provider,
		Name:           req.Name,
		TokenEncrypted: blob,
		Enabled:        true,
		Metadata:       req.Metadata,
	})
	if err != nil {
		errorJSON(c, storeStatus(err), err)
		return
	}
	logging.Entry(c).Infof("credential %s created for %s", created.ID, created.Provider)
	h.reconcileAsync("credential created")
	c.JSON(http.StatusCreated, viewOf(*created))
}

// UpdateCredential applies a partial update and schedules a reconcile.
// PATCH /api/credentials/:id
func (h *Handler) UpdateCredential(c *gin.Context) {
	var req updateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	patch := store.CredentialPatch{Enabled: req.Enabled, Metadata: req.Metadata}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		patch.Name = &name
	}
	if req.Token != nil {
		if *req.Token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token must not be empty"})
			return
		}
		blob, err := h.cipher.Encrypt(*req.Token)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, fmt.Errorf("encrypt token: %w", err))
			return
		}
		patch.TokenEncrypted = &blob
	}

	updated, err := h.creds.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		if storeStatus(err) == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		errorJSON(c, storeStatus(err), err)
		return
	}
	logging.Entry(c).Infof("credential %s updated", updated.ID)
	h.reconcileAsync("credential updated")
	c.JSON(http.StatusOK, viewOf(*updated))
}

// DeleteCredential removes a credential and schedules a reconcile.
// DELETE /api/credentials/:id
func (h *Handler) DeleteCredential(c *gin.Context) {
	id := c.Param("id")
	if err := h.creds.Delete(c.Request.Context(), id); err != nil {
		if storeStatus(err) == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	logging.Entry(c).Infof("credential %s deleted", id)
	h.reconcileAsync("credential deleted")
	c.Status(http.StatusNoContent)
}

// SyncCredentials runs a reconcile and waits for it.
// POST|GET /api/credentials/sync
func (h *Handler) SyncCredentials(c *gin.Context) {
	h.models.Clear()
	out := h.reconciler.Apply(c.Request.Context(), "manual sync")
	res := out.Sync
	if !res.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": res.Error})
		return
	}

	body := gin.H{
		"success":          true,
		"message":          fmt.Sprintf("Synchronized %d credential(s)", len(res.Providers)),
		"profiles":         res.Providers,
		"file":             res.AuthProfilesFile,
		"modelsFile":       res.ModelsFile,
		"cleaned":          res.Cleaned,
		"providersSynced":  res.ProvidersSynced,
		"gatewayRestarted": out.Restarted,
	}
	if len(res.Failed) > 0 {
		body["failed"] = res.Failed
	}
	if res.DefaultModel != "" {
		body["defaultModel"] = res.DefaultModel
	}
	if out.RestartError != "" {
		body["restartError"] = out.RestartError
		body["note"] = "Files synchronized but the gateway could not be restarted; restart it manually or use POST /api/gateway/restart"
	}
	c.JSON(http.StatusOK, body)
}
