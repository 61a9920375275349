// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/gin-gonic/gin"
)

// Chat dispatches a chat request through the gateway client.
// POST /api/chat
func (h *Handler) Chat(c *gin.Context) {
	var req gateway.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Model) == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "model and messages are required"})
		return
	}

	res, err := h.gateway.Chat(c.Request.Context(), req)
	if err != nil {
		attempts := 0
		var exhausted *gateway.ExhaustedError
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}
		evt := hooks.NewEvent(hooks.EventChatFailed, map[string]any{"attempts": attempts}, err)
		evt.Model = req.Model
		evt.Provider = queue.ProviderKey(req.Model)
		h.publish(evt)

		status := http.StatusBadGateway
		if errors.Is(err, queue.ErrQueueCleared) {
			status = http.StatusServiceUnavailable
		}
		logging.Entry(c).Errorf("chat %s failed: %v", req.Model, err)
		c.JSON(status, gin.H{"success": false, "error": err.Error(), "attempts": attempts})
		return
	}

	if res.UsedFallback {
		evt := hooks.NewEvent(hooks.EventChatFallback, map[string]any{
			"originalModel": res.OriginalModel,
			"attempts":      res.Attempts,
		}, nil)
		evt.Model = res.Model
		evt.Provider = queue.ProviderKey(res.OriginalModel)
		h.publish(evt)
	}
	c.JSON(http.StatusOK, res)
}
