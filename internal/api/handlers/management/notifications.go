// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"io"
	"net/http"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/gin-gonic/gin"
)

// Notification stream tuning.
const (
	notificationBuffer    = 64
	notificationKeepAlive = 30 * time.Second
)

// NotificationStream forwards every bus event to the client as server-sent
// events. Slow clients lose events instead of blocking publishers.
// GET /api/notifications/stream
func (h *Handler) NotificationStream(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are not available"})
		return
	}

	ch := make(chan *hooks.EventContext, notificationBuffer)
	unsubscribe := h.events.SubscribeAll(func(evt *hooks.EventContext) {
		select {
		case ch <- evt:
		default:
		}
	})
	defer unsubscribe()

	id := logging.RequestID(c)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("system", gin.H{"type": "initial_state", "clientId": id})
	c.Writer.Flush()

	keepAlive := time.NewTicker(notificationKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case evt := <-ch:
			c.SSEvent(string(evt.Event), evt)
			return true
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
	logging.Entry(c).Debug("notification stream closed")
}
