// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/gin-gonic/gin"
)

// DefaultLogLines is used when ?lines= is missing or invalid.
const DefaultLogLines = 50

type execRequest struct {
	Command string `json:"command"`
	User    string `json:"user"`
	// Timeout is in milliseconds.
	Timeout int `json:"timeout"`
}

// DockerCheck reports whether the Docker daemon answers.
// GET /api/gateway/docker/check
func (h *Handler) DockerCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.container.Available(c.Request.Context()))
}

// GatewayStatus reports the gateway container state.
// GET /api/gateway/status
func (h *Handler) GatewayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.container.Status(c.Request.Context()))
}

// RestartGateway restarts the gateway container.
// POST /api/gateway/restart
func (h *Handler) RestartGateway(c *gin.Context) {
	res := h.container.Restart(c.Request.Context())
	if !res.Success {
		logging.Entry(c).Errorf("gateway restart failed: %s", res.Error)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": res.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message})
}

// ExecInGateway runs a shell command inside the gateway container.
// POST /api/gateway/exec
func (h *Handler) ExecInGateway(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	opts := container.ExecOptions{User: req.User}
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	res := h.container.Exec(c.Request.Context(), req.Command, opts)
	if !res.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": res.Error, "stdout": res.Stdout, "stderr": res.Stderr})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stdout": res.Stdout, "stderr": res.Stderr})
}

// GatewayLogs returns the tail of the gateway container logs.
// GET /api/gateway/logs?lines=N
func (h *Handler) GatewayLogs(c *gin.Context) {
	lines, err := strconv.Atoi(c.Query("lines"))
	if err != nil || lines <= 0 {
		lines = DefaultLogLines
	}
	res := h.container.Logs(c.Request.Context(), lines)
	if !res.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": res.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": res.Logs})
}
