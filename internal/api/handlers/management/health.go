// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/syncer"
	"github.com/ctangarife/openclaw-docker/internal/util"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// ServiceName identifies this service in health answers.
const ServiceName = "openclaw-config-api"

// healthCheckTimeout bounds every detailed health check.
const healthCheckTimeout = 5 * time.Second

// Health states, worst last.
const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusUnhealthy = "unhealthy"
)

var startedAt = time.Now()

// CheckResult is one component of the detailed health answer.
type CheckResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Latency int64          `json:"latency,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Health answers load balancers with a store ping, or every component with
// ?detailed=true. Unhealthy answers use 503.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	if c.Query("detailed") != "true" {
		status := h.checkStore(c.Request.Context()).Status
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "service": ServiceName})
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	var mongo, gw, creds, sync CheckResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { mongo = h.checkStore(gctx); return nil })
	g.Go(func() error { gw = h.checkGateway(gctx); return nil })
	g.Go(func() error { creds = h.checkCredentials(gctx); return nil })
	g.Go(func() error { sync = h.checkSyncFiles(); return nil })
	_ = g.Wait()

	checks := map[string]CheckResult{
		"mongodb":     mongo,
		"gateway":     gw,
		"credentials": creds,
		"sync":        sync,
		"queue":       h.checkQueue(),
	}
	overall := StatusHealthy
	for _, chk := range checks {
		overall = worse(overall, chk.Status)
	}
	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"timestamp":    time.Now().UTC(),
		"uptime":       int64(time.Since(startedAt).Seconds()),
		"overall":      overall,
		"checks":       checks,
		"totalLatency": time.Since(start).Milliseconds(),
	})
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusWarning: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (h *Handler) checkStore(ctx context.Context) CheckResult {
	if h.pinger == nil {
		return CheckResult{Status: StatusHealthy, Message: "in-memory store"}
	}
	start := time.Now()
	if err := h.pinger.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Latency: time.Since(start).Milliseconds()}
	}
	return CheckResult{Status: StatusHealthy, Message: "MongoDB connected", Latency: time.Since(start).Milliseconds()}
}

func (h *Handler) checkGateway(ctx context.Context) CheckResult {
	if h.container == nil {
		return CheckResult{Status: StatusWarning, Message: "container controller not configured"}
	}
	start := time.Now()
	st := h.container.Status(ctx)
	res := CheckResult{Latency: time.Since(start).Milliseconds(), Details: map[string]any{"state": st.Status}}
	switch {
	case st.Running:
		res.Status, res.Message = StatusHealthy, "gateway container running"
	case st.Error != "":
		res.Status, res.Message = StatusUnhealthy, st.Error
	default:
		res.Status, res.Message = StatusUnhealthy, "gateway container not running"
	}
	return res
}

func (h *Handler) checkCredentials(ctx context.Context) CheckResult {
	all, err := h.creds.List(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	enabled := 0
	providers := map[string]bool{}
	for _, cred := range all {
		if cred.Enabled {
			enabled++
			providers[cred.Provider] = true
		}
	}
	names := make([]string, 0, len(providers))
	for p := range providers {
		names = append(names, p)
	}
	sort.Strings(names)
	res := CheckResult{
		Status: StatusHealthy,
		Details: map[string]any{
			"total":            len(all),
			"enabled":          enabled,
			"disabled":         len(all) - enabled,
			"enabledProviders": names,
		},
	}
	if len(all) == 0 {
		res.Status, res.Message = StatusWarning, "no credentials configured"
	}
	return res
}

// checkSyncFiles inspects the artifacts written by the last sync.
func (h *Handler) checkSyncFiles() CheckResult {
	dir := h.cfg.Gateway.AgentDir
	details := map[string]any{}
	profilesPath := filepath.Join(dir, syncer.AuthProfilesFileName)
	modelsPath := filepath.Join(dir, syncer.ModelsFileName)
	profiles, errProfiles := os.ReadFile(profilesPath)
	models, errModels := os.ReadFile(modelsPath)
	details["authProfilesExists"] = errProfiles == nil
	details["modelsJsonExists"] = errModels == nil
	if errProfiles != nil || errModels != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "sync artifacts missing", Details: details}
	}
	permsOK := true
	for _, r := range util.AuditPermissions(syncer.ArtifactFileMode, profilesPath, modelsPath) {
		permsOK = permsOK && r.OK()
	}
	details["permissionsOK"] = permsOK
	count := gjson.GetBytes(profiles, "profiles.#").Int()
	details["authProfilesProfiles"] = count
	details["modelsJsonProviders"] = len(gjson.GetBytes(models, "providers").Map())
	if count == 0 {
		return CheckResult{Status: StatusWarning, Message: "synchronized without credentials", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "sync OK", Details: details}
}

func (h *Handler) checkQueue() CheckResult {
	if h.queue == nil {
		return CheckResult{Status: StatusHealthy}
	}
	sum := summarize(h.queue.AllStats())
	return CheckResult{Status: StatusHealthy, Details: map[string]any{
		"totalProviders": sum.TotalProviders,
		"totalRunning":   sum.TotalRunning,
		"totalQueued":    sum.TotalQueued,
	}}
}
