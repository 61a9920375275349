// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayEndpoints(t *testing.T) {
	hs := newHarness(t)
	hs.container.avail = container.AvailabilityResult{Available: true, Version: "27.1.1"}
	hs.container.status = container.StatusResult{Running: true, Status: "running"}
	hs.container.restart = container.RestartResult{Success: true, Message: "restarted"}
	hs.container.exec = container.ExecResult{Success: true, Stdout: "v22.1.0"}
	hs.container.logs = container.LogsResult{Success: true, Logs: "ready"}

	w := hs.do(http.MethodGet, "/api/gateway/docker/check", nil)
	assert.JSONEq(t, `{"available":true,"version":"27.1.1"}`, w.Body.String())

	w = hs.do(http.MethodGet, "/api/gateway/status", nil)
	assert.JSONEq(t, `{"running":true,"status":"running"}`, w.Body.String())

	w = hs.do(http.MethodPost, "/api/gateway/restart", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"restarted"}`, w.Body.String())

	w = hs.do(http.MethodPost, "/api/gateway/exec", map[string]any{"command": "node --version", "timeout": 5000})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "node --version", hs.container.cmd)
	assert.Equal(t, 5*time.Second, hs.container.opts.Timeout)
	assert.Empty(t, hs.container.opts.User)

	w = hs.do(http.MethodPost, "/api/gateway/exec", map[string]any{"user": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = hs.do(http.MethodGet, "/api/gateway/logs", nil)
	assert.JSONEq(t, `{"success":true,"logs":"ready"}`, w.Body.String())
	assert.Equal(t, DefaultLogLines, hs.container.lines)
	hs.do(http.MethodGet, "/api/gateway/logs?lines=200", nil)
	assert.Equal(t, 200, hs.container.lines)
	hs.do(http.MethodGet, "/api/gateway/logs?lines=-3", nil)
	assert.Equal(t, DefaultLogLines, hs.container.lines)
}

func TestGatewayEndpoints_Failures(t *testing.T) {
	hs := newHarness(t)
	hs.container.restart = container.RestartResult{Error: "No such container: molbot-openclaw-gateway"}
	hs.container.exec = container.ExecResult{Error: "exit status 1", Stderr: "sh: nope: not found"}
	hs.container.logs = container.LogsResult{Error: "timeout"}

	w := hs.do(http.MethodPost, "/api/gateway/restart", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"No such container: molbot-openclaw-gateway"}`, w.Body.String())

	w = hs.do(http.MethodPost, "/api/gateway/exec", map[string]any{"command": "nope"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "not found")

	w = hs.do(http.MethodGet, "/api/gateway/logs", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueueDefaults(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.queue.SetConcurrencyLimit("openai", 2))

	w := hs.do(http.MethodGet, "/api/queue/defaults", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"defaults":{"anthropic":5,"openai":10,"minimax":3,"groq":10,"openrouter":5}}`, w.Body.String())
}

func TestQueueStatsAndLimits(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.queue.Execute(context.Background(), "anthropic/claude", func(context.Context) error { return nil }))

	body := decode[map[string]any](t, hs.do(http.MethodGet, "/api/queue/stats", nil))
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["queues"], "anthropic")
	assert.Equal(t, map[string]any{"totalProviders": float64(1), "totalRunning": float64(0), "totalQueued": float64(0)}, body["summary"])

	w := hs.do(http.MethodGet, "/api/queue/stats/anthropic", nil)
	assert.JSONEq(t, `{"success":true,"provider":"anthropic","running":0,"queued":0,"limit":5}`, w.Body.String())
	w = hs.do(http.MethodGet, "/api/queue/stats/groq", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	for _, bad := range []string{`{"limit":0}`, `{"limit":101}`, `{"limit":"3"}`, `{}`, `{"limit":2.5}`} {
		w = hs.do(http.MethodPut, "/api/queue/limits/anthropic", bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
	w = hs.do(http.MethodPut, "/api/queue/limits/Anthropic", `{"limit":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	stats, ok := hs.queue.Stats("anthropic")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Limit)
}

func TestClearQueues_RejectsPendingAndPublishes(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.queue.SetConcurrencyLimit("openai", 1))

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 2)
	go func() {
		done <- hs.queue.Execute(context.Background(), "openai/gpt-4o", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	go func() {
		done <- hs.queue.Execute(context.Background(), "openai/gpt-4o", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		s, _ := hs.queue.Stats("openai")
		return s.Queued == 1
	}, time.Second, 5*time.Millisecond)

	w := hs.do(http.MethodPost, "/api/queue/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"all queues cleared","rejectedTasks":1}`, w.Body.String())
	assert.ErrorIs(t, <-done, queue.ErrQueueCleared)
	close(release)
	assert.NoError(t, <-done)

	events := hs.Events(hooks.EventQueueCleared)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Data["rejectedTasks"])
}

func TestQueueConfig(t *testing.T) {
	hs := newHarness(t)

	body := decode[map[string]any](t, hs.do(http.MethodGet, "/api/queue/config", nil))
	cfg := body["config"].(map[string]any)
	assert.Equal(t, true, cfg["globalEnabled"])
	assert.Equal(t, float64(3), cfg["maxRetries"])
	assert.Equal(t, float64(10), cfg["providerLimits"].(map[string]any)["openai"])
	assert.NotContains(t, body, "updatedAt")

	w := hs.do(http.MethodPost, "/api/queue/config", map[string]any{"providerLimits": map[string]int{"openai": 101}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, saved, err := hs.mem.RateLimits().Load(context.Background())
	require.NoError(t, err)
	assert.False(t, saved)

	w = hs.do(http.MethodPost, "/api/queue/config", map[string]any{
		"providerLimits": map[string]int{"openai": 2, "groq": 4},
		"maxRetries":     1,
		"enableFallback": false,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rl, saved, err := hs.mem.RateLimits().Load(context.Background())
	require.NoError(t, err)
	require.True(t, saved)
	assert.Equal(t, map[string]int{"openai": 2, "groq": 4}, rl.ProviderLimits)
	assert.True(t, rl.GlobalEnabled)
	assert.Equal(t, 2, hs.queue.Limits()["openai"])
	assert.Equal(t, 4, hs.queue.Limits()["groq"])
	assert.Equal(t, 1, hs.gateway.maxRetries)
	assert.False(t, hs.gateway.enableFallback)

	body = decode[map[string]any](t, hs.do(http.MethodGet, "/api/queue/config", nil))
	assert.Contains(t, body, "updatedAt")
	assert.Equal(t, float64(1), body["config"].(map[string]any)["maxRetries"])
}

func TestLoadRateLimitConfig(t *testing.T) {
	mem := store.NewMemoryStore()
	q := queue.NewManager(nil, 5)
	gw := &fakeGateway{}

	rl, err := LoadRateLimitConfig(context.Background(), mem.RateLimits(), q, gw)
	require.NoError(t, err)
	assert.Nil(t, rl)

	require.NoError(t, mem.RateLimits().Save(context.Background(), &store.RateLimitConfig{
		ProviderLimits: map[string]int{"Minimax": 7},
		GlobalEnabled:  false,
		MaxRetries:     0,
		EnableFallback: true,
	}))
	rl, err = LoadRateLimitConfig(context.Background(), mem.RateLimits(), q, gw)
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Equal(t, 7, q.Limits()["minimax"])
	assert.Equal(t, 0, gw.maxRetries)
	assert.True(t, gw.enableFallback)

	// bypass: a task runs even with the provider saturated
	require.NoError(t, q.SetConcurrencyLimit("minimax", 1))
	block := make(chan struct{})
	go func() {
		_ = q.Execute(context.Background(), "minimax/abab", func(context.Context) error { <-block; return nil })
	}()
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.Execute(ctx, "minimax/abab", func(context.Context) error { return nil }))
}

func TestChat(t *testing.T) {
	hs := newHarness(t)
	hs.gateway.result = &gateway.ChatResult{Success: true, Model: "anthropic/claude-3-5-sonnet-20241022", Content: "hi", Attempts: 1}

	w := hs.do(http.MethodPost, "/api/chat", map[string]any{
		"model":    "anthropic/claude-3-5-sonnet-20241022",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "hi", body["content"])
	assert.Equal(t, "anthropic/claude-3-5-sonnet-20241022", hs.gateway.lastReq.Model)
	assert.Empty(t, hs.Events(hooks.EventChatFallback))

	w = hs.do(http.MethodPost, "/api/chat", map[string]any{"model": "anthropic/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_FallbackAndFailureEvents(t *testing.T) {
	hs := newHarness(t)
	hs.gateway.result = &gateway.ChatResult{
		Success: true, Model: "anthropic/claude-3-5-haiku-20241022", OriginalModel: "anthropic/claude-3-5-sonnet-20241022",
		UsedFallback: true, Attempts: 5,
	}
	req := map[string]any{"model": "anthropic/claude-3-5-sonnet-20241022", "messages": []map[string]any{{"role": "user", "content": "hello"}}}

	require.Equal(t, http.StatusOK, hs.do(http.MethodPost, "/api/chat", req).Code)
	fallbacks := hs.Events(hooks.EventChatFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "anthropic/claude-3-5-haiku-20241022", fallbacks[0].Model)
	assert.Equal(t, "anthropic", fallbacks[0].Provider)
	assert.Equal(t, "anthropic/claude-3-5-sonnet-20241022", fallbacks[0].Data["originalModel"])

	hs.gateway.result = nil
	hs.gateway.err = &gateway.ExhaustedError{Model: "anthropic/claude-3-5-sonnet-20241022", Attempts: 6, Last: errors.New("status 503")}
	w := hs.do(http.MethodPost, "/api/chat", req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(6), body["attempts"])
	failed := hs.Events(hooks.EventChatFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorMessage, "status 503")

	hs.gateway.err = queue.ErrQueueCleared
	w = hs.do(http.MethodPost, "/api/chat", req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func TestHealth_Simple(t *testing.T) {
	hs := newHarness(t)
	w := hs.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"openclaw-config-api"}`, w.Body.String())

	hs = newHarness(t, func(_ *config.Config, d *Dependencies) { d.Pinger = failingPinger{err: errors.New("server selection timeout")} })
	w = hs.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","service":"openclaw-config-api"}`, w.Body.String())
}

func TestHealth_Detailed(t *testing.T) {
	hs := newHarness(t)
	hs.container.status = container.StatusResult{Running: true, Status: "running"}

	// no artifacts yet
	w := hs.do(http.MethodGet, "/health?detailed=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, StatusUnhealthy, body["overall"])

	dir := hs.h.cfg.Gateway.AgentDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-profiles.json"), []byte(`{"profiles":[{"provider":"openai","apiKey":"sk"}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.json"), []byte(`{"providers":{}}`), 0o600))
	_, err := hs.mem.Create(context.Background(), &store.Credential{Provider: "openai", TokenEncrypted: "blob", Enabled: true})
	require.NoError(t, err)

	w = hs.do(http.MethodGet, "/health?detailed=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode[map[string]any](t, w)
	assert.Equal(t, StatusHealthy, body["overall"])
	checks := body["checks"].(map[string]any)
	for _, name := range []string{"mongodb", "gateway", "credentials", "sync", "queue"} {
		assert.Contains(t, checks, name)
	}
	assert.NotContains(t, w.Body.String(), `"sk"`)
	syncDetails := checks["sync"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, true, syncDetails["permissionsOK"])

	hs.container.status = container.StatusResult{Running: false, Status: "exited"}
	w = hs.do(http.MethodGet, "/health?detailed=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNotificationStream(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"), resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	waitFor := func(substr string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", substr)
				if strings.Contains(line, substr) {
					return
				}
			case <-timeout:
				t.Fatalf("no line containing %q", substr)
			}
		}
	}

	waitFor("initial_state")
	hs.bus.Publish(hooks.NewEvent(hooks.EventCredentialsSynced, map[string]any{"profiles": []string{"openai"}}, nil))
	waitFor("event:credentials_synced")
	waitFor(`"profiles":["openai"]`)
}
