// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/reconcile"
	"github.com/ctangarife/openclaw-docker/internal/secret"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/ctangarife/openclaw-docker/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

type fakeReconciler struct {
	mu      sync.Mutex
	outcome reconcile.Outcome
	applied []string
	async   []string
}

func (f *fakeReconciler) Apply(_ context.Context, reason string) reconcile.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, reason)
	out := f.outcome
	out.Reason = reason
	return out
}

func (f *fakeReconciler) ApplyAsync(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.async = append(f.async, reason)
}

func (f *fakeReconciler) Async() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.async...)
}

type fakeController struct {
	restart  container.RestartResult
	exec     container.ExecResult
	status   container.StatusResult
	logs     container.LogsResult
	avail    container.AvailabilityResult
	cmd      string
	opts     container.ExecOptions
	lines    int
	restarts int
}

func (f *fakeController) Restart(context.Context) container.RestartResult {
	f.restarts++
	return f.restart
}

func (f *fakeController) RestartWithRetry(ctx context.Context) container.RestartResult {
	return f.Restart(ctx)
}

func (f *fakeController) Exec(_ context.Context, cmd string, opts container.ExecOptions) container.ExecResult {
	f.cmd, f.opts = cmd, opts
	return f.exec
}

func (f *fakeController) Status(context.Context) container.StatusResult { return f.status }

func (f *fakeController) Logs(_ context.Context, lines int) container.LogsResult {
	f.lines = lines
	return f.logs
}

func (f *fakeController) Available(context.Context) container.AvailabilityResult { return f.avail }

type fakeGateway struct {
	mu             sync.Mutex
	result         *gateway.ChatResult
	err            error
	models         map[string][]gateway.ModelEntry
	modelsErr      error
	listCalls      int
	lastReq        gateway.ChatRequest
	maxRetries     int
	enableFallback bool
}

func (f *fakeGateway) Chat(_ context.Context, req gateway.ChatRequest) (*gateway.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeGateway) ListModels(context.Context) (map[string][]gateway.ModelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.models, f.modelsErr
}

func (f *fakeGateway) SetRetryOptions(maxRetries int, enableFallback bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxRetries, f.enableFallback = maxRetries, enableFallback
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

type harness struct {
	t          *testing.T
	h          *Handler
	router     *gin.Engine
	mem        *store.MemoryStore
	cipher     *secret.Cipher
	reconciler *fakeReconciler
	container  *fakeController
	gateway    *fakeGateway
	fallbacks  *countingInvalidator
	queue      *queue.Manager
	bus        *hooks.EventBus

	mu     sync.Mutex
	events []*hooks.EventContext
}

func newHarness(t *testing.T, configure ...func(*config.Config, *Dependencies)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cipher, err := secret.NewCipher(strings.Repeat("k", secret.MinPassphraseLength))
	require.NoError(t, err)

	hs := &harness{
		t:          t,
		mem:        store.NewMemoryStore(),
		cipher:     cipher,
		reconciler: &fakeReconciler{outcome: reconcile.Outcome{Restarted: true}},
		container:  &fakeController{},
		gateway:    &fakeGateway{},
		fallbacks:  &countingInvalidator{},
		queue:      queue.NewManager(nil, 5),
		bus:        hooks.NewEventBus(),
	}
	t.Cleanup(hs.bus.Shutdown)
	hs.bus.SubscribeAll(func(evt *hooks.EventContext) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		hs.events = append(hs.events, evt)
	})

	cfg := config.Default()
	cfg.Gateway.AgentDir = t.TempDir()
	cfg.Gateway.MainConfigPath = filepath.Join(t.TempDir(), "openclaw.json")
	deps := Dependencies{
		Config:      cfg,
		Credentials: hs.mem,
		Settings:    hs.mem.Settings(),
		RateLimits:  hs.mem.RateLimits(),
		Cipher:      cipher,
		Reconciler:  hs.reconciler,
		Container:   hs.container,
		Queue:       hs.queue,
		Gateway:     hs.gateway,
		Fallbacks:   hs.fallbacks,
		Events:      hs.bus,
	}
	for _, fn := range configure {
		fn(cfg, &deps)
	}
	hs.h = NewHandler(deps)
	hs.router = testRouter(hs.h)
	return hs
}

// testRouter mirrors the production route table.
func testRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/api/notifications/stream", h.NotificationStream)
	a := r.Group("/api", h.Middleware())
	a.GET("/credentials", h.ListCredentials)
	a.POST("/credentials", h.CreateCredential)
	a.POST("/credentials/sync", h.SyncCredentials)
	a.GET("/credentials/sync", h.SyncCredentials)
	a.PATCH("/credentials/:id", h.UpdateCredential)
	a.DELETE("/credentials/:id", h.DeleteCredential)
	a.GET("/config", h.GetConfig)
	a.PUT("/config", h.PutConfig)
	a.GET("/config/available-models", h.AvailableModels)
	a.GET("/gateway/docker/check", h.DockerCheck)
	a.GET("/gateway/status", h.GatewayStatus)
	a.POST("/gateway/restart", h.RestartGateway)
	a.POST("/gateway/exec", h.ExecInGateway)
	a.GET("/gateway/logs", h.GatewayLogs)
	a.GET("/queue/stats", h.QueueStats)
	a.GET("/queue/defaults", h.QueueDefaults)
	a.GET("/queue/stats/:provider", h.QueueProviderStats)
	a.PUT("/queue/limits/:provider", h.SetQueueLimit)
	a.POST("/queue/clear", h.ClearQueues)
	a.GET("/queue/config", h.GetQueueConfig)
	a.POST("/queue/config", h.SaveQueueConfig)
	a.POST("/chat", h.Chat)
	return r
}

func (hs *harness) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	hs.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(hs.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	hs.router.ServeHTTP(w, req)
	return w
}

func (hs *harness) Events(kind hooks.HookEvent) []*hooks.EventContext {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []*hooks.EventContext
	for _, e := range hs.events {
		if e.Event == kind {
			out = append(out, e)
		}
	}
	return out
}

func syncFailure(msg string) syncer.Result {
	return syncer.Result{Success: false, Error: msg, Err: errors.New(msg)}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	hs := newHarness(t, func(cfg *config.Config, _ *Dependencies) { cfg.UISecret = string(hash) })

	tests := []struct {
		name           string
		headers        []string
		expectedStatus int
	}{
		{name: "missing secret", expectedStatus: http.StatusUnauthorized},
		{name: "wrong secret", headers: []string{UISecretHeader, "guess"}, expectedStatus: http.StatusUnauthorized},
		{name: "valid secret", headers: []string{UISecretHeader, "open-sesame"}, expectedStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := hs.do(http.MethodGet, "/api/credentials", nil, tt.headers...)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	// health stays public
	w := hs.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_OpenWithoutSecret(t *testing.T) {
	hs := newHarness(t)
	w := hs.do(http.MethodGet, "/api/config", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateCredential(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodPost, "/api/credentials", map[string]any{
		"provider": " Anthropic ",
		"token":    "sk-ant-secret",
		"metadata": map[string]any{"note": "team"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "sk-ant-secret")

	view := decode[credentialView](t, w)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "anthropic", view.Provider)
	assert.Equal(t, "anthropic", view.Name)
	assert.True(t, view.Enabled)

	stored, err := hs.mem.Get(context.Background(), view.ID)
	require.NoError(t, err)
	plain, err := hs.cipher.Decrypt(stored.TokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", plain)
	assert.Equal(t, []string{"credential created"}, hs.reconciler.Async())
}

func TestCreateCredential_Validation(t *testing.T) {
	hs := newHarness(t)
	for _, body := range []any{
		map[string]any{"provider": "openai"},
		map[string]any{"token": "x"},
		"not json",
	} {
		w := hs.do(http.MethodPost, "/api/credentials", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Empty(t, hs.reconciler.Async())
}

func TestListCredentials_NeverExposesTokens(t *testing.T) {
	hs := newHarness(t)
	require.Equal(t, http.StatusCreated, hs.do(http.MethodPost, "/api/credentials", map[string]any{"provider": "openai", "token": "sk-live-1"}).Code)

	w := hs.do(http.MethodGet, "/api/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-live-1")
	assert.NotContains(t, w.Body.String(), "token")
	list := decode[[]credentialView](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "openai", list[0].Provider)
	assert.NotNil(t, list[0].Metadata)
}

func TestUpdateCredential(t *testing.T) {
	hs := newHarness(t)
	created := decode[credentialView](t, hs.do(http.MethodPost, "/api/credentials", map[string]any{"provider": "groq", "token": "gsk-1"}))

	w := hs.do(http.MethodPatch, "/api/credentials/"+created.ID, map[string]any{"enabled": false, "name": " Groq main ", "token": "gsk-2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[credentialView](t, w)
	assert.False(t, view.Enabled)
	assert.Equal(t, "Groq main", view.Name)

	stored, err := hs.mem.Get(context.Background(), created.ID)
	require.NoError(t, err)
	plain, err := hs.cipher.Decrypt(stored.TokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "gsk-2", plain)
	assert.Equal(t, []string{"credential created", "credential updated"}, hs.reconciler.Async())

	w = hs.do(http.MethodPatch, "/api/credentials/missing", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, w.Body.String())

	w = hs.do(http.MethodPatch, "/api/credentials/"+created.ID, map[string]any{"token": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteCredential(t *testing.T) {
	hs := newHarness(t)
	created := decode[credentialView](t, hs.do(http.MethodPost, "/api/credentials", map[string]any{"provider": "openai", "token": "sk-1"}))

	w := hs.do(http.MethodDelete, "/api/credentials/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	w = hs.do(http.MethodDelete, "/api/credentials/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []string{"credential created", "credential deleted"}, hs.reconciler.Async())
}

func TestSyncCredentials(t *testing.T) {
	hs := newHarness(t)
	hs.reconciler.outcome.Sync.Success = true
	hs.reconciler.outcome.Sync.Providers = []string{"anthropic", "openai"}
	hs.reconciler.outcome.Sync.ProvidersSynced = []string{}
	hs.reconciler.outcome.Sync.AuthProfilesFile = "/agent/auth-profiles.json"
	hs.reconciler.outcome.Sync.ModelsFile = "/agent/models.json"
	hs.reconciler.outcome.Sync.Cleaned = true

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		w := hs.do(method, "/api/credentials/sync", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode[map[string]any](t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, []any{"anthropic", "openai"}, body["profiles"])
		assert.Equal(t, "/agent/auth-profiles.json", body["file"])
		assert.Equal(t, "/agent/models.json", body["modelsFile"])
		assert.Equal(t, true, body["cleaned"])
		assert.Equal(t, true, body["gatewayRestarted"])
		assert.NotContains(t, body, "restartError")
	}

	hs.reconciler.outcome.Restarted = false
	hs.reconciler.outcome.RestartError = "container not running"
	body := decode[map[string]any](t, hs.do(http.MethodPost, "/api/credentials/sync", nil))
	assert.Equal(t, false, body["gatewayRestarted"])
	assert.Equal(t, "container not running", body["restartError"])
	assert.Contains(t, body, "note")

	hs.reconciler.outcome.Sync = syncFailure("ENCRYPTION_KEY is not set")
	w := hs.do(http.MethodPost, "/api/credentials/sync", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"ENCRYPTION_KEY is not set"}`, w.Body.String())
}

func TestPutConfig(t *testing.T) {
	hs := newHarness(t)

	w := hs.do(http.MethodPut, "/api/config", map[string]any{"theme": "dark"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"theme":"dark"}`, w.Body.String())
	assert.Empty(t, hs.reconciler.Async())
	assert.Zero(t, hs.fallbacks.n)

	w = hs.do(http.MethodPut, "/api/config", map[string]any{
		store.KeyDefaultAgentModel: "anthropic/claude-3-5-sonnet-20241022",
		store.KeyFallbackModel1:    "openai/gpt-4o",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "dark", body["theme"])
	assert.Equal(t, "openai/gpt-4o", body[store.KeyFallbackModel1])
	assert.Equal(t, []string{"default model changed"}, hs.reconciler.Async())
	assert.Equal(t, 1, hs.fallbacks.n)

	w = hs.do(http.MethodGet, "/api/config", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string]any](t, w), 3)

	for _, bad := range []string{`[1,2]`, `null`, `nope`} {
		w = hs.do(http.MethodPut, "/api/config", bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestPutConfig_WritesDefaultModelForEnabledProvider(t *testing.T) {
	hs := newHarness(t)
	path := hs.h.cfg.Gateway.MainConfigPath
	require.NoError(t, os.WriteFile(path, []byte(`{"agents":{"defaults":{"model":{"primary":"anthropic/claude-3-5-sonnet-20241022"}}}}`), 0o600))
	for _, p := range []string{"anthropic", "openai"} {
		_, err := hs.mem.Create(context.Background(), &store.Credential{Provider: p, TokenEncrypted: "blob", Enabled: true})
		require.NoError(t, err)
	}
	primary := func() string {
		doc, err := os.ReadFile(path)
		require.NoError(t, err)
		return gjson.GetBytes(doc, "agents.defaults.model.primary").String()
	}

	w := hs.do(http.MethodPut, "/api/config", map[string]any{store.KeyDefaultAgentModel: "openai/gpt-4o"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4o", primary())

	w = hs.do(http.MethodPut, "/api/config", map[string]any{store.KeyDefaultAgentModel: "groq/llama-3.3-70b-versatile"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4o", primary(), "disabled provider must not become the primary")
	assert.Len(t, hs.reconciler.Async(), 2)
}

func TestAvailableModels_FiltersAndCaches(t *testing.T) {
	hs := newHarness(t)
	hs.gateway.models = map[string][]gateway.ModelEntry{
		"anthropic": {{ID: "anthropic/claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet"}},
		"openai":    {{ID: "openai/gpt-4o", Name: "GPT-4o"}},
	}
	_, err := hs.mem.Create(context.Background(), &store.Credential{Provider: "anthropic", TokenEncrypted: "blob", Enabled: true})
	require.NoError(t, err)

	w := hs.do(http.MethodGet, "/api/config/available-models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[ModelsByProvider](t, w)
	assert.Equal(t, ModelsByProvider{"anthropic": hs.gateway.models["anthropic"]}, got)

	hs.do(http.MethodGet, "/api/config/available-models", nil)
	assert.Equal(t, 1, hs.gateway.listCalls)

	// a credential mutation clears the cache
	require.Equal(t, http.StatusCreated, hs.do(http.MethodPost, "/api/credentials", map[string]any{"provider": "openai", "token": "sk"}).Code)
	got = decode[ModelsByProvider](t, hs.do(http.MethodGet, "/api/config/available-models", nil))
	assert.Equal(t, 2, hs.gateway.listCalls)
	assert.Len(t, got, 2)
}

func TestAvailableModels_CatalogFallback(t *testing.T) {
	hs := newHarness(t)
	hs.gateway.modelsErr = errors.New("connection refused")
	_, err := hs.mem.Create(context.Background(), &store.Credential{Provider: "anthropic", TokenEncrypted: "blob", Enabled: true})
	require.NoError(t, err)
	_, err = hs.mem.Create(context.Background(), &store.Credential{Provider: "no-such-provider", TokenEncrypted: "blob", Enabled: true})
	require.NoError(t, err)

	got := decode[ModelsByProvider](t, hs.do(http.MethodGet, "/api/config/available-models", nil))
	require.Contains(t, got, "anthropic")
	assert.NotContains(t, got, "no-such-provider")
	assert.NotContains(t, got, "openai")
	for _, m := range got["anthropic"] {
		assert.True(t, strings.HasPrefix(m.ID, "anthropic/"), m.ID)
	}
}

func TestModelsCache_TTLAndClear(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newModelsCache(time.Minute)
	c.now = func() time.Time { return now }
	loads := 0
	load := func(context.Context) (ModelsByProvider, error) {
		loads++
		return ModelsByProvider{"openai": nil}, nil
	}

	_, err := c.Load(context.Background(), load)
	require.NoError(t, err)
	_, err = c.Load(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	now = now.Add(time.Minute)
	_, ok := c.Get()
	assert.False(t, ok)
	_, err = c.Load(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)

	c.Clear()
	_, ok = c.Get()
	assert.False(t, ok)

	_, err = c.Load(context.Background(), func(context.Context) (ModelsByProvider, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	_, ok = c.Get()
	assert.False(t, ok)
}
