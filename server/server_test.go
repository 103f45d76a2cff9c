package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/distributed"
	"github.com/mezzanine-av/mezzanine/frontend"
	mtesting "github.com/mezzanine-av/mezzanine/internal/testing"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/task"
)

type fixture struct {
	srv      *Server
	store    *task.Store
	scratch  *task.ScratchStore
	registry *distributed.Registry
	libs     *library.Store
	bus      *frontend.Bus
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()

	d := mtesting.CreateTestDB(t)
	scratch := task.NewScratchStore()
	store := task.NewStore(d, scratch)
	libs := library.NewStore(d)

	configRoot := t.TempDir()
	registry, err := distributed.NewRegistry(configRoot)
	require.NoError(t, err)
	secret, err := distributed.LoadOrCreateSecret(configRoot)
	require.NoError(t, err)
	tokens := distributed.NewTokenManager(secret, registry, 0)

	logger := zap.NewNop().Sugar()
	bus := frontend.NewBus()
	srv := New(Options{
		Config:    config.ServerConfig{Port: 0},
		Registry:  registry,
		Tokens:    tokens,
		Queue:     queue.NewSQLiteQueue(store, logger),
		Store:     store,
		Scratch:   scratch,
		Bus:       bus,
		DB:        d,
		CacheRoot: t.TempDir(),
		Logger:    logger,
	})
	srv.ready = true

	return &fixture{srv: srv, store: store, scratch: scratch, registry: registry, libs: libs, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// register creates a worker through the API and returns its id and token.
func (f *fixture) register(t *testing.T, name string) (string, string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v2/workers/register", "", map[string]interface{}{
		"name":     name,
		"hostname": name + ".local",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	return out["worker_id"].(string), out["token"].(string)
}

func (f *fixture) seedPendingTask(t *testing.T, abspath string) *task.Task {
	t.Helper()
	lib := &library.Library{Name: "movies", Path: "/library/movies"}
	if existing, err := f.libs.GetByName("movies"); err == nil {
		lib = existing
	} else {
		require.NoError(t, f.libs.Create(lib))
	}
	tk, err := f.store.Create(abspath, task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)
	return tk
}

func TestRegisterAndVerify(t *testing.T) {
	f := newTestServer(t)
	workerID, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodGet, "/api/v2/workers/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, workerID, out["worker_id"])

	rec = f.do(t, http.MethodGet, "/api/v2/workers/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v2/workers/verify", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRequiresName(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodPost, "/api/v2/workers/register", "", map[string]interface{}{
		"hostname": "nameless.local",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenRevocation(t *testing.T) {
	f := newTestServer(t)
	_, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodPost, "/api/v2/workers/token/revoke", "", map[string]interface{}{
		"token": token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v2/workers/verify", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenRefresh(t *testing.T) {
	f := newTestServer(t)
	workerID, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodPost, "/api/v2/workers/token/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := decode(t, rec)["token"].(string)

	rec = f.do(t, http.MethodGet, "/api/v2/workers/verify", fresh, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workerID, decode(t, rec)["worker_id"])
}

func TestInsufficientRoleIs403(t *testing.T) {
	f := newTestServer(t)
	workerID, _ := f.register(t, "observer")

	_, err := f.registry.Update(workerID, nil, []string{distributed.RoleReadonly}, nil, nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v2/workers/token", "", map[string]interface{}{
		"worker_id": workerID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["token"].(string)

	// Authenticated but readonly: claim requires worker or admin.
	rec = f.do(t, http.MethodPost, "/api/v2/tasks/claim", token, map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Verify has no role requirement, so the token still works there.
	rec = f.do(t, http.MethodGet, "/api/v2/workers/verify", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newTestServer(t)
	_, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/claim", token, map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Nil(t, out["task"])
}

func TestClaimAndCompleteFlow(t *testing.T) {
	f := newTestServer(t)
	workerID, token := f.register(t, "render-1")

	tk := f.seedPendingTask(t, "/movies/a.mkv")
	f.scratch.SetTaskValue(tk.ID, "target_codec", "hevc")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/claim", token, map[string]interface{}{
		"worker_id": workerID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	claimed := out["task"].(map[string]interface{})
	assert.Equal(t, float64(tk.ID), claimed["task_id"])
	assert.Equal(t, "/movies/a.mkv", claimed["source_file"])
	assert.Equal(t, "hevc", claimed["settings"].(map[string]interface{})["target_codec"])

	got, err := f.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, workerID, got.ProcessedByWorker)

	// Progress report appends to the command log.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v2/tasks/%d/status", tk.ID), token, map[string]interface{}{
		"status":   "processing",
		"progress": 42.5,
		"message":  "pass 1 of 2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v2/tasks/%d/status", tk.ID), token, map[string]interface{}{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err = f.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, got.Status)
	assert.True(t, got.Success)
	assert.NotNil(t, got.FinishTime)
	assert.Contains(t, got.Log, "pass 1 of 2")
	assert.False(t, f.scratch.Has(tk.ID), "scratch should be purged on complete")
}

func TestClaimAndFailFlow(t *testing.T) {
	f := newTestServer(t)
	_, token := f.register(t, "render-1")
	tk := f.seedPendingTask(t, "/movies/b.mkv")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/claim", token, map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v2/tasks/%d/status", tk.ID), token, map[string]interface{}{
		"status":  "failed",
		"message": "encoder exited with code 1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.False(t, got.Success)
	assert.Contains(t, got.Log, "encoder exited with code 1")
}

func TestTaskStatusOwnership(t *testing.T) {
	f := newTestServer(t)
	_, ownerToken := f.register(t, "render-1")
	_, otherToken := f.register(t, "render-2")
	tk := f.seedPendingTask(t, "/movies/c.mkv")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/claim", ownerToken, map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v2/tasks/%d/status", tk.ID), otherToken, map[string]interface{}{
		"status": "completed",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTaskStatusUnknownTask(t *testing.T) {
	f := newTestServer(t)
	_, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/999/status", token, map[string]interface{}{
		"status": "completed",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskStatusRejectsUnknownStatus(t *testing.T) {
	f := newTestServer(t)
	_, token := f.register(t, "render-1")
	tk := f.seedPendingTask(t, "/movies/d.mkv")

	rec := f.do(t, http.MethodPost, "/api/v2/tasks/claim", token, map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v2/tasks/%d/status", tk.ID), token, map[string]interface{}{
		"status": "paused",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	f := newTestServer(t)
	workerID, token := f.register(t, "render-1")

	before, err := f.registry.Get(workerID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v2/workers/heartbeat", token, map[string]interface{}{
		"worker_id": workerID,
		"status":    "idle",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	after, err := f.registry.Get(workerID)
	require.NoError(t, err)
	assert.False(t, after.LastSeen.Before(before.LastSeen))

	// A worker may not heartbeat on another worker's behalf.
	rec = f.do(t, http.MethodPost, "/api/v2/workers/heartbeat", token, map[string]interface{}{
		"worker_id": "someone-else",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWorkerCRUD(t *testing.T) {
	f := newTestServer(t)
	workerID, token := f.register(t, "render-1")

	rec := f.do(t, http.MethodGet, "/api/v2/workers/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["workers"], 1)

	rec = f.do(t, http.MethodGet, "/api/v2/workers/"+workerID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v2/workers/"+workerID, token, map[string]interface{}{
		"name": "render-1-renamed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	info, err := f.registry.Get(workerID)
	require.NoError(t, err)
	assert.Equal(t, "render-1-renamed", info.Name)

	rec = f.do(t, http.MethodDelete, "/api/v2/workers/"+workerID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = f.registry.Get(workerID)
	assert.Error(t, err)

	rec = f.do(t, http.MethodGet, "/api/v2/workers/"+workerID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "healthy", out["status"])
	components := out["components"].(map[string]interface{})
	assert.Equal(t, "healthy", components["database"].(map[string]interface{})["status"])
	assert.Equal(t, "healthy", components["cache"].(map[string]interface{})["status"])

	rec = f.do(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	f.srv.ready = false
	rec = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthUnhealthyCache(t *testing.T) {
	f := newTestServer(t)
	f.srv.cacheRoot = "/nonexistent/mezzanine-cache"

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "unhealthy", out["status"])
}

func TestMessagesEndpoint(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.bus.Add(frontend.Message{
		ID:      "update-available",
		Type:    frontend.TypeInfo,
		Code:    "updateAvailable",
		Message: "a new version is available",
	}))

	rec := f.do(t, http.MethodGet, "/api/v2/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	messages := out["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "update-available", messages[0].(map[string]interface{})["id"])
}
