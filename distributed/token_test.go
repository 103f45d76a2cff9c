package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/errors"
	mtesting "github.com/mezzanine-av/mezzanine/internal/testing"
	"github.com/mezzanine-av/mezzanine/internal/util"
	"github.com/mezzanine-av/mezzanine/task"
)

func newAuthFixture(t *testing.T) (*Registry, *TokenManager) {
	t.Helper()
	root := t.TempDir()
	registry, err := NewRegistry(root)
	require.NoError(t, err)
	secret, err := LoadOrCreateSecret(root)
	require.NoError(t, err)
	return registry, NewTokenManager(secret, registry, 0)
}

func TestTokenLifecycle(t *testing.T) {
	registry, mgr := newAuthFixture(t)

	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)

	token, err := mgr.Issue(w, 0)
	require.NoError(t, err)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, w.WorkerID, claims.Subject)
	assert.True(t, claims.HasRole(RoleWorker))

	// Revoked tokens fail as invalid, not expired.
	require.NoError(t, mgr.Revoke(token))
	_, err = mgr.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTokenInvalid))
	assert.False(t, errors.Is(err, errors.ErrTokenExpired))
}

func TestTokenExpiry(t *testing.T) {
	registry, mgr := newAuthFixture(t)
	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)

	token, err := mgr.Issue(w, 10*time.Second)
	require.NoError(t, err)

	_, err = mgr.Validate(token)
	require.NoError(t, err)

	// Advance the clock 20 s past issuance.
	mgr.now = func() time.Time { return time.Now().Add(20 * time.Second) }
	_, err = mgr.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTokenExpired))
}

func TestTokenGarbageIsInvalid(t *testing.T) {
	_, mgr := newAuthFixture(t)

	for _, bad := range []string{"", "x", "a.b", "a.b.c"} {
		_, err := mgr.Validate(bad)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTokenInvalid), "token %q", bad)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	registry, mgr := newAuthFixture(t)
	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)
	token, err := mgr.Issue(w, 0)
	require.NoError(t, err)

	other := NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), registry, 0)
	_, err = other.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTokenInvalid))
}

func TestTokenInactiveWorker(t *testing.T) {
	registry, mgr := newAuthFixture(t)
	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)
	token, err := mgr.Issue(w, 0)
	require.NoError(t, err)

	_, err = registry.Update(w.WorkerID, nil, nil, nil, util.Ptr(false))
	require.NoError(t, err)

	_, err = mgr.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWorkerNotRegistered))
}

func TestTokenValidateTouchesLastSeen(t *testing.T) {
	registry, mgr := newAuthFixture(t)
	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)
	token, err := mgr.Issue(w, 0)
	require.NoError(t, err)

	before, err := registry.Get(w.WorkerID)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = mgr.Validate(token)
	require.NoError(t, err)

	after, err := registry.Get(w.WorkerID)
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(before.LastSeen))
}

func TestValidityClamp(t *testing.T) {
	assert.Equal(t, DefaultTokenValidity, clampValidity(0))
	assert.Equal(t, MaxTokenValidity, clampValidity(90*24*time.Hour))
	assert.Equal(t, time.Hour, clampValidity(time.Hour))
}

func TestMonitorReapsStaleWorkersAndTasks(t *testing.T) {
	root := t.TempDir()
	registry, err := NewRegistry(root)
	require.NoError(t, err)

	d := mtesting.CreateTestDB(t)
	store := task.NewStore(d, task.NewScratchStore())
	_, err = d.Exec(`INSERT INTO libraries (name, path) VALUES ('movies', '/m')`)
	require.NoError(t, err)

	w, err := registry.Register("W1", "h", nil)
	require.NoError(t, err)

	// Task claimed by W1, in progress.
	claimed, err := store.Create("/m/a.mkv", task.TypeLocal, 1, 0, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(claimed, task.StatusInProgress))
	claimed.ProcessedByWorker = w.WorkerID
	now := time.Now()
	claimed.StartTime = &now
	require.NoError(t, store.Update(claimed))

	// A second task with a healthy recent claim stays put.
	healthy, err := store.Create("/m/b.mkv", task.TypeLocal, 1, 0, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(healthy, task.StatusInProgress))
	healthy.StartTime = &now
	require.NoError(t, store.Update(healthy))

	monitor := NewMonitor(registry, store, zap.NewNop().Sugar())
	// Pretend the worker last checked in 400 s ago.
	monitor.now = func() time.Time { return time.Now().Add(400 * time.Second) }
	monitor.Tick()

	got, err := registry.Get(w.WorkerID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	requeued, err := store.Get(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Empty(t, requeued.ProcessedByWorker)
	assert.Nil(t, requeued.StartTime)

	untouched, err := store.Get(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, untouched.Status)
}

func TestMonitorRequeuesStaleTasksRegardlessOfWorker(t *testing.T) {
	registry, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	d := mtesting.CreateTestDB(t)
	store := task.NewStore(d, task.NewScratchStore())
	_, err = d.Exec(`INSERT INTO libraries (name, path) VALUES ('movies', '/m')`)
	require.NoError(t, err)

	stale, err := store.Create("/m/a.mkv", task.TypeLocal, 1, 0, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(stale, task.StatusInProgress))
	old := time.Now().Add(-2000 * time.Second)
	stale.StartTime = &old
	require.NoError(t, store.Update(stale))

	monitor := NewMonitor(registry, store, zap.NewNop().Sugar())
	monitor.Tick()

	got, err := store.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}
