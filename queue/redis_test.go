package queue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mtesting "github.com/mezzanine-av/mezzanine/internal/testing"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/task"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *task.Store, *library.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := mtesting.CreateTestDB(t)
	store := task.NewStore(d, task.NewScratchStore())
	libs := library.NewStore(d)
	return NewRedisQueue(client, store, libs, zap.NewNop().Sugar()), store, libs
}

func TestRedisClaimOrdering(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	low := createLibrary(t, libs, "low", 0)
	high := createLibrary(t, libs, "high", 1000)

	a, err := store.Create("/a.mkv", task.TypeLocal, low.ID, 0, t.TempDir())
	require.NoError(t, err)
	b, err := store.Create("/b.mkv", task.TypeLocal, high.ID, 0, t.TempDir())
	require.NoError(t, err)

	got, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.NotNil(t, got.StartTime)

	got, err = q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	got, err = q.GetNextPending(Filter{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisClaimIsExclusive(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	created, err := store.Create("/a.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	first, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, created.ID, first.ID)

	second, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestRedisClaimRollsForwardStaleIndexEntries(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	stale, err := store.Create("/stale.mkv", task.TypeLocal, lib.ID, 1000, t.TempDir())
	require.NoError(t, err)
	live, err := store.Create("/live.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	// Mirror both ids into the index, then claim the high-priority task
	// behind the queue's back so its index entry goes stale.
	empty, err := q.PendingEmpty()
	require.NoError(t, err)
	require.False(t, empty)
	require.NoError(t, store.SetStatus(stale, task.StatusInProgress))

	got, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, live.ID, got.ID, "a stale index entry must be rolled forward, not claimed")
}

func TestRedisFilteredClaim(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	gpu := createLibrary(t, libs, "gpu-encodes", 1000, "gpu")
	plain := createLibrary(t, libs, "plain", 0)

	tagged, err := store.Create("/g.mkv", task.TypeLocal, gpu.ID, 0, t.TempDir())
	require.NoError(t, err)
	untagged, err := store.Create("/p.mkv", task.TypeLocal, plain.ID, 0, t.TempDir())
	require.NoError(t, err)

	got, err := q.GetNextPending(TagFilter([]string{"gpu"}))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tagged.ID, got.ID)

	// The untagged task was not touched and is still claimable.
	got, err = q.GetNextPending(TagFilter(nil))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, untagged.ID, got.ID)
}

func TestRedisFilteredClaimDropsDeletedTasks(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	ghost, err := store.Create("/ghost.mkv", task.TypeLocal, lib.ID, 1000, t.TempDir())
	require.NoError(t, err)
	live, err := store.Create("/live.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	empty, err := q.PendingEmpty() // mirrors both ids into the index
	require.NoError(t, err)
	require.False(t, empty)
	require.NoError(t, store.Delete(ghost.ID))

	got, err := q.GetNextPending(TagFilter(nil))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, live.ID, got.ID)
}

func TestRedisRequeueAtBottom(t *testing.T) {
	q, store, libs := newTestRedisQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	a, err := store.Create("/a.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)
	b, err := store.Create("/b.mkv", task.TypeLocal, lib.ID, 100, t.TempDir())
	require.NoError(t, err)

	claimed, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.Equal(t, b.ID, claimed.ID)

	ok, err := q.RequeueAtBottom(b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Below the current minimum: the untouched task claims first.
	requeued, err := store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Less(t, requeued.Priority, a.Priority)

	next, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID)
}

func TestRedisRequeueAtBottomMissingTask(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ok, err := q.RequeueAtBottom(12345)
	require.NoError(t, err)
	assert.False(t, ok)
}
