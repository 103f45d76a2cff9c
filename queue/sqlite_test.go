package queue

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	mtesting "github.com/mezzanine-av/mezzanine/internal/testing"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/task"
)

func newTestQueue(t *testing.T) (*SQLiteQueue, *task.Store, *library.Store, *sql.DB) {
	t.Helper()
	d := mtesting.CreateTestDB(t)
	store := task.NewStore(d, task.NewScratchStore())
	libs := library.NewStore(d)
	q := NewSQLiteQueue(store, zap.NewNop().Sugar())
	return q, store, libs, d
}

func createLibrary(t *testing.T, libs *library.Store, name string, score int64, tags ...string) *library.Library {
	t.Helper()
	lib := &library.Library{Name: name, Path: "/library/" + name, PriorityScore: score, Tags: tags}
	require.NoError(t, libs.Create(lib))
	return lib
}

func TestGetNextPendingOrdering(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
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

func TestGetNextPendingClaimIsExclusive(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	created, err := store.Create("/a.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	// Claim once, then make sure a second claimant cannot see the task.
	first, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, created.ID, first.ID)

	second, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestGetNextPendingLocalOnly(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	remote, err := store.Create("/r.mkv", task.TypeRemote, lib.ID, 100, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(remote, task.StatusPending))
	local, err := store.Create("/l.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	got, err := q.GetNextPending(Filter{LocalOnly: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, local.ID, got.ID)
}

func TestGetNextPendingLibraryNameFilter(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	movies := createLibrary(t, libs, "movies", 0)
	shows := createLibrary(t, libs, "shows", 1000)

	_, err := store.Create("/s.mkv", task.TypeLocal, shows.ID, 0, t.TempDir())
	require.NoError(t, err)
	wanted, err := store.Create("/m.mkv", task.TypeLocal, movies.ID, 0, t.TempDir())
	require.NoError(t, err)

	got, err := q.GetNextPending(Filter{LibraryNames: []string{"movies"}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wanted.ID, got.ID)
}

func TestGetNextPendingTagFilter(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	gpu := createLibrary(t, libs, "gpu-encodes", 1000, "gpu", "hevc")
	plain := createLibrary(t, libs, "plain", 0)

	tagged, err := store.Create("/g.mkv", task.TypeLocal, gpu.ID, 0, t.TempDir())
	require.NoError(t, err)
	untagged, err := store.Create("/p.mkv", task.TypeLocal, plain.ID, 0, t.TempDir())
	require.NoError(t, err)

	// Absent filter: anything goes, highest priority wins.
	got, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tagged.ID, got.ID)
	_, err = q.RequeueAtBottom(tagged.ID)
	require.NoError(t, err)

	// Empty tag list: only untagged libraries match.
	got, err = q.GetNextPending(Filter{HasTagFilter: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, untagged.ID, got.ID)

	// Non-empty list: intersection with the library's tags.
	got, err = q.GetNextPending(Filter{LibraryTags: []string{"hevc", "av1"}, HasTagFilter: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tagged.ID, got.ID)

	// No library shares this tag.
	got, err = q.GetNextPending(Filter{LibraryTags: []string{"av1"}, HasTagFilter: true})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNextProcessedDoesNotClaim(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	created, err := store.Create("/a.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(created, task.StatusInProgress))
	require.NoError(t, store.SetStatus(created, task.StatusProcessed))

	got, err := q.GetNextProcessed()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.StatusProcessed, got.Status)

	// Not claimed; a second read sees it again.
	again, err := q.GetNextProcessed()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, created.ID, again.ID)
}

func TestEmptyChecks(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
	lib := createLibrary(t, libs, "movies", 0)

	empty, err := q.PendingEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = store.Create("/a.mkv", task.TypeLocal, lib.ID, 0, t.TempDir())
	require.NoError(t, err)

	empty, err = q.PendingEmpty()
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = q.InProgressEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
	empty, err = q.ProcessedEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRequeueAtBottom(t *testing.T) {
	q, store, libs, _ := newTestQueue(t)
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

	requeued, err := store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Less(t, requeued.Priority, a.Priority)

	// The untouched task now claims first.
	next, err := q.GetNextPending(Filter{})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID)
}

func TestRequeueAtBottomMissingTask(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ok, err := q.RequeueAtBottom(12345)
	require.NoError(t, err)
	assert.False(t, ok)
}

func configFor(backend string) config.QueueConfig {
	return config.QueueConfig{Backend: backend, RedisAddr: "localhost:6379"}
}

func TestNewFactory(t *testing.T) {
	_, store, libs, _ := newTestQueue(t)
	logger := zap.NewNop().Sugar()

	q, err := New(configFor(""), store, libs, logger)
	require.NoError(t, err)
	_, ok := q.(*SQLiteQueue)
	assert.True(t, ok)

	q, err = New(configFor("redis"), store, libs, logger)
	require.NoError(t, err)
	_, ok = q.(*RedisQueue)
	assert.True(t, ok)

	_, err = New(configFor("etcd"), store, libs, logger)
	assert.Error(t, err)
}
