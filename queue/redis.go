package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/task"
)

const (
	keyPending    = "mezzanine:queue:pending"
	keyInProgress = "mezzanine:queue:in_progress"
	keyProcessed  = "mezzanine:queue:processed"
	keyTaskPrefix = "mezzanine:task:"

	// filterPeekLimit bounds how many candidates a filtered claim
	// inspects before giving up for this tick.
	filterPeekLimit = 100
)

// claimScript atomically pops the highest-priority pending id, moves it
// to in_progress scored by claim time, and stamps the task hash.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGE', KEYS[1], -1, -1)[1]
if not id then
  return false
end
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', KEYS[3] .. id, 'status', 'in_progress', 'start_time', ARGV[1])
return id
`)

// moveScript claims one specific id; returns 0 when another claimant
// already removed it from pending.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[3] .. ARGV[1], 'status', 'in_progress', 'start_time', ARGV[2])
  return 1
end
return 0
`)

// requeueScript writes the id back to pending below the current
// minimum score and drops it from in_progress if present.
var requeueScript = redis.NewScript(`
local min = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local score = 0
if min[2] then
  score = tonumber(min[2]) - 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], score, ARGV[1])
redis.call('HSET', KEYS[3] .. ARGV[1], 'status', 'pending')
return score
`)

// RedisQueue keeps per-state sorted sets as a fast priority index over
// the authoritative SQLite rows (hybrid mode). Unfiltered claims are a
// single Lua script; filtered claims peek candidates and consult the
// relational store for library metadata absent from the hashes.
type RedisQueue struct {
	client *redis.Client
	store  *task.Store
	libs   *library.Store
	logger *zap.SugaredLogger
	ctx    context.Context
}

// NewRedisQueue creates the key-value queue backend.
func NewRedisQueue(client *redis.Client, store *task.Store, libs *library.Store, logger *zap.SugaredLogger) *RedisQueue {
	return &RedisQueue{
		client: client,
		store:  store,
		libs:   libs,
		logger: logger,
		ctx:    context.Background(),
	}
}

// syncPending mirrors SQLite's pending rows into the pending sorted
// set. ZADD is idempotent, so repeated syncs are safe; claimed ids are
// removed by the claim scripts.
func (q *RedisQueue) syncPending() error {
	tasks, err := q.store.ListByStatus(task.StatusPending, 10000)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(tasks))
	for _, t := range tasks {
		members = append(members, redis.Z{Score: float64(t.Priority), Member: t.ID})
	}
	if err := q.client.ZAdd(q.ctx, keyPending, members...).Err(); err != nil {
		return errors.Wrap(err, "failed to sync pending index")
	}
	return nil
}

func (q *RedisQueue) ListPending(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusPending, limit)
}

func (q *RedisQueue) ListInProgress(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusInProgress, limit)
}

func (q *RedisQueue) ListProcessed(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusProcessed, limit)
}

// GetNextPending claims via the sorted set, then settles the claim on
// the authoritative SQLite row. If the row is no longer pending (the
// index was stale) the claim is rolled forward by dropping the entry
// and trying again.
func (q *RedisQueue) GetNextPending(filter Filter) (*task.Task, error) {
	if err := q.syncPending(); err != nil {
		return nil, err
	}

	if !filter.LocalOnly && filter.LibraryNames == nil && !filter.HasTagFilter {
		return q.claimUnfiltered()
	}
	return q.claimFiltered(filter)
}

func (q *RedisQueue) claimUnfiltered() (*task.Task, error) {
	now := time.Now()
	for {
		res, err := claimScript.Run(q.ctx, q.client,
			[]string{keyPending, keyInProgress, keyTaskPrefix},
			now.Unix()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "claim script failed")
		}
		id, err := strconv.ParseInt(res.(string), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad task id in pending index: %v", res)
		}

		t, err := q.settleClaim(id, now)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// Stale index entry; the script already removed it. Try again.
	}
}

func (q *RedisQueue) claimFiltered(filter Filter) (*task.Task, error) {
	ids, err := q.client.ZRevRange(q.ctx, keyPending, 0, filterPeekLimit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to peek pending index")
	}

	now := time.Now()
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		t, err := q.store.Get(id)
		if err != nil {
			if errors.IsNotFoundError(err) {
				q.client.ZRem(q.ctx, keyPending, raw)
				continue
			}
			return nil, err
		}
		ok, err := q.matches(t, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		claimed, err := moveScript.Run(q.ctx, q.client,
			[]string{keyPending, keyInProgress, keyTaskPrefix},
			raw, now.Unix()).Int()
		if err != nil {
			return nil, errors.Wrap(err, "move script failed")
		}
		if claimed != 1 {
			// Another claimant won this id.
			continue
		}

		settled, err := q.settleClaim(id, now)
		if err != nil {
			return nil, err
		}
		if settled != nil {
			return settled, nil
		}
	}
	return nil, nil
}

// settleClaim transitions the SQLite row pending -> in_progress. A nil
// task with nil error means the row was not pending anymore.
func (q *RedisQueue) settleClaim(id int64, now time.Time) (*task.Task, error) {
	t, err := q.store.Get(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, nil
	}
	t.StartTime = &now
	if err := q.store.SetStatus(t, task.StatusInProgress); err != nil {
		return nil, err
	}
	return t, nil
}

// matches evaluates the dispatch filter against the task's library
// metadata from the relational store (hybrid fallback).
func (q *RedisQueue) matches(t *task.Task, filter Filter) (bool, error) {
	if filter.LocalOnly && t.Type != task.TypeLocal {
		return false, nil
	}
	if filter.LibraryNames == nil && !filter.HasTagFilter {
		return true, nil
	}

	lib, err := q.libs.Get(t.LibraryID)
	if err != nil {
		return false, err
	}

	if filter.LibraryNames != nil {
		found := false
		for _, name := range filter.LibraryNames {
			if lib.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if filter.HasTagFilter {
		if len(filter.LibraryTags) == 0 {
			return len(lib.Tags) == 0, nil
		}
		for _, want := range filter.LibraryTags {
			for _, have := range lib.Tags {
				if want == have {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return true, nil
}

func (q *RedisQueue) GetNextProcessed() (*task.Task, error) {
	tasks, err := q.store.ListByStatus(task.StatusProcessed, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (q *RedisQueue) MarkInProgress(t *task.Task) error {
	now := time.Now()
	t.StartTime = &now
	if err := q.store.SetStatus(t, task.StatusInProgress); err != nil {
		return err
	}
	q.client.ZRem(q.ctx, keyPending, t.ID)
	q.client.ZAdd(q.ctx, keyInProgress, redis.Z{Score: float64(now.Unix()), Member: t.ID})
	return nil
}

func (q *RedisQueue) MarkProcessed(t *task.Task) error {
	if err := q.store.SetStatus(t, task.StatusProcessed); err != nil {
		return err
	}
	q.client.ZRem(q.ctx, keyInProgress, t.ID)
	q.client.ZAdd(q.ctx, keyProcessed, redis.Z{Score: float64(t.Priority), Member: t.ID})
	return nil
}

func (q *RedisQueue) PendingEmpty() (bool, error) {
	if err := q.syncPending(); err != nil {
		return false, err
	}
	n, err := q.client.ZCard(q.ctx, keyPending).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to count pending index")
	}
	return n == 0, nil
}

func (q *RedisQueue) InProgressEmpty() (bool, error) {
	n, err := q.store.CountByStatus(task.StatusInProgress)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (q *RedisQueue) ProcessedEmpty() (bool, error) {
	n, err := q.store.CountByStatus(task.StatusProcessed)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// RequeueAtBottom writes the id to the bottom of the pending sorted set
// and mirrors the move into SQLite.
func (q *RedisQueue) RequeueAtBottom(taskID int64) (bool, error) {
	t, err := q.store.Get(taskID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}

	score, err := requeueScript.Run(q.ctx, q.client,
		[]string{keyPending, keyInProgress, keyTaskPrefix},
		taskID).Int64()
	if err != nil {
		return false, errors.Wrap(err, "requeue script failed")
	}

	t.Priority = score
	if t.Status == task.StatusInProgress {
		if err := q.store.Requeue(t); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := q.store.Update(t); err != nil {
		return false, err
	}
	return true, nil
}
