// Package queue provides the pluggable priority task queue the foreman
// and post-processor dispatch through. Two interchangeable backends are
// provided: SQLite (authoritative) and Redis (sorted-set dispatcher,
// hybrid with the relational store for filter metadata).
package queue

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/task"
)

// Filter narrows which pending task a claim may return.
type Filter struct {
	// LocalOnly restricts the claim to tasks created locally.
	LocalOnly bool
	// LibraryNames restricts to the named libraries; nil means no
	// name filter.
	LibraryNames []string
	// LibraryTags restricts by library tag membership. HasTagFilter
	// distinguishes "no filter" (false) from an empty tag list, which
	// matches only libraries with no tags at all. A non-empty list
	// matches libraries sharing at least one tag.
	LibraryTags  []string
	HasTagFilter bool
}

// TagFilter builds a Filter for a worker group's tag set.
func TagFilter(tags []string) Filter {
	return Filter{LocalOnly: true, LibraryTags: tags, HasTagFilter: true}
}

// TaskQueue is the contract both backends implement. The claim
// operation is atomic: of all concurrent claimants for the same
// pending task, exactly one sees it.
type TaskQueue interface {
	ListPending(limit int) ([]*task.Task, error)
	ListInProgress(limit int) ([]*task.Task, error)
	ListProcessed(limit int) ([]*task.Task, error)

	// GetNextPending atomically claims the highest-priority pending
	// task matching the filter, transitioning it to in_progress.
	// Returns nil when no task matches.
	GetNextPending(filter Filter) (*task.Task, error)
	// GetNextProcessed returns the next processed task awaiting
	// post-processing, or nil.
	GetNextProcessed() (*task.Task, error)

	MarkInProgress(t *task.Task) error
	MarkProcessed(t *task.Task) error

	PendingEmpty() (bool, error)
	InProgressEmpty() (bool, error)
	ProcessedEmpty() (bool, error)

	// RequeueAtBottom moves the task to the bottom of the pending
	// queue (current minimum priority minus one). Succeeds even when
	// the task is no longer pending or in progress.
	RequeueAtBottom(taskID int64) (bool, error)
}

// New builds the queue backend selected by the configuration.
func New(cfg config.QueueConfig, store *task.Store, libs *library.Store, logger *zap.SugaredLogger) (TaskQueue, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLiteQueue(store, logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisQueue(client, store, libs, logger), nil
	default:
		return nil, errors.Newf("unknown queue backend: %q", cfg.Backend)
	}
}
