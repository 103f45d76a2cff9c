package queue

import (
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/task"
)

// SQLiteQueue is the relational backend. The claim is made race-safe
// with a conditional UPDATE: concurrent claimants race on
// status='pending' and exactly one wins the row.
type SQLiteQueue struct {
	store  *task.Store
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteQueue creates the relational queue backend.
func NewSQLiteQueue(store *task.Store, logger *zap.SugaredLogger) *SQLiteQueue {
	return &SQLiteQueue{store: store, db: store.DB(), logger: logger}
}

func (q *SQLiteQueue) ListPending(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusPending, limit)
}

func (q *SQLiteQueue) ListInProgress(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusInProgress, limit)
}

func (q *SQLiteQueue) ListProcessed(limit int) ([]*task.Task, error) {
	return q.store.ListByStatus(task.StatusProcessed, limit)
}

// GetNextPending claims the highest-priority pending task matching the
// filter. Candidates are selected with the library joins, then claimed
// with UPDATE ... WHERE status='pending'; a lost race moves on to the
// next candidate.
func (q *SQLiteQueue) GetNextPending(filter Filter) (*task.Task, error) {
	query, args := buildPendingQuery(filter, 10)

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select pending candidates")
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan candidate id")
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate candidates")
	}

	now := time.Now()
	for _, id := range candidates {
		res, err := q.db.Exec(
			`UPDATE tasks SET status = ?, start_time = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			task.StatusInProgress, now, now, id, task.StatusPending,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim task %d", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "rows affected")
		}
		if n == 1 {
			return q.store.Get(id)
		}
		// Lost the race to a concurrent claimant; try the next one.
	}
	return nil, nil
}

// buildPendingQuery assembles the filtered candidate select. Tag
// semantics: no filter when absent; empty list matches only libraries
// with no tags; non-empty matches libraries sharing at least one tag.
func buildPendingQuery(filter Filter, limit int) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString(`SELECT DISTINCT t.id FROM tasks t JOIN libraries l ON l.id = t.library_id`)

	if filter.HasTagFilter && len(filter.LibraryTags) > 0 {
		sb.WriteString(` JOIN library_tags lt ON lt.library_id = l.id JOIN tags tg ON tg.id = lt.tag_id`)
	}
	if filter.HasTagFilter && len(filter.LibraryTags) == 0 {
		sb.WriteString(` LEFT JOIN library_tags lt ON lt.library_id = l.id`)
	}

	sb.WriteString(` WHERE t.status = ?`)
	args = append(args, task.StatusPending)

	if filter.LocalOnly {
		sb.WriteString(` AND t.type = ?`)
		args = append(args, task.TypeLocal)
	}
	if filter.LibraryNames != nil {
		sb.WriteString(` AND l.name IN (` + placeholders(len(filter.LibraryNames)) + `)`)
		for _, name := range filter.LibraryNames {
			args = append(args, name)
		}
	}
	if filter.HasTagFilter {
		if len(filter.LibraryTags) > 0 {
			sb.WriteString(` AND tg.name IN (` + placeholders(len(filter.LibraryTags)) + `)`)
			for _, tag := range filter.LibraryTags {
				args = append(args, tag)
			}
		} else {
			sb.WriteString(` AND lt.library_id IS NULL`)
		}
	}

	sb.WriteString(` ORDER BY t.priority DESC, t.id ASC LIMIT ?`)
	args = append(args, limit)
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// GetNextProcessed returns the next processed task, highest priority
// first, without claiming it; the post-processor is the single
// consumer of this state.
func (q *SQLiteQueue) GetNextProcessed() (*task.Task, error) {
	tasks, err := q.store.ListByStatus(task.StatusProcessed, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (q *SQLiteQueue) MarkInProgress(t *task.Task) error {
	now := time.Now()
	t.StartTime = &now
	return q.store.SetStatus(t, task.StatusInProgress)
}

func (q *SQLiteQueue) MarkProcessed(t *task.Task) error {
	return q.store.SetStatus(t, task.StatusProcessed)
}

func (q *SQLiteQueue) PendingEmpty() (bool, error) {
	return q.statusEmpty(task.StatusPending)
}

func (q *SQLiteQueue) InProgressEmpty() (bool, error) {
	return q.statusEmpty(task.StatusInProgress)
}

func (q *SQLiteQueue) ProcessedEmpty() (bool, error) {
	return q.statusEmpty(task.StatusProcessed)
}

func (q *SQLiteQueue) statusEmpty(status task.Status) (bool, error) {
	n, err := q.store.CountByStatus(status)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// RequeueAtBottom moves the task below the current minimum pending
// priority. An in_progress task is requeued; a task in any other state
// only has its priority lowered (no-op transition), which keeps the
// operation idempotent for callers racing the post-processor.
func (q *SQLiteQueue) RequeueAtBottom(taskID int64) (bool, error) {
	t, err := q.store.Get(taskID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}

	var minPriority sql.NullInt64
	err = q.db.QueryRow(`SELECT MIN(priority) FROM tasks WHERE status = ?`, task.StatusPending).Scan(&minPriority)
	if err != nil {
		return false, errors.Wrap(err, "failed to find minimum pending priority")
	}
	if minPriority.Valid {
		t.Priority = minPriority.Int64 - 1
	}

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
