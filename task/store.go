package task

import (
	"database/sql"
	"time"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Store handles persistence of tasks. It is the sole mutator of task
// status; everything else goes through it (directly or via the queue).
type Store struct {
	db      *sql.DB
	scratch *ScratchStore
}

// NewStore creates a task store. The scratch store may be nil when
// scratch purging is handled elsewhere (tests).
func NewStore(db *sql.DB, scratch *ScratchStore) *Store {
	return &Store{db: db, scratch: scratch}
}

const taskColumns = `id, abspath, library_id, type, status, priority, cache_path,
	success, start_time, finish_time, processed_by_worker, log, created_at, updated_at`

// DB exposes the underlying handle for components that need to join
// against task rows (the queue backends).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Create inserts a task in status creating, assigns its cache path and
// priority (id + library priority score + offset), then promotes local
// tasks to pending. Remote tasks stay in creating until an external
// trigger promotes them.
func (s *Store) Create(abspath string, typ Type, libraryID int64, priorityOffset int64, cacheRoot string) (*Task, error) {
	var libraryScore int64
	err := s.db.QueryRow(`SELECT priority_score FROM libraries WHERE id = ?`, libraryID).Scan(&libraryScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("library %d", libraryID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up library %d", libraryID)
	}

	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO tasks (abspath, library_id, type, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		abspath, libraryID, typ, StatusCreating, now, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create task")
		err = errors.WithDetailf(err, "Abspath: %s", abspath)
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "last insert id")
	}

	t := &Task{
		ID:        id,
		Abspath:   abspath,
		LibraryID: libraryID,
		Type:      typ,
		Status:    StatusCreating,
		Priority:  id + libraryScore + priorityOffset,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.SetCachePath(cacheRoot, "")

	if err := s.Update(t); err != nil {
		return nil, err
	}

	if typ == TypeLocal {
		if err := s.SetStatus(t, StatusPending); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Get retrieves a task by id.
func (s *Store) Get(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %d", id)
	}
	return t, nil
}

// GetByAbspath retrieves the newest task for a source path. Terminal
// rows for earlier runs of the same source may coexist with one live
// task; the live task, being newest, wins.
func (s *Store) GetByAbspath(abspath string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE abspath = ? ORDER BY id DESC LIMIT 1`, abspath)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task for %s", abspath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task for %s", abspath)
	}
	return t, nil
}

// Update writes the task's mutable fields.
func (s *Store) Update(t *Task) error {
	t.UpdatedAt = time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, priority = ?, cache_path = ?, success = ?,
		     start_time = ?, finish_time = ?, processed_by_worker = ?,
		     log = ?, updated_at = ?
		 WHERE id = ?`,
		t.Status, t.Priority, t.CachePath, t.Success,
		t.StartTime, t.FinishTime, t.ProcessedByWorker,
		t.Log, t.UpdatedAt, t.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update task")
		err = errors.WithDetailf(err, "Task ID: %d", t.ID)
		return err
	}
	return nil
}

// SetStatus performs a legal lifecycle transition and persists it.
// Transition to complete purges both scratch tiers for the task.
func (s *Store) SetStatus(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		err := errors.Wrapf(errors.ErrInvalidStatus, "%s -> %s", t.Status, to)
		err = errors.WithDetailf(err, "Task ID: %d", t.ID)
		return err
	}
	t.Status = to
	if err := s.Update(t); err != nil {
		return err
	}
	if to == StatusComplete && s.scratch != nil {
		s.scratch.Purge(t.ID)
	}
	return nil
}

// CompleteRemote finalizes a task whose artifact was produced on a
// distributed worker. The two remaining transitions (in_progress ->
// processed -> complete) land in a single persisted write, so the
// post-processor polling for processed rows can never pick the task up
// in between.
func (s *Store) CompleteRemote(t *Task) error {
	if t.Status != StatusInProgress {
		err := errors.Wrapf(errors.ErrInvalidStatus, "complete remotely-processed task from %s", t.Status)
		err = errors.WithDetailf(err, "Task ID: %d", t.ID)
		return err
	}
	t.Status = StatusComplete
	if err := s.Update(t); err != nil {
		return err
	}
	if s.scratch != nil {
		s.scratch.Purge(t.ID)
	}
	return nil
}

// Requeue is the at-least-once recovery path: it forces an in_progress
// task back to pending, clearing the claim. This bypasses the linear
// transition table deliberately; it is the only legal backward move.
func (s *Store) Requeue(t *Task) error {
	if t.Status != StatusInProgress {
		return errors.Wrapf(errors.ErrInvalidStatus, "requeue from %s", t.Status)
	}
	t.Status = StatusPending
	t.ProcessedByWorker = ""
	t.StartTime = nil
	return s.Update(t)
}

// Delete removes the task record and purges its scratch state.
func (s *Store) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete task %d", id)
	}
	if s.scratch != nil {
		s.scratch.Purge(id)
	}
	return nil
}

// ListByStatus returns up to limit tasks in the given status, highest
// priority first.
func (s *Store) ListByStatus(status Status, limit int) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? ORDER BY priority DESC, id ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s tasks", status)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, errors.Wrap(rows.Err(), "iterate tasks")
}

// CountByStatus returns the number of tasks in the given status.
func (s *Store) CountByStatus(status Status) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	return n, errors.Wrapf(err, "failed to count %s tasks", status)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var startTime, finishTime sql.NullTime
	err := row.Scan(
		&t.ID, &t.Abspath, &t.LibraryID, &t.Type, &t.Status, &t.Priority, &t.CachePath,
		&t.Success, &startTime, &finishTime, &t.ProcessedByWorker, &t.Log,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startTime.Valid {
		t.StartTime = &startTime.Time
	}
	if finishTime.Valid {
		t.FinishTime = &finishTime.Time
	}
	return &t, nil
}
