// Package history records the terminal outcome of every task.
package history

import (
	"database/sql"
	"time"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Record is one terminal task outcome.
type Record struct {
	ID                int64
	TaskLabel         string
	Abspath           string
	TaskSuccess       bool
	StartTime         *time.Time
	FinishTime        *time.Time
	ProcessedByWorker string
	Errors            string
	Log               string
	CreatedAt         time.Time
}

// Sink accepts terminal task records. The post-processor writes exactly
// one record per terminal outcome.
type Sink interface {
	SaveTaskHistory(r *Record) error
}

// Store is the SQLite-backed history sink.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveTaskHistory inserts one record.
func (s *Store) SaveTaskHistory(r *Record) error {
	res, err := s.db.Exec(
		`INSERT INTO task_history (task_label, abspath, task_success, start_time, finish_time, processed_by_worker, errors, log)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskLabel, r.Abspath, r.TaskSuccess, r.StartTime, r.FinishTime,
		r.ProcessedByWorker, r.Errors, r.Log)
	if err != nil {
		err = errors.Wrap(err, "failed to save task history")
		err = errors.WithDetailf(err, "Abspath: %s", r.Abspath)
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListByAbspath returns the history for one source path, newest first.
func (s *Store) ListByAbspath(abspath string, limit int) ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT id, task_label, abspath, task_success, start_time, finish_time, processed_by_worker, errors, log, created_at
		 FROM task_history WHERE abspath = ? ORDER BY id DESC LIMIT ?`, abspath, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list history for %s", abspath)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns the most recent history records.
func (s *Store) List(limit int) ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT id, task_label, abspath, task_success, start_time, finish_time, processed_by_worker, errors, log, created_at
		 FROM task_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list history")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var r Record
		var start, finish sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskLabel, &r.Abspath, &r.TaskSuccess,
			&start, &finish, &r.ProcessedByWorker, &r.Errors, &r.Log, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history record")
		}
		if start.Valid {
			r.StartTime = &start.Time
		}
		if finish.Valid {
			r.FinishTime = &finish.Time
		}
		records = append(records, &r)
	}
	return records, errors.Wrap(rows.Err(), "iterate history")
}
