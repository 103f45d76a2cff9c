// Package task defines the canonical task entity, its lifecycle status
// machine, and the per-task scratch state store.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the current lifecycle state of a task
type Status string

const (
	StatusCreating   Status = "creating"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusCreating, StatusPending, StatusInProgress,
		StatusProcessed, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// legalTransitions is the linear lifecycle. Failed is terminal and only
// reachable from in_progress (a distributed worker reporting failure).
var legalTransitions = map[Status][]Status{
	StatusCreating:   {StatusPending},
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusProcessed, StatusFailed},
	StatusProcessed:  {StatusComplete},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type records where a task was created, not where it runs. A local
// task claimed by a distributed worker stays TypeLocal.
type Type string

const (
	TypeLocal  Type = "local"
	TypeRemote Type = "remote"
)

// Task represents one unit of work against one source file.
type Task struct {
	ID        int64  `json:"id"`
	Abspath   string `json:"abspath"`
	LibraryID int64  `json:"library_id"`
	Type      Type   `json:"type"`
	Status    Status `json:"status"`
	// Priority is initialized to id + library priority score + offset,
	// so ties within a library break by insertion order.
	Priority   int64      `json:"priority"`
	CachePath  string     `json:"cache_path"`
	Success    bool       `json:"success"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
	// ProcessedByWorker is the id of the local or distributed worker
	// that owned the task.
	ProcessedByWorker string `json:"processed_by_worker,omitempty"`
	// Log is the cumulative command log, append-only.
	Log       string    `json:"log,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendLog appends lines to the task's cumulative command log.
func (t *Task) AppendLog(lines string) {
	t.Log += lines
	t.UpdatedAt = time.Now()
}

const cacheDirPrefix = "mezzanine_file_conversion"

// NewCachePath builds the cache path for a source file. The random+time
// suffix is frozen here at task creation; later updates may only swap
// the extension (see SetCachePath).
func NewCachePath(cacheRoot, abspath string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	now := time.Now().Unix()
	suffix := fmt.Sprintf("%s-%d", random, now)

	base := filepath.Base(abspath)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	dir := filepath.Join(cacheRoot, fmt.Sprintf("%s-%s", cacheDirPrefix, suffix))
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", stem, suffix, ext))
}

// SetCachePath assigns or updates the task's cache path. When a cache
// path already exists and only a new extension is supplied, the
// existing filename stem (which carries the frozen random+time suffix)
// is kept and the extension substituted. A regenerated suffix would
// break the post-processor's filename matching, so a fresh stem is
// only created when no prior cache path exists.
func (t *Task) SetCachePath(cacheRoot, fileExtension string) {
	if t.CachePath != "" {
		if fileExtension == "" {
			return
		}
		dir := filepath.Dir(t.CachePath)
		base := filepath.Base(t.CachePath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		t.CachePath = filepath.Join(dir, stem+"."+strings.TrimPrefix(fileExtension, "."))
		t.UpdatedAt = time.Now()
		return
	}
	t.CachePath = NewCachePath(cacheRoot, t.Abspath)
	if fileExtension != "" {
		dir := filepath.Dir(t.CachePath)
		base := filepath.Base(t.CachePath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		t.CachePath = filepath.Join(dir, stem+"."+strings.TrimPrefix(fileExtension, "."))
	}
	t.UpdatedAt = time.Now()
}
