package task

import (
	"encoding/json"
	"sync"

	"github.com/mezzanine-av/mezzanine/errors"
)

// RunnerContext identifies the plugin runner a runner-state write is
// made on behalf of. It is bound explicitly by the plugin dispatcher
// and passed down to the callback rather than held in ambient state.
type RunnerContext struct {
	TaskID   int64
	PluginID string
	Runner   string
}

func (c RunnerContext) bound() bool {
	return c.TaskID != 0 && c.PluginID != "" && c.Runner != ""
}

// ScratchStore is the process-wide two-tier per-task scratch state.
//
// The runner tier (task -> plugin -> runner -> key) is write-once and
// guarded by a bound RunnerContext. The task tier (task -> key) is
// free-form overwrite and JSON-portable so a remote installation can
// carry scratch across the wire. Both tiers are cleared when a task is
// deleted or transitions to complete.
type ScratchStore struct {
	mu     sync.Mutex
	runner map[int64]map[string]map[string]map[string]interface{}
	task   map[int64]map[string]interface{}
}

// NewScratchStore creates an empty scratch store.
func NewScratchStore() *ScratchStore {
	return &ScratchStore{
		runner: make(map[int64]map[string]map[string]map[string]interface{}),
		task:   make(map[int64]map[string]interface{}),
	}
}

// SetRunnerValue stores a write-once runner value under the bound
// context. It returns false without mutating when the key already
// exists, and ErrContextNotBound when ctx is incomplete.
func (s *ScratchStore) SetRunnerValue(ctx RunnerContext, key string, value interface{}) (bool, error) {
	if !ctx.bound() {
		return false, errors.ErrContextNotBound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plugins := s.runner[ctx.TaskID]
	if plugins == nil {
		plugins = make(map[string]map[string]map[string]interface{})
		s.runner[ctx.TaskID] = plugins
	}
	runners := plugins[ctx.PluginID]
	if runners == nil {
		runners = make(map[string]map[string]interface{})
		plugins[ctx.PluginID] = runners
	}
	values := runners[ctx.Runner]
	if values == nil {
		values = make(map[string]interface{})
		runners[ctx.Runner] = values
	}

	if _, exists := values[key]; exists {
		return false, nil
	}
	values[key] = value
	return true, nil
}

// GetRunnerValue reads a runner value; ok is false when unset.
func (s *ScratchStore) GetRunnerValue(taskID int64, pluginID, runner, key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.runner[taskID][pluginID][runner]
	if values == nil {
		return nil, false
	}
	value, ok := values[key]
	return value, ok
}

// SetTaskValue stores a mutable task-tier value, overwriting any
// previous value for the key.
func (s *ScratchStore) SetTaskValue(taskID int64, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.task[taskID]
	if values == nil {
		values = make(map[string]interface{})
		s.task[taskID] = values
	}
	values[key] = value
}

// GetTaskValue reads a task-tier value; ok is false when unset.
func (s *ScratchStore) GetTaskValue(taskID int64, key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.task[taskID]
	if values == nil {
		return nil, false
	}
	value, ok := values[key]
	return value, ok
}

// ExportTaskState serializes the task tier for one task as JSON.
func (s *ScratchStore) ExportTaskState(taskID int64) ([]byte, error) {
	s.mu.Lock()
	values := s.task[taskID]
	if values == nil {
		values = map[string]interface{}{}
	}
	data, err := json.Marshal(values)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to export task state for task %d", taskID)
	}
	return data, nil
}

// ImportTaskState replaces the task tier for one task from JSON
// produced by ExportTaskState (possibly on another installation).
func (s *ScratchStore) ImportTaskState(taskID int64, data []byte) error {
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrapf(err, "failed to import task state for task %d", taskID)
	}

	s.mu.Lock()
	s.task[taskID] = values
	s.mu.Unlock()
	return nil
}

// Purge drops both tiers for the task id. Called on task deletion and
// on transition to complete.
func (s *ScratchStore) Purge(taskID int64) {
	s.mu.Lock()
	delete(s.runner, taskID)
	delete(s.task, taskID)
	s.mu.Unlock()
}

// Has reports whether any scratch state exists for the task id.
func (s *ScratchStore) Has(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r := s.runner[taskID]
	_, t := s.task[taskID]
	return r || t
}
