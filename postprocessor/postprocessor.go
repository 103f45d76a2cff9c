// Package postprocessor moves finished cache artifacts back into the
// library with bounded retries, and records task history.
package postprocessor

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/history"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/task"
)

// PluginRunner runs the events.post_process hooks on a successfully
// moved task. External collaborator; may be nil.
type PluginRunner interface {
	RunPostProcess(payload map[string]interface{}) error
}

const pollInterval = time.Second

// Processor consumes processed tasks. It is the reliability layer:
// fast-fail on missing inputs, exponential backoff on transient move
// failures, exactly one history record per terminal outcome.
type Processor struct {
	queue   queue.TaskQueue
	store   *task.Store
	sink    history.Sink
	plugins PluginRunner
	logger  *zap.SugaredLogger

	maxRetries  int
	backoffBase int

	mu      sync.Mutex
	retries map[string]int // keyed by source abspath

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a post-processor.
func New(cfg config.PostProcessorConfig, q queue.TaskQueue, store *task.Store, sink history.Sink, plugins PluginRunner, logger *zap.SugaredLogger) *Processor {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2
	}
	return &Processor{
		queue:       q,
		store:       store,
		sink:        sink,
		plugins:     plugins,
		logger:      logger,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		retries:     make(map[string]int),
		stop:        make(chan struct{}),
	}
}

// Start launches the processing loop.
func (p *Processor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stop:
				return
			case <-time.After(pollInterval):
				p.tick()
			}
		}
	}()
}

// Stop interrupts any backoff sleep and waits for the loop to exit.
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// QueueSize is the processed backlog the foreman's dispatch gate
// consults.
func (p *Processor) QueueSize() int {
	n, err := p.store.CountByStatus(task.StatusProcessed)
	if err != nil {
		p.logger.Errorw("failed to count processed backlog", "error", err)
		return 0
	}
	return n
}

func (p *Processor) tick() {
	for {
		t, err := p.queue.GetNextProcessed()
		if err != nil {
			p.logger.Errorw("failed to fetch processed task", "error", err)
			return
		}
		if t == nil {
			return
		}
		if !p.ProcessTask(t) {
			// Backoff requeued the task or shutdown is in progress;
			// yield the tick either way.
			return
		}
	}
}

// ProcessTask handles one processed task to a terminal or requeued
// outcome. Returns true when the task reached a terminal state.
func (p *Processor) ProcessTask(t *task.Task) bool {
	if _, err := os.Stat(t.CachePath); err != nil {
		if os.IsNotExist(err) {
			// Fast fail: no wait, no retry. Force the counter to the
			// cap so the drop-through is terminal.
			p.setRetries(t.Abspath, p.maxRetries)
			p.logger.Errorw("cache artifact missing, dropping task",
				"task", t.ID, "cache_path", t.CachePath)
			p.finalizeFailure(t, "cache artifact missing: "+t.CachePath)
			return true
		}
		p.logger.Errorw("failed to stat cache artifact", "task", t.ID, "error", err)
	}

	dst := destinationPath(t.Abspath, t.CachePath)
	if err := moveFile(t.CachePath, dst); err != nil {
		count := p.incrementRetries(t.Abspath)
		if count < p.maxRetries {
			p.logger.Warnw("artifact move failed, backing off",
				"task", t.ID, "attempt", count, "error", err)
			p.sleep(time.Duration(math.Pow(float64(p.backoffBase), float64(count))) * time.Second)
			if _, err := p.queue.RequeueAtBottom(t.ID); err != nil {
				p.logger.Errorw("failed to requeue task after move failure", "task", t.ID, "error", err)
			}
			return false
		}
		p.logger.Errorw("artifact move failed after final retry, dropping task",
			"task", t.ID, "error", err)
		p.finalizeFailure(t, err.Error())
		return true
	}

	p.finalizeSuccess(t, dst)
	return true
}

// finalizeFailure deletes the task and writes exactly one failure
// history record. The retry counter is purged with the task.
func (p *Processor) finalizeFailure(t *task.Task, reason string) {
	p.saveHistory(t, false, reason)
	if err := p.store.Delete(t.ID); err != nil {
		// Opportunistic: the monitor will not resurrect a processed
		// task, so a leaked row is visible but harmless.
		p.logger.Errorw("failed to delete dropped task", "task", t.ID, "error", err)
	}
	p.clearRetries(t.Abspath)
}

func (p *Processor) finalizeSuccess(t *task.Task, dst string) {
	p.clearRetries(t.Abspath)

	if filepath.Base(dst) != filepath.Base(t.Abspath) {
		if err := library.RecordRename(dst, filepath.Base(t.Abspath)); err != nil {
			p.logger.Warnw("failed to record rename trace", "task", t.ID, "error", err)
		}
	}

	if p.plugins != nil {
		payload := map[string]interface{}{
			"task_id":          t.ID,
			"library_id":       t.LibraryID,
			"source_data":      t.Abspath,
			"destination_data": dst,
			"task_success":     t.Success,
		}
		if err := p.plugins.RunPostProcess(payload); err != nil {
			p.logger.Errorw("post-process plugin hook failed", "task", t.ID, "error", err)
		}
	}

	p.saveHistory(t, t.Success, "")

	if err := p.store.SetStatus(t, task.StatusComplete); err != nil {
		p.logger.Errorw("failed to complete task", "task", t.ID, "error", err)
	}

	if err := removeCacheDir(t.CachePath); err != nil {
		p.logger.Warnw("failed to remove cache directory", "task", t.ID, "error", err)
	}
}

func (p *Processor) saveHistory(t *task.Task, success bool, errText string) {
	rec := &history.Record{
		TaskLabel:         filepath.Base(t.Abspath),
		Abspath:           t.Abspath,
		TaskSuccess:       success,
		StartTime:         t.StartTime,
		FinishTime:        t.FinishTime,
		ProcessedByWorker: t.ProcessedByWorker,
		Errors:            errText,
		Log:               t.Log,
	}
	if err := p.sink.SaveTaskHistory(rec); err != nil {
		p.logger.Errorw("failed to save task history", "task", t.ID, "error", err)
	}
}

// sleep waits for the backoff period on an interruptible event.
func (p *Processor) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}

func (p *Processor) incrementRetries(abspath string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries[abspath]++
	return p.retries[abspath]
}

func (p *Processor) setRetries(abspath string, n int) {
	p.mu.Lock()
	p.retries[abspath] = n
	p.mu.Unlock()
}

func (p *Processor) clearRetries(abspath string) {
	p.mu.Lock()
	delete(p.retries, abspath)
	p.mu.Unlock()
}

// Retries exposes the current counter for one source path; used by the
// tests and the status API.
func (p *Processor) Retries(abspath string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries[abspath]
}
