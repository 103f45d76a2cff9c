package distributed

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/task"
)

// Monitor timeouts.
const (
	monitorInterval = 60 * time.Second
	// A worker silent for this long is marked inactive.
	workerTimeout = 300 * time.Second
	// An in_progress task older than this is requeued regardless of
	// worker liveness.
	taskTimeout = 1800 * time.Second
)

// Monitor reaps stale distributed workers and requeues their orphaned
// tasks. This is the at-least-once recovery path.
type Monitor struct {
	registry *Registry
	store    *task.Store
	logger   *zap.SugaredLogger

	// interval and now are swappable for tests.
	interval time.Duration
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a monitor over the registry and task store.
func NewMonitor(registry *Registry, store *task.Store, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		registry: registry,
		store:    store,
		logger:   logger,
		interval: monitorInterval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stop:
				return
			case <-time.After(m.interval):
				m.Tick()
			}
		}
	}()
}

// Stop interrupts the sleep and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Tick runs one reap pass: deactivate silent workers, then requeue
// in_progress tasks that are orphaned or stale.
func (m *Monitor) Tick() {
	now := m.now()

	newlyInactive, err := m.registry.MarkInactive(now.Add(-workerTimeout))
	if err != nil {
		m.logger.Errorw("failed to deactivate stale workers", "error", err)
	}
	for _, id := range newlyInactive {
		m.logger.Warnw("distributed worker timed out", "worker", id)
	}

	inactive := make(map[string]bool, len(newlyInactive))
	for _, w := range m.registry.List(false) {
		if !w.Active {
			inactive[w.WorkerID] = true
		}
	}

	inProgress, err := m.store.ListByStatus(task.StatusInProgress, 1000)
	if err != nil {
		m.logger.Errorw("failed to list in-progress tasks", "error", err)
		return
	}

	for _, t := range inProgress {
		orphaned := t.ProcessedByWorker != "" && inactive[t.ProcessedByWorker]
		stale := t.StartTime != nil && t.StartTime.Before(now.Add(-taskTimeout))
		if !orphaned && !stale {
			continue
		}
		worker := t.ProcessedByWorker
		if err := m.store.Requeue(t); err != nil {
			m.logger.Errorw("failed to requeue orphaned task", "task", t.ID, "error", err)
			continue
		}
		m.logger.Infow("requeued orphaned task",
			"task", t.ID, "worker", worker, "orphaned", orphaned, "stale", stale)
	}
}
