// Package foreman implements the central scheduler: it owns the local
// worker population, matches pending tasks to capable workers (local or
// remote), applies pause/resume and scheduled workload policies, and
// halts processing on configuration drift.
package foreman

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/frontend"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/task"
	"github.com/mezzanine-av/mezzanine/worker"
)

const (
	defaultTickInterval   = 2 * time.Second
	linkHeartbeatInterval = 10 * time.Second
	remoteFreshness       = 30 * time.Second
)

// PluginRunner fires the scheduling event hooks. Implemented by the
// plugin dispatcher; tests use a stub.
type PluginRunner interface {
	RunTaskScheduled(payload map[string]interface{}) error
}

// MetricSink receives per-worker status snapshots once per tick.
type MetricSink interface {
	RecordWorkerMetrics(s worker.Status)
}

// ConfigValidator checks for configuration drift that must halt
// processing (incompatible plugins, license limits, plugin-flow hash
// changes). A nil error means the configuration is valid.
type ConfigValidator interface {
	Validate() error
}

// RemoteAvailability is one linked peer installation advertising free
// transcode slots.
type RemoteAvailability struct {
	UUID         string
	FreeSlots    int
	LibraryNames []string
}

// LinkChecker asks the configured peer installations which of them
// currently advertise free slots.
type LinkChecker interface {
	CheckAvailability(installations []config.LinkInstallationConfig) []RemoteAvailability
}

type remoteEntry struct {
	avail RemoteAvailability
	seen  time.Time
	inUse int
}

// Options carries the foreman's collaborators. Plugins, Metrics, Links
// and Validator are optional.
type Options struct {
	Config    *config.Config
	Groups    *worker.GroupStore
	Queue     queue.TaskQueue
	Store     *task.Store
	Scratch   *task.ScratchStore
	Libraries *library.Store
	Bus       *frontend.Bus
	GPUs      *worker.GPUManager
	Pipeline  worker.Pipeline
	Checker   worker.IntegrityChecker
	Plugins   PluginRunner
	Metrics   MetricSink
	Links     LinkChecker
	Validator ConfigValidator
	Logger    *zap.SugaredLogger
}

// Foreman is the scheduler. One goroutine runs the tick loop; workers
// and remote managers run on their own goroutines and report back
// through the shared complete channel.
type Foreman struct {
	cfg       *config.Config
	groups    *worker.GroupStore
	queue     queue.TaskQueue
	store     *task.Store
	scratch   *task.ScratchStore
	libs      *library.Store
	bus       *frontend.Bus
	gpus      *worker.GPUManager
	pipeline  worker.Pipeline
	checker   worker.IntegrityChecker
	plugins   PluginRunner
	metrics   MetricSink
	links     LinkChecker
	validator ConfigValidator
	logger    *zap.SugaredLogger

	complete chan *task.Task
	abort    *worker.Flag

	mu        sync.Mutex
	workers   map[string]*worker.Worker
	groupTags map[int64][]string
	managers  []*remoteManager
	available map[string]*remoteEntry

	pausedByValidation []string
	invalidConfig      bool
	lastScheduleRun    string
	lastLinkBeat       time.Time

	tickInterval time.Duration
	remotePoll   time.Duration
	now          func() time.Time
}

// New creates the foreman. Run must be called on its own goroutine.
func New(opts Options) *Foreman {
	return &Foreman{
		cfg:          opts.Config,
		groups:       opts.Groups,
		queue:        opts.Queue,
		store:        opts.Store,
		scratch:      opts.Scratch,
		libs:         opts.Libraries,
		bus:          opts.Bus,
		gpus:         opts.GPUs,
		pipeline:     opts.Pipeline,
		checker:      opts.Checker,
		plugins:      opts.Plugins,
		metrics:      opts.Metrics,
		links:        opts.Links,
		validator:    opts.Validator,
		logger:       opts.Logger,
		complete:     make(chan *task.Task, 64),
		abort:        worker.NewFlag(),
		workers:      make(map[string]*worker.Worker),
		groupTags:    make(map[int64][]string),
		available:    make(map[string]*remoteEntry),
		tickInterval: defaultTickInterval,
		remotePoll:   remotePollInterval,
		now:          time.Now,
	}
}

// Run is the tick loop. Returns after Stop.
func (f *Foreman) Run() {
	for {
		if f.abort.IsSet() {
			return
		}
		f.tick()
		select {
		case <-f.abort.Chan():
			return
		case <-time.After(f.tickInterval):
		}
	}
}

// Stop marks every worker and remote manager redundant and returns
// without joining; running tasks are finished, not killed.
func (f *Foreman) Stop() {
	f.abort.Set()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workers {
		w.MarkRedundant()
	}
	for _, m := range f.managers {
		m.terminate()
	}
}

func (f *Foreman) tick() {
	f.mu.Lock()
	f.drainComplete()
	groups := f.reconcile()
	f.recordMetrics()
	f.validateConfig()
	f.runSchedules(groups)
	probe := f.linkHeartbeat()
	f.mu.Unlock()

	// The availability probe does network I/O to peers; it must not
	// hold the scheduler mutex.
	if probe != nil {
		f.mergeAvailability(f.links.CheckAvailability(probe))
	}

	f.mu.Lock()
	f.dispatch()
	f.mu.Unlock()
}

// drainComplete transitions finished tasks to processed. Best-effort
// non-blocking; anything not drained waits for the next tick.
func (f *Foreman) drainComplete() {
	for {
		select {
		case t := <-f.complete:
			if err := f.store.SetStatus(t, task.StatusProcessed); err != nil {
				f.logger.Errorw("failed to mark task processed",
					"task", t.ID, "error", err)
			}
		default:
			return
		}
	}
}

// reconcile ensures each configured group has number_of_workers live
// workers with ids <group>-<0..n-1>. Shrinking a group only marks IDLE
// workers redundant; a working worker is never killed for a count
// reduction.
func (f *Foreman) reconcile() []*worker.Group {
	groups, err := f.groups.All(f.cfg.Workers.LegacyWorkerCount)
	if err != nil {
		f.logger.Errorw("failed to load worker groups", "error", err)
		return nil
	}
	if len(groups) > 0 {
		f.cfg.Workers.LegacyWorkerCount = 0
	}

	wanted := make(map[string]bool)
	f.groupTags = make(map[int64][]string)
	for _, g := range groups {
		f.groupTags[g.ID] = g.Tags
		for i := 0; i < g.NumberOfWorkers; i++ {
			id := fmt.Sprintf("%s-%d", g.Name, i)
			wanted[id] = true

			w, ok := f.workers[id]
			if ok && !w.Alive() {
				delete(f.workers, id)
				ok = false
			}
			if !ok {
				w = worker.New(g.Name, i, g.ID, worker.Options{
					Pipeline:    f.pipeline,
					Checker:     f.checker,
					GPUs:        f.gpus,
					HealthCheck: f.cfg.HealthCheck,
					Complete:    f.complete,
					Logger:      f.logger,
				})
				f.workers[id] = w
				go w.Run()
				f.logger.Infow("started worker", "worker", id)
			}
		}
	}

	for id, w := range f.workers {
		if wanted[id] {
			continue
		}
		if !w.Alive() {
			delete(f.workers, id)
			continue
		}
		if w.Idle() && !w.Redundant() {
			w.MarkRedundant()
			f.logger.Infow("marked worker redundant", "worker", id)
		}
	}
	return groups
}

func (f *Foreman) recordMetrics() {
	if f.metrics == nil {
		return
	}
	for _, id := range f.sortedWorkerIDs() {
		f.metrics.RecordWorkerMetrics(f.workers[id].Status())
	}
}

// validateConfig pauses ALL workers when drift is detected, recording
// exactly which ones it paused; when validation passes again, exactly
// those are resumed.
func (f *Foreman) validateConfig() {
	if f.validator == nil {
		return
	}
	err := f.validator.Validate()
	switch {
	case err != nil && !f.invalidConfig:
		var paused []string
		for id, w := range f.workers {
			if !w.Paused() {
				w.Pause()
				paused = append(paused, id)
			}
		}
		f.pausedByValidation = paused
		f.invalidConfig = true
		f.logger.Warnw("configuration invalid, workers paused",
			"paused", len(paused), "error", err)
		if addErr := f.bus.Add(frontend.Message{
			ID:      frontend.MessagePluginSettingsChangeWorkersStopped,
			Type:    frontend.TypeStatus,
			Code:    frontend.MessagePluginSettingsChangeWorkersStopped,
			Message: err.Error(),
		}); addErr != nil {
			f.logger.Errorw("failed to push workers-stopped message", "error", addErr)
		}
	case err == nil && f.invalidConfig:
		for _, id := range f.pausedByValidation {
			if w, ok := f.workers[id]; ok {
				w.Resume()
			}
		}
		f.logger.Infow("configuration valid again, workers resumed",
			"resumed", len(f.pausedByValidation))
		f.pausedByValidation = nil
		f.invalidConfig = false
		f.bus.Remove(frontend.MessagePluginSettingsChangeWorkersStopped)
	}
}

// runSchedules applies due schedule events, at most once per minute.
func (f *Foreman) runSchedules(groups []*worker.Group) {
	now := f.now()
	hhmm := now.Format("15:04")
	if f.lastScheduleRun == hhmm {
		return
	}
	f.lastScheduleRun = hhmm
	weekday := strings.ToLower(now.Weekday().String())

	for _, g := range groups {
		for _, sched := range g.Schedules {
			if sched.Time != hhmm || !sched.DueToday(weekday) {
				continue
			}
			f.applySchedule(g, sched)
		}
	}
}

func (f *Foreman) applySchedule(g *worker.Group, sched worker.Schedule) {
	f.logger.Infow("running schedule event",
		"group", g.Name, "task", sched.Task, "time", sched.Time)
	switch sched.Task {
	case worker.ScheduleTaskPause:
		for _, w := range f.workers {
			if w.GroupID == g.ID {
				w.Pause()
			}
		}
	case worker.ScheduleTaskResume:
		for _, w := range f.workers {
			if w.GroupID == g.ID {
				w.Resume()
			}
		}
	case worker.ScheduleTaskCount:
		g.NumberOfWorkers = sched.WorkerCount
		if err := f.groups.Update(g); err != nil {
			f.logger.Errorw("failed to apply scheduled worker count",
				"group", g.Name, "error", err)
		}
		// The population change takes effect on the next reconcile.
	}
}

// linkHeartbeat reaps remote managers and ages out stale availability,
// on a 10 s cadence. It returns the installations to probe for free
// slots; the probe itself runs outside the scheduler mutex.
func (f *Foreman) linkHeartbeat() []config.LinkInstallationConfig {
	now := f.now()
	if !f.lastLinkBeat.IsZero() && now.Sub(f.lastLinkBeat) < linkHeartbeatInterval {
		return nil
	}
	f.lastLinkBeat = now

	configured := make(map[string]bool)
	for _, inst := range f.cfg.Link.Installations {
		configured[inst.UUID] = true
	}

	alive := f.managers[:0]
	for _, m := range f.managers {
		if !configured[m.installation.UUID] {
			m.terminate()
		}
		if m.alive() {
			alive = append(alive, m)
			continue
		}
		if e, ok := f.available[m.installation.UUID]; ok && e.inUse > 0 {
			e.inUse--
		}
	}
	f.managers = alive

	for uuid, e := range f.available {
		if now.Sub(e.seen) > remoteFreshness {
			delete(f.available, uuid)
		}
	}
	if f.links == nil || len(f.cfg.Link.Installations) == 0 {
		return nil
	}
	return append([]config.LinkInstallationConfig(nil), f.cfg.Link.Installations...)
}

// mergeAvailability folds a probe result into the available-remote
// index, keeping the in-use counts of entries already known.
func (f *Foreman) mergeAvailability(avail []RemoteAvailability) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for _, a := range avail {
		inUse := 0
		if prev, ok := f.available[a.UUID]; ok {
			inUse = prev.inUse
		}
		f.available[a.UUID] = &remoteEntry{avail: a, seen: now, inUse: inUse}
	}
}

// dispatch gates on backlog and matches one pending task per tick,
// local workers first, then remote slots.
func (f *Foreman) dispatch() {
	empty, err := f.queue.PendingEmpty()
	if err != nil {
		f.logger.Errorw("failed to check pending queue", "error", err)
		return
	}
	if empty {
		f.bus.Remove(frontend.MessagePendingTaskHaltedPostProcessorQueueFull)
		return
	}

	backlog, err := f.store.CountByStatus(task.StatusProcessed)
	if err != nil {
		f.logger.Errorw("failed to count processed backlog", "error", err)
		return
	}
	bound := len(f.workers) + 1 + f.availableRemoteSlots() + len(f.managers)
	if backlog > bound {
		if addErr := f.bus.Add(frontend.Message{
			ID:      frontend.MessagePendingTaskHaltedPostProcessorQueueFull,
			Type:    frontend.TypeStatus,
			Code:    frontend.MessagePendingTaskHaltedPostProcessorQueueFull,
			Message: "task dispatch halted: post-processor backlog is full",
		}); addErr != nil {
			f.logger.Errorw("failed to push dispatch-halted message", "error", addErr)
		}
		return
	}
	f.bus.Remove(frontend.MessagePendingTaskHaltedPostProcessorQueueFull)

	if f.dispatchLocal() {
		return
	}
	f.dispatchRemote()
}

// dispatchLocal hands the next matching pending task to the first
// eligible idle worker. Returns true when an assignment was made.
func (f *Foreman) dispatchLocal() bool {
	for _, id := range f.sortedWorkerIDs() {
		w := f.workers[id]
		if !w.Alive() || !w.Idle() || w.Paused() || w.Redundant() || w.HandoffFull() {
			continue
		}

		t, err := f.queue.GetNextPending(queue.TagFilter(f.groupTags[w.GroupID]))
		if err != nil {
			f.logger.Errorw("failed to claim pending task", "worker", id, "error", err)
			return false
		}
		if t == nil {
			continue
		}

		if !w.Assign(t) {
			// Slot filled between the check and the claim; put the task
			// back at the bottom and let the next tick retry.
			if _, reqErr := f.queue.RequeueAtBottom(t.ID); reqErr != nil {
				f.logger.Errorw("failed to requeue task", "task", t.ID, "error", reqErr)
			}
			continue
		}

		f.logger.Infow("dispatched task to local worker", "task", t.ID, "worker", id)
		f.fireTaskScheduled(t)
		return true
	}
	return false
}

// dispatchRemote claims the next pending task whose library a peer
// installation advertises and hands it to a fresh remote manager. The
// submission to the peer happens off the scheduler goroutine; a failed
// submission requeues the task from there.
func (f *Foreman) dispatchRemote() {
	names := f.advertisedLibraryNames()
	if len(names) == 0 {
		return
	}

	t, err := f.queue.GetNextPending(queue.Filter{LibraryNames: names})
	if err != nil {
		f.logger.Errorw("failed to claim task for remote dispatch", "error", err)
		return
	}
	if t == nil {
		return
	}

	inst, entry := f.installationFor(t)
	if inst == nil {
		if _, reqErr := f.queue.RequeueAtBottom(t.ID); reqErr != nil {
			f.logger.Errorw("failed to requeue task", "task", t.ID, "error", reqErr)
		}
		return
	}

	m := newRemoteManager(*inst, t, f.scratch, f.complete, f.logger)
	m.pollInterval = f.remotePoll
	f.managers = append(f.managers, m)
	entry.inUse++
	go f.startRemote(m, t)
}

// startRemote submits the claim to the peer without holding the
// scheduler mutex, so a slow or unreachable installation cannot stall
// the tick loop. The task_scheduled hook fires only once the peer has
// accepted the task.
func (f *Foreman) startRemote(m *remoteManager, t *task.Task) {
	if err := m.start(); err != nil {
		f.logger.Warnw("remote dispatch failed to start, requeueing",
			"task", t.ID, "installation", m.installation.UUID, "error", err)
		f.forgetManager(m)
		if _, reqErr := f.queue.RequeueAtBottom(t.ID); reqErr != nil {
			f.logger.Errorw("failed to requeue task", "task", t.ID, "error", reqErr)
		}
		return
	}

	f.logger.Infow("dispatched task to remote installation",
		"task", t.ID, "installation", m.installation.UUID)
	f.fireTaskScheduled(t)
}

// forgetManager drops a manager that never took ownership of its task
// and releases the peer slot it reserved.
func (f *Foreman) forgetManager(m *remoteManager) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, other := range f.managers {
		if other == m {
			f.managers = append(f.managers[:i], f.managers[i+1:]...)
			break
		}
	}
	if e, ok := f.available[m.installation.UUID]; ok && e.inUse > 0 {
		e.inUse--
	}
}

// advertisedLibraryNames collects the library names of every peer with
// a free slot.
func (f *Foreman) advertisedLibraryNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range f.available {
		if e.avail.FreeSlots-e.inUse <= 0 {
			continue
		}
		for _, name := range e.avail.LibraryNames {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// installationFor finds a configured peer with a free slot advertising
// the task's library.
func (f *Foreman) installationFor(t *task.Task) (*config.LinkInstallationConfig, *remoteEntry) {
	lib, err := f.libs.Get(t.LibraryID)
	if err != nil {
		f.logger.Errorw("failed to resolve task library", "task", t.ID, "error", err)
		return nil, nil
	}

	for uuid, e := range f.available {
		if e.avail.FreeSlots-e.inUse <= 0 {
			continue
		}
		for _, name := range e.avail.LibraryNames {
			if name != lib.Name {
				continue
			}
			for i := range f.cfg.Link.Installations {
				if f.cfg.Link.Installations[i].UUID == uuid {
					return &f.cfg.Link.Installations[i], e
				}
			}
		}
	}
	return nil, nil
}

// fireTaskScheduled invokes the events.task_scheduled hook, once, at
// dispatch, for locally-originated tasks.
func (f *Foreman) fireTaskScheduled(t *task.Task) {
	if f.plugins == nil || t.Type != task.TypeLocal {
		return
	}
	if err := f.plugins.RunTaskScheduled(map[string]interface{}{
		"library_id":         t.LibraryID,
		"task_id":            t.ID,
		"task_type":          string(t.Type),
		"task_schedule_type": "local",
		"source_data":        t.Abspath,
	}); err != nil {
		f.logger.Errorw("task_scheduled hook failed", "task", t.ID, "error", err)
	}
}

func (f *Foreman) availableRemoteSlots() int {
	total := 0
	for _, e := range f.available {
		if free := e.avail.FreeSlots - e.inUse; free > 0 {
			total += free
		}
	}
	return total
}

func (f *Foreman) sortedWorkerIDs() []string {
	ids := make([]string, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WorkerStatuses returns the projection of every live worker, for the
// API layer.
func (f *Foreman) WorkerStatuses() []worker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	statuses := make([]worker.Status, 0, len(f.workers))
	for _, id := range f.sortedWorkerIDs() {
		statuses = append(statuses, f.workers[id].Status())
	}
	return statuses
}
