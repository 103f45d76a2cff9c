// Package worker implements the local worker units the foreman
// dispatches tasks to, their groups, and the GPU allocation manager.
package worker

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/task"
)

// IntegrityStatus is the verdict of a media integrity check.
type IntegrityStatus string

const (
	IntegrityHealthy   IntegrityStatus = "healthy"
	IntegrityWarning   IntegrityStatus = "warning"
	IntegrityCorrupted IntegrityStatus = "corrupted"
	IntegrityError     IntegrityStatus = "error"
)

// IntegrityResult is the outcome of probing one file.
type IntegrityResult struct {
	Status   IntegrityStatus
	Errors   []string
	Warnings []string
}

// IntegrityChecker probes a media file for corruption. Implemented by
// the FFmpeg invoker; tests use a stub.
type IntegrityChecker interface {
	Check(path string, timeout time.Duration, ffmpegPath string) (IntegrityResult, error)
}

// Pipeline executes the plugin-driven transcode stages for one task,
// writing the artifact to the task's cache path. It reports subprocess
// activity back through the worker it runs on.
type Pipeline interface {
	Run(t *task.Task, w *Worker) (success bool, err error)
}

// SubprocessStats is a point-in-time sample of the worker's child
// process, gathered while a transcode stage runs.
type SubprocessStats struct {
	PID        int32
	Percent    string
	Elapsed    string
	CPUPercent float64
	MemPercent float32
	RSS        uint64
	VMS        uint64
}

// workerLogCapacity bounds the per-worker command log ring.
const workerLogCapacity = 1000

// ringLog is a tail-bounded line buffer.
type ringLog struct {
	lines []string
	next  int
	full  bool
}

func newRingLog() *ringLog {
	return &ringLog{lines: make([]string, workerLogCapacity)}
}

func (r *ringLog) append(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringLog) tail() []string {
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Worker is one long-lived local processing unit bound to a worker
// group. The foreman fills its size-1 handoff slot; the worker runs the
// pipeline and emits the finished task on the shared complete channel.
type Worker struct {
	ID      string // "<group-name>-<index>"
	Name    string
	GroupID int64

	handoff  chan *task.Task
	complete chan<- *task.Task

	paused    *Flag
	redundant *Flag

	pipeline    Pipeline
	checker     IntegrityChecker
	gpus        *GPUManager
	healthCheck config.HealthCheckConfig
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	idle        bool
	startTime   *time.Time
	currentTask *task.Task
	currentGPU  string
	stats       SubprocessStats
	log         *ringLog
	taskLog     []string
	done        chan struct{}
}

// Options carries the collaborators a worker needs.
type Options struct {
	Pipeline    Pipeline
	Checker     IntegrityChecker
	GPUs        *GPUManager
	HealthCheck config.HealthCheckConfig
	Complete    chan<- *task.Task
	Logger      *zap.SugaredLogger
}

// New creates an idle worker. Run must be called on its own goroutine.
func New(groupName string, index int, groupID int64, opts Options) *Worker {
	id := fmt.Sprintf("%s-%d", groupName, index)
	return &Worker{
		ID:          id,
		Name:        id,
		GroupID:     groupID,
		handoff:     make(chan *task.Task, 1),
		complete:    opts.Complete,
		paused:      NewFlag(),
		redundant:   NewFlag(),
		pipeline:    opts.Pipeline,
		checker:     opts.Checker,
		gpus:        opts.GPUs,
		healthCheck: opts.HealthCheck,
		logger:      opts.Logger,
		idle:        true,
		log:         newRingLog(),
		done:        make(chan struct{}),
	}
}

// Assign places a task in the worker's handoff slot. Returns false when
// the slot is already full; the foreman skips this tick and retries.
func (w *Worker) Assign(t *task.Task) bool {
	select {
	case w.handoff <- t:
		return true
	default:
		return false
	}
}

// HandoffFull reports whether the slot holds an undrained task.
func (w *Worker) HandoffFull() bool {
	return len(w.handoff) > 0
}

// Pause raises the paused flag. The worker suspends between pipeline
// stages; an active subprocess is never killed mid-stream.
func (w *Worker) Pause() { w.paused.Set() }

// Resume clears the paused flag.
func (w *Worker) Resume() { w.paused.Clear() }

// Paused reports whether the worker is flagged paused.
func (w *Worker) Paused() bool { return w.paused.IsSet() }

// MarkRedundant tells the worker to exit after its current task.
func (w *Worker) MarkRedundant() { w.redundant.Set() }

// Redundant reports whether the worker has been marked redundant.
func (w *Worker) Redundant() bool { return w.redundant.IsSet() }

// Alive reports whether the run loop is still executing.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Idle reports whether no task is assigned.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idle
}

// Run is the worker loop: wait on the handoff slot, process, repeat
// until marked redundant.
func (w *Worker) Run() {
	defer close(w.done)

	now := time.Now()
	w.mu.Lock()
	w.startTime = &now
	w.mu.Unlock()

	for {
		if w.redundant.IsSet() {
			return
		}
		select {
		case t := <-w.handoff:
			w.processTask(t)
			if w.redundant.IsSet() {
				return
			}
		case <-w.redundant.Chan():
			return
		}
	}
}

func (w *Worker) processTask(t *task.Task) {
	w.mu.Lock()
	w.idle = false
	w.currentTask = t
	w.mu.Unlock()

	t.ProcessedByWorker = w.ID

	gpu, err := w.gpus.Acquire(w.ID)
	if err != nil {
		w.logger.Warnw("GPU acquisition failed, continuing on CPU",
			"worker", w.ID, "task", t.ID, "error", err)
	}
	if gpu != nil {
		w.mu.Lock()
		w.currentGPU = gpu.DeviceID
		w.mu.Unlock()
		w.AppendLog(fmt.Sprintf("acquired GPU %s", gpu.DeviceID))
	}

	success := w.runStages(t)

	w.gpus.Release(w.ID)

	finish := time.Now()
	t.FinishTime = &finish
	t.Success = success
	t.AppendLog(joinLines(w.drainTaskLog()))

	w.complete <- t

	w.mu.Lock()
	w.idle = true
	w.currentTask = nil
	w.currentGPU = ""
	w.stats = SubprocessStats{}
	w.mu.Unlock()
}

// runStages drives pre-check, pipeline, and post-check with pause
// barriers between stages.
func (w *Worker) runStages(t *task.Task) bool {
	if w.healthCheck.PreCheckEnabled && w.checker != nil {
		res, err := w.checker.Check(t.Abspath, w.healthCheck.Timeout(), w.healthCheck.FFmpegPath)
		if err != nil {
			w.logger.Errorw("pre-transcode integrity check failed",
				"worker", w.ID, "task", t.ID, "error", err)
		} else if res.Status == IntegrityCorrupted && w.healthCheck.FailOnPreCheckCorruption {
			w.AppendLog(fmt.Sprintf("source file corrupted: %v", res.Errors))
			return false
		}
	}

	w.pauseBarrier()
	if w.redundant.IsSet() {
		// Finish what we started; redundancy is honored after the task.
		w.logger.Debugw("worker redundant mid-task, completing current task", "worker", w.ID)
	}

	success, err := w.pipeline.Run(t, w)
	if err != nil {
		w.logger.Errorw("transcode pipeline failed",
			"worker", w.ID, "task", t.ID, "error", err)
		w.AppendLog("pipeline error: " + err.Error())
		success = false
	}

	w.pauseBarrier()

	if success && w.healthCheck.PostCheckEnabled && w.checker != nil {
		res, err := w.checker.Check(t.CachePath, w.healthCheck.Timeout(), w.healthCheck.FFmpegPath)
		if err != nil {
			w.logger.Errorw("post-transcode integrity check failed",
				"worker", w.ID, "task", t.ID, "error", err)
		} else if res.Status == IntegrityCorrupted {
			w.AppendLog(fmt.Sprintf("cache artifact corrupted: %v", res.Errors))
			success = false
		}
	}
	return success
}

// pauseBarrier blocks while the paused flag is set. Redundancy breaks
// the wait so a paused worker can still be shut down.
func (w *Worker) pauseBarrier() {
	for w.paused.IsSet() {
		select {
		case <-w.redundant.Chan():
			return
		case <-time.After(time.Second):
		}
	}
}

// AppendLog adds a line to the worker's tail-bounded command log and
// to the current task's log buffer.
func (w *Worker) AppendLog(line string) {
	w.mu.Lock()
	w.log.append(line)
	w.taskLog = append(w.taskLog, line)
	w.mu.Unlock()
}

// drainTaskLog takes the lines logged since the task started; they are
// appended to the task's cumulative log on completion.
func (w *Worker) drainTaskLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.taskLog
	w.taskLog = nil
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

// ObserveSubprocess samples the child process stats via gopsutil. The
// pipeline calls this periodically while a subprocess runs.
func (w *Worker) ObserveSubprocess(pid int32, percent, elapsed string) {
	stats := SubprocessStats{PID: pid, Percent: percent, Elapsed: elapsed}
	if p, err := process.NewProcess(pid); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if mem, err := p.MemoryPercent(); err == nil {
			stats.MemPercent = mem
		}
		if info, err := p.MemoryInfo(); err == nil {
			stats.RSS = info.RSS
			stats.VMS = info.VMS
		}
	}
	w.mu.Lock()
	w.stats = stats
	w.mu.Unlock()
}

// Status is the string-coerced projection the UI and API consume.
type Status struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Idle        bool              `json:"idle"`
	Paused      bool              `json:"paused"`
	StartTime   string            `json:"start_time"`
	CurrentTask string            `json:"current_task"`
	CurrentFile string            `json:"current_file"`
	Subprocess  map[string]string `json:"subprocess"`
	GPU         string            `json:"gpu"`
	RunnersInfo []string          `json:"runners_info"`
}

// Status returns the worker's current projection.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		ID:     w.ID,
		Name:   w.Name,
		Idle:   w.idle,
		Paused: w.paused.IsSet(),
		GPU:    w.currentGPU,
		Subprocess: map[string]string{
			"pid":         strconv.FormatInt(int64(w.stats.PID), 10),
			"percent":     w.stats.Percent,
			"elapsed":     w.stats.Elapsed,
			"cpu_percent": strconv.FormatFloat(w.stats.CPUPercent, 'f', 2, 64),
			"mem_percent": strconv.FormatFloat(float64(w.stats.MemPercent), 'f', 2, 32),
			"rss":         strconv.FormatUint(w.stats.RSS, 10),
			"vms":         strconv.FormatUint(w.stats.VMS, 10),
		},
		RunnersInfo: w.log.tail(),
	}
	if w.startTime != nil {
		s.StartTime = strconv.FormatInt(w.startTime.Unix(), 10)
	}
	if w.currentTask != nil {
		s.CurrentTask = strconv.FormatInt(w.currentTask.ID, 10)
		s.CurrentFile = w.currentTask.Abspath
	}
	return s
}
