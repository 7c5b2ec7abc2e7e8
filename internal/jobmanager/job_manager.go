// ============================================================================
// mpdcore Job Manager - priority work queue with cooperative cancellation
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// Design:
//   Three independent pieces of state, each behind its own lock so that a
//   goroutine waiting for a result never contends with one submitting work:
//   1. pending   - min-heap ordered by (priority, id), guarded by queueMu
//   2. current   - the job the executor is running, guarded by currentMu
//   3. results   - id -> result map plus the id counters, guarded by resultsMu
//
// Job lifecycle:
//   Submit() -> pending -> executor pops -> current -> result stored
//
// Invariants:
//   - ids are assigned in submission order starting at 0
//   - lastFinished <= lastSubmitted
//   - a result exists for an id iff that job finished (nil is a valid result)
//   - results are never removed while the manager lives
//
// Cancellation:
//   Submitting a job that is strictly more urgent (numerically lower
//   priority) than the running one sets the running job's cancel flag.
//   Jobs still pending are simply reordered by the heap.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mpdcore/pkg/types"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("jobmanager: closed")
)

// Recorder receives job metrics. metrics.Collector implements it.
type Recorder interface {
	RecordJobSubmitted()
	RecordJobCancelRequested()
	RecordJobFinished(latency time.Duration, cancelled bool)
	SetJobsPending(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordJobSubmitted()                        {}
func (nopRecorder) RecordJobCancelRequested()                  {}
func (nopRecorder) RecordJobFinished(_ time.Duration, _ bool) {}
func (nopRecorder) SetJobsPending(_ int)                       {}

// Manager owns the pending queue and the executor goroutine.
type Manager struct {
	exec Executor

	queueMu   sync.Mutex
	queueCond *sync.Cond
	pending   jobHeap
	closed    bool

	currentMu sync.Mutex
	current   *job

	resultsMu     sync.Mutex
	resultsCond   *sync.Cond
	results       map[types.JobID]any
	lastSubmitted types.JobID
	lastFinished  types.JobID
	stopped       bool

	done    chan struct{}
	metrics Recorder
	log     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates a manager and starts its executor goroutine.
//
// Usage:
//
//	jm := jobmanager.New(jobmanager.RunFunc)
//	id, _ := jm.Submit(5, jobmanager.Func(func(cancel *atomic.Bool) any { ... }))
//	jm.WaitFor(id)
//	res := jm.Result(id)
func New(exec Executor, opts ...Option) *Manager {
	m := &Manager{
		exec:          exec,
		results:       make(map[types.JobID]any),
		lastSubmitted: types.NoJob,
		lastFinished:  types.NoJob,
		done:          make(chan struct{}),
		metrics:       nopRecorder{},
		log:           slog.Default(),
	}
	m.queueCond = sync.NewCond(&m.queueMu)
	m.resultsCond = sync.NewCond(&m.resultsMu)
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// Submit queues payload with the given priority (lower runs first) and
// returns its id. After Close it returns types.NoJob and ErrClosed.
func (m *Manager) Submit(priority int, payload any) (types.JobID, error) {
	j := &job{priority: priority, payload: payload, submitted: time.Now()}
	if err := m.enqueue(j); err != nil {
		return types.NoJob, err
	}
	m.metrics.RecordJobSubmitted()
	m.log.Debug("job submitted", "job_id", j.id, "priority", priority)
	return j.id, nil
}

// enqueue assigns the id and pushes j. The id is allocated under queueMu so
// that heap order and id order agree for equal priorities.
func (m *Manager) enqueue(j *job) error {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return ErrClosed
	}
	if j.sentinel {
		m.closed = true
	}

	m.resultsMu.Lock()
	if !j.sentinel {
		m.lastSubmitted++
		j.id = m.lastSubmitted
	}
	m.resultsMu.Unlock()

	m.pending.push(j)
	m.metrics.SetJobsPending(m.pending.Len())
	m.queueCond.Signal()
	m.queueMu.Unlock()

	m.currentMu.Lock()
	if m.current != nil && m.current.priority > j.priority {
		if !m.current.cancel.Swap(true) {
			m.metrics.RecordJobCancelRequested()
			m.log.Debug("cancel requested", "job_id", m.current.id, "by", j.id)
		}
	}
	m.currentMu.Unlock()
	return nil
}

func (m *Manager) setCurrent(j *job) {
	m.currentMu.Lock()
	m.current = j
	m.currentMu.Unlock()
}

func (m *Manager) finish(j *job, result any, latency time.Duration) {
	m.resultsMu.Lock()
	m.results[j.id] = result
	if j.id > m.lastFinished {
		m.lastFinished = j.id
	}
	m.resultsCond.Broadcast()
	m.resultsMu.Unlock()

	m.currentMu.Lock()
	if m.current == j {
		m.current = nil
	}
	m.currentMu.Unlock()

	m.metrics.RecordJobFinished(latency, j.cancel.Load())
}

// Wait blocks until every job submitted so far has finished, or the
// manager was closed.
func (m *Manager) Wait() {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	for !m.stopped && len(m.results) < int(m.lastSubmitted+1) {
		m.resultsCond.Wait()
	}
}

// WaitFor blocks until job id has a result. It returns immediately when
// the result already exists, when id was never submitted, or after Close.
func (m *Manager) WaitFor(id types.JobID) {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	if id < 0 || id > m.lastSubmitted {
		return
	}
	for !m.stopped {
		if _, ok := m.results[id]; ok {
			return
		}
		m.resultsCond.Wait()
	}
}

// Result returns the stored result for id. nil means "not finished yet" or
// "finished with a nil result"; use WaitFor or Status to tell them apart.
func (m *Manager) Result(id types.JobID) any {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	return m.results[id]
}

// Status reports where job id is in its lifecycle.
func (m *Manager) Status(id types.JobID) types.JobStatus {
	m.resultsMu.Lock()
	_, finished := m.results[id]
	submitted := id >= 0 && id <= m.lastSubmitted
	m.resultsMu.Unlock()

	switch {
	case finished:
		return types.StatusFinished
	case !submitted:
		return types.StatusUnknown
	}

	m.currentMu.Lock()
	running := m.current != nil && m.current.id == id
	m.currentMu.Unlock()
	if running {
		return types.StatusRunning
	}
	return types.StatusPending
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() types.JobStats {
	m.queueMu.Lock()
	pending := m.pending.Len()
	m.queueMu.Unlock()

	m.currentMu.Lock()
	running := m.current != nil
	m.currentMu.Unlock()

	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	return types.JobStats{
		Pending:       pending,
		Running:       running,
		Results:       len(m.results),
		LastSubmitted: m.lastSubmitted,
		LastFinished:  m.lastFinished,
	}
}

// Close pushes a sentinel job that sorts before everything else, which
// also flags the running job for cancellation, then waits for the executor
// to exit. Pending jobs are discarded. Close is idempotent; other methods
// must not be relied upon afterwards except Result, Status and Stats.
func (m *Manager) Close() {
	if err := m.enqueue(&job{priority: sentinelPriority, sentinel: true}); err != nil {
		<-m.done
		return
	}
	<-m.done

	m.queueMu.Lock()
	dropped := m.pending.Len()
	m.pending = nil
	m.metrics.SetJobsPending(0)
	m.queueMu.Unlock()
	if dropped > 0 {
		m.log.Debug("discarded pending jobs on close", "count", dropped)
	}

	m.resultsMu.Lock()
	m.stopped = true
	m.resultsCond.Broadcast()
	m.resultsMu.Unlock()
}
