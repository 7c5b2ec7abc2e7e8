// ============================================================================
// mpdcore Job Executor - the single goroutine that runs jobs
// ============================================================================
//
// Package: internal/jobmanager
// File: executor.go
//
// How it works:
//   The executor is one dedicated goroutine that repeatedly:
//   1. pops the most urgent pending job (blocks while the queue is empty)
//   2. records it as the current job in the same critical section, so Submit
//      can flag it for cancellation
//   3. runs the Executor callback with the job's cancel flag
//   4. stores the result under the job id and wakes every waiter
//
//   A sentinel job (most urgent priority) ends the loop.
//
// Cancellation:
//   Cooperative only. The callback polls the flag at points where it is safe
//   to give up; nothing interrupts it.
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Executor runs one job. cancel turns true when a strictly more urgent job
// is submitted while this one runs. The returned value, nil included, is
// stored as the job's result.
type Executor func(cancel *atomic.Bool, payload any) any

// Func is the payload type understood by RunFunc.
type Func func(cancel *atomic.Bool) any

// RunFunc is an Executor for managers whose payloads are Funcs. Payloads of
// any other type produce an error result.
func RunFunc(cancel *atomic.Bool, payload any) any {
	fn, ok := payload.(Func)
	if !ok {
		return fmt.Errorf("jobmanager: payload %T is not a jobmanager.Func", payload)
	}
	return fn(cancel)
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		j := m.next()
		if j.sentinel {
			return
		}

		start := time.Now()
		result := m.execute(j)
		m.finish(j, result, time.Since(start))
	}
}

// next blocks until a job is pending, pops the most urgent one and makes
// it current. Both happen under queueMu so a Submit that missed the job in
// the heap finds it as current. Lock order is queueMu then currentMu.
func (m *Manager) next() *job {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for m.pending.Len() == 0 {
		m.queueCond.Wait()
	}
	j := m.pending.pop()
	m.metrics.SetJobsPending(m.pending.Len())
	if !j.sentinel {
		m.setCurrent(j)
	}
	return j
}

// execute runs the callback, turning a panic into an error result.
func (m *Manager) execute(j *job) (result any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job panicked", "job_id", j.id, "panic", r)
			result = fmt.Errorf("jobmanager: job %d panicked: %v", j.id, r)
		}
	}()
	return m.exec(&j.cancel, j.payload)
}
