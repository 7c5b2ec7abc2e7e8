// Package bridge hands work items from producer goroutines to a consumer
// running on the dispatch loop without the consumer polling.
//
// A watched queue is a level-triggered loop source: it is ready exactly when
// the queue is non-empty, and firing it hands the whole queue to the
// callback, which is expected to drain it. Producers pushing several items
// while the loop is busy therefore cause one firing, not one per item.
package bridge

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/ChuLiYu/mpdcore/internal/loop"
)

// Queue is a thread-safe FIFO. It is backed by a ring buffer that grows as
// needed, so Push never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	notify func()
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{items: queue.New()}
}

// Push appends v and wakes the watching loop, if any.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items.Add(v)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// TryPop removes and returns the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return v, false
	}
	return q.items.Remove().(T), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Drain pops items in FIFO order and passes each to fn until the queue
// reports empty, including items pushed while draining. It returns the
// number of items handled.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.TryPop()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

func (q *Queue[T]) setNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Watch is a registration of a queue against a loop.
type Watch struct {
	once   sync.Once
	loop   *loop.Loop
	id     int
	detach func()
}

// WatchQueue registers q on l. Whenever q is non-empty the loop calls
// callback(q) on its own goroutine; callback must drain q. pollCeiling
// bounds how long the loop may go between checks when no push woke it.
func WatchQueue[T any](l *loop.Loop, q *Queue[T], pollCeiling time.Duration, callback func(*Queue[T])) *Watch {
	src := loop.SourceFuncs{
		ReadyFunc: func() bool { return q.Len() > 0 },
		FireFunc:  func() { callback(q) },
	}
	q.setNotify(l.Wakeup)
	w := &Watch{
		loop:   l,
		id:     l.Add(src, pollCeiling),
		detach: func() { q.setNotify(nil) },
	}
	return w
}

// Stop unregisters the watch. Items still queued stay in the queue.
// Stop is idempotent.
func (w *Watch) Stop() {
	w.once.Do(func() {
		w.loop.Remove(w.id)
		w.detach()
	})
}
