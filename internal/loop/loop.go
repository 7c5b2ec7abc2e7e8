// Package loop implements the dispatch goroutine: a single-goroutine main
// loop that runs posted functions and fires level-triggered sources.
//
// Producers living on other goroutines never call into consumers directly.
// They change some state (push to a queue, flag a readable socket) and call
// Wakeup; the loop then re-checks every source and fires the ready ones.
// Because sources are level-triggered, any number of wakeups that arrive
// while the loop is busy collapse into a single re-check.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned when Run is called on a loop that is running.
	ErrAlreadyRunning = errors.New("loop: already running")
)

// DefaultCeiling bounds the time between two checks when no source asked
// for a shorter one.
const DefaultCeiling = time.Second

// Source is something the loop polls. Ready must be cheap and must not
// block; Fire runs on the loop goroutine only when Ready returned true.
type Source interface {
	Ready() bool
	Fire()
}

// SourceFuncs adapts two functions to a Source.
type SourceFuncs struct {
	ReadyFunc func() bool
	FireFunc  func()
}

func (s SourceFuncs) Ready() bool { return s.ReadyFunc() }
func (s SourceFuncs) Fire()       { s.FireFunc() }

type entry struct {
	id      int
	src     Source
	ceiling time.Duration
}

// Loop is the dispatch goroutine. The zero value is not usable; use New.
type Loop struct {
	mu      sync.Mutex
	entries []*entry
	nextID  int
	posted  []func()

	wake    chan struct{}
	running atomic.Bool
	log     *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for panics recovered from sources.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Add registers a source. ceiling bounds how long the loop may sleep
// between two checks of this source when no wakeup arrives; zero means
// DefaultCeiling. It returns an id for Remove.
func (l *Loop) Add(src Source, ceiling time.Duration) int {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, &entry{id: id, src: src, ceiling: ceiling})
	l.mu.Unlock()
	l.Wakeup()
	return id
}

// Remove unregisters a source. Removing an unknown id is a no-op. A source
// removed while the loop is iterating is not fired afterwards.
func (l *Loop) Remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine. Posted functions run in
// the order they were posted, before sources are checked.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.Wakeup()
}

// Wakeup asks the loop to re-check its sources. It never blocks and
// multiple calls before the loop gets to run coalesce.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run drives the loop on the calling goroutine until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	timer := time.NewTimer(DefaultCeiling)
	defer timer.Stop()

	for {
		l.Iterate()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.ceiling())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timer.C:
		}
	}
}

// Iterate runs one pass: all posted functions, then every ready source.
// It reports whether anything ran. Run calls it; tests may call it directly
// when no Run is active.
func (l *Loop) Iterate() bool {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	ran := len(posted) > 0
	for _, fn := range posted {
		l.safely(fn)
	}

	l.mu.Lock()
	snapshot := make([]*entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		if !l.registered(e) {
			continue
		}
		if e.src.Ready() {
			ran = true
			l.safely(e.src.Fire)
		}
	}
	return ran
}

func (l *Loop) registered(e *entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cur := range l.entries {
		if cur == e {
			return true
		}
	}
	return false
}

func (l *Loop) ceiling() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := DefaultCeiling
	for _, e := range l.entries {
		if e.ceiling < c {
			c = e.ceiling
		}
	}
	if len(l.posted) > 0 {
		c = 0
	}
	return c
}

// safely keeps a panicking handler from taking the dispatch goroutine down.
func (l *Loop) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop callback panicked", "panic", r)
		}
	}()
	fn()
}
