// Package evloop implements the cooperative event loop a host thread
// runs. Event sources register a pair of hooks: Setup runs before the
// loop blocks and may shorten the block time; Check runs after it wakes
// and converts pending work into queued events. Other goroutines call
// Alert to interrupt a blocked loop.
package evloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a loop instance. Zero is never a valid ID, so it can
// mark "no owning loop".
type ID uint64

var nextID atomic.Uint64

// Event is a unit of work queued on a loop. Handle returns true when the
// event was consumed; false defers it, leaving it on the queue for a
// later pass.
type Event interface {
	Handle() bool
}

// Source is an event-source hook pair registered with AddSource.
type Source interface {
	Setup(l *Loop)
	Check(l *Loop)
}

// blockForever sentinel for maxBlock.
const blockForever = time.Duration(-1)

// Loop is a single-goroutine cooperative event loop.
type Loop struct {
	id ID

	mu      sync.Mutex
	events  []Event
	sources []Source

	wake chan struct{}
	quit atomic.Bool

	// maxBlock is reset to blockForever at the top of every iteration
	// and narrowed by SetMaxBlockTime during source setup, or set to
	// zero when events are already queued.
	maxBlock time.Duration
}

// New returns a loop with a fresh identity.
func New() *Loop {
	return &Loop{
		id:   ID(nextID.Add(1)),
		wake: make(chan struct{}, 1),
	}
}

// ID returns the loop's identity.
func (l *Loop) ID() ID { return l.id }

// AddSource registers an event source.
func (l *Loop) AddSource(s Source) {
	l.mu.Lock()
	l.sources = append(l.sources, s)
	l.mu.Unlock()
}

// RemoveSource unregisters an event source.
func (l *Loop) RemoveSource(s Source) {
	l.mu.Lock()
	for i, cur := range l.sources {
		if cur == s {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// QueueEvent appends ev to the event queue and wakes the loop.
func (l *Loop) QueueEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.Alert()
}

// Alert interrupts a blocked loop. Safe from any goroutine.
func (l *Loop) Alert() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// SetMaxBlockTime narrows the time the current iteration may block.
// Only meaningful from inside a Setup hook.
func (l *Loop) SetMaxBlockTime(d time.Duration) {
	if l.maxBlock == blockForever || d < l.maxBlock {
		l.maxBlock = d
	}
}

// DoOneEvent runs one iteration: source setup, an optional blocking wait,
// source check, and the servicing of at most one queued event. It returns
// true if an event was handled. With wait false the iteration never
// blocks.
func (l *Loop) DoOneEvent(wait bool) bool {
	l.maxBlock = blockForever

	l.mu.Lock()
	sources := append([]Source(nil), l.sources...)
	pending := len(l.events) > 0
	l.mu.Unlock()

	for _, s := range sources {
		s.Setup(l)
	}
	if pending {
		l.maxBlock = 0
	}

	if wait && l.maxBlock != 0 && !l.quit.Load() {
		if l.maxBlock == blockForever {
			<-l.wake
		} else {
			t := time.NewTimer(l.maxBlock)
			select {
			case <-l.wake:
			case <-t.C:
			}
			t.Stop()
		}
	}

	for _, s := range sources {
		s.Check(l)
	}

	return l.serviceEvent()
}

// serviceEvent pops and handles the first queued event. A deferred event
// (Handle returns false) is requeued at the tail.
func (l *Loop) serviceEvent() bool {
	l.mu.Lock()
	if len(l.events) == 0 {
		l.mu.Unlock()
		return false
	}
	ev := l.events[0]
	l.events = l.events[1:]
	l.mu.Unlock()

	if !ev.Handle() {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		return false
	}
	return true
}

// Run iterates until the context is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, l.Alert)
	defer stop()
	for !l.quit.Load() && ctx.Err() == nil {
		l.DoOneEvent(true)
	}
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.quit.Store(true)
	l.Alert()
}

// Drain services queued events without blocking until the queue is empty
// or limit events were handled. Used by tests and teardown paths.
func (l *Loop) Drain(limit int) int {
	handled := 0
	for handled < limit && l.DoOneEvent(false) {
		handled++
	}
	return handled
}
