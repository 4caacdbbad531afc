package engine

import (
	"sync"

	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/intrusive"
)

// ThreadData is the per-host-thread block: the thread's ready queue, its
// identity, and a reference count. One reference belongs to the thread
// itself (released when the thread detaches from the engine) and one to
// every channel currently owned by the thread. A zero thread identity
// marks an orphan: the thread exited and queued work must be dropped.
type ThreadData struct {
	eng *Engine

	mu     sync.Mutex
	refs   int
	thread evloop.ID
	loop   *evloop.Loop
	ready  intrusive.List[*readyEntry]

	src *eventSource
}

// readyEntry links one channel onto a thread's ready queue. The entry
// holds one counted channel reference, transferred to the loop event
// when the entry is consumed. The channel pointer is nulled as soon as
// the entry is consumed.
type readyEntry struct {
	link intrusive.Node[*readyEntry]
	ch   *Channel
}

// ID returns the thread identity this block was created for.
func (td *ThreadData) ID() evloop.ID {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.thread
}

// retain takes one TSD reference.
func (td *ThreadData) retain() {
	td.mu.Lock()
	td.refs++
	td.mu.Unlock()
}

// release drops one TSD reference. The block is garbage collected once
// unreachable; the count exists to keep the orphanage rules observable.
func (td *ThreadData) release() {
	td.mu.Lock()
	td.refs--
	if td.refs < 0 {
		panic("engine: thread data reference count underflow")
	}
	td.mu.Unlock()
}

// ThreadData returns the per-thread block for the loop, creating it and
// registering the engine's event source on first use by that thread.
func (e *Engine) ThreadData(l *evloop.Loop) *ThreadData {
	e.mu.Lock()
	defer e.mu.Unlock()
	if td, ok := e.threads[l.ID()]; ok {
		return td
	}
	td := &ThreadData{eng: e, loop: l, thread: l.ID(), refs: 1}
	td.src = &eventSource{td: td}
	e.threads[l.ID()] = td
	l.AddSource(td.src)
	return td
}

// DetachThread is called when a host thread exits the engine. The TSD is
// orphaned (identity zeroed), its event source unregistered, and any
// queued channels dropped.
func (e *Engine) DetachThread(l *evloop.Loop) {
	e.mu.Lock()
	td, ok := e.threads[l.ID()]
	if ok {
		delete(e.threads, l.ID())
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	var stale intrusive.List[*readyEntry]
	td.mu.Lock()
	td.thread = 0
	td.loop = nil
	td.ready.TakeAll(&stale)
	td.mu.Unlock()
	l.RemoveSource(td.src)

	for {
		n := stale.PopFront()
		if n == nil {
			break
		}
		entry := n.Value
		ch := entry.ch
		entry.ch = nil
		ch.mu.Lock()
		ch.readyThread = 0
		ch.drop() // the entry's reference; unlocks
	}
	td.release()
}
