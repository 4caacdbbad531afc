package engine

import (
	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/intrusive"
)

// readyQAdd places the channel on its owning thread's ready queue and
// alerts that thread. Channel lock held. The entry is allocated before
// the TSD lock is taken to keep the hold time minimal; an orphaned TSD
// (thread exited) swallows the entry. Without force, an entry already
// queued to the owner (tracker match) suppresses the add.
func (c *Channel) readyQAdd(force bool) {
	if c.owner == 0 || c.ownerData == nil {
		return
	}
	if !force && c.readyThread == c.owner {
		return
	}
	entry := &readyEntry{ch: c}
	entry.link.Value = entry

	td := c.ownerData
	td.mu.Lock()
	if td.thread == 0 {
		td.mu.Unlock()
		return
	}
	c.refs++ // the entry's reference
	c.readyThread = c.owner
	td.ready.PushBack(&entry.link)
	loop := td.loop
	td.mu.Unlock()

	if loop != nil {
		loop.Alert()
	}
}

// eventSource is the pair of event-loop hooks registered per host
// thread. Setup forces an immediate poll when the ready queue is
// non-empty; Check swaps the queue out and converts entries into
// discrete per-channel loop events.
type eventSource struct {
	td *ThreadData
}

func (s *eventSource) Setup(l *evloop.Loop) {
	s.td.mu.Lock()
	ready := !s.td.ready.Empty()
	s.td.mu.Unlock()
	if ready {
		l.SetMaxBlockTime(0)
	}
}

func (s *eventSource) Check(l *evloop.Loop) {
	td := s.td

	var drained intrusive.List[*readyEntry]
	td.mu.Lock()
	self := td.thread
	td.ready.TakeAll(&drained)
	td.mu.Unlock()

	for {
		n := drained.PopFront()
		if n == nil {
			return
		}
		entry := n.Value
		ch := entry.ch
		entry.ch = nil

		ch.mu.Lock()
		ch.readyThread = 0
		// Queue an event only if the channel still belongs to this
		// thread and no event is already in flight for it here.
		if ch.owner == self && self != 0 && ch.eventThread != self {
			ch.eventThread = self
			// The entry's reference transfers to the event.
			ch.mu.Unlock()
			l.QueueEvent(&channelEvent{ch: ch})
			continue
		}
		ch.drop() // the entry's reference; unlocks
	}
}

// channelEvent is one queued unit of channel attention, dispatched by
// the host loop. It owns one channel reference.
type channelEvent struct {
	ch *Channel
}

// Handle services the channel: accepts for listeners, connection
// progress for connecting channels, host notification for settled ones.
func (ev *channelEvent) Handle() bool {
	c := ev.ch
	c.mu.Lock()
	c.eventThread = 0 // future enqueues are allowed again
	switch {
	case c.state == StateListening:
		c.ops.Accept(c)
	case c.state.connectionInProgress():
		c.connectionStep(false)
	case c.state == StateOpen || c.state == StateConnectFailed || c.state == StateDisconnected:
		c.notifyChannel()
	}
	c.drop() // the event's reference; unlocks
	return true
}
