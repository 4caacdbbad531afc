package engine

import (
	"sync"

	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/intrusive"
)

// State is the connection state machine position. See connectionStep for
// the transitions.
type State int32

const (
	StateInit State = iota
	StateListening
	StateConnecting
	StateConnectRetry
	StateConnected
	StateConnectFailed
	StateOpen
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnectRetry:
		return "connect-retry"
	case StateConnected:
		return "connected"
	case StateConnectFailed:
		return "connect-failed"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// connectionInProgress reports whether connectionStep still has work to
// do before reads and writes may proceed.
func (s State) connectionInProgress() bool {
	return s == StateConnecting || s == StateConnectRetry || s == StateConnected
}

// Flags is the channel flag bitset. Blocked* bits record which waiters
// sit on the condition variable so completions wake exactly the right
// ones.
type Flags uint32

const (
	FlagWatchInput Flags = 1 << iota
	FlagWatchOutput
	FlagWatchAccept
	FlagNotifyWrites
	FlagNonBlocking
	FlagReadShutdown
	FlagWriteShutdown
	FlagRemoteEOF
	FlagBlockedConnect
	FlagBlockedRead
	FlagBlockedWrite
	FlagHalfCloseRead
	FlagHalfCloseWrite
)

const flagWatchAny = FlagWatchInput | FlagWatchOutput | FlagWatchAccept

// Channel is the polymorphic base every family builds on. Every field is
// guarded by mu. The reference count follows the rules in the doc
// comment of Buffer plus: one reference for the host-side handle, one
// per ready-queue entry, one per queued loop event.
type Channel struct {
	eng  *Engine
	ops  ChannelOps
	mu   sync.Mutex
	cond sync.Cond

	refs  int
	state State
	flags Flags

	pendingReads     int
	pendingWrites    int
	maxPendingReads  int
	maxPendingWrites int

	inputQ intrusive.List[*Buffer]

	// Host-thread ownership. owner is zero while detached, and then
	// ownerData is nil.
	owner     evloop.ID
	ownerData *ThreadData

	// Trackers: the thread most recently handed a ready-queue entry or
	// a loop event for this channel. They suppress redundant enqueues.
	readyThread evloop.ID
	eventThread evloop.ID

	notify  func(Readiness)
	lastErr error
}

// NewChannel allocates a channel bound to ops. The returned reference is
// the host-side handle reference; Close releases it.
func (e *Engine) NewChannel(ops ChannelOps) *Channel {
	loadEnv()
	c := &Channel{
		eng:              e,
		ops:              ops,
		refs:             1,
		state:            StateInit,
		maxPendingReads:  envMaxPendingReads,
		maxPendingWrites: envMaxPendingWrites,
	}
	c.cond.L = &c.mu
	e.stats.channelAllocs.Add(1)
	ops.Initialize(c)
	return c
}

// Lock acquires the channel lock. Exported for families, whose vtable
// hooks occasionally need to unlock around host callbacks.
func (c *Channel) Lock() { c.mu.Lock() }

// Unlock releases the channel lock.
func (c *Channel) Unlock() { c.mu.Unlock() }

// retain takes one reference. Lock held.
func (c *Channel) retain() { c.refs++ }

// drop releases one reference and always leaves the channel unlocked.
// The final drop finalizes the family state, frees any buffers still on
// the input queue, and retires the channel record.
func (c *Channel) drop() {
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	if c.refs < 0 {
		panic("engine: channel reference count underflow")
	}
	c.ops.Finalize(c)
	for {
		n := c.inputQ.PopFront()
		if n == nil {
			break
		}
		c.eng.freeBuffer(n.Value)
	}
	c.mu.Unlock()
	c.eng.stats.channelFrees.Add(1)
}

// Engine returns the owning engine.
func (c *Channel) Engine() *Engine { return c.eng }

// State returns the connection state. Lock held.
func (c *Channel) State() State { return c.state }

// SetState moves the state machine. Family SPI; lock held.
func (c *Channel) SetState(s State) { c.state = s }

// Flags returns the flag bitset. Lock held.
func (c *Channel) Flags() Flags { return c.flags }

// SetFlags ors fl into the bitset. Family SPI; lock held.
func (c *Channel) SetFlags(fl Flags) { c.flags |= fl }

// PendingReads returns the outstanding read count. Lock held.
func (c *Channel) PendingReads() int { return c.pendingReads }

// PendingWrites returns the outstanding write count. Lock held.
func (c *Channel) PendingWrites() int { return c.pendingWrites }

// MaxPendingWrites returns the write cap. Lock held.
func (c *Channel) MaxPendingWrites() int { return c.maxPendingWrites }

// MaxPendingReads returns the read cap. Lock held.
func (c *Channel) MaxPendingReads() int { return c.maxPendingReads }

// LastError returns the retained platform error, for diagnostics.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetLastError retains err on the channel. Lock held.
func (c *Channel) SetLastError(err error) { c.lastErr = err }

// postReads issues read operations until the pending cap is reached.
// It reports success when at least one read is outstanding. Lock held.
func (c *Channel) postReads() error {
	var firstErr error
	for c.pendingReads < c.maxPendingReads {
		if err := c.ops.PostRead(c); err != nil {
			firstErr = err
			break
		}
		c.pendingReads++
	}
	if c.pendingReads > 0 {
		return nil
	}
	return firstErr
}

// nudge wakes a host thread blocked on this channel with a reason in
// blockMask, or queues the channel on its owner's ready queue. With
// force set it does both, and the ready enqueue skips the
// single-flight tracker. Lock held.
func (c *Channel) nudge(blockMask Flags, force bool) {
	if c.flags&blockMask != 0 {
		c.flags &^= blockMask
		c.cond.Broadcast()
		if !force {
			return
		}
	}
	if force || c.flags&flagWatchAny != 0 {
		c.readyQAdd(force)
	}
}

// requestEventPoll queues the channel for the owning thread regardless
// of watch flags, so connection progress is always driven. Lock held.
func (c *Channel) requestEventPoll() { c.readyQAdd(true) }

// notifyChannel computes the readiness mask, then delivers it to the
// host callback with the channel unlocked. The caller's reference keeps
// the channel alive across the callback; state is re-read after relock.
// Lock held on entry and exit.
func (c *Channel) notifyChannel() {
	var mask Readiness
	if c.flags&FlagWatchInput != 0 &&
		(!c.inputQ.Empty() || c.flags&FlagRemoteEOF != 0 || c.state != StateOpen) {
		mask |= Readable
	}
	if c.flags&FlagWatchOutput != 0 && c.flags&FlagNotifyWrites != 0 && c.state == StateOpen {
		mask |= Writable
		c.flags &^= FlagNotifyWrites
	}
	fn := c.notify
	if mask == 0 || fn == nil {
		return
	}
	c.mu.Unlock()
	fn(mask)
	c.mu.Lock()
	// Watch semantics are level-triggered: while payload remains queued
	// and the host still watches input, keep the event coming.
	if c.flags&FlagWatchInput != 0 && !c.inputQ.Empty() {
		c.readyQAdd(false)
	}
}
