package engine

import (
	"fmt"
	"strings"
)

// Host-facing driver surface. Every entry point locks the channel,
// takes an additional self-reference for the duration, performs its
// work, drops the reference, and returns. Paths that call back into
// host code unlock around the callback.

// Read drains buffered input into p, honouring the blocking mode and
// the connection state machine. A remote EOF surfaces as io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.retain()
	n, err := c.input(p)
	c.drop()
	return n, err
}

// Write posts p as asynchronous writes, honouring the blocking mode and
// the pending-write cap.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.retain()
	n, err := c.output(p)
	c.drop()
	return n, err
}

// SetBlocking switches between blocking and non-blocking operation.
func (c *Channel) SetBlocking(blocking bool) {
	c.mu.Lock()
	if blocking {
		c.flags &^= FlagNonBlocking
	} else {
		c.flags |= FlagNonBlocking
	}
	c.mu.Unlock()
}

// SetNotify installs the host notification callback. The callback runs
// on the owning thread's loop with the channel unlocked.
func (c *Channel) SetNotify(fn func(Readiness)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Watch updates the readiness interests. If an interest is already
// satisfied the channel is queued immediately so the host sees the
// event on its next loop pass.
func (c *Channel) Watch(mask Readiness) {
	c.mu.Lock()
	c.retain()
	c.flags &^= FlagWatchInput | FlagWatchOutput
	poke := false
	if mask&Readable != 0 {
		c.flags |= FlagWatchInput
		if !c.inputQ.Empty() || c.flags&FlagRemoteEOF != 0 {
			poke = true
		}
	}
	if mask&Writable != 0 {
		c.flags |= FlagWatchOutput
		if c.state == StateOpen {
			c.flags |= FlagNotifyWrites
			poke = true
		}
	}
	if poke {
		c.readyQAdd(true)
	}
	c.drop()
}

// Attach binds the channel to the host thread td, so completions are
// surfaced on that thread's loop. Any pending completion delivered
// while the channel was detached is picked up by the forced poll.
func (c *Channel) Attach(td *ThreadData) error {
	id := td.ID()
	if id == 0 {
		return fmt.Errorf("engine: attach to exited thread")
	}
	td.retain()
	c.mu.Lock()
	c.retain()
	if c.ownerData != nil {
		c.ownerData.release()
	}
	c.owner = id
	c.ownerData = td
	c.requestEventPoll()
	c.drop()
	return nil
}

// Detach unbinds the channel from its owning thread. Subsequent ready
// enqueues short-circuit until the channel is attached again.
func (c *Channel) Detach() {
	c.mu.Lock()
	td := c.ownerData
	c.owner = 0
	c.ownerData = nil
	c.mu.Unlock()
	if td != nil {
		td.release()
	}
}

// CloseRead shuts down the read half. Outstanding reads defer the OS
// shutdown to the worker's graceful-disconnect continuation.
func (c *Channel) CloseRead() error {
	c.mu.Lock()
	c.retain()
	c.flags |= FlagReadShutdown
	var err error
	if c.pendingReads > 0 {
		c.flags |= FlagHalfCloseRead
	} else {
		err = c.ops.Shutdown(c, DirRead)
	}
	c.drop()
	return err
}

// CloseWrite shuts down the write half, after any pending writes drain.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	c.retain()
	c.flags |= FlagWriteShutdown
	var err error
	if c.pendingWrites > 0 {
		c.flags |= FlagHalfCloseWrite
	} else {
		err = c.ops.Shutdown(c, DirWrite)
	}
	c.drop()
	return err
}

// Close tears the channel down and releases the host handle reference.
// Close is idempotent; after it, operations return ErrClosed or
// ErrNotConnected and completions are discarded without allocation
// growth. The channel record itself is freed once the last in-flight
// buffer, ready entry, or event drops its reference.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	if wasOpen {
		c.ops.Disconnected(c)
	}
	err := c.ops.Shutdown(c, DirBoth)
	// Wake every waiter so it observes the closed state.
	c.flags &^= FlagBlockedConnect | FlagBlockedRead | FlagBlockedWrite
	c.cond.Broadcast()
	td := c.ownerData
	c.owner = 0
	c.ownerData = nil
	c.drop() // the host handle's reference; unlocks
	if td != nil {
		td.release()
	}
	return err
}

// OptionNames returns the family's ordered option list.
func (c *Channel) OptionNames() []string { return c.ops.OptionNames() }

// SetOption sets a family option by name.
func (c *Channel) SetOption(name, value string) error {
	idx, err := c.optionIndex(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.retain()
	err = c.ops.SetOption(c, idx, value)
	c.drop()
	return err
}

// GetOption reads a family option by name.
func (c *Channel) GetOption(name string) (string, error) {
	idx, err := c.optionIndex(name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.retain()
	v, err := c.ops.GetOption(c, idx)
	c.drop()
	return v, err
}

func (c *Channel) optionIndex(name string) (int, error) {
	names := c.ops.OptionNames()
	for i, n := range names {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("bad option %q: should be one of %s",
		name, strings.Join(names, ", "))
}

// Handle returns the underlying OS handle for the direction.
func (c *Channel) Handle(dir Direction) (uintptr, error) {
	c.mu.Lock()
	c.retain()
	h, err := c.ops.GetHandle(c, dir)
	c.drop()
	return h, err
}

// ConnectionStep drives the connection state machine from the host
// side and returns the resulting state. With blockable set it waits for
// the in-flight attempt to resolve.
func (c *Channel) ConnectionStep(blockable bool) State {
	c.mu.Lock()
	c.retain()
	if c.state.connectionInProgress() {
		c.connectionStep(blockable)
	}
	s := c.state
	c.drop()
	return s
}

// TakeInput pops the head of the input queue. Family SPI (accept
// consumption); lock held.
func (c *Channel) TakeInput() *Buffer {
	n := c.inputQ.PopFront()
	if n == nil {
		return nil
	}
	return n.Value
}

// FreeBuffer releases a buffer obtained from TakeInput. Family SPI;
// lock held.
func (c *Channel) FreeBuffer(b *Buffer) { c.eng.freeBuffer(b) }

// maxPendingCap bounds the configurable pending caps; families size
// their operation queues against it.
const maxPendingCap = 64

// SetMaxPendingReads adjusts the read cap. Family SPI for the option
// surface; lock held.
func (c *Channel) SetMaxPendingReads(n int) {
	c.maxPendingReads = clampPending(n)
}

// SetMaxPendingWrites adjusts the write cap. Family SPI; lock held.
func (c *Channel) SetMaxPendingWrites(n int) {
	c.maxPendingWrites = clampPending(n)
}

func clampPending(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxPendingCap {
		return maxPendingCap
	}
	return n
}
