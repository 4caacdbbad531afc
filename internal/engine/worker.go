package engine

import (
	"io"

	"github.com/orizon-lang/chanport/internal/poll"
)

// worker is the long-running completion consumer. It blocks on the port,
// recovers the buffer from each overlapped descriptor, and dispatches to
// the per-operation completion handler under the channel lock.
func (e *Engine) worker() {
	defer close(e.workerDone)
	for {
		comp, err := e.port.Wait()
		if err != nil {
			return
		}
		if comp.Ov == nil {
			return // shutdown sentinel
		}
		e.dispatch(comp)
	}
}

func (e *Engine) dispatch(comp poll.Completion) {
	buf := bufferFromOverlapped(comp.Ov)
	c := buf.ch

	c.mu.Lock()
	if buf.err != nil {
		buf.err = c.ops.TranslateError(c, buf)
	}
	switch buf.op {
	case OpRead:
		c.readCompletion(buf, int(comp.Bytes))
	case OpWrite:
		c.writeCompletion(buf)
	case OpConnect:
		c.connectCompletion(buf)
	case OpDisconnect:
		c.disconnectCompletion(buf)
	case OpAccept:
		c.acceptCompletion(buf)
	default:
		panic("engine: unknown operation tag " + buf.op.String())
	}
	c.gracefulDisconnectStep()
	c.drop() // the buffer's in-flight reference; unlocks
}

// readCompletion appends the completed read to the input queue, or
// discards it when the channel is already closed. Lock held.
func (c *Channel) readCompletion(buf *Buffer, n int) {
	c.pendingReads--
	buf.ch = nil
	if c.state == StateClosed {
		c.eng.freeBuffer(buf)
		return
	}
	buf.begin = 0
	if buf.err != nil {
		buf.length = 0
	} else {
		buf.length = n
	}
	c.inputQ.PushBack(&buf.link)
	c.nudge(FlagBlockedRead, false)
}

// writeCompletion retires the completed write and re-arms write
// notification. Lock held.
func (c *Channel) writeCompletion(buf *Buffer) {
	c.pendingWrites--
	if buf.err != nil && c.state != StateClosed {
		c.lastErr = buf.err
	}
	buf.ch = nil
	c.eng.freeBuffer(buf)
	if c.state == StateClosed {
		return
	}
	c.flags |= FlagNotifyWrites
	c.nudge(FlagBlockedWrite, false)
}

// connectCompletion records the connect outcome. A failure parks the
// state machine in connect-retry for the next address; success leaves
// the connected transition to connectionStep. The nudge is forced so
// progress happens even before the host watches the channel. Lock held.
func (c *Channel) connectCompletion(buf *Buffer) {
	err := buf.err
	buf.ch = nil
	c.eng.freeBuffer(buf)
	if c.state == StateClosed {
		return
	}
	if err != nil {
		c.lastErr = err
		c.state = StateConnectRetry
	} else {
		c.state = StateConnected
	}
	c.nudge(FlagBlockedConnect, true)
}

// disconnectCompletion retires an asynchronous half-close. Lock held.
func (c *Channel) disconnectCompletion(buf *Buffer) {
	buf.ch = nil
	c.eng.freeBuffer(buf)
}

// acceptCompletion appends the accepted-connection buffer to the
// listener's input queue, which doubles as the accept queue. Errored
// accepts ride the queue too: the family retires its pending-accept
// slot when it dequeues them, so a transient failure cannot burn the
// slot for good. Lock held.
func (c *Channel) acceptCompletion(buf *Buffer) {
	buf.ch = nil
	if c.state == StateClosed {
		if cl, ok := buf.ctx.(io.Closer); ok {
			_ = cl.Close()
		}
		c.eng.freeBuffer(buf)
		return
	}
	if buf.err != nil {
		c.lastErr = buf.err
		c.eng.log.Debug("accept completion failed", "err", buf.err)
	}
	c.inputQ.PushBack(&buf.link)
	c.nudge(0, false)
}

// gracefulDisconnectStep completes a pending half-close once the
// in-flight operations in that direction have drained. Lock held.
func (c *Channel) gracefulDisconnectStep() {
	if c.flags&FlagHalfCloseWrite != 0 && c.pendingWrites == 0 {
		c.flags &^= FlagHalfCloseWrite
		_ = c.ops.Shutdown(c, DirWrite)
	}
	if c.flags&FlagHalfCloseRead != 0 && c.pendingReads == 0 {
		c.flags &^= FlagHalfCloseRead
		_ = c.ops.Shutdown(c, DirRead)
	}
}
