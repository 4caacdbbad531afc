package engine

import (
	"unsafe"

	"github.com/orizon-lang/chanport/internal/intrusive"
	"github.com/orizon-lang/chanport/internal/poll"
)

// Op tags the operation a buffer is in flight for.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpConnect
	OpDisconnect
	OpAccept
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpAccept:
		return "accept"
	}
	return "unknown"
}

// Buffer is the unit handed to the kernel (or its portable stand-in) for
// one asynchronous operation. The overlapped header must remain the
// first field: completions identify the buffer by recovering the
// containing record from the overlapped pointer at offset zero.
//
// While in flight the buffer's channel back-pointer holds one counted
// channel reference. Appending the buffer to the channel's input queue
// transfers ownership to the channel itself: the back-pointer is cleared
// and the reference released by the worker when the handler returns.
type Buffer struct {
	ov   poll.Overlapped // must stay first
	ch   *Channel
	op   Op
	link intrusive.Node[*Buffer]

	// data window: data[begin:begin+length] is unconsumed payload.
	// begin advances as bytes are drained.
	data   []byte
	begin  int
	length int

	err error
	ctx any // family payload (accepted connection for OpAccept)
}

// bufferFromOverlapped recovers the buffer containing ov.
func bufferFromOverlapped(ov *poll.Overlapped) *Buffer {
	return (*Buffer)(unsafe.Pointer(ov))
}

// newBuffer allocates a buffer for an operation on c, taking one channel
// reference. The channel lock must be held.
func (e *Engine) newBuffer(c *Channel, op Op, size int) *Buffer {
	b := &Buffer{ch: c, op: op}
	b.link.Value = b
	if size > 0 {
		b.data = e.pool.get(size)
		e.stats.dataAllocs.Add(1)
	}
	e.stats.bufferAllocs.Add(1)
	c.refs++
	return b
}

// freeBuffer releases the buffer's data region. It does not touch the
// channel reference; the caller resolves that per the transfer rules.
func (e *Engine) freeBuffer(b *Buffer) {
	if b.data != nil {
		e.pool.put(b.data)
		e.stats.dataFrees.Add(1)
		b.data = nil
	}
	b.ctx = nil
	e.stats.bufferFrees.Add(1)
}

// NewBuffer is the family-side allocator. The channel lock must be held.
func (c *Channel) NewBuffer(op Op, size int) *Buffer {
	return c.eng.newBuffer(c, op, size)
}

// Bytes returns the full backing region for the producing I/O call.
func (b *Buffer) Bytes() []byte { return b.data }

// Payload returns the unconsumed window.
func (b *Buffer) Payload() []byte { return b.data[b.begin : b.begin+b.length] }

// Op returns the buffer's operation tag.
func (b *Buffer) Op() Op { return b.op }

// Err returns the completion error slot.
func (b *Buffer) Err() error { return b.err }

// SetContext attaches a family payload (e.g. an accepted connection).
func (b *Buffer) SetContext(ctx any) { b.ctx = ctx }

// Context returns the family payload.
func (b *Buffer) Context() any { return b.ctx }

// Complete records the operation outcome and posts the buffer to the
// engine's completion port. Called from I/O goroutines without the
// channel lock.
func (b *Buffer) Complete(bytes uint32, err error) {
	b.err = err
	if perr := b.ch.eng.port.Post(&b.ov, 0, bytes); perr != nil {
		// Port gone during shutdown: the completion is lost on purpose;
		// the engine's close path already discards pending work.
		b.ch.eng.log.Debug("dropped completion on closed port",
			"op", b.op.String(), "err", err)
	}
}
