// Package tcpchan implements the TCP channel families: the client
// connection and the listener. Each connection runs one reader and one
// writer goroutine that service posted buffers in order and post their
// outcomes to the engine's completion port, which is the portable
// rendering of kernel overlapped I/O; the engine never sees the
// difference.
package tcpchan

import (
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/orizon-lang/chanport/internal/engine"
	"github.com/orizon-lang/chanport/internal/resolve"
)

const defaultDialTimeout = 30 * time.Second

// Conn is the TCP client channel family. All fields are guarded by the
// channel lock except conn, which is written once before any read or
// write is posted and is stable afterwards.
//
// Posted reads and writes are serviced by one reader and one writer
// goroutine each, in posting order, which preserves the per-channel
// FIFO completion guarantee the kernel gives real overlapped I/O.
type Conn struct {
	engine.BaseOps

	ch  *engine.Channel
	eng *engine.Engine

	conn  net.Conn
	addrs []netip.AddrPort
	next  int

	ioStarted bool
	readQ     chan *engine.Buffer
	writeQ    chan writeReq

	dialTimeout time.Duration
	dialErr     error

	keepAlive bool
	noDelay   bool
	sobuf     int
	readSize  int
}

type writeReq struct {
	buf *engine.Buffer
	n   int
}

// ioQueueCap bounds the in-flight operation queues. The engine clamps
// the pending caps below this, so enqueuing never blocks.
const ioQueueCap = 128

// Channel returns the host-facing channel handle.
func (t *Conn) Channel() *engine.Channel { return t.ch }

// Connect opens a TCP client channel to hostport. With async set the
// connect proceeds in the background and the caller drives it through
// the state machine; otherwise Connect blocks until the attempt
// resolves, cycling through the resolved address list.
func Connect(e *engine.Engine, hostport string, async bool) (*Conn, error) {
	addrs, err := resolve.AddrList(context.Background(), hostport)
	if err != nil {
		return nil, err
	}
	t := &Conn{
		eng:         e,
		addrs:       addrs,
		dialTimeout: defaultDialTimeout,
		readSize:    engine.DefaultReadBufSize(),
	}
	t.ch = e.NewChannel(t)

	ch := t.ch
	ch.Lock()
	ch.SetState(engine.StateConnecting)
	if err := t.postConnect(); err != nil {
		ch.SetState(engine.StateConnectFailed)
		ch.Unlock()
		_ = ch.Close()
		return nil, err
	}
	ch.Unlock()

	if !async {
		if s := ch.ConnectionStep(true); s != engine.StateOpen {
			err := ch.LastError()
			_ = ch.Close()
			if err == nil {
				err = engine.ErrNotConnected
			}
			return nil, err
		}
	}
	return t, nil
}

// newAccepted wraps an established connection from a listener into a
// child channel and drives it to the open state.
func newAccepted(e *engine.Engine, conn net.Conn, keepAlive, noDelay bool) *Conn {
	t := &Conn{
		eng:       e,
		conn:      conn,
		keepAlive: keepAlive,
		noDelay:   noDelay,
		readSize:  engine.DefaultReadBufSize(),
	}
	t.ch = e.NewChannel(t)
	t.ch.Lock()
	t.ch.SetState(engine.StateConnected)
	t.ch.Unlock()
	t.ch.ConnectionStep(false)
	return t
}

// postConnect starts the asynchronous dial of the next address in the
// list. Channel lock held.
func (t *Conn) postConnect() error {
	if t.next >= len(t.addrs) {
		if t.dialErr != nil {
			return t.dialErr
		}
		return engine.ErrNotConnected
	}
	addr := t.addrs[t.next]
	t.next++
	buf := t.ch.NewBuffer(engine.OpConnect, 0)
	go t.dialAsync(buf, addr)
	return nil
}

func (t *Conn) dialAsync(buf *engine.Buffer, addr netip.AddrPort) {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.Dial("tcp", addr.String())
	if err == nil {
		t.ch.Lock()
		t.conn = conn
		t.ch.Unlock()
	}
	buf.Complete(0, err)
}

// Connected moves the established transport into service: socket
// options are applied, the I/O loops start, and the channel may open.
// Lock held.
func (t *Conn) Connected(c *engine.Channel) error {
	if t.conn == nil {
		return engine.ErrNotConnected
	}
	t.applySockOpts()
	t.startIO()
	return nil
}

// startIO launches the per-connection reader and writer. Lock held;
// idempotent.
func (t *Conn) startIO() {
	if t.ioStarted {
		return
	}
	t.ioStarted = true
	t.readQ = make(chan *engine.Buffer, ioQueueCap)
	t.writeQ = make(chan writeReq, ioQueueCap)
	go readLoop(t.conn, t.readQ)
	go writeLoop(t.conn, t.writeQ)
}

// readLoop services posted reads in FIFO order on one goroutine.
func readLoop(conn net.Conn, q <-chan *engine.Buffer) {
	for buf := range q {
		n, err := conn.Read(buf.Bytes())
		if err == io.EOF {
			// A zero-length completion signals EOF.
			n, err = 0, nil
		}
		buf.Complete(uint32(n), err)
	}
}

// writeLoop services posted writes in FIFO order on one goroutine.
func writeLoop(conn net.Conn, q <-chan writeReq) {
	for req := range q {
		n, err := conn.Write(req.buf.Bytes()[:req.n])
		req.buf.Complete(uint32(n), err)
	}
}

// ConnectFailed starts the next address attempt, or reports the final
// failure once the list is exhausted. Lock held.
func (t *Conn) ConnectFailed(c *engine.Channel) error {
	return t.postConnect()
}

// BlockingConnect cycles through the remaining addresses synchronously.
// The channel is unlocked around each dial; the caller's reference
// keeps it alive.
func (t *Conn) BlockingConnect(c *engine.Channel) error {
	for t.next < len(t.addrs) {
		addr := t.addrs[t.next]
		t.next++
		c.Unlock()
		conn, err := net.DialTimeout("tcp", addr.String(), t.dialTimeout)
		c.Lock()
		if c.State() == engine.StateClosed {
			if err == nil {
				_ = conn.Close()
			}
			return engine.ErrClosed
		}
		if err == nil {
			t.conn = conn
			return nil
		}
		t.dialErr = err
	}
	if t.dialErr != nil {
		return t.dialErr
	}
	return engine.ErrNotConnected
}

// PostRead posts one asynchronous read. Lock held; the engine
// maintains the pending counter.
func (t *Conn) PostRead(c *engine.Channel) error {
	if !t.ioStarted {
		return engine.ErrNotConnected
	}
	// Only this lock posts, so the capacity check cannot race the send.
	if len(t.readQ) == cap(t.readQ) {
		return engine.ErrWouldBlock
	}
	buf := c.NewBuffer(engine.OpRead, t.readSize)
	t.readQ <- buf
	return nil
}

// PostWrite queues p as one asynchronous write. A zero count reports
// the send queue full. Lock held.
func (t *Conn) PostWrite(c *engine.Channel, p []byte) (int, error) {
	if !t.ioStarted {
		return 0, engine.ErrNotConnected
	}
	if c.PendingWrites() >= c.MaxPendingWrites() || len(t.writeQ) == cap(t.writeQ) {
		return 0, nil
	}
	buf := c.NewBuffer(engine.OpWrite, len(p))
	copy(buf.Bytes(), p)
	t.writeQ <- writeReq{buf: buf, n: len(p)}
	return len(p), nil
}

// TranslateError refines completion errors; connect failures are
// retained so the retry path can report the last one. Lock held.
func (t *Conn) TranslateError(c *engine.Channel, b *engine.Buffer) error {
	if b.Op() == engine.OpConnect && b.Err() != nil {
		t.dialErr = b.Err()
	}
	return b.Err()
}

// Shutdown closes the transport for the given directions. Lock held.
func (t *Conn) Shutdown(c *engine.Channel, dir engine.Direction) error {
	if t.conn == nil {
		return nil
	}
	if dir == engine.DirBoth {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if dir&engine.DirRead != 0 {
		if err := tc.CloseRead(); err != nil {
			return err
		}
	}
	if dir&engine.DirWrite != 0 {
		if err := tc.CloseWrite(); err != nil {
			return err
		}
	}
	return nil
}

// Disconnected is the established-connection teardown hook.
func (t *Conn) Disconnected(c *engine.Channel) {}

// Finalize releases the transport and retires the I/O loops. Every
// posted buffer has completed by the time the final reference drops,
// so the queues are idle and closing them is safe.
func (t *Conn) Finalize(c *engine.Channel) {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	if t.ioStarted {
		t.ioStarted = false
		close(t.readQ)
		close(t.writeQ)
	}
}

// GetHandle exposes the socket descriptor.
func (t *Conn) GetHandle(c *engine.Channel, dir engine.Direction) (uintptr, error) {
	if t.conn == nil {
		return 0, engine.ErrNotConnected
	}
	return socketOf(t.conn)
}
