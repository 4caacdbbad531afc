package tcpchan

import (
	"net"

	"github.com/orizon-lang/chanport/internal/engine"
)

const defaultMaxPendingAccepts = 3

// AcceptFunc receives each accepted child channel on the listener's
// owning loop.
type AcceptFunc func(child *Conn)

// Listener is the TCP listener channel family. The listener's input
// queue doubles as its accept queue: completed accepts park there until
// the owning loop's event handler consumes them.
type Listener struct {
	engine.BaseOps

	ch  *engine.Channel
	eng *engine.Engine
	ln  net.Listener

	maxPendingAccepts int
	pendingAccepts    int
	onAccept          AcceptFunc

	// options inherited by accepted children
	keepAlive bool
	noDelay   bool
}

// Channel returns the host-facing channel handle.
func (l *Listener) Channel() *engine.Channel { return l.ch }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Listen opens a TCP listener channel on hostport and begins posting
// accept operations. onAccept fires for every child once the owning
// loop services the listener.
func Listen(e *engine.Engine, hostport string, onAccept AcceptFunc) (*Listener, error) {
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		eng:               e,
		ln:                ln,
		maxPendingAccepts: defaultMaxPendingAccepts,
		onAccept:          onAccept,
	}
	l.ch = e.NewChannel(l)
	l.ch.Lock()
	l.ch.SetState(engine.StateListening)
	l.ch.SetFlags(engine.FlagWatchAccept)
	l.postAccepts()
	l.ch.Unlock()
	return l, nil
}

// postAccepts keeps the configured number of accept operations in
// flight. Lock held.
func (l *Listener) postAccepts() {
	for l.pendingAccepts < l.maxPendingAccepts {
		buf := l.ch.NewBuffer(engine.OpAccept, 0)
		l.pendingAccepts++
		go acceptAsync(l.ln, buf)
	}
}

func acceptAsync(ln net.Listener, buf *engine.Buffer) {
	conn, err := ln.Accept()
	if err == nil {
		buf.SetContext(conn)
	}
	buf.Complete(0, err)
}

// Accept consumes the queued accept buffers, replenishes the in-flight
// accepts, and delivers each child to the host callback with the
// listener unlocked. The event's reference keeps the listener alive
// across the callbacks. Lock held on entry and exit.
func (l *Listener) Accept(c *engine.Channel) {
	var conns []net.Conn
	for {
		buf := c.TakeInput()
		if buf == nil {
			break
		}
		l.pendingAccepts--
		conn, _ := buf.Context().(net.Conn)
		c.FreeBuffer(buf)
		if conn != nil {
			conns = append(conns, conn)
		}
	}
	if c.State() == engine.StateListening {
		l.postAccepts()
	}
	if len(conns) == 0 {
		return
	}
	cb := l.onAccept
	keepAlive, noDelay := l.keepAlive, l.noDelay
	c.Unlock()
	for _, conn := range conns {
		child := newAccepted(l.eng, conn, keepAlive, noDelay)
		if cb != nil {
			cb(child)
		} else {
			_ = child.Channel().Close()
		}
	}
	c.Lock()
}

// Shutdown closes the listening socket. Lock held.
func (l *Listener) Shutdown(c *engine.Channel, dir engine.Direction) error {
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

// Finalize releases the socket if the shutdown path never ran.
func (l *Listener) Finalize(c *engine.Channel) {
	if l.ln != nil {
		_ = l.ln.Close()
		l.ln = nil
	}
}

// GetHandle exposes the listening socket descriptor.
func (l *Listener) GetHandle(c *engine.Channel, dir engine.Direction) (uintptr, error) {
	if l.ln == nil {
		return 0, engine.ErrNotConnected
	}
	if sc, ok := l.ln.(*net.TCPListener); ok {
		return socketOf(sc)
	}
	return 0, engine.ErrNotConnected
}
