package tcpchan

import (
	"errors"
	"net"
	"syscall"
)

var errNoRawConn = errors.New("connection does not expose its socket")

// socketOf extracts the OS socket descriptor from a connection or
// listener.
func socketOf(conn any) (uintptr, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return 0, errNoRawConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var s uintptr
	if cerr := rc.Control(func(fd uintptr) { s = fd }); cerr != nil {
		return 0, cerr
	}
	return s, nil
}

// applySockOpts pushes the configured socket options onto the
// transport. Keepalive and nodelay go through raw setsockopt where the
// platform exposes it; buffer sizing uses the portable surface.
func (t *Conn) applySockOpts() {
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := setSockOpts(tc, t.keepAlive, t.noDelay); err != nil {
		_ = tc.SetKeepAlive(t.keepAlive)
		_ = tc.SetNoDelay(t.noDelay)
	}
	if t.sobuf > 0 {
		_ = tc.SetReadBuffer(t.sobuf)
		_ = tc.SetWriteBuffer(t.sobuf)
	}
}
