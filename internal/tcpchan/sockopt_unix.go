//go:build unix

package tcpchan

import (
	"net"

	"golang.org/x/sys/unix"
)

func setSockOpts(tc *net.TCPConn, keepAlive, noDelay bool) error {
	rc, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	cerr := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(keepAlive))
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(noDelay))
		}
	})
	if cerr != nil {
		return cerr
	}
	return serr
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
