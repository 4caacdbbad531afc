//go:build windows

package tcpchan

import (
	"net"

	"golang.org/x/sys/windows"
)

func setSockOpts(tc *net.TCPConn, keepAlive, noDelay bool) error {
	rc, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	cerr := rc.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		serr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_KEEPALIVE, boolInt(keepAlive))
		if serr == nil {
			serr = windows.SetsockoptInt(h, windows.IPPROTO_TCP, windows.TCP_NODELAY, boolInt(noDelay))
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
