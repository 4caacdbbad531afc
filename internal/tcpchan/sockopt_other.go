//go:build !unix && !windows

package tcpchan

import (
	"errors"
	"net"
)

func setSockOpts(*net.TCPConn, bool, bool) error {
	return errors.New("raw socket options unsupported")
}
