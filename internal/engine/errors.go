package engine

import (
	"errors"
	"syscall"
)

var (
	// ErrWouldBlock is returned by non-blocking operations that have no
	// data or no buffer space.
	ErrWouldBlock = errors.New("operation would block")
	// ErrNotConnected is returned for reads and writes against a channel
	// whose state is terminal without data.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed means the channel was closed by the host.
	ErrClosed = errors.New("channel closed")
	// ErrEngineClosed means the engine was shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// isReset reports whether err is a reset-by-peer class completion
// failure. Both reset variants remap to remote-EOF at the input
// boundary; the raw error stays in the channel's last-error slot.
func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED)
}
