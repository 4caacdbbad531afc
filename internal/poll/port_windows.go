//go:build windows

package poll

import (
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// iocpPort backs the completion queue with a kernel I/O completion port.
// Completions are injected with PostQueuedCompletionStatus, which carries
// arbitrary caller-owned OVERLAPPED pointers without any handle
// association.
type iocpPort struct {
	h      windows.Handle
	closed atomic.Bool
}

// NewPort returns the platform completion port.
func NewPort() (Port, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpPort{h: h}, nil
}

// Associate registers an OS handle with the port so kernel-initiated
// overlapped I/O on it is delivered through Wait.
func (p *iocpPort) Associate(fd uintptr, key uintptr) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.h, key, 0)
	return err
}

func (p *iocpPort) Post(ov *Overlapped, key uintptr, bytes uint32) error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	return windows.PostQueuedCompletionStatus(p.h, bytes, key, ov)
}

func (p *iocpPort) Wait() (Completion, error) {
	var (
		bytes uint32
		key   uintptr
		ov    *Overlapped
	)
	err := windows.GetQueuedCompletionStatus(p.h, &bytes, &key, &ov, windows.INFINITE)
	if ov == nil && err != nil {
		// Dequeue itself failed: the port is gone.
		return Completion{}, ErrPortClosed
	}
	// A failed I/O still yields its overlapped; the error lives on the
	// containing buffer where the producer recorded it.
	return Completion{Ov: ov, Key: key, Bytes: bytes}, nil
}

func (p *iocpPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return windows.CloseHandle(p.h)
}
