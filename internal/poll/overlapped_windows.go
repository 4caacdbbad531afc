//go:build windows

package poll

import "golang.org/x/sys/windows"

// Overlapped is the kernel OVERLAPPED header. Keeping the alias lets
// buffers be handed straight to overlapped Win32 calls.
type Overlapped = windows.Overlapped
