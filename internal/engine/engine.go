// Package engine implements the asynchronous channel core: buffers in
// flight against a completion port, reference-counted channels shared
// between host event-loop threads and the completion worker, per-thread
// ready queues, and the connection state machine.
package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/poll"
)

// Engine owns the completion port, the worker that drains it, the
// buffer pool, and the per-thread data registry.
type Engine struct {
	port poll.Port
	log  *slog.Logger
	pool *dataPool

	stats stats

	mu      sync.Mutex
	threads map[evloop.ID]*ThreadData

	workerDone chan struct{}
	closed     atomic.Bool
}

// New creates an engine backed by the platform completion port and
// starts its worker. A port creation failure is fatal to the caller's
// load path and is returned as-is.
func New(logger *slog.Logger) (*Engine, error) {
	port, err := poll.NewPort()
	if err != nil {
		return nil, err
	}
	return NewWithPort(port, logger), nil
}

// NewWithPort creates an engine on a caller-supplied port. Tests use it
// to inject completions deterministically.
func NewWithPort(port poll.Port, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		port:       port,
		log:        logger,
		pool:       newDataPool(),
		threads:    make(map[evloop.ID]*ThreadData),
		workerDone: make(chan struct{}),
	}
	go e.worker()
	return e
}

// Port returns the completion port, for families that post operations.
func (e *Engine) Port() poll.Port { return e.port }

// Shutdown stops the completion worker: a sentinel completion asks it to
// exit, and after the grace period the port is closed out from under it
// and the worker is abandoned rather than waited for. The engine must
// not be used afterwards.
func (e *Engine) Shutdown(grace time.Duration) error {
	if e.closed.Swap(true) {
		return ErrEngineClosed
	}
	// Sentinel: a nil overlapped tells the worker to exit.
	if err := e.port.Post(nil, 0, 0); err == nil {
		select {
		case <-e.workerDone:
			return e.port.Close()
		case <-time.After(grace):
			e.log.Warn("completion worker did not exit in time; closing port")
		}
	}
	// The failed wait above stands in for forced termination: closing
	// the port makes the worker's dequeues fail out (the portable port
	// first hands over completions already queued), and Shutdown returns
	// without waiting for it.
	return e.port.Close()
}
