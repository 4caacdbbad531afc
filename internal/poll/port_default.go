//go:build !windows

package poll

import (
	"sync"

	"github.com/orizon-lang/chanport/internal/intrusive"
)

// queuePort is the portable completion queue: an unbounded FIFO guarded by
// a mutex and condition variable. Post never blocks, so completion
// producers cannot deadlock against a stalled consumer.
type queuePort struct {
	mu     sync.Mutex
	cond   sync.Cond
	queue  intrusive.List[*entry]
	closed bool
}

type entry struct {
	link intrusive.Node[*entry]
	c    Completion
}

// NewPort returns the platform completion port.
func NewPort() (Port, error) {
	p := &queuePort{}
	p.cond.L = &p.mu
	return p, nil
}

func (p *queuePort) Post(ov *Overlapped, key uintptr, bytes uint32) error {
	e := &entry{c: Completion{Ov: ov, Key: key, Bytes: bytes}}
	e.link.Value = e
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.queue.PushBack(&e.link)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

func (p *queuePort) Wait() (Completion, error) {
	p.mu.Lock()
	for p.queue.Empty() && !p.closed {
		p.cond.Wait()
	}
	if n := p.queue.PopFront(); n != nil {
		c := n.Value.c
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return Completion{}, ErrPortClosed
}

func (p *queuePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}
