package evloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type funcEvent struct{ fn func() bool }

func (e *funcEvent) Handle() bool { return e.fn() }

type recordSource struct {
	setups atomic.Int32
	checks atomic.Int32
	ready  atomic.Bool
	emit   func(l *Loop)
}

func (s *recordSource) Setup(l *Loop) {
	s.setups.Add(1)
	if s.ready.Load() {
		l.SetMaxBlockTime(0)
	}
}

func (s *recordSource) Check(l *Loop) {
	s.checks.Add(1)
	if s.ready.Swap(false) && s.emit != nil {
		s.emit(l)
	}
}

func TestUniqueIDs(t *testing.T) {
	a, b := New(), New()
	if a.ID() == 0 || b.ID() == 0 {
		t.Fatal("loop ID must not be zero")
	}
	if a.ID() == b.ID() {
		t.Fatal("loop IDs collide")
	}
}

func TestQueueEventHandled(t *testing.T) {
	l := New()
	var ran atomic.Bool
	l.QueueEvent(&funcEvent{fn: func() bool { ran.Store(true); return true }})
	if !l.DoOneEvent(false) {
		t.Fatal("DoOneEvent reported no work")
	}
	if !ran.Load() {
		t.Fatal("event not handled")
	}
}

func TestDeferredEventRequeued(t *testing.T) {
	l := New()
	calls := 0
	l.QueueEvent(&funcEvent{fn: func() bool {
		calls++
		return calls >= 2 // defer once
	}})
	l.DoOneEvent(false)
	if calls != 1 {
		t.Fatalf("calls = %d after first pass, want 1", calls)
	}
	l.DoOneEvent(false)
	if calls != 2 {
		t.Fatalf("calls = %d after second pass, want 2", calls)
	}
	if l.DoOneEvent(false) {
		t.Fatal("queue should be empty")
	}
}

func TestSourceHooksRun(t *testing.T) {
	l := New()
	src := &recordSource{}
	src.emit = func(l *Loop) {
		l.QueueEvent(&funcEvent{fn: func() bool { return true }})
	}
	l.AddSource(src)
	src.ready.Store(true)
	if !l.DoOneEvent(true) {
		t.Fatal("ready source produced no handled event")
	}
	if src.setups.Load() == 0 || src.checks.Load() == 0 {
		t.Fatal("setup/check hooks did not run")
	}
}

// A ready source must force the loop to poll rather than block.
func TestReadySourceAvoidsBlocking(t *testing.T) {
	l := New()
	src := &recordSource{}
	src.emit = func(l *Loop) {
		l.QueueEvent(&funcEvent{fn: func() bool { return true }})
	}
	l.AddSource(src)
	src.ready.Store(true)
	done := make(chan struct{})
	go func() {
		l.DoOneEvent(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop blocked although a source was ready")
	}
}

func TestAlertUnblocks(t *testing.T) {
	l := New()
	done := make(chan struct{})
	go func() {
		l.DoOneEvent(true)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Alert()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Alert did not wake the loop")
	}
}

func TestRunStops(t *testing.T) {
	l := New()
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunHonoursContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe context cancellation")
	}
}

func TestRemoveSource(t *testing.T) {
	l := New()
	src := &recordSource{}
	l.AddSource(src)
	l.RemoveSource(src)
	l.DoOneEvent(false)
	if src.setups.Load() != 0 {
		t.Fatal("removed source still invoked")
	}
}
