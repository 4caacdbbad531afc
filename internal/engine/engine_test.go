package engine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/orizon-lang/chanport/internal/evloop"
	"github.com/orizon-lang/chanport/internal/poll"
)

// fakeOps is a manually-driven channel family: posted operations are
// recorded and the test completes them explicitly, standing in for the
// kernel.
type fakeOps struct {
	BaseOps

	mu       sync.Mutex
	reads    []*Buffer
	writes   []*Buffer
	connects []*Buffer

	// connectRemaining is the number of further addresses ConnectFailed
	// may start an attempt for.
	connectRemaining int

	failPostRead error
	finalizes    atomic.Int32
	shutdowns    atomic.Int32
}

func (f *fakeOps) Finalize(*Channel) { f.finalizes.Add(1) }

func (f *fakeOps) Shutdown(*Channel, Direction) error {
	f.shutdowns.Add(1)
	return nil
}

func (f *fakeOps) PostRead(c *Channel) error {
	if f.failPostRead != nil {
		return f.failPostRead
	}
	b := c.NewBuffer(OpRead, 64)
	f.mu.Lock()
	f.reads = append(f.reads, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeOps) PostWrite(c *Channel, p []byte) (int, error) {
	if c.PendingWrites() >= c.MaxPendingWrites() {
		return 0, nil
	}
	b := c.NewBuffer(OpWrite, len(p))
	copy(b.Bytes(), p)
	f.mu.Lock()
	f.writes = append(f.writes, b)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeOps) ConnectFailed(c *Channel) error {
	if f.connectRemaining == 0 {
		return errors.New("address list exhausted")
	}
	f.connectRemaining--
	b := c.NewBuffer(OpConnect, 0)
	f.mu.Lock()
	f.connects = append(f.connects, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeOps) popRead() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return nil
	}
	b := f.reads[0]
	f.reads = f.reads[1:]
	return b
}

func (f *fakeOps) popWrite() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	b := f.writes[0]
	f.writes = f.writes[1:]
	return b
}

func (f *fakeOps) popConnect() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connects) == 0 {
		return nil
	}
	b := f.connects[0]
	f.connects = f.connects[1:]
	return b
}

func (f *fakeOps) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// completeRead finishes the oldest posted read with payload.
func (f *fakeOps) completeRead(t *testing.T, payload string) {
	t.Helper()
	b := f.popRead()
	if b == nil {
		t.Fatal("no posted read to complete")
	}
	copy(b.Bytes(), payload)
	b.Complete(uint32(len(payload)), nil)
}

// completeReadErr finishes the oldest posted read with a failure.
func (f *fakeOps) completeReadErr(t *testing.T, err error) {
	t.Helper()
	b := f.popRead()
	if b == nil {
		t.Fatal("no posted read to complete")
	}
	b.Complete(0, err)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	port, err := poll.NewPort()
	if err != nil {
		t.Fatal(err)
	}
	e := NewWithPort(port, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = e.Shutdown(2 * time.Second) })
	return e
}

// openFake builds a channel on fakeOps and drives it to the open state,
// leaving maxPendingReads reads posted.
func openFake(t *testing.T) (*Engine, *fakeOps, *Channel) {
	t.Helper()
	e := newTestEngine(t)
	f := &fakeOps{}
	c := e.NewChannel(f)
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	if s := c.ConnectionStep(false); s != StateOpen {
		t.Fatalf("state = %v after connected step, want open", s)
	}
	return e, f, c
}

func chState(c *Channel) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func chFlags(c *Channel) Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

// The worker recovers buffers from their overlapped header at offset
// zero; a payload surviving the round trip proves the recovery.
func TestContainerOfRoundTrip(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()
	f.completeRead(t, "ping")
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, %v; want \"ping\"", buf[:n], err)
	}
}

// Blocking read of two segments: "HELLO" and "WORLD" arrive as two
// completions; reads of 3, 3 and 100 bytes reassemble them in order and
// a zero-length completion then reads as EOF.
func TestBlockingReadSegments(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	f.completeRead(t, "HELLO")
	f.completeRead(t, "WORLD")

	buf := make([]byte, 100)
	for _, want := range []string{"HEL", "LOW"} {
		n, err := c.Read(buf[:3])
		if err != nil || string(buf[:n]) != want {
			t.Fatalf("Read = %q, %v; want %q", buf[:n], err, want)
		}
	}
	waitFor(t, "remainder buffered", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inputQ.Empty()
	})
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "ORLD" {
		t.Fatalf("Read = %q, %v; want \"ORLD\"", buf[:n], err)
	}

	f.completeReadErr(t, nil) // zero-length completion
	if n, err := c.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("Read after zero-length completion = %d, %v; want 0, EOF", n, err)
	}
	// EOF is sticky.
	if _, err := c.Read(buf); err != io.EOF {
		t.Fatalf("second EOF read: %v", err)
	}
}

// Non-blocking read with no data returns the try-again error without
// waiting and without touching the state machine.
func TestNonBlockingReadNoData(t *testing.T) {
	_, _, c := openFake(t)
	defer c.Close()
	c.SetBlocking(false)

	start := time.Now()
	n, err := c.Read(make([]byte, 8))
	if n != 0 || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Read = %d, %v; want 0, would-block", n, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("non-blocking read blocked")
	}
	if s := chState(c); s != StateOpen {
		t.Fatalf("state changed to %v", s)
	}
}

// Async connect over a two-address list: the first attempt fails, the
// event-driven retry starts the second, and its success opens the
// channel with write notification armed.
func TestConnectRetryAcrossAddresses(t *testing.T) {
	e := newTestEngine(t)
	f := &fakeOps{connectRemaining: 1}
	c := e.NewChannel(f)
	defer c.Close()

	c.mu.Lock()
	c.state = StateConnecting
	first := e.newBuffer(c, OpConnect, 0)
	c.mu.Unlock()

	first.Complete(0, syscall.ECONNREFUSED)
	waitFor(t, "connect retry state", func() bool { return chState(c) == StateConnectRetry })

	// The event-loop tick drives the non-blocking step: retry starts.
	if s := c.ConnectionStep(false); s != StateConnecting {
		t.Fatalf("state = %v after retry step, want connecting", s)
	}
	second := f.popConnect()
	if second == nil {
		t.Fatal("retry posted no connect attempt")
	}
	second.Complete(0, nil)
	waitFor(t, "connected state", func() bool { return chState(c) == StateConnected })

	if s := c.ConnectionStep(false); s != StateOpen {
		t.Fatalf("state = %v after connected step, want open", s)
	}
	if chFlags(c)&FlagNotifyWrites == 0 {
		t.Fatal("notify-writes not armed on open")
	}
}

// Exhausting the address list fails the connect terminally.
func TestConnectExhaustedFails(t *testing.T) {
	e := newTestEngine(t)
	f := &fakeOps{}
	c := e.NewChannel(f)
	defer c.Close()

	c.mu.Lock()
	c.state = StateConnecting
	first := e.newBuffer(c, OpConnect, 0)
	c.mu.Unlock()

	first.Complete(0, syscall.ECONNREFUSED)
	waitFor(t, "connect retry state", func() bool { return chState(c) == StateConnectRetry })
	if s := c.ConnectionStep(false); s != StateConnectFailed {
		t.Fatalf("state = %v, want connect-failed", s)
	}
	if _, err := c.Read(make([]byte, 4)); err != io.EOF {
		// remote-eof is flagged on terminal connect failure
		t.Fatalf("Read after failed connect: %v, want EOF", err)
	}
}

// Write backpressure: with the default cap of 3, the fourth blocking
// write waits until a completion frees a slot, and the pending count
// never exceeds the cap.
func TestWriteBackpressure(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		chunk := make([]byte, 128)
		for i := 0; i < 4; i++ {
			if _, err := c.Write(chunk); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	waitFor(t, "three writes posted", func() bool { return f.writeCount() == 3 })
	select {
	case err := <-done:
		t.Fatalf("fourth write did not block (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	w := f.popWrite()
	w.Complete(128, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fourth write still blocked after completion")
	}
	for {
		w := f.popWrite()
		if w == nil {
			break
		}
		w.Complete(128, nil)
	}
}

// Non-blocking writes never wait: a full send queue returns try-again.
func TestNonBlockingWriteFullQueue(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()
	c.SetBlocking(false)

	chunk := make([]byte, 64)
	for i := 0; i < 3; i++ {
		if _, err := c.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := c.Write(chunk); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("fourth write: %v, want would-block", err)
	}
	for {
		w := f.popWrite()
		if w == nil {
			break
		}
		w.Complete(64, nil)
	}
}

// Zero-byte writes return immediately without posting anything.
func TestZeroByteWrite(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()
	n, err := c.Write(nil)
	if n != 0 || err != nil {
		t.Fatalf("Write(nil) = %d, %v", n, err)
	}
	if f.writeCount() != 0 {
		t.Fatal("zero-byte write posted an operation")
	}
}

// Close under pending reads: the in-flight completions are discarded,
// their references released, and the allocation counters return to
// balance.
func TestCloseUnderPendingReads(t *testing.T) {
	e, f, c := openFake(t)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.completeRead(t, "late")
	}
	waitFor(t, "allocation balance", func() bool { return e.Stats().Balanced() })
	if f.finalizes.Load() != 1 {
		t.Fatalf("finalize ran %d times, want 1", f.finalizes.Load())
	}
}

// Close is idempotent and later operations fail cleanly.
func TestCloseIdempotent(t *testing.T) {
	e, f, c := openFake(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Read(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.completeRead(t, "late")
	}
	waitFor(t, "allocation balance", func() bool { return e.Stats().Balanced() })
}

// A close wakes a reader blocked on the condition variable.
func TestCloseWakesBlockedReader(t *testing.T) {
	_, _, c := openFake(t)
	got := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 8))
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = c.Close()
	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked read returned %v, want closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader not woken by close")
	}
}

// Data completed ahead of an error is delivered first; the error buffer
// stays at the head for the next call.
func TestErrorBufferAfterData(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	boom := errors.New("boom")
	f.completeRead(t, "abc")
	f.completeReadErr(t, boom)
	waitFor(t, "both completions queued", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.inputQ.Len() == 2
	})

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("Read = %q, %v; want \"abc\"", buf[:n], err)
	}
	if _, err := c.Read(buf); !errors.Is(err, boom) {
		t.Fatalf("second read: %v, want boom", err)
	}
	if !errors.Is(c.LastError(), boom) {
		t.Fatal("error not retained on channel")
	}
}

// Reset-by-peer remaps to EOF at the boundary while the raw error stays
// retained for diagnostics.
func TestResetRemapsToEOF(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	f.completeReadErr(t, syscall.ECONNRESET)
	waitFor(t, "completion queued", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inputQ.Empty()
	})
	if _, err := c.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("Read = %v, want EOF", err)
	}
	if !errors.Is(c.LastError(), syscall.ECONNRESET) {
		t.Fatal("raw reset error not retained")
	}
	// The remap is sticky.
	if _, err := c.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("second read: %v, want EOF", err)
	}
}

// A completion delivered while the channel is detached goes nowhere;
// attaching afterwards picks it up on the new thread's next tick.
func TestDetachThenAttachDeliversOnNewThread(t *testing.T) {
	e, f, c := openFake(t)
	defer c.Close()

	var notified atomic.Int32
	c.SetNotify(func(mask Readiness) {
		if mask&Readable != 0 {
			notified.Add(1)
		}
	})
	c.Watch(Readable)

	// Completion while detached: nothing fires anywhere.
	f.completeRead(t, "stash")
	waitFor(t, "completion queued", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inputQ.Empty()
	})

	loopA, loopB := evloop.New(), evloop.New()
	tdA, tdB := e.ThreadData(loopA), e.ThreadData(loopB)
	_ = tdA

	loopA.Drain(16)
	if notified.Load() != 0 {
		t.Fatal("detached channel delivered an event")
	}

	if err := c.Attach(tdB); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "event on B", func() bool {
		loopB.DoOneEvent(false)
		return notified.Load() > 0
	})
	// The other loop never sees it.
	loopA.Drain(16)
	if notified.Load() != 1 {
		t.Fatalf("notified %d times, want 1", notified.Load())
	}
}

// Moving a channel from thread A to thread B redirects subsequent ready
// events to B.
func TestOwnershipTransfer(t *testing.T) {
	e, f, c := openFake(t)
	defer c.Close()

	var fired atomic.Int32
	c.SetNotify(func(Readiness) { fired.Add(1) })
	c.Watch(Readable)

	loopA, loopB := evloop.New(), evloop.New()
	tdA, tdB := e.ThreadData(loopA), e.ThreadData(loopB)

	if err := c.Attach(tdA); err != nil {
		t.Fatal(err)
	}
	c.Detach()
	if err := c.Attach(tdB); err != nil {
		t.Fatal(err)
	}

	f.completeRead(t, "x")
	waitFor(t, "event fires on B", func() bool {
		loopB.DoOneEvent(false)
		return fired.Load() > 0
	})
	before := fired.Load()
	loopA.Drain(16)
	if fired.Load() != before {
		t.Fatal("event fired on the detached thread")
	}
}

// Between consecutive dequeues at most one ready entry exists for a
// channel on its owning thread.
func TestSingleFlightReadyEnqueue(t *testing.T) {
	e, f, c := openFake(t)
	defer c.Close()

	c.SetNotify(func(Readiness) {})
	c.Watch(Readable)

	loop := evloop.New()
	td := e.ThreadData(loop)
	if err := c.Attach(td); err != nil {
		t.Fatal(err)
	}
	loop.Drain(16) // consume the attach poke

	f.completeRead(t, "one")
	f.completeRead(t, "two")
	waitFor(t, "both completions queued", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.inputQ.Len() == 2
	})

	td.mu.Lock()
	n := td.ready.Len()
	td.mu.Unlock()
	if n != 1 {
		t.Fatalf("ready queue holds %d entries, want 1", n)
	}
}

// An orphaned thread swallows ready entries instead of leaking them,
// and attaching to an exited thread is refused.
func TestOrphanThreadData(t *testing.T) {
	e, f, c := openFake(t)

	loop := evloop.New()
	td := e.ThreadData(loop)
	if err := c.Attach(td); err != nil {
		t.Fatal(err)
	}
	loop.Drain(16)

	e.DetachThread(loop)
	if err := c.Attach(td); err == nil {
		t.Fatal("attach to exited thread succeeded")
	}

	c.SetNotify(func(Readiness) {})
	c.Watch(Readable)
	f.completeRead(t, "gone")
	waitFor(t, "completion processed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.inputQ.Empty()
	})

	_ = c.Close()
	for {
		b := f.popRead()
		if b == nil {
			break
		}
		b.Complete(0, nil)
	}
	waitFor(t, "allocation balance", func() bool { return e.Stats().Balanced() })
}

// A blocked reader is woken within one scheduling step of its data
// arriving.
func TestNoLostWakeup(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := c.Read(buf)
		if err == nil {
			got <- string(buf[:n])
		}
	}()
	time.Sleep(20 * time.Millisecond) // let the reader block
	f.completeRead(t, "wake")
	select {
	case s := <-got:
		if s != "wake" {
			t.Fatalf("read %q, want \"wake\"", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader lost the wakeup")
	}
}

// An open channel watched for writes delivers a writable event on the
// owning loop.
func TestWritableNotify(t *testing.T) {
	e, _, c := openFake(t)
	defer c.Close()

	var mask atomic.Int32
	c.SetNotify(func(m Readiness) { mask.Or(int32(m)) })

	loop := evloop.New()
	td := e.ThreadData(loop)
	if err := c.Attach(td); err != nil {
		t.Fatal(err)
	}
	c.Watch(Writable)
	waitFor(t, "writable event", func() bool {
		loop.DoOneEvent(false)
		return Readiness(mask.Load())&Writable != 0
	})
}

// A failing post surfaces unless at least one read is already
// outstanding.
func TestPostReadFailureTolerated(t *testing.T) {
	_, f, c := openFake(t)
	defer c.Close()

	// Reads are outstanding from open; a post failure now is tolerated.
	f.failPostRead = errors.New("post failed")
	f.completeRead(t, "ok")
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Fatalf("Read = %q, %v; want \"ok\"", buf[:n], err)
	}
}

// fakeListenerOps is a manually-driven listener family: posted accepts
// are recorded and the test completes them, with or without an error.
type fakeListenerOps struct {
	BaseOps

	mu      sync.Mutex
	accepts []*Buffer

	maxPending int
	pending    int // guarded by the channel lock

	posted   atomic.Int32
	accepted atomic.Int32
}

func (f *fakeListenerOps) postAccepts(c *Channel) {
	for f.pending < f.maxPending {
		b := c.NewBuffer(OpAccept, 0)
		f.pending++
		f.posted.Add(1)
		f.mu.Lock()
		f.accepts = append(f.accepts, b)
		f.mu.Unlock()
	}
}

func (f *fakeListenerOps) Accept(c *Channel) {
	for {
		b := c.TakeInput()
		if b == nil {
			break
		}
		f.pending--
		if b.Context() != nil {
			f.accepted.Add(1)
		}
		c.FreeBuffer(b)
	}
	if c.State() == StateListening {
		f.postAccepts(c)
	}
}

func (f *fakeListenerOps) popAccept() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accepts) == 0 {
		return nil
	}
	b := f.accepts[0]
	f.accepts = f.accepts[1:]
	return b
}

// A failed accept completion must not burn its pending-accept slot: the
// family dequeues the errored buffer, retires the slot, and posts a
// replacement, so the listener keeps accepting.
func TestAcceptErrorReplenishes(t *testing.T) {
	e := newTestEngine(t)
	f := &fakeListenerOps{maxPending: 2}
	c := e.NewChannel(f)
	defer c.Close()

	c.mu.Lock()
	c.state = StateListening
	c.flags |= FlagWatchAccept
	f.postAccepts(c)
	c.mu.Unlock()

	loop := evloop.New()
	td := e.ThreadData(loop)
	if err := c.Attach(td); err != nil {
		t.Fatal(err)
	}
	loop.Drain(16)

	// Exhaust every slot with transient failures.
	for i := 0; i < f.maxPending; i++ {
		b := f.popAccept()
		if b == nil {
			t.Fatalf("no posted accept to fail (round %d)", i)
		}
		b.Complete(0, syscall.EMFILE)
	}
	waitFor(t, "failed accepts replenished", func() bool {
		loop.DoOneEvent(false)
		return f.posted.Load() == int32(2*f.maxPending)
	})

	// The listener still accepts: a successful completion is delivered.
	b := f.popAccept()
	if b == nil {
		t.Fatal("no posted accept after failures")
	}
	b.SetContext("conn")
	b.Complete(0, nil)
	waitFor(t, "successful accept delivered", func() bool {
		loop.DoOneEvent(false)
		return f.accepted.Load() == 1
	})
	if !errors.Is(c.LastError(), syscall.EMFILE) {
		t.Fatal("accept failure not retained on channel")
	}
}

// Full-lifecycle reference balance: open, traffic, close, drain.
func TestRefcountBalance(t *testing.T) {
	e, f, c := openFake(t)

	f.completeRead(t, "data")
	buf := make([]byte, 16)
	if _, err := c.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte("out")); err != nil {
		t.Fatal(err)
	}
	w := f.popWrite()
	w.Complete(3, nil)

	_ = c.Close()
	for {
		b := f.popRead()
		if b == nil {
			break
		}
		b.Complete(0, nil)
	}
	waitFor(t, "allocation balance", func() bool { return e.Stats().Balanced() })
}
