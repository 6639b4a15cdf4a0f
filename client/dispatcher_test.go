package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

// chanWriter delivers every Write on a channel so tests can observe
// the drain goroutine's output deterministically.
type chanWriter struct {
	writes chan []byte
}

func newChanWriter() *chanWriter {
	return &chanWriter{writes: make(chan []byte, 64)}
}

func (w *chanWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.writes <- buf
	return len(p), nil
}

func (w *chanWriter) next(t *testing.T) []byte {
	t.Helper()
	select {
	case buf := <-w.writes:
		return buf
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport write")
		return nil
	}
}

// blockedWriter stalls every Write until released.
type blockedWriter struct {
	release chan struct{}
	once    sync.Once
}

func newBlockedWriter() *blockedWriter {
	return &blockedWriter{release: make(chan struct{})}
}

func (w *blockedWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func (w *blockedWriter) unblock() { w.once.Do(func() { close(w.release) }) }

type failingWriter struct{ err error }

func (w failingWriter) Write(p []byte) (int, error) { return 0, w.err }

func decodeOne(t *testing.T, buf []byte) wire.Request {
	t.Helper()
	req, n, err := wire.NewCodec().DecodeRequest(buf)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decoded %d of %d bytes", n, len(buf))
	}
	return req
}

func TestDispatcherLogReachesTransport(t *testing.T) {
	tr := newChanWriter()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	if err := dp.Log(wire.LevelWarn, "disk nearly full"); err != nil {
		t.Fatalf("Log: %v", err)
	}

	req := decodeOne(t, tr.next(t))
	if req.Method != wire.MethodLog || req.Level != wire.LevelWarn {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Payload != "disk nearly full" {
		t.Fatalf("payload = %q", req.Payload)
	}
}

func TestDispatcherLogDoesNotBlock(t *testing.T) {
	tr := newBlockedWriter()
	defer tr.unblock()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			dp.Log(wire.LevelInfo, "queued while transport stalls")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a stalled transport")
	}
}

func TestDispatcherCallSuccess(t *testing.T) {
	tr := newChanWriter()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	errc := make(chan error, 1)
	go func() { errc <- dp.Call(context.Background(), wire.MethodFlush) }()

	req := decodeOne(t, tr.next(t))
	if req.Method != wire.MethodFlush {
		t.Fatalf("method = %v", req.Method)
	}
	dp.HandleResponse(wire.Response{ID: req.ID, Method: req.Method, Level: req.Level, Success: true})

	if err := <-errc; err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestDispatcherCallRejected(t *testing.T) {
	tr := newChanWriter()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	errc := make(chan error, 1)
	go func() { errc <- dp.Call(context.Background(), wire.MethodReload) }()

	req := decodeOne(t, tr.next(t))
	dp.HandleResponse(wire.Response{ID: req.ID, Method: req.Method, Level: req.Level, Success: false})

	err := <-errc
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestDispatcherCallTimeout(t *testing.T) {
	stats := metrics.NewCollector("producer", "test")
	tr := newChanWriter()
	dp := NewDispatcher(tr,
		WithCallTimeout(50*time.Millisecond),
		WithDispatcherStats(stats),
	)
	defer dp.Terminate(ErrNotRunning)

	err := dp.Call(context.Background(), wire.MethodFlush)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if got := stats.Snapshot().CallTimeouts; got != 1 {
		t.Fatalf("CallTimeouts = %d, want 1", got)
	}

	// The late response must be ignored, not panic or leak.
	req := decodeOne(t, tr.next(t))
	dp.HandleResponse(wire.Response{ID: req.ID, Method: req.Method, Level: req.Level, Success: true})
}

func TestDispatcherCallContextCancel(t *testing.T) {
	tr := newBlockedWriter()
	defer tr.unblock()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- dp.Call(ctx, wire.MethodFlush) }()

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDispatcherTerminateRejectsPending(t *testing.T) {
	tr := newBlockedWriter()
	defer tr.unblock()
	dp := NewDispatcher(tr)

	const pending = 5
	errc := make(chan error, pending)
	for i := 0; i < pending; i++ {
		go func() { errc <- dp.Call(context.Background(), wire.MethodFlush) }()
	}
	// Let the calls register before terminating.
	for {
		dp.mu.Lock()
		n := len(dp.pending)
		dp.mu.Unlock()
		if n == pending {
			break
		}
		time.Sleep(time.Millisecond)
	}

	tr.unblock()
	dp.Terminate(ErrSidecarTerminated)

	for i := 0; i < pending; i++ {
		if err := <-errc; !errors.Is(err, ErrSidecarTerminated) {
			t.Fatalf("pending call %d: expected ErrSidecarTerminated, got %v", i, err)
		}
	}
	if err := dp.Log(wire.LevelInfo, "after the fact"); !errors.Is(err, ErrSidecarTerminated) {
		t.Fatalf("Log after terminate: %v", err)
	}
	if err := dp.Call(context.Background(), wire.MethodFlush); !errors.Is(err, ErrSidecarTerminated) {
		t.Fatalf("Call after terminate: %v", err)
	}
}

func TestDispatcherQueueDropsOldest(t *testing.T) {
	stats := metrics.NewCollector("producer", "test")
	tr := newBlockedWriter()
	dp := NewDispatcher(tr,
		WithQueueCapacity(4),
		WithDispatcherStats(stats),
	)
	defer func() {
		tr.unblock()
		dp.Terminate(ErrNotRunning)
	}()

	for i := 0; i < 10; i++ {
		dp.Log(wire.LevelInfo, "overflow")
	}

	// One entry may have been handed to the stalled writer already, so
	// the queue holds at most its capacity and drops cover the rest.
	if depth := dp.QueueDepth(); depth > 4 {
		t.Fatalf("queue depth = %d, want <= 4", depth)
	}
	if drops := stats.Snapshot().QueueDrops; drops < 5 {
		t.Fatalf("QueueDrops = %d, want >= 5", drops)
	}

	select {
	case err := <-dp.Errors():
		if !strings.Contains(err.Error(), "queue full") {
			t.Fatalf("unexpected error %v", err)
		}
	default:
		t.Fatal("expected a drop report on Errors")
	}
}

func TestDispatcherWriteErrorSurfaces(t *testing.T) {
	cause := errors.New("broken pipe")
	dp := NewDispatcher(failingWriter{err: cause})
	defer dp.Terminate(ErrSidecarTerminated)

	if err := dp.Log(wire.LevelInfo, "doomed"); err != nil {
		t.Fatalf("Log: %v", err)
	}

	select {
	case err := <-dp.Errors():
		if !errors.Is(err, cause) {
			t.Fatalf("expected wrapped %v, got %v", cause, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write error never surfaced")
	}
}

func TestDispatcherIDWrap(t *testing.T) {
	tr := newChanWriter()
	dp := NewDispatcher(tr)
	defer dp.Terminate(ErrNotRunning)

	dp.mu.Lock()
	dp.nextID = idWrapLimit - 1
	dp.mu.Unlock()

	want := []uint32{idWrapLimit, 1, 2}
	for _, id := range want {
		dp.Log(wire.LevelInfo, "tick")
		req := decodeOne(t, tr.next(t))
		if req.ID != id {
			t.Fatalf("id = %d, want %d", req.ID, id)
		}
	}
}

func TestDispatcherLateResponseForUnknownID(t *testing.T) {
	dp := NewDispatcher(newChanWriter())
	defer dp.Terminate(ErrNotRunning)

	// Must not panic or block.
	dp.HandleResponse(wire.Response{ID: 99999, Method: wire.MethodFlush, Level: wire.LevelInfo, Success: true})
}

func TestDispatcherResetRevives(t *testing.T) {
	tr1 := newChanWriter()
	dp := NewDispatcher(tr1)
	dp.Terminate(ErrSidecarTerminated)

	tr2 := newChanWriter()
	dp.Reset(tr2)
	defer dp.Terminate(ErrNotRunning)

	if err := dp.Log(wire.LevelInfo, "second life"); err != nil {
		t.Fatalf("Log after Reset: %v", err)
	}
	req := decodeOne(t, tr2.next(t))
	if req.Payload != "second life" {
		t.Fatalf("payload = %q", req.Payload)
	}
}
