package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/quill/wire"
)

func newTestWriter(sink Sink, cfg Config) *Writer {
	return NewWriter(sink, nil, cfg, nil, nil)
}

func logRequest(id uint32, payload string) wire.Request {
	return wire.Request{ID: id, Method: wire.MethodLog, Level: wire.LevelInfo, Payload: payload}
}

func controlRequest(id uint32, method wire.Method) wire.Request {
	return wire.Request{ID: id, Method: method, Level: wire.LevelInfo}
}

// N LOGs below the threshold followed by one FLUSH must produce exactly one
// write containing all payloads in submission order, leaving the buffer empty.
func TestWriterBatchesUntilFlush(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000})

	const n = 10
	for i := 0; i < n; i++ {
		resp := w.Handle(logRequest(uint32(i+1), fmt.Sprintf("line-%d", i)))
		if !resp.Success {
			t.Fatalf("LOG %d not accepted", i)
		}
	}
	if len(sink.Batches) != 0 {
		t.Fatalf("sink received %d writes before FLUSH, want 0", len(sink.Batches))
	}

	resp := w.Handle(controlRequest(100, wire.MethodFlush))
	if !resp.Success {
		t.Fatal("FLUSH failed")
	}

	if len(sink.Batches) != 1 {
		t.Fatalf("sink received %d writes, want exactly 1", len(sink.Batches))
	}
	var want bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&want, "line-%d\n", i)
	}
	if !bytes.Equal(sink.Batches[0], want.Bytes()) {
		t.Errorf("batch = %q, want %q", sink.Batches[0], want.Bytes())
	}
	if w.BufferedLines() != 0 {
		t.Errorf("BufferedLines = %d after flush, want 0", w.BufferedLines())
	}
}

func TestWriterFlushesOnByteThreshold(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 32, FlushLines: 1000})

	w.Handle(logRequest(1, strings.Repeat("a", 40)))

	if len(sink.Batches) != 1 {
		t.Fatalf("sink received %d writes, want 1 (threshold crossed)", len(sink.Batches))
	}
	if w.BufferedLines() != 0 {
		t.Errorf("BufferedLines = %d, want 0", w.BufferedLines())
	}
}

func TestWriterFlushesOnLineThreshold(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 3})

	w.Handle(logRequest(1, "a"))
	w.Handle(logRequest(2, "b"))
	if len(sink.Batches) != 0 {
		t.Fatal("flushed before line threshold")
	}
	w.Handle(logRequest(3, "c"))
	if len(sink.Batches) != 1 {
		t.Fatalf("sink received %d writes, want 1", len(sink.Batches))
	}
	if got := string(sink.Batches[0]); got != "a\nb\nc\n" {
		t.Errorf("batch = %q, want %q", got, "a\nb\nc\n")
	}
}

func TestWriterTimerFlush(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000, FlushInterval: 10 * time.Millisecond})

	w.Handle(logRequest(1, "delayed"))
	if len(sink.Batches) != 0 {
		t.Fatal("flushed before timer fired")
	}

	select {
	case <-w.TimerC():
		w.HandleTimer()
	case <-time.After(time.Second):
		t.Fatal("flush timer never fired")
	}

	if len(sink.Batches) != 1 || string(sink.Batches[0]) != "delayed\n" {
		t.Fatalf("batches = %q, want [%q]", sink.Batches, "delayed\n")
	}
}

// Arming the timer while it is already armed must not reset the deadline:
// a steady trickle of LOGs still flushes within one interval.
func TestWriterTimerRearmIsNoop(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000, FlushInterval: 30 * time.Millisecond})

	deadline := time.After(time.Second)
	fired := false
	for i := 0; !fired; i++ {
		w.Handle(logRequest(uint32(i+1), "tick"))
		select {
		case <-w.TimerC():
			w.HandleTimer()
			fired = true
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timer starved by repeated LOG requests")
		}
	}

	if len(sink.Batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.Batches))
	}
}

func TestWriterReloadSwapsHandle(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000})
	w.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }

	w.Handle(logRequest(1, "before"))
	resp := w.Handle(controlRequest(2, wire.MethodReload))
	if !resp.Success {
		t.Fatal("RELOAD failed")
	}

	// Buffered line flushed before the swap; nothing lost across the two.
	if got := string(sink.Joined()); got != "before\n" {
		t.Errorf("written = %q, want %q", got, "before\n")
	}
	if len(sink.Swaps) != 1 || sink.Swaps[0] != "2026-08-30.log" {
		t.Errorf("Swaps = %v, want [2026-08-30.log]", sink.Swaps)
	}
	if w.State() != StateOpen {
		t.Errorf("State = %v after RELOAD, want open", w.State())
	}
}

func TestWriterDayChangeRollsFile(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000})

	day := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	w.now = func() time.Time { return day }

	w.Handle(logRequest(1, "old day"))
	w.Handle(controlRequest(2, wire.MethodFlush))

	day = time.Date(2026, 8, 31, 0, 0, 1, 0, time.UTC)
	w.Handle(logRequest(3, "new day"))
	w.Handle(controlRequest(4, wire.MethodFlush))

	if len(sink.Swaps) != 1 || sink.Swaps[0] != "2026-08-31.log" {
		t.Fatalf("Swaps = %v, want [2026-08-31.log]", sink.Swaps)
	}
	if got := string(sink.Joined()); got != "old day\nnew day\n" {
		t.Errorf("written = %q, want %q", got, "old day\nnew day\n")
	}
}

func TestWriterSizeRotation(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000, RotateBytes: 16})
	w.now = func() time.Time { return time.Date(2026, 8, 30, 14, 22, 33, 0, time.UTC) }

	// Fill past the rotation threshold, flushed to disk.
	w.Handle(logRequest(1, strings.Repeat("x", 20)))
	w.Handle(controlRequest(2, wire.MethodFlush))
	if len(sink.Rotations) != 0 {
		t.Fatal("rotated before threshold exceeded")
	}

	// Next LOG sees the oversized file and rotates before appending.
	w.Handle(logRequest(3, "fresh"))
	if len(sink.Rotations) != 1 {
		t.Fatalf("Rotations = %d, want 1", len(sink.Rotations))
	}
	if sink.Rotations[0] != [2]string{"2026-08-30_142233.log", "2026-08-30.log"} {
		t.Errorf("Rotation = %v, want renamed-with-timestamp then reopen day file", sink.Rotations[0])
	}
}

func TestWriterShutdown(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000})

	w.Handle(logRequest(1, "last words"))
	resp := w.Handle(controlRequest(2, wire.MethodShutdown))
	if !resp.Success {
		t.Fatal("SHUTDOWN failed")
	}
	if w.State() != StateClosed {
		t.Fatalf("State = %v, want closed", w.State())
	}
	if !sink.Closed {
		t.Error("sink not closed on SHUTDOWN")
	}
	if got := string(sink.Joined()); got != "last words\n" {
		t.Errorf("written = %q, want %q", got, "last words\n")
	}

	// Nothing is processed after SHUTDOWN is accepted.
	after := w.Handle(logRequest(3, "too late"))
	if after.Success {
		t.Error("LOG accepted after shutdown")
	}
	if len(sink.Batches) != 1 {
		t.Errorf("writes after shutdown: %d", len(sink.Batches)-1)
	}
}

func TestWriterUnknownMethod(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	w := newTestWriter(sink, Config{})

	resp := w.Handle(wire.Request{ID: 9, Method: 0x7E, Level: wire.LevelInfo})
	if resp.Success {
		t.Error("unknown method acknowledged with success")
	}
	if resp.ID != 9 {
		t.Errorf("response ID = %d, want 9", resp.ID)
	}
	if w.State() != StateOpen {
		t.Errorf("State = %v after unknown method, want open", w.State())
	}
}

// A disk write failure drops the buffered batch and keeps the writer serving.
func TestWriterWriteErrorDropsBatch(t *testing.T) {
	sink := NewStubSink("2026-08-30.log")
	sink.ErrOnWrite = errors.New("disk full")
	w := newTestWriter(sink, Config{FlushBytes: 1 << 20, FlushLines: 1000})

	w.Handle(logRequest(1, "doomed"))
	resp := w.Handle(controlRequest(2, wire.MethodFlush))
	if resp.Success {
		t.Error("FLUSH reported success despite write error")
	}
	if w.BufferedLines() != 0 {
		t.Errorf("BufferedLines = %d, want 0 (batch dropped)", w.BufferedLines())
	}
	if w.State() != StateOpen {
		t.Fatalf("State = %v, want open (write errors are not fatal)", w.State())
	}

	// Recovery: once the disk accepts writes again, new lines flow.
	sink.ErrOnWrite = nil
	w.Handle(logRequest(3, "recovered"))
	w.Handle(controlRequest(4, wire.MethodFlush))
	if got := string(sink.Joined()); got != "recovered\n" {
		t.Errorf("written = %q, want %q", got, "recovered\n")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.FlushBytes != DefaultFlushBytes {
		t.Errorf("FlushBytes = %d, want %d", cfg.FlushBytes, DefaultFlushBytes)
	}
	if cfg.FlushLines != DefaultFlushLines {
		t.Errorf("FlushLines = %d, want %d", cfg.FlushLines, DefaultFlushLines)
	}
	if cfg.FlushInterval != DefaultFlushInterval {
		t.Errorf("FlushInterval = %v, want %v", cfg.FlushInterval, DefaultFlushInterval)
	}
	if cfg.RotateBytes != DefaultRotateBytes {
		t.Errorf("RotateBytes = %d, want %d", cfg.RotateBytes, DefaultRotateBytes)
	}

	custom := Config{FlushBytes: 10, FlushLines: 2, FlushInterval: time.Second, RotateBytes: 99}.WithDefaults()
	if custom.FlushBytes != 10 || custom.FlushLines != 2 || custom.FlushInterval != time.Second || custom.RotateBytes != 99 {
		t.Errorf("explicit config overridden: %+v", custom)
	}
}
