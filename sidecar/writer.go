package sidecar

import (
	"bytes"
	"time"

	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

// State is the writer's lifecycle state.
type State int

const (
	// StateOpen means the writer holds a live file handle and accepts requests.
	StateOpen State = iota
	// StateClosing means a SHUTDOWN is draining the buffer.
	StateClosing
	// StateClosed is terminal; no further requests are processed.
	StateClosed
)

// String returns the state name for diagnostics.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures the writer state machine.
//
// Flush policy: the buffer is drained immediately when either FlushBytes
// or FlushLines is crossed; otherwise a single flush-delay timer of
// FlushInterval is armed (arming while already armed is a no-op). Byte size
// is the primary threshold, the line count a secondary ceiling.
type Config struct {
	// Dir is the log directory.
	Dir string
	// FlushBytes drains the buffer when buffered bytes reach this many.
	FlushBytes int
	// FlushLines drains the buffer when it holds this many lines.
	FlushLines int
	// FlushInterval is the flush-delay timer duration.
	FlushInterval time.Duration
	// RotateBytes rotates the active file when it exceeds this size.
	RotateBytes int64
	// Compress gzips rotated-out files.
	Compress bool
}

// Flush policy defaults.
const (
	DefaultFlushBytes    = 64 * 1024
	DefaultFlushLines    = 256
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultRotateBytes   = 64 * 1024 * 1024
)

// WithDefaults returns the config with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.FlushBytes <= 0 {
		c.FlushBytes = DefaultFlushBytes
	}
	if c.FlushLines <= 0 {
		c.FlushLines = DefaultFlushLines
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RotateBytes <= 0 {
		c.RotateBytes = DefaultRotateBytes
	}
	return c
}

// flushTrigger classifies what caused a flush, for metrics.
type flushTrigger int

const (
	triggerThreshold flushTrigger = iota
	triggerTimer
	triggerExplicit
)

// Writer is the sidecar's state machine. It owns the write buffer, the
// flush-delay timer, and (through its Sink) the active file handle.
//
// Writer is not safe for concurrent use: it is entered only from the serve
// loop's single goroutine, which is the design that makes locking
// unnecessary. Constructed once at process start and passed into the loop
// explicitly rather than living as package state.
type Writer struct {
	cfg      Config
	sink     Sink
	manifest *Manifest
	logger   *diag.Logger
	stats    *metrics.Collector

	state       State
	buf         bytes.Buffer
	bufLines    int
	linesInFile int64

	timer       *time.Timer
	timerActive bool

	// now is the clock, injectable for day-change tests.
	now func() time.Time
}

// NewWriter creates a writer draining into sink. manifest, logger and stats
// may be nil.
func NewWriter(sink Sink, manifest *Manifest, cfg Config, logger *diag.Logger, stats *metrics.Collector) *Writer {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	return &Writer{
		cfg:      cfg.WithDefaults(),
		sink:     sink,
		manifest: manifest,
		logger:   logger,
		stats:    stats,
		state:    StateOpen,
		timer:    timer,
		now:      time.Now,
	}
}

// State returns the writer's lifecycle state.
func (w *Writer) State() State { return w.state }

// BufferedLines returns the number of lines awaiting flush.
func (w *Writer) BufferedLines() int { return w.bufLines }

// TimerC exposes the flush-delay timer channel for the serve loop's select.
func (w *Writer) TimerC() <-chan time.Time { return w.timer.C }

// HandleTimer runs the timer-triggered flush. Called by the serve loop when
// TimerC fires.
func (w *Writer) HandleTimer() {
	w.timerActive = false
	if w.state != StateOpen {
		return
	}
	_ = w.flush(triggerTimer)
}

// Handle processes one decoded request and returns its response.
// Exactly one response is produced per request, including failures.
func (w *Writer) Handle(req wire.Request) wire.Response {
	resp := wire.Response{ID: req.ID, Method: req.Method, Level: req.Level}

	if w.state == StateClosed {
		return resp
	}

	switch req.Method {
	case wire.MethodLog:
		resp.Success = w.handleLog(req)
	case wire.MethodFlush:
		resp.Success = w.handleFlush()
	case wire.MethodReload:
		resp.Success = w.handleReload()
	case wire.MethodShutdown:
		resp.Success = w.handleShutdown()
	default:
		// Structurally valid but unrecognized method: refuse, keep serving.
		w.logger.Warn("unrecognized method", map[string]any{
			"method": uint8(req.Method),
			"id":     req.ID,
		})
	}
	return resp
}

// handleLog appends the payload to the write buffer. Success acknowledges
// acceptance into the buffer, not durability; only a FLUSH response means
// bytes were handed to the OS.
func (w *Writer) handleLog(req wire.Request) bool {
	if w.state != StateOpen {
		return false
	}

	w.maybeRotate()

	w.buf.WriteString(req.Payload)
	w.buf.WriteByte('\n')
	w.bufLines++
	w.stats.IncLinesAccepted()

	if w.buf.Len() >= w.cfg.FlushBytes || w.bufLines >= w.cfg.FlushLines {
		_ = w.flush(triggerThreshold)
	} else {
		w.scheduleFlush()
	}
	return true
}

// handleFlush force-drains the buffer. The response is sent only after the
// OS write call returns, so success here is a stronger guarantee than a LOG
// acknowledgment.
func (w *Writer) handleFlush() bool {
	if w.state != StateOpen {
		return false
	}
	return w.flush(triggerExplicit) == nil
}

// handleReload flushes, closes the current handle, and opens the current
// rotation target (the date-based name, which may have changed since the
// file was opened). Externally this is an OPEN -> OPEN transition.
func (w *Writer) handleReload() bool {
	if w.state != StateOpen {
		return false
	}

	_ = w.flush(triggerExplicit)

	next := dayFileName(w.now())
	if err := w.sink.Swap(next); err != nil {
		w.logger.Error("reload failed", map[string]any{"error": err.Error()})
		return false
	}
	w.linesInFile = 0
	w.stats.IncRotation()
	w.logger.Info("reloaded log file", map[string]any{"file": next})
	return true
}

// handleShutdown drains, closes the handle, and moves to the terminal state.
func (w *Writer) handleShutdown() bool {
	if w.state != StateOpen {
		return false
	}

	w.state = StateClosing
	_ = w.flush(triggerExplicit)
	if err := w.sink.Close(); err != nil {
		w.logger.Error("close on shutdown failed", map[string]any{"error": err.Error()})
	}
	w.state = StateClosed
	return true
}

// Close releases the writer outside the SHUTDOWN path (producer hangup,
// context cancellation). Drains the buffer best-effort.
func (w *Writer) Close() error {
	if w.state == StateClosed {
		return nil
	}
	w.state = StateClosing
	_ = w.flush(triggerExplicit)
	err := w.sink.Close()
	w.state = StateClosed
	return err
}

// maybeRotate rotates the active file before the next append when it has
// outgrown RotateBytes or the UTC day has changed. Size rotation renames the
// old file with a timestamp suffix; a day change just opens the new date
// name, so nothing needs renaming.
func (w *Writer) maybeRotate() {
	now := w.now()

	if w.sink.Size() > w.cfg.RotateBytes {
		w.rotateBySize(now)
		return
	}

	if day := dayFileName(now); day != w.sink.Name() {
		_ = w.flush(triggerExplicit)
		if err := w.sink.Swap(day); err != nil {
			w.logger.Error("day rollover failed", map[string]any{"error": err.Error()})
			return
		}
		w.linesInFile = 0
		w.stats.IncRotation()
		w.logger.Info("rolled to new day file", map[string]any{"file": day})
	}
}

func (w *Writer) rotateBySize(now time.Time) {
	// Buffered lines belong to the outgoing file.
	_ = w.flush(triggerExplicit)

	size := w.sink.Size()
	lines := w.linesInFile
	final, err := w.sink.Rotate(rotatedFileName(now), dayFileName(now))
	if err != nil {
		w.logger.Error("size rotation failed", map[string]any{"error": err.Error()})
		return
	}
	w.linesInFile = 0
	w.stats.IncRotation()
	w.logger.Info("rotated log file", map[string]any{"rotated": final, "bytes": size})

	if w.manifest != nil {
		entry := ManifestEntry{File: final, Bytes: size, Lines: lines, RotatedAt: now.UTC()}
		if err := w.manifest.Append(entry); err != nil {
			w.logger.Warn("manifest update failed", map[string]any{"error": err.Error()})
		}
	}
}

// flush drains the buffer to the sink in a single write. On write error the
// buffered lines are dropped (best-effort durability) and the sidecar keeps
// serving. The buffer is empty after flush regardless of outcome, and the
// pending timer is cancelled.
func (w *Writer) flush(trigger flushTrigger) error {
	w.cancelTimer()

	if w.buf.Len() == 0 {
		return nil
	}

	lines := int64(w.bufLines)
	err := w.sink.WriteBatch(w.buf.Bytes())
	w.buf.Reset()
	w.bufLines = 0

	if err != nil {
		w.stats.IncWriteError()
		w.stats.AddLinesDropped(lines)
		w.logger.Error("flush write failed", map[string]any{
			"error": err.Error(),
			"lines": lines,
		})
		return err
	}

	w.linesInFile += lines
	w.stats.AddLinesWritten(lines)
	switch trigger {
	case triggerThreshold:
		w.stats.IncFlushThreshold()
	case triggerTimer:
		w.stats.IncFlushTimer()
	default:
		w.stats.IncFlushExplicit()
	}
	return nil
}

// scheduleFlush arms the flush-delay timer. A single timer instance exists;
// arming while armed is a no-op.
func (w *Writer) scheduleFlush() {
	if w.timerActive {
		return
	}
	w.timer.Reset(w.cfg.FlushInterval)
	w.timerActive = true
}

// cancelTimer stops a pending flush timer and drains its channel if it
// already fired.
func (w *Writer) cancelTimer() {
	if !w.timerActive {
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timerActive = false
}
