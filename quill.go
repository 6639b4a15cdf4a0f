// Package quill is a process-local logging pipeline: a lightweight
// in-process logger hands formatted lines to an out-of-process sidecar
// that batches and persists them to rotating daily files. The pieces
// are split so a crashing host process cannot corrupt a half-written
// log file, and so file IO never stalls the host's hot path.
//
// Typical use:
//
//	lg, err := quill.New(quill.WithDir("/var/log/myapp"))
//	if err != nil { ... }
//	defer lg.Close()
//
//	lg.Info("service started")
//	lg.Warn("cache miss rate above threshold")
package quill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"

	"github.com/justapithecus/quill/client"
	"github.com/justapithecus/quill/config"
	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

// DefaultSidecarPath is the sidecar binary launched when no explicit
// path is configured; it is resolved via PATH.
const DefaultSidecarPath = "quill-sidecar"

// lineTimeFormat renders timestamps in UTC with millisecond precision.
const lineTimeFormat = "2006-01-02T15:04:05.000Z"

// truncationMarker replaces the tail of a message too large for the
// wire payload bound.
const truncationMarker = "...(truncated)"

// Logger is the public producer handle. All methods are safe for
// concurrent use.
type Logger struct {
	sup *client.Supervisor
	dp  *client.Dispatcher

	minSeverity int
	now         func() time.Time
}

type options struct {
	dir         string
	sidecarPath string
	minLevel    wire.Level
	logger      *diag.Logger
	stats       *metrics.Collector
	dispOpts    []client.DispatcherOption

	flushBytes    int
	flushLines    int
	flushInterval time.Duration
	rotateBytes   int64
	compress      bool
}

// Option adjusts Logger construction.
type Option func(*options)

// WithDir sets the directory the sidecar writes log files into.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithSidecarPath overrides the sidecar binary location.
func WithSidecarPath(path string) Option {
	return func(o *options) { o.sidecarPath = path }
}

// WithMinLevel sets the producer-side threshold: lines ranking below it
// are discarded before any request is constructed.
func WithMinLevel(level wire.Level) Option {
	return func(o *options) { o.minLevel = level }
}

// WithDiagnostics attaches a diagnostic logger for operational events.
func WithDiagnostics(l *diag.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStats attaches a metrics collector shared across the pipeline's
// producer side.
func WithStats(c *metrics.Collector) Option {
	return func(o *options) { o.stats = c }
}

// WithCallTimeout bounds awaited control calls (flush, reload, shutdown).
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dispOpts = append(o.dispOpts, client.WithCallTimeout(d))
	}
}

// WithQueueCapacity bounds the producer's write queue.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		o.dispOpts = append(o.dispOpts, client.WithQueueCapacity(n))
	}
}

// WithFlushBytes sets the sidecar's buffered-byte flush threshold.
func WithFlushBytes(n int) Option {
	return func(o *options) { o.flushBytes = n }
}

// WithFlushLines sets the sidecar's buffered-line flush ceiling.
func WithFlushLines(n int) Option {
	return func(o *options) { o.flushLines = n }
}

// WithFlushInterval sets the sidecar's flush-delay timer.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

// WithRotateBytes sets the sidecar's size-rotation threshold.
func WithRotateBytes(n int64) Option {
	return func(o *options) { o.rotateBytes = n }
}

// WithCompression enables gzip compression of rotated-out files.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}

// FromConfig maps a loaded configuration file onto options. Explicit
// options passed after it override the file's values.
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg.Dir != "" {
			o.dir = cfg.Dir
		}
		if cfg.Sidecar.Path != "" {
			o.sidecarPath = cfg.Sidecar.Path
		}
		if level, err := cfg.Level(); err == nil {
			o.minLevel = level
		}
		o.flushBytes = cfg.Sidecar.FlushBytes
		o.flushLines = cfg.Sidecar.FlushLines
		o.flushInterval = cfg.Sidecar.FlushInterval.Duration
		o.rotateBytes = cfg.Sidecar.RotateBytes
		o.compress = cfg.Sidecar.Compress
		o.dispOpts = append(o.dispOpts,
			client.WithCallTimeout(cfg.CallTimeout()),
			client.WithQueueCapacity(cfg.QueueCapacity()),
		)
	}
}

// New spawns the sidecar process and returns a ready Logger.
func New(opts ...Option) (*Logger, error) {
	o := options{
		sidecarPath: DefaultSidecarPath,
		minLevel:    wire.LevelInfo,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		return nil, errors.New("log directory not configured")
	}

	args := []string{"serve", "--dir", o.dir}
	if o.flushBytes > 0 {
		args = append(args, "--flush-bytes", strconv.Itoa(o.flushBytes))
	}
	if o.flushLines > 0 {
		args = append(args, "--flush-lines", strconv.Itoa(o.flushLines))
	}
	if o.flushInterval > 0 {
		args = append(args, "--flush-interval", o.flushInterval.String())
	}
	if o.rotateBytes > 0 {
		args = append(args, "--rotate-bytes", strconv.FormatInt(o.rotateBytes, 10))
	}
	if o.compress {
		args = append(args, "--compress")
	}

	supOpts := []client.SupervisorOption{
		client.WithSupervisorLogger(o.logger),
		client.WithDispatcherOptions(append(o.dispOpts, client.WithDispatcherLogger(o.logger))...),
	}
	if o.stats != nil {
		supOpts = append(supOpts, client.WithSupervisorStats(o.stats))
	}

	sup := client.NewSupervisor(o.sidecarPath, args, supOpts...)
	if err := sup.Start(); err != nil {
		return nil, fmt.Errorf("spawn sidecar: %w", err)
	}

	return &Logger{
		sup:         sup,
		dp:          sup.Dispatcher(),
		minSeverity: o.minLevel.Severity(),
		now:         time.Now,
	}, nil
}

// newWithDispatcher binds a Logger to an existing dispatcher, bypassing
// process supervision. Used by in-package tests.
func newWithDispatcher(dp *client.Dispatcher, min wire.Level) *Logger {
	return &Logger{dp: dp, minSeverity: min.Severity(), now: time.Now}
}

// Log formats msg into a timestamped line and enqueues it at the given
// level. Lines below the minimum level are discarded without cost; the
// call never waits for the sidecar.
func (l *Logger) Log(level wire.Level, msg string) error {
	sev := level.Severity()
	if sev >= 0 && sev < l.minSeverity {
		return nil
	}
	// Unknown levels fall through so encoding rejects them loudly.
	return l.dp.Log(level, formatLine(l.now().UTC(), level, msg))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string) error { return l.Log(wire.LevelDebug, msg) }

// Info logs at INFO level.
func (l *Logger) Info(msg string) error { return l.Log(wire.LevelInfo, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string) error { return l.Log(wire.LevelWarn, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string) error { return l.Log(wire.LevelError, msg) }

// Fatal logs at FATAL level and forces a flush, so the line reaches
// disk before the host process presumably dies. It does not exit.
func (l *Logger) Fatal(msg string) error {
	if err := l.Log(wire.LevelFatal, msg); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultCallTimeout)
	defer cancel()
	return l.Flush(ctx)
}

// Flush asks the sidecar to persist everything buffered and waits for
// the acknowledgement.
func (l *Logger) Flush(ctx context.Context) error {
	return l.dp.Call(ctx, wire.MethodFlush)
}

// Reload asks the sidecar to reopen its output file, for coordination
// with external log shippers that move files out from under it.
func (l *Logger) Reload(ctx context.Context) error {
	return l.dp.Call(ctx, wire.MethodReload)
}

// Shutdown asks the sidecar to flush, close its file, and exit. The
// Logger is unusable afterwards.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.sup != nil {
		l.sup.ExpectExit()
	}
	return l.dp.Call(ctx, wire.MethodShutdown)
}

// Errors exposes asynchronous failures: dropped lines, transport
// errors, sidecar death.
func (l *Logger) Errors() <-chan error {
	return l.dp.Errors()
}

// Close shuts the sidecar down and reaps the process. Errors from the
// shutdown call and the process exit are aggregated. Safe to call
// after an explicit Shutdown.
func (l *Logger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultCallTimeout)
	defer cancel()

	var errs error
	if err := l.Shutdown(ctx); err != nil && !errors.Is(err, client.ErrNotRunning) {
		errs = multierr.Append(errs, err)
	}
	if l.sup != nil {
		if err := l.sup.Wait(); err != nil && !errors.Is(err, client.ErrNotRunning) {
			errs = multierr.Append(errs, fmt.Errorf("sidecar exit: %w", err))
		}
	} else {
		l.dp.Terminate(client.ErrNotRunning)
	}
	return errs
}

// formatLine renders the single wire payload: UTC timestamp, level
// name, message. Oversized messages are cut at a rune boundary and
// marked, so the line still fits the payload bound.
func formatLine(ts time.Time, level wire.Level, msg string) string {
	prefix := ts.Format(lineTimeFormat) + " " + level.String() + " "
	budget := wire.MaxPayloadSize - len(prefix)
	if len(msg) <= budget {
		return prefix + msg
	}

	keep := budget - len(truncationMarker)
	for keep > 0 && !utf8.RuneStart(msg[keep]) {
		keep--
	}
	return prefix + msg[:keep] + truncationMarker
}
