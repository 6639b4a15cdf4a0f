package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

const (
	// DefaultCallTimeout bounds how long an awaited control call waits
	// for its acknowledgement before giving up.
	DefaultCallTimeout = 4 * time.Second

	// DefaultQueueCapacity bounds the number of encoded requests held
	// while the transport is busy.
	DefaultQueueCapacity = 1024

	// idWrapLimit is the largest request id handed out before the
	// counter resets to 1. Ids only need to be unique among in-flight
	// requests, so a small cycle keeps them readable in diagnostics.
	idWrapLimit = 1_000_000

	errBacklog = 16
)

// pendingCall tracks a control request awaiting its response.
type pendingCall struct {
	result chan wire.Response
}

// Dispatcher encodes requests, queues them for a transport, and
// correlates responses back to their callers. Log requests are
// fire-and-forget; control requests (flush, reload, shutdown) are
// awaited via Call.
//
// A single writer goroutine drains the queue so the caller's hot path
// never blocks on the pipe.
type Dispatcher struct {
	codec  *wire.Codec
	logger *diag.Logger
	stats  *metrics.Collector

	callTimeout time.Duration

	mu         sync.Mutex
	transport  io.Writer
	queue      *writeQueue
	pending    map[uint32]*pendingCall
	nextID     uint32
	terminated error

	notify chan struct{}
	done   chan struct{}
	errs   chan error

	wg sync.WaitGroup
}

// DispatcherOption adjusts Dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithCallTimeout overrides the default awaited-call timeout.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.callTimeout = d
		}
	}
}

// WithQueueCapacity overrides the default write queue capacity.
func WithQueueCapacity(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.queue = newWriteQueue(n)
		}
	}
}

// WithDispatcherLogger attaches a diagnostic logger.
func WithDispatcherLogger(l *diag.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// WithDispatcherStats attaches a metrics collector.
func WithDispatcherStats(c *metrics.Collector) DispatcherOption {
	return func(dp *Dispatcher) { dp.stats = c }
}

// NewDispatcher creates a dispatcher writing encoded requests to
// transport. The writer goroutine starts immediately.
func NewDispatcher(transport io.Writer, opts ...DispatcherOption) *Dispatcher {
	dp := &Dispatcher{
		codec:       wire.NewCodec(),
		callTimeout: DefaultCallTimeout,
		transport:   transport,
		queue:       newWriteQueue(DefaultQueueCapacity),
		pending:     make(map[uint32]*pendingCall),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		errs:        make(chan error, errBacklog),
	}
	for _, opt := range opts {
		opt(dp)
	}
	dp.wg.Add(1)
	go dp.drain()
	return dp
}

// Errors returns a channel carrying asynchronous dispatch failures:
// transport write errors, dropped queue entries, and late terminations.
// The channel is bounded; when full, further errors are discarded.
func (dp *Dispatcher) Errors() <-chan error { return dp.errs }

// Log enqueues a log request and returns immediately. The sidecar's
// acceptance acknowledgement is not awaited; delivery failures surface
// on Errors.
func (dp *Dispatcher) Log(level wire.Level, payload string) error {
	dp.mu.Lock()
	if dp.terminated != nil {
		err := dp.terminated
		dp.mu.Unlock()
		return err
	}
	req := wire.Request{ID: dp.allocateID(), Method: wire.MethodLog, Level: level, Payload: payload}
	buf, err := dp.codec.EncodeRequest(req)
	if err != nil {
		dp.mu.Unlock()
		return err
	}
	dp.enqueueLocked(buf)
	dp.mu.Unlock()
	return nil
}

// Call enqueues a control request and blocks until the sidecar
// acknowledges it, ctx is cancelled, or the call timeout elapses.
// A Success=false acknowledgement is reported as an error.
func (dp *Dispatcher) Call(ctx context.Context, method wire.Method) error {
	dp.mu.Lock()
	if dp.terminated != nil {
		err := dp.terminated
		dp.mu.Unlock()
		return err
	}
	id := dp.allocateID()
	req := wire.Request{ID: id, Method: method, Level: wire.LevelInfo}
	buf, err := dp.codec.EncodeRequest(req)
	if err != nil {
		dp.mu.Unlock()
		return err
	}
	call := &pendingCall{result: make(chan wire.Response, 1)}
	dp.pending[id] = call
	dp.enqueueLocked(buf)
	dp.mu.Unlock()

	timer := time.NewTimer(dp.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-call.result:
		if !resp.Success {
			return fmt.Errorf("sidecar rejected %s request", method)
		}
		return nil
	case <-ctx.Done():
		dp.forget(id)
		return ctx.Err()
	case <-timer.C:
		dp.forget(id)
		dp.stats.IncCallTimeout()
		return fmt.Errorf("%w: no %s acknowledgement within %s", ErrCallTimeout, method, dp.callTimeout)
	case <-dp.done:
		dp.mu.Lock()
		err := dp.terminated
		dp.mu.Unlock()
		if err == nil {
			err = ErrSidecarTerminated
		}
		return err
	}
}

// HandleResponse correlates a decoded response with its pending call.
// Responses for unknown ids carry no waiter: log acknowledgements are
// not tracked, and a late response may arrive after its caller timed
// out. A failed log acknowledgement still surfaces on Errors.
func (dp *Dispatcher) HandleResponse(resp wire.Response) {
	dp.stats.IncResponse()
	dp.mu.Lock()
	call, ok := dp.pending[resp.ID]
	if ok {
		delete(dp.pending, resp.ID)
	}
	dp.mu.Unlock()
	if ok {
		call.result <- resp
		return
	}
	if !resp.Success && resp.Method == wire.MethodLog {
		dp.reportErr(fmt.Errorf("sidecar refused log request %d", resp.ID))
	}
}

// Terminate marks the dispatcher dead, rejects every pending call with
// cause, and discards the queue. Further Log and Call attempts fail
// with the same cause. Idempotent.
func (dp *Dispatcher) Terminate(cause error) {
	if cause == nil {
		cause = ErrSidecarTerminated
	}
	dp.mu.Lock()
	if dp.terminated != nil {
		dp.mu.Unlock()
		return
	}
	dp.terminated = cause
	rejected := len(dp.pending)
	dp.pending = make(map[uint32]*pendingCall)
	dp.queue.clear()
	dp.mu.Unlock()

	close(dp.done)
	dp.wg.Wait()

	if rejected > 0 {
		dp.logger.Warn("terminated with pending calls", map[string]any{
			"pending": rejected,
			"cause":   cause.Error(),
		})
	}
	// A clean stop is not an error worth surfacing.
	if cause != ErrNotRunning {
		dp.reportErr(cause)
	}
}

// Reset revives a terminated dispatcher against a fresh transport,
// typically after the sidecar process is respawned. Pending state and
// queued messages from the previous incarnation are gone by then.
func (dp *Dispatcher) Reset(transport io.Writer) {
	dp.wg.Wait()
	dp.mu.Lock()
	dp.transport = transport
	dp.terminated = nil
	dp.pending = make(map[uint32]*pendingCall)
	dp.queue.clear()
	dp.notify = make(chan struct{}, 1)
	dp.done = make(chan struct{})
	dp.mu.Unlock()
	dp.wg.Add(1)
	go dp.drain()
}

// QueueDepth reports the number of requests awaiting the transport.
func (dp *Dispatcher) QueueDepth() int {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.queue.length()
}

// forget abandons a pending call whose waiter gave up.
func (dp *Dispatcher) forget(id uint32) {
	dp.mu.Lock()
	delete(dp.pending, id)
	dp.mu.Unlock()
}

// allocateID hands out the next request id, wrapping back to 1 past
// the cycle limit. Caller holds dp.mu.
func (dp *Dispatcher) allocateID() uint32 {
	dp.nextID++
	if dp.nextID > idWrapLimit {
		dp.nextID = 1
	}
	return dp.nextID
}

// enqueueLocked pushes an encoded request and wakes the writer.
// Caller holds dp.mu.
func (dp *Dispatcher) enqueueLocked(buf []byte) {
	if evicted := dp.queue.push(buf); evicted > 0 {
		dp.stats.AddQueueDrops(int64(evicted))
		dp.reportErr(fmt.Errorf("write queue full, dropped %d oldest request(s)", evicted))
	}
	select {
	case dp.notify <- struct{}{}:
	default:
	}
}

// drain is the writer goroutine: it pops queued requests and writes
// them to the transport until terminated.
func (dp *Dispatcher) drain() {
	defer dp.wg.Done()
	notify, done := dp.notify, dp.done
	for {
		dp.mu.Lock()
		buf, ok := dp.queue.pop()
		transport := dp.transport
		dp.mu.Unlock()

		if !ok {
			select {
			case <-notify:
				continue
			case <-done:
				return
			}
		}

		if _, err := transport.Write(buf); err != nil {
			dp.logger.Error("transport write failed", map[string]any{"error": err.Error()})
			dp.reportErr(fmt.Errorf("transport write: %w", err))
			// The pipe is gone; park until supervision terminates or
			// respawns the dispatcher.
			<-done
			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

// reportErr delivers err on the error channel without blocking.
func (dp *Dispatcher) reportErr(err error) {
	select {
	case dp.errs <- err:
	default:
	}
}
