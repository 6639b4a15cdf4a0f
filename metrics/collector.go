// Package metrics provides counters for the logging pipeline.
//
// The Collector accumulates counters for one sidecar (or one producer)
// lifetime. It is a leaf package with no internal dependencies. All increment
// methods are nil-receiver safe so instrumentation can be left unwired in
// tests and minimal embeddings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Sidecar writer
	LinesAccepted    int64
	LinesWritten     int64
	LinesDropped     int64
	FlushesThreshold int64
	FlushesTimer     int64
	FlushesExplicit  int64
	Rotations        int64
	WriteErrors      int64

	// Framing
	ProtocolErrors int64
	BytesDiscarded int64

	// Producer dispatcher
	QueueDrops   int64
	CallTimeouts int64
	Responses    int64

	// Dimensions (informational, set at construction)
	Role       string
	InstanceID string
}

// Collector accumulates pipeline counters. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	linesAccepted    int64
	linesWritten     int64
	linesDropped     int64
	flushesThreshold int64
	flushesTimer     int64
	flushesExplicit  int64
	rotations        int64
	writeErrors      int64

	protocolErrors int64
	bytesDiscarded int64

	queueDrops   int64
	callTimeouts int64
	responses    int64

	role       string
	instanceID string
}

// NewCollector creates a Collector with dimension labels.
// role is "sidecar" or "producer"; instanceID identifies the process.
func NewCollector(role, instanceID string) *Collector {
	return &Collector{role: role, instanceID: instanceID}
}

// --- Sidecar writer ---

// IncLinesAccepted records a LOG payload accepted into the write buffer.
func (c *Collector) IncLinesAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.linesAccepted++
	c.mu.Unlock()
}

// AddLinesWritten records lines handed to the OS write call on a flush.
func (c *Collector) AddLinesWritten(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.linesWritten += n
	c.mu.Unlock()
}

// AddLinesDropped records buffered lines lost to a failed disk write.
func (c *Collector) AddLinesDropped(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.linesDropped += n
	c.mu.Unlock()
}

// IncFlushThreshold records a flush triggered by the size/count threshold.
func (c *Collector) IncFlushThreshold() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flushesThreshold++
	c.mu.Unlock()
}

// IncFlushTimer records a flush triggered by the flush-delay timer.
func (c *Collector) IncFlushTimer() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flushesTimer++
	c.mu.Unlock()
}

// IncFlushExplicit records a flush triggered by a FLUSH, RELOAD or SHUTDOWN
// request.
func (c *Collector) IncFlushExplicit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flushesExplicit++
	c.mu.Unlock()
}

// IncRotation records a file rotation (size-triggered or RELOAD-driven).
func (c *Collector) IncRotation() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rotations++
	c.mu.Unlock()
}

// IncWriteError records a failed disk write.
func (c *Collector) IncWriteError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.writeErrors++
	c.mu.Unlock()
}

// --- Framing ---

// IncProtocolError records a decode-side protocol violation.
func (c *Collector) IncProtocolError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.protocolErrors++
	c.mu.Unlock()
}

// AddBytesDiscarded records bytes dropped during framer resynchronization.
func (c *Collector) AddBytesDiscarded(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesDiscarded += n
	c.mu.Unlock()
}

// --- Producer dispatcher ---

// IncQueueDrop records an encoded message dropped from the full write queue.
func (c *Collector) IncQueueDrop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueDrops++
	c.mu.Unlock()
}

// AddQueueDrops records n messages evicted from the full write queue.
func (c *Collector) AddQueueDrops(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueDrops += n
	c.mu.Unlock()
}

// IncCallTimeout records a control call that missed its response deadline.
func (c *Collector) IncCallTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.callTimeouts++
	c.mu.Unlock()
}

// IncResponse records a response correlated back to the producer.
func (c *Collector) IncResponse() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.responses++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		LinesAccepted:    c.linesAccepted,
		LinesWritten:     c.linesWritten,
		LinesDropped:     c.linesDropped,
		FlushesThreshold: c.flushesThreshold,
		FlushesTimer:     c.flushesTimer,
		FlushesExplicit:  c.flushesExplicit,
		Rotations:        c.rotations,
		WriteErrors:      c.writeErrors,

		ProtocolErrors: c.protocolErrors,
		BytesDiscarded: c.bytesDiscarded,

		QueueDrops:   c.queueDrops,
		CallTimeouts: c.callTimeouts,
		Responses:    c.responses,

		Role:       c.role,
		InstanceID: c.instanceID,
	}
}
