package client

// writeQueue is a bounded FIFO of encoded messages awaiting the transport.
// When full, the oldest entries are dropped: under sustained overload the
// caller's hot path stays available at the cost of historical lines.
//
// Not self-synchronized; the dispatcher mutates it under its own mutex.
type writeQueue struct {
	entries  [][]byte
	capacity int
	dropped  int64
}

// newWriteQueue creates a queue holding at most capacity messages.
func newWriteQueue(capacity int) *writeQueue {
	return &writeQueue{capacity: capacity}
}

// push appends msg, evicting the oldest entries if the queue is full.
// Returns the number of entries evicted.
func (q *writeQueue) push(msg []byte) int {
	evicted := 0
	for len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
		evicted++
	}
	q.entries = append(q.entries, msg)
	return evicted
}

// pop removes and returns the oldest entry.
func (q *writeQueue) pop() ([]byte, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	msg := q.entries[0]
	q.entries = q.entries[1:]
	return msg, true
}

// length returns the number of queued messages.
func (q *writeQueue) length() int { return len(q.entries) }

// clear discards all queued messages.
func (q *writeQueue) clear() { q.entries = nil }
