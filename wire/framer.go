package wire

import "sync/atomic"

// Framers turn an append-only byte stream into complete protocol messages.
// Both framers follow the same policy:
//
//   - A partial message is retained until more data arrives; never an error.
//   - A header that fails codec validation discards exactly one byte and
//     retries alignment from the new offset. Resync is bounded and
//     incremental; a malformed run of N bytes costs at most N retries.
//   - If retained bytes grow past maxRetainedBytes with no complete message
//     extractable, the buffer is truncated. This is a last-resort guard
//     against a misbehaving peer, not a correctness mechanism: a well-formed
//     but incomplete message can never exceed the guard.

// maxRetainedBytes caps the framer's internal buffer. It is several times
// the largest possible request (header + max payload), so truncation can
// only trigger on garbage that never resolves into a message.
const maxRetainedBytes = 8 * (RequestHeaderSize + MaxPayloadSize)

// RequestFramer extracts requests from a byte stream fed in arbitrary chunks.
// Used on the sidecar side of the pipe. Not safe for concurrent use; feed it
// from a single reader goroutine.
type RequestFramer struct {
	codec       *Codec
	handler     func(Request)
	buf         []byte
	maxRetained int

	discarded atomic.Int64
	truncated atomic.Int64
}

// NewRequestFramer creates a framer that invokes handler for each complete
// request, in stream order, synchronously from Feed.
func NewRequestFramer(codec *Codec, handler func(Request)) *RequestFramer {
	return &RequestFramer{codec: codec, handler: handler, maxRetained: maxRetainedBytes}
}

// Feed appends chunk to the internal buffer and drains as many complete
// requests as are available. Returns once less than one full message remains.
func (f *RequestFramer) Feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)

	for len(f.buf) > 0 {
		req, n, err := f.codec.DecodeRequest(f.buf)
		if err == ErrIncomplete {
			break
		}
		if err != nil {
			// Invalid header byte: resync by one byte, never skip the
			// whole buffer.
			f.buf = f.buf[1:]
			f.discarded.Add(1)
			continue
		}
		f.buf = f.buf[n:]
		f.handler(req)
	}

	f.compact()
}

// Discarded returns the count of bytes dropped during resynchronization.
// Safe to read concurrently with Feed.
func (f *RequestFramer) Discarded() int64 { return f.discarded.Load() }

// Truncated returns the number of times the growth guard fired.
// Safe to read concurrently with Feed.
func (f *RequestFramer) Truncated() int64 { return f.truncated.Load() }

// compact releases consumed capacity and applies the growth guard.
func (f *RequestFramer) compact() {
	if len(f.buf) > f.maxRetained {
		f.discarded.Add(int64(len(f.buf)))
		f.truncated.Add(1)
		f.buf = nil
		return
	}
	if len(f.buf) == 0 {
		f.buf = nil
		return
	}
	// Copy the tail into a fresh slice so the consumed prefix does not pin
	// the backing array across calls.
	tail := make([]byte, len(f.buf))
	copy(tail, f.buf)
	f.buf = tail
}

// ResponseFramer extracts fixed-size responses from a byte stream fed in
// arbitrary chunks. Used on the producer side of the pipe. Not safe for
// concurrent use.
type ResponseFramer struct {
	codec   *Codec
	handler func(Response)
	buf     []byte

	discarded atomic.Int64
}

// NewResponseFramer creates a framer that invokes handler for each complete
// response, in stream order, synchronously from Feed.
func NewResponseFramer(codec *Codec, handler func(Response)) *ResponseFramer {
	return &ResponseFramer{codec: codec, handler: handler}
}

// Feed appends chunk to the internal buffer and drains as many complete
// responses as are available.
func (f *ResponseFramer) Feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)

	for len(f.buf) >= ResponseSize {
		resp, err := f.codec.DecodeResponse(f.buf[:ResponseSize])
		if err != nil {
			f.buf = f.buf[1:]
			f.discarded.Add(1)
			continue
		}
		f.buf = f.buf[ResponseSize:]
		f.handler(resp)
	}

	if len(f.buf) == 0 {
		f.buf = nil
		return
	}
	tail := make([]byte, len(f.buf))
	copy(tail, f.buf)
	f.buf = tail
}

// Discarded returns the count of bytes dropped during resynchronization.
// Safe to read concurrently with Feed.
func (f *ResponseFramer) Discarded() int64 { return f.discarded.Load() }
