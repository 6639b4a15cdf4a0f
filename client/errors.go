// Package client implements the producer side of the pipeline: request
// dispatch, response correlation, backpressure queuing, and sidecar process
// supervision.
//
// The hot path is Log, which never blocks and never returns an error to the
// caller: encode, enqueue, return. Failures surface asynchronously on the
// dispatcher's error channel. Control calls (Flush, Reload, Shutdown) suspend
// the caller until the matching acknowledgment arrives or a deadline fires.
package client

import "errors"

// ErrSidecarTerminated rejects outstanding work when the sidecar process
// died or its pipe closed unexpectedly. Log calls made after this point are
// silently dropped until a respawn succeeds.
var ErrSidecarTerminated = errors.New("sidecar terminated")

// ErrCallTimeout rejects a control call whose response did not arrive within
// the deadline. Other in-flight calls are unaffected; a late response for
// the timed-out id is ignored.
var ErrCallTimeout = errors.New("control call timed out")

// ErrNotRunning is returned by control calls when no sidecar is attached.
var ErrNotRunning = errors.New("sidecar not running")
