package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

// requestBacklog bounds the decoded-request channel between the stdin reader
// goroutine and the serve loop. When full, framing blocks, which in turn
// backpressures the pipe.
const requestBacklog = 64

// Server runs the sidecar's event loop: frame requests off the input stream,
// apply them to the Writer, acknowledge each on the output stream.
type Server struct {
	// Writer is the state machine owning buffer, timer, and file handle.
	Writer *Writer
	// Codec validates wire bytes. Nil means the standard sets.
	Codec *wire.Codec
	// Logger receives operational diagnostics. May be nil.
	Logger *diag.Logger
	// Stats receives counters. May be nil.
	Stats *metrics.Collector
}

// NewServer opens today's log file under cfg.Dir, loads the rotation
// manifest, and assembles a ready-to-serve Server. The directory is
// created if missing.
func NewServer(cfg Config, logger *diag.Logger, stats *metrics.Collector) (*Server, error) {
	cfg = cfg.WithDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	sink, err := NewFileSink(cfg.Dir, dayFileName(time.Now()), cfg.Compress)
	if err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(cfg.Dir)
	if err != nil {
		sink.Close()
		return nil, err
	}

	return &Server{
		Writer: NewWriter(sink, manifest, cfg, logger, stats),
		Logger: logger,
		Stats:  stats,
	}, nil
}

// Serve processes requests from in until a SHUTDOWN is accepted, the input
// stream ends, or ctx is cancelled. The Writer is always drained and closed
// before returning.
//
// Responses are emitted in the order requests were accepted, since the loop
// is strictly sequential. Producers must still correlate by id.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	codec := s.Codec
	if codec == nil {
		codec = wire.NewCodec()
	}

	requests := make(chan wire.Request, requestBacklog)
	readErr := make(chan error, 1)

	framer := wire.NewRequestFramer(codec, func(r wire.Request) {
		requests <- r
	})

	// The reader goroutine is the only toucher of the framer. Closing the
	// requests channel after the final Feed guarantees the loop below sees
	// every decoded request before observing EOF.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				framer.Feed(buf[:n])
			}
			if err != nil {
				readErr <- err
				close(requests)
				return
			}
		}
	}()

	defer func() {
		s.Stats.AddBytesDiscarded(framer.Discarded())
		if framer.Discarded() > 0 {
			s.Stats.IncProtocolError()
		}
	}()

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				// Producer hung up. Drain what we have and stop.
				err := <-readErr
				if errors.Is(err, io.EOF) {
					s.Logger.Info("input stream closed", nil)
					return s.Writer.Close()
				}
				s.Logger.Error("input stream failed", map[string]any{"error": err.Error()})
				closeErr := s.Writer.Close()
				if closeErr != nil {
					return closeErr
				}
				return fmt.Errorf("reading requests: %w", err)
			}

			resp := s.Writer.Handle(req)
			if err := s.writeResponse(codec, out, resp); err != nil {
				_ = s.Writer.Close()
				return err
			}
			if req.Method == wire.MethodShutdown && resp.Success {
				s.Logger.Info("shutdown accepted", map[string]any{"stats": s.Stats.Snapshot()})
				return nil
			}

		case <-s.Writer.TimerC():
			s.Writer.HandleTimer()

		case <-ctx.Done():
			s.Logger.Warn("serve cancelled", map[string]any{"error": ctx.Err().Error()})
			_ = s.Writer.Close()
			return ctx.Err()
		}
	}
}

// writeResponse encodes and writes one response.
func (s *Server) writeResponse(codec *wire.Codec, out io.Writer, resp wire.Response) error {
	encoded, err := codec.EncodeResponse(resp)
	if err != nil {
		// Only reachable when a custom codec rejects its own decode output.
		return fmt.Errorf("encoding response: %w", err)
	}
	if _, err := out.Write(encoded); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
