// Package sidecar implements the writer process that owns file I/O.
//
// The sidecar reads requests from its stdin, buffers LOG payloads in memory,
// drains them to rotating daily log files, and acknowledges every request on
// stdout. It runs strictly sequentially: one event loop owns the write
// buffer, the flush timer, and the file handle, so no locking is needed.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink abstracts the rotating file target the writer drains into.
// The production implementation is FileSink; tests use StubSink to observe
// batch boundaries and rotation calls.
type Sink interface {
	// WriteBatch appends one drained buffer to the active target.
	// A batch is handed to the OS in a single write call.
	WriteBatch(p []byte) error

	// Size returns the byte size of the active target.
	Size() int64

	// Name returns the active target's base name.
	Name() string

	// Swap closes the active target and opens name in append mode.
	// Used for RELOAD and day changes; the old file keeps its name.
	Swap(name string) error

	// Rotate renames the active target to rotated, optionally compresses it,
	// and opens next in append mode. Returns the final name of the rotated
	// file (with a .gz suffix when compressed).
	Rotate(rotated, next string) (string, error)

	// Close closes the active target.
	Close() error
}

// FileSink is the os-backed Sink. The active file is opened in append mode
// and replaced, never mutated in place, on swap or rotation.
type FileSink struct {
	dir      string
	compress bool

	file *os.File
	name string
	size int64
}

// Verify FileSink implements Sink.
var _ Sink = (*FileSink)(nil)

// NewFileSink opens name inside dir in append mode.
func NewFileSink(dir, name string, compress bool) (*FileSink, error) {
	s := &FileSink{dir: dir, compress: compress}
	if err := s.open(name); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open(name string) error {
	path := filepath.Join(s.dir, name)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file %s: %w", path, err)
	}

	s.file = file
	s.name = name
	s.size = info.Size()
	return nil
}

// WriteBatch appends p to the active file in one write call.
func (s *FileSink) WriteBatch(p []byte) error {
	n, err := s.file.Write(p)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing to %s: %w", s.name, err)
	}
	return nil
}

// Size returns the byte size of the active file.
func (s *FileSink) Size() int64 { return s.size }

// Name returns the active file's base name.
func (s *FileSink) Name() string { return s.name }

// Swap closes the active file and opens name in append mode.
func (s *FileSink) Swap(name string) error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.name, err)
	}
	return s.open(name)
}

// Rotate renames the active file to rotated and opens next.
// When compression is enabled the rotated-out file is gzipped and the
// original removed; the active file is never compressed.
func (s *FileSink) Rotate(rotated, next string) (string, error) {
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", s.name, err)
	}

	oldPath := filepath.Join(s.dir, s.name)
	rotated = uniqueName(s.dir, rotated)
	rotatedPath := filepath.Join(s.dir, rotated)
	if err := os.Rename(oldPath, rotatedPath); err != nil {
		return "", fmt.Errorf("renaming %s to %s: %w", s.name, rotated, err)
	}

	final := rotated
	if s.compress {
		compressed, err := compressFile(rotatedPath)
		if err != nil {
			// The uncompressed rotated file is intact; rotation itself
			// succeeded. Report the final name as the plain file.
			if openErr := s.open(next); openErr != nil {
				return "", openErr
			}
			return final, fmt.Errorf("compressing %s: %w", rotated, err)
		}
		final = filepath.Base(compressed)
	}

	if err := s.open(next); err != nil {
		return "", err
	}
	return final, nil
}

// Close closes the active file.
func (s *FileSink) Close() error {
	return s.file.Close()
}

// StubSink records writer interactions for testing.
type StubSink struct {
	mu sync.Mutex

	// Batches stores each WriteBatch payload, copied.
	Batches [][]byte
	// Swaps records the names passed to Swap.
	Swaps []string
	// Rotations records rotated/next name pairs passed to Rotate.
	Rotations [][2]string
	// Closed indicates whether Close was called.
	Closed bool

	// ActiveName is the name reported by Name.
	ActiveName string
	// ActiveSize is the size reported by Size. WriteBatch adds to it.
	ActiveSize int64

	// ErrOnWrite, if non-nil, is returned by WriteBatch.
	ErrOnWrite error
}

// Verify StubSink implements Sink.
var _ Sink = (*StubSink)(nil)

// NewStubSink creates a stub sink whose active target is name.
func NewStubSink(name string) *StubSink {
	return &StubSink{ActiveName: name}
}

// WriteBatch records the batch without persisting.
func (s *StubSink) WriteBatch(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrOnWrite != nil {
		return s.ErrOnWrite
	}
	batch := make([]byte, len(p))
	copy(batch, p)
	s.Batches = append(s.Batches, batch)
	s.ActiveSize += int64(len(p))
	return nil
}

// Size returns the stubbed active size.
func (s *StubSink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ActiveSize
}

// Name returns the stubbed active name.
func (s *StubSink) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ActiveName
}

// Swap records the swap and resets the active size.
func (s *StubSink) Swap(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Swaps = append(s.Swaps, name)
	s.ActiveName = name
	s.ActiveSize = 0
	return nil
}

// Rotate records the rotation and resets the active target.
func (s *StubSink) Rotate(rotated, next string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rotations = append(s.Rotations, [2]string{rotated, next})
	s.ActiveName = next
	s.ActiveSize = 0
	return rotated, nil
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Joined returns all recorded batches concatenated, for content assertions.
func (s *StubSink) Joined() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, b := range s.Batches {
		out = append(out, b...)
	}
	return out
}
