package sidecar

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ManifestName is the rotation manifest's file name inside the log directory.
const ManifestName = ".quill-manifest.mpk"

// ManifestEntry records one rotated-out log file. Lifecycle metadata only;
// the manifest never indexes log content.
type ManifestEntry struct {
	// File is the rotated file's base name (with .gz suffix if compressed).
	File string `msgpack:"file"`
	// Bytes is the uncompressed size of the file at rotation time.
	Bytes int64 `msgpack:"bytes"`
	// Lines is the number of log lines written to the file.
	Lines int64 `msgpack:"lines"`
	// RotatedAt is the UTC rotation time.
	RotatedAt time.Time `msgpack:"rotated_at"`
}

// Manifest is the msgpack-encoded rotation history of a log directory.
// Owned by the sidecar's event loop; not safe for concurrent mutation.
type Manifest struct {
	path    string
	Entries []ManifestEntry `msgpack:"entries"`
}

// LoadManifest reads the manifest from dir. A missing manifest yields an
// empty one; a corrupt manifest is an error so rotation history is never
// silently discarded.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{path: filepath.Join(dir, ManifestName)}

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if err := msgpack.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	m.path = filepath.Join(dir, ManifestName)
	return m, nil
}

// Append records a rotation and persists the manifest. The write is atomic:
// a temp file is renamed over the old manifest so a crash mid-save cannot
// corrupt the history.
func (m *Manifest) Append(entry ManifestEntry) error {
	m.Entries = append(m.Entries, entry)
	return m.save()
}

func (m *Manifest) save() error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}
