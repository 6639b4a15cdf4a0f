package sidecar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/justapithecus/quill/iox"
)

// dayFileName returns the date-based name of the active log file for t,
// e.g. "2026-08-30.log". Dates are UTC so the rotation boundary does not
// move with the host timezone.
func dayFileName(t time.Time) string {
	return t.UTC().Format("2006-01-02") + ".log"
}

// rotatedFileName returns the timestamp-suffixed name a size-rotated file
// is renamed to, e.g. "2026-08-30_142233.log".
func rotatedFileName(t time.Time) string {
	return t.UTC().Format("2006-01-02_150405") + ".log"
}

// uniqueName returns name if no file by that name (or its .gz sibling)
// exists in dir, otherwise a variant with nanosecond precision. Two
// rotations inside one second would otherwise collide on rename.
func uniqueName(dir, name string) string {
	if !exists(dir, name) && !exists(dir, name+".gz") {
		return name
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	candidate := fmt.Sprintf("%s.%d%s", base, time.Now().UnixNano(), ext)
	return candidate
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// compressFile gzips path to path+".gz" and removes the original.
// Returns the compressed file's path.
func compressFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer iox.DiscardClose(src)

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return "", err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dstPath, nil
}
