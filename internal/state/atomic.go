package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// tmpCounter distinguishes temp files created by different goroutines of the
// same process.
var tmpCounter atomic.Uint64

// AtomicWrite replaces the file at path with data.
//
// The data is written to a temporary file in the same directory whose name
// carries the process ID, synced, and then renamed over path. The rename is
// the only operation that changes the visible file. On any failure the
// temporary file is removed and path is left untouched.
func AtomicWrite(path string, data []byte) error {
	return AtomicWriteMode(path, data, 0644)
}

// AtomicWriteMode is AtomicWrite with an explicit permission mode.
func AtomicWriteMode(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d",
		filepath.Base(path), os.Getpid(), tmpCounter.Add(1)))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
