package state

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockSuffix is appended to a data file's path to form its sidecar lock file.
const LockSuffix = ".lock"

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock provides cross-process mutual exclusion using flock(2).
//
// flock locks belong to an open file description, so two FileLocks on the
// same path exclude each other even inside one process. A FileLock is not
// reentrant and must not be shared between goroutines.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock on the given lock file path. The file is
// created on first Lock or TryLock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// LockFor returns the sidecar lock for a data file.
func LockFor(dataPath string) *FileLock {
	return NewFileLock(dataPath + LockSuffix)
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock acquires the exclusive lock, blocking until it is available.
func (fl *FileLock) Lock() error {
	f, err := fl.open()
	if err != nil {
		return err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}
	fl.file = f
	return nil
}

// TryLock attempts to acquire the lock without blocking. It returns ErrLocked
// if the lock is held elsewhere.
func (fl *FileLock) TryLock() error {
	f, err := fl.open()
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}
	fl.file = f
	return nil
}

// Unlock releases the lock. Calling Unlock on an unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock %s: %w", fl.path, err)
	}
	return f.Close()
}

// Held reports whether this FileLock currently owns the lock.
func (fl *FileLock) Held() bool {
	return fl.file != nil
}

func (fl *FileLock) open() (*os.File, error) {
	if fl.file != nil {
		return nil, fmt.Errorf("lock %s already held", fl.path)
	}
	f, err := os.OpenFile(fl.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}
