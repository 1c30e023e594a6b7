package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/state"
)

// RunLock is held by a harness for its whole lifetime. The kernel releases it
// when the process exits, so a crashed harness never leaves a stale lock.
type RunLock struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lock     *state.FileLock
	infoPath string
}

// AcquireRunLock takes the run lock for name without blocking. It returns an
// error wrapping ErrAlreadyRunning if another process holds it.
func (s *Store) AcquireRunLock(name string) (*RunLock, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}

	fl := state.NewFileLock(filepath.Join(s.dir, name+".run.lock"))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, state.ErrLocked) {
			if holder, readErr := s.RunLockHolder(name); readErr == nil {
				return nil, fmt.Errorf("%s: PID %d on %s: %w", name, holder.PID, holder.Hostname, kerrors.ErrAlreadyRunning)
			}
			return nil, fmt.Errorf("%s: %w", name, kerrors.ErrAlreadyRunning)
		}
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	rl := &RunLock{
		Name:      name,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: s.now().UTC(),
		lock:      fl,
		infoPath:  filepath.Join(s.dir, name+".run.json"),
	}
	if err := state.WriteJSON(rl.infoPath, rl); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write run lock info: %w", err)
	}
	return rl, nil
}

// Release drops the lock. Safe to call more than once.
func (rl *RunLock) Release() error {
	if rl == nil || rl.lock == nil || !rl.lock.Held() {
		return nil
	}
	_ = os.Remove(rl.infoPath)
	return rl.lock.Unlock()
}

// RunLockHolder reads who last acquired the run lock for name. The info may
// be stale if that process died; use HarnessRunning to test the lock itself.
func (s *Store) RunLockHolder(name string) (*RunLock, error) {
	var rl RunLock
	if err := state.ReadJSON(filepath.Join(s.dir, name+".run.json"), &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

// HarnessRunning reports whether some process currently holds the run lock
// for name. It is authoritative where a recorded PID may be stale or reused.
func (s *Store) HarnessRunning(name string) bool {
	fl := state.NewFileLock(filepath.Join(s.dir, name+".run.lock"))
	if err := fl.TryLock(); err != nil {
		return errors.Is(err, state.ErrLocked)
	}
	_ = fl.Unlock()
	return false
}

// LaunchLock blocks until the caller holds the launch lock for name. Callers
// deciding whether to start a harness hold it across the liveness check and
// the launch so two commands cannot both start one.
func (s *Store) LaunchLock(name string) (unlock func(), err error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	fl := state.NewFileLock(filepath.Join(s.dir, name+".launch.lock"))
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return func() { _ = fl.Unlock() }, nil
}
