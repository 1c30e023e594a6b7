package thread

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForChange blocks until something is created or written in dir, the
// timeout elapses, or ctx is done. When the directory cannot be watched it
// degrades to sleeping for the timeout, so callers always re-check their
// condition afterwards.
func WaitForChange(ctx context.Context, dir string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err = watcher.Add(dir); err != nil {
			watcher = nil
		}
	}

	if watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				return nil
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// WaitFor evaluates cond until it reports true, waking on changes in dir and at
// least every poll interval. It returns ctx.Err() if ctx ends first.
func WaitFor(ctx context.Context, dir string, poll time.Duration, cond func() (bool, error)) error {
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := WaitForChange(ctx, dir, poll); err != nil {
			return err
		}
	}
}
