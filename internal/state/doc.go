// Package state provides the low-level persistence primitives that every
// other Kingdom package builds on.
//
// All shared state under .kd/ lives in plain files that several OS processes
// touch at once: the harness loop running in the background, foreground CLI
// commands such as status or review, and council workers. Two guarantees make
// that safe without a database:
//
//   - [AtomicWrite] writes to a per-process temporary file in the target's
//     directory and renames it into place, so a reader only ever sees the old
//     document or the new one.
//   - [LockedUpdate] holds an exclusive flock(2) on a sidecar ".lock" file for
//     the whole read-modify-write, so concurrent updaters cannot lose each
//     other's changes.
//
// # Usage
//
//	type counter struct {
//	    N int `json:"n"`
//	}
//
//	next, err := state.LockedUpdate(path, func(c *counter) error {
//	    c.N++
//	    return nil
//	})
//
// Readers that only need a snapshot use [ReadJSON] without taking the lock.
//
// # Liveness
//
// [IsAlive] reports whether a recorded PID still refers to a running process.
// It is the probe used before relaunching a harness or declaring a session
// dead.
package state
