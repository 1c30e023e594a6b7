package state

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsAlive reports whether pid refers to a running process. Signal 0 performs
// the permission and existence checks without delivering anything; EPERM
// means the process exists but belongs to another user.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
