package peasant

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// LaunchSpec describes a background process to start.
type LaunchSpec struct {
	Args []string
	Dir  string
	// LogPath receives the process's stdout and stderr, appended.
	LogPath string
	Env     []string
}

// Launcher starts a process that outlives the caller.
type Launcher interface {
	Launch(spec LaunchSpec) (pid int, err error)
}

// DetachedLauncher re-executes the kd binary in a new session so the child
// survives the launching terminal.
type DetachedLauncher struct {
	// Executable defaults to the running binary.
	Executable string
}

// Launch starts spec without waiting for it.
func (l DetachedLauncher) Launch(spec LaunchSpec) (int, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate kd binary: %w", err)
		}
	}

	cmd := exec.Command(exe, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Detach from the parent process group so the harness continues
	// even if the terminal is closed.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
			return 0, err
		}
		out, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("open output log: %w", err)
		}
		// The child holds its own descriptor after Start.
		defer func() { _ = out.Close() }()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start background process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release background process: %w", err)
	}
	return pid, nil
}
