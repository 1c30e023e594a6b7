// Package errors provides centralized error definitions and error handling
// utilities for Kingdom. It defines sentinel errors, domain error types with
// builder-style context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors carry the context of the subsystem that raised them:
//   - AgentError: a backend agent invocation failed or timed out
//   - GitError: a git shell-out failed (worktrees, branches, merges)
//   - HarnessError: the harness loop could not make progress on a ticket
//
// NotFoundError reports a ticket, thread or agent that could not be found.
//
// # Usage
//
//	err := errors.NewAgentError("invocation failed", errors.ErrTimeout).
//	    WithAgent("claude").WithBackend("claude").WithTimedOut(true)
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
//	var agentErr *errors.AgentError
//	if errors.As(err, &agentErr) { ... }
//
// # Classification
//
// IsRetryable reports whether the harness may invoke the agent again. Agent
// failures are retryable; timeouts and cancellations are not.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workspace sentinel errors
var (
	// ErrNotInitialized indicates that no .kd directory was found.
	ErrNotInitialized = New("not a kingdom project (no .kd directory found)")
	// ErrTicketNotFound indicates that a ticket id did not resolve.
	ErrTicketNotFound = New("ticket not found")
	// ErrThreadNotFound indicates that a thread directory does not exist.
	ErrThreadNotFound = New("thread not found")
	// ErrInvalidTransition indicates an illegal ticket status change.
	ErrInvalidTransition = New("invalid status transition")
	// ErrUnresolvedDependency indicates a ticket depends on an unknown id.
	ErrUnresolvedDependency = New("unresolved ticket dependency")
)

// Agent and process sentinel errors
var (
	// ErrUnknownAgent indicates an agent name absent from configuration.
	ErrUnknownAgent = New("unknown agent")
	// ErrUnknownBackend indicates an unsupported backend identifier.
	ErrUnknownBackend = New("unknown backend")
	// ErrAgentFailed indicates that an agent exited nonzero.
	ErrAgentFailed = New("agent process failed")
	// ErrUnparseableOutput indicates an agent produced no usable response.
	ErrUnparseableOutput = New("agent output could not be parsed")
	// ErrAlreadyRunning indicates a harness is already running for a session.
	ErrAlreadyRunning = New("harness already running")
	// ErrNotRunning indicates that no live process is recorded for a session.
	ErrNotRunning = New("harness not running")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a ticket already has a worktree.
	ErrWorktreeExists = New("worktree already exists")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrWrongBranch indicates that the checked-out branch is not the expected one.
	ErrWrongBranch = New("wrong branch checked out")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// KingdomError is implemented by every error type in this package.
type KingdomError interface {
	error
	Unwrap() error
	Is(target error) bool
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) IsRetryable() bool { return e.retryable }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// AgentError describes a failed agent invocation.
//
// Example:
//
//	err := errors.NewAgentError("invocation failed", errors.ErrAgentFailed).
//	    WithAgent("codex").WithExitCode(2)
//	fmt.Println(err) // "agent error [agent=codex, exit=2]: invocation failed: agent process failed"
type AgentError struct {
	baseError
	Agent    string
	Backend  string
	ExitCode int
	TimedOut bool
	Stderr   string
}

// NewAgentError creates a new AgentError. It is retryable unless cause is a
// timeout or a cancellation.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			retryable: !errors.Is(cause, ErrTimeout) && !errors.Is(cause, ErrCanceled),
		},
		ExitCode: -1,
	}
}

// WithAgent adds the configured agent name.
func (e *AgentError) WithAgent(name string) *AgentError {
	e.Agent = name
	return e
}

// WithBackend adds the backend identifier.
func (e *AgentError) WithBackend(backend string) *AgentError {
	e.Backend = backend
	return e
}

// WithExitCode records the subprocess exit code.
func (e *AgentError) WithExitCode(code int) *AgentError {
	e.ExitCode = code
	return e
}

// WithTimedOut marks the invocation as having exceeded its deadline, which
// makes it not retryable.
func (e *AgentError) WithTimedOut(timedOut bool) *AgentError {
	e.TimedOut = timedOut
	if timedOut {
		e.retryable = false
	}
	return e
}

// WithStderr attaches the tail of the subprocess stderr.
func (e *AgentError) WithStderr(stderr string) *AgentError {
	e.Stderr = stderr
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.Agent != "" {
		parts = append(parts, "agent="+e.Agent)
	}
	if e.Backend != "" && e.Backend != e.Agent {
		parts = append(parts, "backend="+e.Backend)
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	if e.TimedOut {
		parts = append(parts, "timed_out")
	}
	return e.format("agent error", parts)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	if e.TimedOut && target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrWorktreeExists)
//	err = err.WithBranch("ticket/kin-a1b2").WithWorktree(".kd/worktrees/kin-a1b2")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	if e.Worktree != "" {
		parts = append(parts, "worktree="+e.Worktree)
	}
	if e.Repository != "" {
		parts = append(parts, "repo="+e.Repository)
	}
	msg := e.format("git error", parts)
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// HarnessError describes a harness loop failure for a ticket.
type HarnessError struct {
	baseError
	TicketID string
	Phase    string
}

// NewHarnessError creates a new HarnessError.
func NewHarnessError(message string, cause error) *HarnessError {
	return &HarnessError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithTicket adds the ticket id.
func (e *HarnessError) WithTicket(id string) *HarnessError {
	e.TicketID = id
	return e
}

// WithPhase adds the session phase.
func (e *HarnessError) WithPhase(phase string) *HarnessError {
	e.Phase = phase
	return e
}

// Error returns the formatted error message.
func (e *HarnessError) Error() string {
	var parts []string
	if e.TicketID != "" {
		parts = append(parts, "ticket="+e.TicketID)
	}
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	return e.format("harness error", parts)
}

// Is checks if this error matches the target.
func (e *HarnessError) Is(target error) bool {
	if _, ok := target.(*HarnessError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("ticket", "kin-a1b2").WithCause(errors.ErrTicketNotFound)
//	fmt.Println(err) // "ticket 'kin-a1b2' not found: ticket not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError:    baseError{message: fmt.Sprintf("%s '%s' not found", resourceType, resourceID)},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var kerr KingdomError
	if As(err, &kerr) {
		return kerr.IsRetryable()
	}
	return false
}
