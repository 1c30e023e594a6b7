package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/kingdom/internal/config"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

const (
	// killGrace is how long a process group gets between SIGTERM and SIGKILL.
	killGrace = 5 * time.Second

	maxStderr = 16 * 1024
)

// StreamSink receives streamed output while an invocation runs.
// *thread.StreamWriter satisfies it.
type StreamSink interface {
	Write(kind thread.DeltaKind, text string) error
}

// Request is one invocation.
type Request struct {
	// Agent is the configured agent name.
	Agent    string
	Prompt   string
	ResumeID string
	Elevated bool
	Workdir  string
	Timeout  time.Duration
	Stream   StreamSink
	Env      []string
}

// Response is what an invocation produced. On timeout Text holds whatever was
// streamed before the process was stopped.
type Response struct {
	Agent    string
	Text     string
	Thinking string
	ResumeID string
	Duration time.Duration
}

// Caller invokes agents. Harness and council depend on this rather than on
// *Invoker so tests can substitute scripted agents.
type Caller interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Observer is told about every finished invocation.
type Observer func(agent string, d time.Duration, err error)

// Invoker runs agent CLIs as subprocesses.
type Invoker struct {
	agents   map[string]config.AgentConfig
	logger   *logging.Logger
	observer Observer
}

// NewInvoker creates an Invoker for the configured agents. Every agent's
// backend is resolved up front so misconfiguration fails immediately.
func NewInvoker(agents map[string]config.AgentConfig, logger *logging.Logger) (*Invoker, error) {
	for name, a := range agents {
		if _, err := NewBackend(a); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Invoker{agents: agents, logger: logger}, nil
}

// SetObserver installs a hook called after each invocation.
func (i *Invoker) SetObserver(o Observer) { i.observer = o }

// Backend returns the backend of a configured agent.
func (i *Invoker) Backend(agentName string) (Backend, error) {
	a, ok := i.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kerrors.ErrUnknownAgent, agentName)
	}
	return NewBackend(a)
}

// Invoke runs one agent call to completion, timeout, or cancellation.
func (i *Invoker) Invoke(ctx context.Context, req Request) (resp Response, err error) {
	backend, err := i.Backend(req.Agent)
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	defer func() {
		resp.Duration = time.Since(start)
		if i.observer != nil {
			i.observer(req.Agent, resp.Duration, err)
		}
	}()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	name, args := backend.BuildCommand(CommandOptions{ResumeID: req.ResumeID, Elevated: req.Elevated})
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Own process group so the whole tree is signaled on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	// A non-file Stdout makes Wait bound the copy by WaitDelay, so a
	// grandchild holding the pipe open cannot hang the call.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	logger := i.logger.With("agent", req.Agent, "backend", string(backend.Name()))
	logger.Debug("invoking agent", "command", name, "elevated", req.Elevated, "resume", req.ResumeID != "")

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return Response{Agent: req.Agent}, kerrors.NewAgentError("start failed", err).
			WithAgent(req.Agent).WithBackend(string(backend.Name()))
	}

	type output struct {
		lines          [][]byte
		text, thinking string
	}
	drained := make(chan output, 1)
	go func() {
		var o output
		o.lines, o.text, o.thinking = i.drain(pr, backend, req.Stream, logger)
		drained <- o
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	out := <-drained
	lines, text, thinking := out.lines, out.text, out.thinking
	if waitErr != nil && runCtx.Err() != nil {
		// The process was signaled; kill stragglers in the group.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	resp = Response{Agent: req.Agent, Text: text, Thinking: thinking}
	agentErr := func(msg string, cause error) *kerrors.AgentError {
		return kerrors.NewAgentError(msg, cause).
			WithAgent(req.Agent).
			WithBackend(string(backend.Name())).
			WithStderr(stderr.String())
	}

	switch {
	case ctx.Err() != nil:
		return resp, agentErr("canceled", errors.Join(kerrors.ErrCanceled, ctx.Err()))
	case runCtx.Err() != nil:
		logger.Warn("agent timed out", "timeout", req.Timeout.String())
		return resp, agentErr(fmt.Sprintf("timed out after %s", req.Timeout), kerrors.ErrTimeout).WithTimedOut(true)
	}

	parsed, parseErr := backend.Parse(lines)
	if parsed.ResumeID != "" {
		resp.ResumeID = parsed.ResumeID
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return resp, agentErr("process failed", kerrors.ErrAgentFailed).WithExitCode(code)
	}
	if parseErr != nil {
		return resp, agentErr("unparseable output", parseErr)
	}
	if parsed.Error != "" {
		return resp, agentErr(parsed.Error, kerrors.ErrAgentFailed)
	}
	resp.Text = parsed.Text
	return resp, nil
}

// drain reads stdout line by line, forwarding streamed text to sink.
func (i *Invoker) drain(r io.Reader, b Backend, sink StreamSink, logger *logging.Logger) (lines [][]byte, text, thinking string) {
	var textBuf, thinkBuf strings.Builder
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
			if t := b.StreamThinking(trimmed); t != "" {
				thinkBuf.WriteString(t)
				i.emit(sink, thread.DeltaThinking, t, logger)
			}
			if t := b.StreamText(trimmed); t != "" {
				textBuf.WriteString(t)
				i.emit(sink, thread.DeltaText, t, logger)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("reading agent output", "error", err)
			}
			return lines, textBuf.String(), thinkBuf.String()
		}
	}
}

func (i *Invoker) emit(sink StreamSink, kind thread.DeltaKind, text string, logger *logging.Logger) {
	if sink == nil {
		return
	}
	if err := sink.Write(kind, text); err != nil {
		logger.Warn("stream write failed", "error", err)
	}
}

// limitedBuffer keeps the last max bytes written.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	if over := len(l.buf) - l.max; over > 0 {
		l.buf = l.buf[over:]
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(string(l.buf))
}
