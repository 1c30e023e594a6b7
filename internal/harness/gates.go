package harness

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/kingdom/internal/config"
)

// maxGateOutput bounds how much of a failing gate's output is fed back to
// the agent. The tail is kept since that is where test runners summarize.
const maxGateOutput = 8 * 1024

// GateResult is one gate's outcome.
type GateResult struct {
	Name     string
	Command  string
	Passed   bool
	Output   string
	Duration time.Duration
}

// GateReport is the outcome of running every gate.
type GateReport struct {
	Results []GateResult
}

// Passed reports whether every gate passed.
func (r GateReport) Passed() bool {
	for _, g := range r.Results {
		if !g.Passed {
			return false
		}
	}
	return true
}

// Failures returns the failing gates.
func (r GateReport) Failures() []GateResult {
	var out []GateResult
	for _, g := range r.Results {
		if !g.Passed {
			out = append(out, g)
		}
	}
	return out
}

// Feedback renders the failures as prompt context for the next iteration.
func (r GateReport) Feedback() string {
	var b strings.Builder
	b.WriteString("You declared DONE but quality gates failed. Fix these before declaring DONE again.\n")
	for _, g := range r.Failures() {
		fmt.Fprintf(&b, "\n### %s (`%s`)\n\n```\n%s\n```\n", g.Name, g.Command, strings.TrimRight(g.Output, "\n"))
	}
	return b.String()
}

// GateRunner runs quality gates in a workspace.
type GateRunner interface {
	Run(ctx context.Context, dir string) GateReport
}

// ShellGates runs each configured command through `sh -c`.
type ShellGates struct {
	Gates []config.GateConfig
	// Timeout bounds each gate. Zero means no limit.
	Timeout time.Duration
}

// Run executes the gates in order. Every gate runs even after a failure so
// the agent sees all problems at once.
func (s ShellGates) Run(ctx context.Context, dir string) GateReport {
	var report GateReport
	for _, g := range s.Gates {
		report.Results = append(report.Results, s.runOne(ctx, dir, g))
	}
	return report
}

func (s ShellGates) runOne(ctx context.Context, dir string, g config.GateConfig) GateResult {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", g.Command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := GateResult{
		Name:     g.Name,
		Command:  g.Command,
		Passed:   err == nil,
		Output:   tail(string(out), maxGateOutput),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.Output += fmt.Sprintf("\n(gate timed out after %s)", s.Timeout)
	}
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "...(truncated)\n" + s[len(s)-n:]
}
