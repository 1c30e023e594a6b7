// Package agent runs one-shot invocations of backend agent CLIs.
//
// A Backend knows one CLI's wire format: how to build its command line, how
// to pull streamed text and reasoning out of its JSON output lines, and how to
// find the final answer and resume token. The Invoker runs the process,
// enforces the timeout, and forwards streamed output to a sink.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/Iron-Ham/kingdom/internal/config"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
)

// BackendName identifies a supported agent CLI.
type BackendName string

const (
	BackendClaude BackendName = "claude"
	BackendCodex  BackendName = "codex"
)

// CommandOptions are the per-invocation inputs to a command line.
type CommandOptions struct {
	ResumeID string
	// Elevated allows the agent to edit files and run commands. Consultative
	// calls must leave it false.
	Elevated bool
}

// Parsed is the outcome of reading a backend's complete output.
type Parsed struct {
	Text     string
	ResumeID string
	// Error is a failure the backend reported in-band.
	Error string
}

// Backend provides one CLI's command construction and output parsing.
type Backend interface {
	Name() BackendName
	// BuildCommand returns the executable and arguments. The prompt is
	// always written to stdin.
	BuildCommand(opts CommandOptions) (string, []string)
	// StreamText returns response text carried by one output line.
	StreamText(line []byte) string
	// StreamThinking returns reasoning text carried by one output line.
	StreamThinking(line []byte) string
	// Parse interprets the full output.
	Parse(lines [][]byte) (Parsed, error)
}

// NewBackend builds the Backend for an agent's configuration.
func NewBackend(cfg config.AgentConfig) (Backend, error) {
	switch BackendName(strings.ToLower(cfg.Backend)) {
	case BackendClaude:
		return NewClaudeBackend(cfg), nil
	case BackendCodex:
		return NewCodexBackend(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", kerrors.ErrUnknownBackend, cfg.Backend)
	}
}

// decodeLine unmarshals one JSON output line, repairing it first if it is
// malformed (truncated writes, stray control characters).
func decodeLine(line []byte, v any) bool {
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	if json.Unmarshal(line, v) == nil {
		return true
	}
	fixed, err := jsonrepair.JSONRepair(string(line))
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(fixed), v) == nil
}

// -----------------------------------------------------------------------------
// Claude
// -----------------------------------------------------------------------------

// ClaudeBackend drives the claude CLI in print mode with stream-json output.
type ClaudeBackend struct {
	command   string
	model     string
	extraArgs []string
}

// NewClaudeBackend creates a Claude backend from config.
func NewClaudeBackend(cfg config.AgentConfig) *ClaudeBackend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &ClaudeBackend{command: command, model: cfg.Model, extraArgs: cfg.ExtraArgs}
}

func (c *ClaudeBackend) Name() BackendName { return BackendClaude }

func (c *ClaudeBackend) BuildCommand(opts CommandOptions) (string, []string) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Elevated {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--permission-mode", "plan")
	}
	args = append(args, c.extraArgs...)
	return c.command, args
}

type claudeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"content"`
	} `json:"message"`
}

func (c *ClaudeBackend) content(line []byte, kind string) string {
	var l claudeLine
	if !decodeLine(line, &l) || l.Type != "assistant" {
		return ""
	}
	var b strings.Builder
	for _, part := range l.Message.Content {
		if part.Type != kind {
			continue
		}
		if kind == "thinking" {
			b.WriteString(part.Thinking)
		} else {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func (c *ClaudeBackend) StreamText(line []byte) string { return c.content(line, "text") }

func (c *ClaudeBackend) StreamThinking(line []byte) string { return c.content(line, "thinking") }

func (c *ClaudeBackend) Parse(lines [][]byte) (Parsed, error) {
	var p Parsed
	var streamed strings.Builder
	sawResult := false
	for _, line := range lines {
		var l claudeLine
		if !decodeLine(line, &l) {
			continue
		}
		if l.SessionID != "" {
			p.ResumeID = l.SessionID
		}
		switch l.Type {
		case "assistant":
			streamed.WriteString(c.StreamText(line))
		case "result":
			sawResult = true
			p.Text = l.Result
			if l.IsError {
				p.Error = l.Result
				if p.Error == "" {
					p.Error = l.Subtype
				}
			}
		}
	}
	if !sawResult {
		if streamed.Len() == 0 {
			return p, kerrors.ErrUnparseableOutput
		}
		p.Text = streamed.String()
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Codex
// -----------------------------------------------------------------------------

// CodexBackend drives `codex exec --json`.
type CodexBackend struct {
	command   string
	model     string
	extraArgs []string
}

// NewCodexBackend creates a Codex backend from config.
func NewCodexBackend(cfg config.AgentConfig) *CodexBackend {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &CodexBackend{command: command, model: cfg.Model, extraArgs: cfg.ExtraArgs}
}

func (c *CodexBackend) Name() BackendName { return BackendCodex }

func (c *CodexBackend) BuildCommand(opts CommandOptions) (string, []string) {
	args := []string{"exec"}
	if opts.ResumeID != "" {
		args = append(args, "resume", opts.ResumeID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if opts.Elevated {
		args = append(args, "--full-auto")
	} else {
		args = append(args, "--sandbox", "read-only")
	}
	args = append(args, c.extraArgs...)
	// "-" reads the prompt from stdin.
	return c.command, append(args, "-")
}

type codexLine struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CodexBackend) item(line []byte, kind string) string {
	var l codexLine
	if !decodeLine(line, &l) || l.Type != "item.completed" || l.Item.Type != kind {
		return ""
	}
	return l.Item.Text
}

func (c *CodexBackend) StreamText(line []byte) string { return c.item(line, "agent_message") }

func (c *CodexBackend) StreamThinking(line []byte) string { return c.item(line, "reasoning") }

func (c *CodexBackend) Parse(lines [][]byte) (Parsed, error) {
	var p Parsed
	var messages []string
	parsedAny := false
	for _, line := range lines {
		var l codexLine
		if !decodeLine(line, &l) {
			continue
		}
		parsedAny = true
		switch l.Type {
		case "thread.started":
			p.ResumeID = l.ThreadID
		case "item.completed":
			if l.Item.Type == "agent_message" && l.Item.Text != "" {
				messages = append(messages, l.Item.Text)
			}
		case "error", "turn.failed":
			p.Error = l.Message
			if p.Error == "" {
				p.Error = l.Error.Message
			}
		}
	}
	if !parsedAny {
		return p, kerrors.ErrUnparseableOutput
	}
	p.Text = strings.Join(messages, "\n\n")
	return p, nil
}
