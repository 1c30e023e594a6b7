package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/kingdom/internal/logging"
)

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsOutput bool
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <ticket>",
		Short: "View a peasant's harness log",
		Long: `View and filter the structured harness log of a peasant.

Examples:
  # Show the last 50 lines
  kd peasant logs kin-3f9a

  # Follow the log in real time
  kd peasant logs kin-3f9a -f

  # Only warnings and errors from the last hour
  kd peasant logs kin-3f9a --level warn --since 1h

  # Raw stdout/stderr of the background process
  kd peasant logs kin-3f9a --output`,
		Args: cobra.ExactArgs(1),
		RunE: runLogs,
	}
	cmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	cmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	cmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	cmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	cmd.Flags().BoolVar(&logsOutput, "output", false, "Show the captured process output instead of the log")
	return cmd
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Msg      string         `json:"msg"`
	Session  string         `json:"session,omitempty"`
	TicketID string         `json:"ticket_id,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Extra    map[string]any `json:"-"` // Captures additional fields
}

// UnmarshalJSON implements custom unmarshaling to capture extra fields
func (e *logEntry) UnmarshalJSON(data []byte) error {
	// First, unmarshal known fields using a type alias to avoid recursion
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Then unmarshal all fields to capture extras
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"time", "level", "msg", "session", "ticket_id", "phase"} {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter selects which entries are shown
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
}

func levelColor(level string) *color.Color {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return color.New(color.FgHiBlack)
	case logging.LevelInfo:
		return color.New(color.FgBlue)
	case logging.LevelWarn:
		return color.New(color.FgYellow)
	case logging.LevelError:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(entry *logEntry) string {
	var sb strings.Builder
	sb.WriteString(dimColor("[" + entry.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(levelColor(entry.Level).Sprint("[" + strings.ToUpper(entry.Level) + "]"))
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	if entry.Phase != "" {
		sb.WriteString(" " + nameColor("phase=") + entry.Phase)
	}
	// Sorted so follow mode output is stable between lines
	for _, key := range slices.Sorted(maps.Keys(entry.Extra)) {
		fmt.Fprintf(&sb, " %s%v", nameColor(key+"="), entry.Extra[key])
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	logPath, outputPath := ws.manager().LogPaths(args[0])
	if logsOutput {
		logPath = outputPath
	}
	out := cmd.OutOrStdout()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found for %s\n", args[0])
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	f := logFilter{minLevel: -1}
	if logsLevel != "" {
		f.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		if f.grep, err = regexp.Compile(logsGrep); err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return followLogs(ctx, out, logPath, f)
	}
	return displayLogs(out, logPath, logsTail, f)
}

// render returns the display form of a log line, or false if it is filtered
// out. Lines that are not JSON are shown raw.
func (f logFilter) render(line string) (string, bool) {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		if f.grep != nil && !f.grep.MatchString(line) {
			return "", false
		}
		return line, true
	}
	if !f.passes(&entry) {
		return "", false
	}
	return formatLogEntry(&entry), true
}

// displayLogs reads the log file and displays filtered entries
func displayLogs(out io.Writer, logPath string, tail int, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []string
	scanner := bufio.NewScanner(file)
	// Increase buffer size for potentially long log lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s, ok := f.render(line); ok {
			entries = append(entries, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file
func followLogs(ctx context.Context, out io.Writer, logPath string, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("error reading log file: %w", err)
		}
		partial += chunk
		if err == io.EOF {
			// No complete line yet, wait briefly and try again
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		line := strings.TrimSpace(partial)
		partial = ""
		if line == "" {
			continue
		}
		if s, ok := f.render(line); ok {
			fmt.Fprintln(out, s)
		}
	}
}

// passes checks if a log entry passes all filter criteria
func (f logFilter) passes(entry *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	// Grep filter - search in message and extra fields
	if f.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}
