// Package thread implements append-only message threads stored as one
// markdown file per message.
//
// A thread directory contains:
//
//	thread.json             metadata (kind, members, ticket)
//	.seq.json               sequence counter, updated under its lock
//	0001-king.md            messages: YAML header plus body
//	.stream-<sender>.jsonl  in-flight output of a running invocation
//
// Sequence numbers are allocated through a locked counter so that
// concurrent writers in separate processes never reuse a number.
package thread

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// King is the sender name used for the human operator.
const King = "king"

// All addresses a message to every participant.
const All = "all"

// Message is one entry in a thread.
type Message struct {
	Sequence  int       `yaml:"sequence"`
	From      string    `yaml:"from"`
	To        string    `yaml:"to,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`

	Body string `yaml:"-"`
	Path string `yaml:"-"`
}

// AddressedTo reports whether name should receive m. Messages without a
// recipient or sent to All are broadcasts.
func (m Message) AddressedTo(name string) bool {
	return m.To == "" || m.To == All || m.To == name
}

var (
	senderPattern   = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	filenamePattern = regexp.MustCompile(`^(\d+)-([a-zA-Z0-9._-]+)\.md$`)
)

// ValidSender reports whether name can be used as a sender. Sender names
// appear in file names.
func ValidSender(name string) bool {
	return senderPattern.MatchString(name) && !strings.HasPrefix(name, ".")
}

func messageFilename(seq int, sender string) string {
	return fmt.Sprintf("%04d-%s.md", seq, sender)
}

// parseFilename extracts the sequence and sender from a message file name.
func parseFilename(name string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return seq, m[2], true
}

// normalizeBody strips trailing whitespace from every line and drops trailing
// blank lines. Leading indentation is preserved.
func normalizeBody(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
