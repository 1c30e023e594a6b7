package harness

import (
	"regexp"
	"strings"
)

// Signal is the agent's own classification of an iteration.
type Signal string

const (
	SignalContinue Signal = "CONTINUE"
	SignalDone     Signal = "DONE"
	SignalBlocked  Signal = "BLOCKED"
)

var statusLine = regexp.MustCompile("(?i)^[\\s>#*_`~-]*status[\\s*_`~]*:[\\s*_`~]*(done|continue|blocked)\\b")

// ParseSignal returns the signal on the last STATUS line of text. Text with
// no STATUS line is CONTINUE.
func ParseSignal(text string) Signal {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := statusLine.FindStringSubmatch(lines[i]); m != nil {
			return Signal(strings.ToUpper(m[1]))
		}
	}
	return SignalContinue
}
