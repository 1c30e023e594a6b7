// Package session persists per-agent continuity records: the backend resume
// token, the runtime status and PID of the last launched process, and the
// harness run state of a peasant. Every write goes through a locked
// read-modify-write so CLI commands and the running harness can update the
// same record concurrently.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/state"
)

// Status is the last known runtime status of an agent process.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	// StatusDead is derived, never stored: the record says the process is
	// running but its PID is gone.
	StatusDead Status = "dead"
)

// Phase is the harness state machine position.
type Phase string

const (
	PhaseWorking         Phase = "working"
	PhaseBlocked         Phase = "blocked"
	PhaseAwaitingCouncil Phase = "awaiting_council"
	PhaseNeedsKingReview Phase = "needs_king_review"
	PhaseDone            Phase = "done"
)

// Terminal reports whether the harness loop stops in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseNeedsKingReview || p == PhaseDone
}

// Mode is how a peasant's workspace was provisioned.
type Mode string

const (
	ModeWorktree Mode = "worktree"
	ModeHand     Mode = "hand"
)

// AgentState is one session record.
type AgentState struct {
	Name     string `json:"name"`
	Agent    string `json:"agent,omitempty"`
	Backend  string `json:"backend,omitempty"`
	ResumeID string `json:"resume_id,omitempty"`

	Status Status `json:"status,omitempty"`
	PID    int    `json:"pid,omitempty"`

	Ticket   string `json:"ticket,omitempty"`
	Thread   string `json:"thread,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Feature  string `json:"feature,omitempty"`
	StartSHA string `json:"start_sha,omitempty"`

	Phase             Phase  `json:"phase,omitempty"`
	Iteration         int    `json:"iteration,omitempty"`
	LastSeenSeq       int    `json:"last_seen_seq,omitempty"`
	ReviewBounceCount int    `json:"review_bounce_count,omitempty"`
	LastReviewSHA     string `json:"last_review_sha,omitempty"`
	Escalation        string `json:"escalation,omitempty"`
	LastError         string `json:"last_error,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Running reports whether the record claims a live process.
func (s AgentState) Running() bool {
	return s.Status == StatusWorking || s.Status == StatusBlocked
}

// PeasantName returns the session name of the peasant working ticketID.
func PeasantName(ticketID string) string { return "peasant-" + ticketID }

// CouncilName returns the session name of a council member.
func CouncilName(agent string) string { return "council-" + agent }

// Store manages the session records in one directory.
type Store struct {
	dir   string
	now   func() time.Time
	alive func(pid int) bool
}

// NewStore creates a Store over dir. The directory is created on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now, alive: state.IsAlive}
}

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid session name %q: %w", name, kerrors.ErrInvalidInput)
	}
	return nil
}

// Get returns the record for name. A missing record returns a zero state with
// Name set and found false.
func (s *Store) Get(name string) (st AgentState, found bool, err error) {
	if err := s.checkName(name); err != nil {
		return AgentState{}, false, err
	}
	err = state.ReadJSON(s.path(name), &st)
	if errors.Is(err, os.ErrNotExist) {
		return AgentState{Name: name}, false, nil
	}
	if err != nil {
		return AgentState{}, false, err
	}
	if st.Name == "" {
		st.Name = name
	}
	return st, true, nil
}

// Update applies fn to the record under its lock and stamps UpdatedAt.
func (s *Store) Update(name string, fn func(*AgentState) error) (AgentState, error) {
	if err := s.checkName(name); err != nil {
		return AgentState{}, err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return AgentState{}, err
	}
	return state.LockedUpdate(s.path(name), func(st *AgentState) error {
		if err := fn(st); err != nil {
			return err
		}
		st.Name = name
		st.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Set merges fields into the record by JSON key, leaving all other keys,
// including unknown ones, untouched. A nil value removes the key.
func (s *Store) Set(name string, fields map[string]any) error {
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	merged := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["name"] = name
	merged["updated_at"] = s.now().UTC()
	return state.MergeFields(s.path(name), merged)
}

// ClearResume forgets the backend resume token so the next invocation starts
// a fresh conversation.
func (s *Store) ClearResume(name string) error {
	return s.Set(name, map[string]any{"resume_id": nil})
}

// Reset deletes the record. Resetting a missing record is not an error.
func (s *Store) Reset(name string) error {
	if err := s.checkName(name); err != nil {
		return err
	}
	lock := state.LockFor(s.path(name))
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every record, sorted by name. Unreadable records are skipped.
func (s *Store) List() ([]AgentState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []AgentState
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || strings.HasPrefix(name, ".") {
			continue
		}
		st, found, err := s.Get(name)
		if err != nil || !found {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Liveness returns the record's status, substituting StatusDead when the
// record claims a running process whose PID no longer exists.
func (s *Store) Liveness(st AgentState) Status {
	if st.Running() && !s.alive(st.PID) {
		return StatusDead
	}
	if st.Status == "" {
		return StatusIdle
	}
	return st.Status
}

// IsDead reports whether the record claims a running process that is gone.
func (s *Store) IsDead(st AgentState) bool {
	return s.Liveness(st) == StatusDead
}
