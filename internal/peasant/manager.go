// Package peasant provisions and supervises peasants: harness processes
// that work one ticket each. It decides when a harness may be launched,
// checks liveness, relays the King's messages, and applies the King's
// accept or reject decision.
package peasant

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/kingdom/internal/config"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/layout"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/state"
	"github.com/Iron-Ham/kingdom/internal/thread"
	"github.com/Iron-Ham/kingdom/internal/ticket"
	"github.com/Iron-Ham/kingdom/internal/worktree"
)

// Git is the repository access the manager needs. *worktree.Repo
// implements it.
type Git interface {
	Root() string
	Create(path, branch, base string) error
	Remove(path string) error
	Checkout(branch string) error
	RequireBranch(path, want string) error
	Merge(path, branch, message string) error
	HasUncommittedChanges(path string) (bool, error)
}

var _ Git = (*worktree.Repo)(nil)

// Options configures a Manager.
type Options struct {
	Layout layout.Layout
	// Branch is the feature branch: the state directory and merge target.
	Branch   string
	Config   *config.Config
	Git      Git
	Sessions *session.Store
	Threads  *thread.Store
	Launcher Launcher
	Logger   *logging.Logger
}

// Manager runs peasant operations for one feature branch.
type Manager struct {
	opts   Options
	log    *logging.Logger
	alive  func(pid int) bool
	signal func(pid int, sig syscall.Signal) error
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Launcher == nil {
		opts.Launcher = DetachedLauncher{}
	}
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		alive:  state.IsAlive,
		signal: syscall.Kill,
		now:    time.Now,
	}
}

// StartOptions selects how a peasant is started.
type StartOptions struct {
	TicketID string
	Mode     session.Mode
	Agent    string
	// Force starts even when dependencies are not closed.
	Force bool
}

// Started describes a launched peasant.
type Started struct {
	Session   string
	TicketID  string
	PID       int
	ThreadID  string
	ThreadDir string
	Workdir   string
	Branch    string
}

func (m *Manager) ticketsDir() string { return m.opts.Layout.TicketsDir(m.opts.Branch) }

// findTicket locates a ticket in the branch, then the backlog.
func (m *Manager) findTicket(id string) (*ticket.Ticket, error) {
	return ticket.Find(id, m.ticketsDir(), m.opts.Layout.BacklogTicketsDir())
}

// Start provisions a workspace for the ticket and launches its harness in
// the background. Launch decisions for one ticket are serialized, and a
// ticket whose harness is alive is refused with ErrAlreadyRunning.
func (m *Manager) Start(opts StartOptions) (Started, error) {
	t, err := m.findTicket(opts.TicketID)
	if err != nil {
		return Started{}, err
	}
	agentName := opts.Agent
	if agentName == "" {
		agentName = m.opts.Config.Peasant.Agent
	}
	agentCfg, ok := m.opts.Config.Agent(agentName)
	if !ok {
		return Started{}, fmt.Errorf("%w: %s", kerrors.ErrUnknownAgent, agentName)
	}
	if opts.Mode == "" {
		opts.Mode = session.ModeWorktree
	}
	if !opts.Force {
		if err := m.checkDeps(t); err != nil {
			return Started{}, err
		}
	}
	if t.Status == ticket.StatusClosed {
		return Started{}, fmt.Errorf("ticket %s is closed: %w", t.ID, kerrors.ErrInvalidTransition)
	}

	name := session.PeasantName(t.ID)
	unlock, err := m.opts.Sessions.LaunchLock(name)
	if err != nil {
		return Started{}, err
	}
	defer unlock()

	if running, pid := m.running(name); running {
		return Started{}, fmt.Errorf("%s (pid %d): %w", name, pid, kerrors.ErrAlreadyRunning)
	}

	// Backlog tickets join the branch when work starts.
	if filepath.Dir(t.Path) != m.ticketsDir() {
		if err := t.Move(m.ticketsDir()); err != nil {
			return Started{}, err
		}
	}

	workdir, branch, err := m.provision(t.ID, opts.Mode)
	if err != nil {
		return Started{}, err
	}

	threadDir := m.opts.Layout.ThreadDir(m.opts.Branch, t.ID)
	if _, err := m.opts.Threads.Create(threadDir, thread.Meta{
		ID: t.ID, Kind: thread.KindPeasant, Members: []string{name}, Ticket: t.ID,
	}); err != nil {
		return Started{}, err
	}

	if _, err := m.opts.Sessions.Update(name, func(s *session.AgentState) error {
		s.Agent = agentName
		s.Backend = agentCfg.Backend
		s.Ticket = t.ID
		s.Thread = threadDir
		s.Mode = opts.Mode
		s.Workdir = workdir
		s.Branch = branch
		s.Feature = m.opts.Branch
		s.LastError = ""
		return nil
	}); err != nil {
		return Started{}, err
	}

	pid, err := m.launch(name, t.ID, workdir)
	if err != nil {
		return Started{}, err
	}
	m.log.Info("peasant started", "ticket_id", t.ID, "pid", pid, "mode", string(opts.Mode), "workdir", workdir)
	return Started{
		Session:   name,
		TicketID:  t.ID,
		PID:       pid,
		ThreadID:  t.ID,
		ThreadDir: threadDir,
		Workdir:   workdir,
		Branch:    branch,
	}, nil
}

func (m *Manager) checkDeps(t *ticket.Ticket) error {
	if len(t.Deps) == 0 {
		return nil
	}
	known, err := ticket.Known(m.ticketsDir(), m.opts.Layout.ArchiveTicketsDir(m.opts.Branch), m.opts.Layout.BacklogTicketsDir())
	if err != nil {
		return err
	}
	if err := ticket.ResolveDeps(t, known); err != nil {
		return err
	}
	var open []string
	for _, d := range t.Deps {
		if known[d].Status != ticket.StatusClosed {
			open = append(open, d)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("ticket %s waits on %s: %w", t.ID, strings.Join(open, ", "), kerrors.ErrUnresolvedDependency)
	}
	return nil
}

// provision returns the workdir and branch for a ticket, creating a
// worktree in worktree mode. An existing worktree for the ticket is reused.
func (m *Manager) provision(ticketID string, mode session.Mode) (workdir, branch string, err error) {
	switch mode {
	case session.ModeHand:
		return m.opts.Git.Root(), m.opts.Branch, nil
	case session.ModeWorktree:
		path := m.opts.Layout.WorktreePath(ticketID)
		branch = worktree.BranchFor(ticketID)
		if _, statErr := os.Stat(path); statErr == nil {
			return path, branch, nil
		}
		if err := m.opts.Git.Create(path, branch, m.opts.Branch); err != nil {
			return "", "", err
		}
		return path, branch, nil
	default:
		return "", "", fmt.Errorf("unknown mode %q: %w", mode, kerrors.ErrInvalidInput)
	}
}

// launch starts `kd work` for the ticket and records the PID. Callers hold
// the launch lock.
func (m *Manager) launch(name, ticketID, workdir string) (int, error) {
	if workdir == "" {
		return 0, fmt.Errorf("%s has no workspace; start it again: %w", name, kerrors.ErrWorktreeNotFound)
	}
	spec := LaunchSpec{
		Args:    []string{"work", ticketID, "--base", m.opts.Layout.Root, "--branch", m.opts.Branch},
		Dir:     workdir,
		LogPath: filepath.Join(m.opts.Layout.LogsDir(m.opts.Branch), name+".out"),
	}
	pid, err := m.opts.Launcher.Launch(spec)
	if err != nil {
		return 0, err
	}
	// Recorded before the child takes its run lock, so a concurrent launcher
	// sees it as alive in the meantime.
	if _, err := m.opts.Sessions.Update(name, func(s *session.AgentState) error {
		s.PID = pid
		s.Status = session.StatusWorking
		s.StartedAt = m.now().UTC()
		return nil
	}); err != nil {
		return pid, err
	}
	return pid, nil
}

// running reports whether a harness for name is alive: either it holds its
// run lock, or the record's PID is a live process that may not have taken
// the lock yet.
func (m *Manager) running(name string) (bool, int) {
	st, _, err := m.opts.Sessions.Get(name)
	if err != nil {
		return false, 0
	}
	if m.opts.Sessions.HarnessRunning(name) {
		return true, st.PID
	}
	if st.Running() && st.PID > 0 && m.alive(st.PID) {
		return true, st.PID
	}
	return false, st.PID
}

// Stop sends SIGTERM to a running harness.
func (m *Manager) Stop(ticketID string) (int, error) {
	name := session.PeasantName(ticket.NormalizeID(ticketID))
	running, pid := m.running(name)
	if !running || pid <= 0 {
		if _, err := m.opts.Sessions.Update(name, func(s *session.AgentState) error {
			if s.Running() {
				s.Status = session.StatusStopped
			}
			return nil
		}); err != nil {
			m.log.Warn("failed to mark stopped", "session", name, "error", err)
		}
		return 0, fmt.Errorf("%s: %w", name, kerrors.ErrNotRunning)
	}
	if err := m.signal(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal %s (pid %d): %w", name, pid, err)
	}
	m.log.Info("peasant stopped", "session", name, "pid", pid)
	return pid, nil
}

// Row is one line of `peasant status`.
type Row struct {
	Session    string
	TicketID   string
	Agent      string
	Status     session.Status
	Phase      session.Phase
	Iteration  int
	Bounces    int
	Escalation string
	Mode       session.Mode
	PID        int
	UpdatedAt  time.Time
}

// Status lists every peasant on the branch. A record that claims a running
// process whose PID is gone is reported as dead.
func (m *Manager) Status() ([]Row, error) {
	all, err := m.opts.Sessions.List()
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, st := range all {
		if !strings.HasPrefix(st.Name, "peasant-") {
			continue
		}
		status := m.opts.Sessions.Liveness(st)
		if m.opts.Sessions.HarnessRunning(st.Name) {
			status = session.StatusWorking
			if st.Status == session.StatusBlocked {
				status = session.StatusBlocked
			}
		}
		rows = append(rows, Row{
			Session:    st.Name,
			TicketID:   st.Ticket,
			Agent:      st.Agent,
			Status:     status,
			Phase:      st.Phase,
			Iteration:  st.Iteration,
			Bounces:    st.ReviewBounceCount,
			Escalation: st.Escalation,
			Mode:       st.Mode,
			PID:        st.PID,
			UpdatedAt:  st.UpdatedAt,
		})
	}
	return rows, nil
}

// Sent is the outcome of Message.
type Sent struct {
	Message thread.Message
	// Dead is set when no harness is alive to read the message.
	Dead       bool
	Relaunched bool
	PID        int
}

// Message posts a directive from the King to a peasant's thread. If the
// harness is not alive the message waits in the thread; with relaunch set
// the harness is started again to pick it up.
func (m *Manager) Message(ticketID, text string, relaunch bool) (Sent, error) {
	st, err := m.record(ticketID)
	if err != nil {
		return Sent{}, err
	}
	unlock, err := m.opts.Sessions.LaunchLock(st.Name)
	if err != nil {
		return Sent{}, err
	}
	defer unlock()

	msg, err := m.opts.Threads.Add(st.Thread, thread.King, st.Name, text)
	if err != nil {
		return Sent{}, err
	}
	sent := Sent{Message: msg}
	if running, _ := m.running(st.Name); running {
		return sent, nil
	}
	sent.Dead = true
	if !relaunch {
		return sent, nil
	}
	if err := m.prepareRelaunch(st.Name, false); err != nil {
		return sent, err
	}
	pid, err := m.launch(st.Name, st.Ticket, st.Workdir)
	if err != nil {
		return sent, err
	}
	sent.Relaunched, sent.PID = true, pid
	return sent, nil
}

// record loads the session of a started peasant.
func (m *Manager) record(ticketID string) (session.AgentState, error) {
	id := ticket.NormalizeID(ticketID)
	st, found, err := m.opts.Sessions.Get(session.PeasantName(id))
	if err != nil {
		return session.AgentState{}, err
	}
	if !found || st.Thread == "" {
		return session.AgentState{}, kerrors.NewNotFoundError("peasant", id).WithCause(kerrors.ErrNotRunning)
	}
	return st, nil
}

// prepareRelaunch puts a stopped loop back to work.
func (m *Manager) prepareRelaunch(name string, resetBounces bool) error {
	_, err := m.opts.Sessions.Update(name, func(s *session.AgentState) error {
		if s.Phase.Terminal() || s.Phase == session.PhaseBlocked || s.Phase == "" {
			s.Phase = session.PhaseWorking
		}
		s.Iteration = 0
		s.Escalation = ""
		if resetBounces {
			s.ReviewBounceCount = 0
		}
		return nil
	})
	return err
}

// LogPaths returns the harness log and the captured process output for a
// ticket.
func (m *Manager) LogPaths(ticketID string) (harnessLog, output string) {
	name := session.PeasantName(ticket.NormalizeID(ticketID))
	dir := m.opts.Layout.LogsDir(m.opts.Branch)
	return filepath.Join(dir, name+".log"), filepath.Join(dir, name+".out")
}
