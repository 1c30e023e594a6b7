package peasant

import (
	"fmt"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
	"github.com/Iron-Ham/kingdom/internal/ticket"
)

// Accept merges a reviewed ticket into the feature branch, closes it and
// archives it. The feature branch is checked out first if needed; the merge
// never lands on whatever branch happens to be current.
func (m *Manager) Accept(ticketID string) error {
	st, err := m.record(ticketID)
	if err != nil {
		return err
	}
	unlock, err := m.opts.Sessions.LaunchLock(st.Name)
	if err != nil {
		return err
	}
	defer unlock()

	if running, pid := m.running(st.Name); running {
		return fmt.Errorf("%s is still working (pid %d): %w", st.Name, pid, kerrors.ErrAlreadyRunning)
	}
	t, err := ticket.Find(st.Ticket, m.ticketsDir())
	if err != nil {
		return err
	}

	root := m.opts.Git.Root()
	if err := m.opts.Git.RequireBranch(root, m.opts.Branch); err != nil {
		if !kerrors.Is(err, kerrors.ErrWrongBranch) {
			return err
		}
		m.log.Info("checking out feature branch before merge", "branch", m.opts.Branch)
		if err := m.opts.Git.Checkout(m.opts.Branch); err != nil {
			return err
		}
		if err := m.opts.Git.RequireBranch(root, m.opts.Branch); err != nil {
			return err
		}
	}

	if st.Mode == session.ModeWorktree {
		dirty, err := m.opts.Git.HasUncommittedChanges(st.Workdir)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("worktree %s has uncommitted changes: %w", st.Workdir, kerrors.ErrDirtyWorktree)
		}
		if err := m.opts.Git.Merge(root, st.Branch, fmt.Sprintf("Merge %s: %s", t.ID, t.Title())); err != nil {
			return err
		}
	}

	if _, err := ticket.Update(t.Path, func(t *ticket.Ticket) error {
		t.AppendWorklog(m.now(), "Accepted by the King.")
		return t.SetStatus(ticket.StatusClosed)
	}); err != nil {
		return err
	}
	closed, err := ticket.Load(t.Path)
	if err != nil {
		return err
	}
	if err := closed.Move(m.opts.Layout.ArchiveTicketsDir(m.opts.Branch)); err != nil {
		return err
	}

	if _, err := m.opts.Threads.Add(st.Thread, thread.King, st.Name, "Accepted and merged."); err != nil {
		m.log.Warn("failed to post acceptance", "error", err)
	}
	if _, err := m.opts.Sessions.Update(st.Name, func(s *session.AgentState) error {
		s.Phase = session.PhaseDone
		s.Status = session.StatusDone
		s.Escalation = ""
		return nil
	}); err != nil {
		return err
	}
	m.log.Info("ticket accepted", "ticket_id", t.ID)
	return nil
}

// Rejected is the outcome of Reject.
type Rejected struct {
	Message    thread.Message
	Relaunched bool
	PID        int
}

// Reject sends the work back with feedback. A live harness picks the
// feedback up on its next iteration; otherwise the harness is relaunched.
// The liveness check and the launch happen under the launch lock so the
// loop is never started twice.
func (m *Manager) Reject(ticketID, feedback string) (Rejected, error) {
	if feedback == "" {
		return Rejected{}, fmt.Errorf("reject needs feedback: %w", kerrors.ErrInvalidInput)
	}
	st, err := m.record(ticketID)
	if err != nil {
		return Rejected{}, err
	}
	unlock, err := m.opts.Sessions.LaunchLock(st.Name)
	if err != nil {
		return Rejected{}, err
	}
	defer unlock()

	msg, err := m.opts.Threads.Add(st.Thread, thread.King, st.Name, "Rejected:\n\n"+feedback)
	if err != nil {
		return Rejected{}, err
	}
	if t, err := ticket.Find(st.Ticket, m.ticketsDir()); err == nil {
		if _, err := ticket.Update(t.Path, func(t *ticket.Ticket) error {
			t.AppendWorklog(m.now(), "Rejected by the King: "+feedback)
			if t.Status == ticket.StatusInReview {
				return t.SetStatus(ticket.StatusInProgress)
			}
			return nil
		}); err != nil {
			return Rejected{}, err
		}
	}

	if err := m.prepareRelaunch(st.Name, m.opts.Config.Peasant.ResetBouncesOnReject); err != nil {
		return Rejected{}, err
	}
	res := Rejected{Message: msg}
	if running, _ := m.running(st.Name); running {
		m.log.Info("harness alive; it will read the rejection", "session", st.Name)
		return res, nil
	}
	pid, err := m.launch(st.Name, st.Ticket, st.Workdir)
	if err != nil {
		return res, err
	}
	res.Relaunched, res.PID = true, pid
	return res, nil
}

// Sync merges the feature branch into a ticket's worktree so the peasant
// works against the latest integrated code.
func (m *Manager) Sync(ticketID string) error {
	st, err := m.record(ticketID)
	if err != nil {
		return err
	}
	if st.Mode != session.ModeWorktree {
		return fmt.Errorf("%s works in place; nothing to sync: %w", st.Name, kerrors.ErrInvalidInput)
	}
	if running, _ := m.running(st.Name); running {
		return fmt.Errorf("stop %s before syncing: %w", st.Name, kerrors.ErrAlreadyRunning)
	}
	dirty, err := m.opts.Git.HasUncommittedChanges(st.Workdir)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("worktree %s has uncommitted changes: %w", st.Workdir, kerrors.ErrDirtyWorktree)
	}
	return m.opts.Git.Merge(st.Workdir, m.opts.Branch, "Sync "+m.opts.Branch)
}

// Clean removes a stopped peasant's worktree and archives its stream files.
// Uncommitted work blocks removal unless force is set.
func (m *Manager) Clean(ticketID string, force bool) error {
	st, err := m.record(ticketID)
	if err != nil {
		return err
	}
	if running, _ := m.running(st.Name); running {
		return fmt.Errorf("stop %s before cleaning: %w", st.Name, kerrors.ErrAlreadyRunning)
	}
	if st.Mode == session.ModeWorktree && st.Workdir != "" {
		dirty, err := m.opts.Git.HasUncommittedChanges(st.Workdir)
		if err != nil && !force {
			return err
		}
		if dirty && !force {
			return fmt.Errorf("worktree %s has uncommitted changes: %w", st.Workdir, kerrors.ErrDirtyWorktree)
		}
		if err := m.opts.Git.Remove(st.Workdir); err != nil && !kerrors.Is(err, kerrors.ErrWorktreeNotFound) {
			return err
		}
	}
	n, err := thread.ArchiveStreams(st.Thread)
	if err != nil {
		return err
	}
	m.log.Info("peasant cleaned", "session", st.Name, "streams_archived", n)

	_, err = m.opts.Sessions.Update(st.Name, func(s *session.AgentState) error {
		if s.Mode == session.ModeWorktree {
			s.Workdir = ""
		}
		s.PID = 0
		if s.Running() {
			s.Status = session.StatusStopped
		}
		return nil
	})
	return err
}
