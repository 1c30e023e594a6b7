package ticket

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
)

func writeTicket(t *testing.T, dir, id string, status Status, priority int, deps ...string) *Ticket {
	t.Helper()

	tk := &Ticket{
		ID:       id,
		Status:   status,
		Deps:     deps,
		Priority: priority,
		Type:     "task",
		Created:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Body:     "# Ticket " + id,
		Path:     filepath.Join(dir, id+".md"),
	}
	if err := tk.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return tk
}

func TestCreateAndLoad(t *testing.T) {
	dir := t.TempDir()

	created, err := Create(dir, "Add login", CreateOptions{Deps: []string{"kin-0000"}, Body: "Details here."})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(created.ID, IDPrefix) || len(created.ID) != len(IDPrefix)+4 {
		t.Errorf("ID = %q, want kin-xxxx", created.ID)
	}

	loaded, err := Load(created.Path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status != StatusOpen || loaded.Priority != DefaultPriority || loaded.Type != "task" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Title() != "Add login" {
		t.Errorf("Title() = %q", loaded.Title())
	}
	if !strings.Contains(loaded.Body, "Details here.") {
		t.Errorf("Body = %q", loaded.Body)
	}
	if len(loaded.Deps) != 1 || loaded.Deps[0] != "kin-0000" {
		t.Errorf("Deps = %v", loaded.Deps)
	}
	if !loaded.Created.Equal(created.Created) {
		t.Errorf("Created = %v, want %v", loaded.Created, created.Created)
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "kin-none.md"))
	if !errors.Is(err, kerrors.ErrTicketNotFound) {
		t.Errorf("Load() error = %v, want ErrTicketNotFound", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusInProgress, StatusInReview, true},
		{StatusInReview, StatusClosed, true},
		{StatusInReview, StatusInProgress, true},
		{StatusClosed, StatusOpen, true},
		{StatusOpen, StatusInReview, false},
		{StatusClosed, StatusInProgress, false},
		{StatusOpen, StatusOpen, true},
		{Status("bogus"), Status("bogus"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	tk := &Ticket{ID: "kin-1", Status: StatusOpen}
	if err := tk.SetStatus(StatusInReview); !errors.Is(err, kerrors.ErrInvalidTransition) {
		t.Errorf("SetStatus() error = %v, want ErrInvalidTransition", err)
	}
	if tk.Status != StatusOpen {
		t.Error("failed SetStatus must not change the status")
	}
}

func TestList_OrderAndFilter(t *testing.T) {
	dir := t.TempDir()
	writeTicket(t, dir, "kin-bbbb", StatusOpen, 2)
	writeTicket(t, dir, "kin-aaaa", StatusOpen, 2)
	writeTicket(t, dir, "kin-cccc", StatusClosed, 1)
	if err := os.WriteFile(filepath.Join(dir, "kin-bad.md"), []byte("no header"), 0644); err != nil {
		t.Fatal(err)
	}

	all, errs, err := List(dir, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v, want one parse error", errs)
	}
	var ids []string
	for _, tk := range all {
		ids = append(ids, tk.ID)
	}
	if strings.Join(ids, ",") != "kin-cccc,kin-aaaa,kin-bbbb" {
		t.Errorf("order = %v", ids)
	}

	open, _, _ := List(dir, Filter{Status: StatusOpen})
	if len(open) != 2 {
		t.Errorf("open = %d, want 2", len(open))
	}

	byGlob, _, err := List(dir, Filter{Pattern: "kin-a*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byGlob) != 1 || byGlob[0].ID != "kin-aaaa" {
		t.Errorf("glob filter = %v", byGlob)
	}

	byTitle, _, _ := List(dir, Filter{Pattern: "Ticket kin-c*"})
	if len(byTitle) != 1 {
		t.Errorf("title glob = %d, want 1", len(byTitle))
	}
}

func TestList_MissingDir(t *testing.T) {
	got, _, err := List(filepath.Join(t.TempDir(), "nope"), Filter{})
	if err != nil || got != nil {
		t.Errorf("List(missing) = %v, %v", got, err)
	}
}

func TestReadyAndDeps(t *testing.T) {
	dir := t.TempDir()
	done := writeTicket(t, dir, "kin-0001", StatusClosed, 2)
	blocked := writeTicket(t, dir, "kin-0002", StatusOpen, 2, "kin-0003")
	dep := writeTicket(t, dir, "kin-0003", StatusInProgress, 2)
	free := writeTicket(t, dir, "kin-0004", StatusOpen, 2, "kin-0001")
	orphan := writeTicket(t, dir, "kin-0005", StatusOpen, 2, "kin-9999")

	known := Index([]*Ticket{done, blocked, dep, free, orphan})
	ready := Ready([]*Ticket{done, blocked, dep, free, orphan}, known)
	if len(ready) != 1 || ready[0].ID != "kin-0004" {
		t.Errorf("Ready() = %v, want [kin-0004]", ready)
	}

	if err := ResolveDeps(free, known); err != nil {
		t.Errorf("ResolveDeps(free) error = %v", err)
	}
	if err := ResolveDeps(orphan, known); !errors.Is(err, kerrors.ErrUnresolvedDependency) {
		t.Errorf("ResolveDeps(orphan) error = %v, want ErrUnresolvedDependency", err)
	}
}

func TestFindAndMove(t *testing.T) {
	branch := t.TempDir()
	backlog := t.TempDir()
	archive := filepath.Join(t.TempDir(), "archive")
	writeTicket(t, backlog, "kin-beef", StatusOpen, 2)

	tk, err := Find("beef", branch, backlog)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if filepath.Dir(tk.Path) != backlog {
		t.Errorf("found in %s, want backlog", tk.Path)
	}

	if err := tk.Move(archive); err != nil {
		t.Fatal(err)
	}
	if _, err := Find("kin-beef", branch, backlog); !errors.Is(err, kerrors.ErrTicketNotFound) {
		t.Errorf("ticket should no longer be in backlog: %v", err)
	}
	if _, err := Find("kin-beef", archive); err != nil {
		t.Errorf("Find(archive) error = %v", err)
	}

	known, err := Known(branch, backlog, archive)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := known["kin-beef"]; !ok {
		t.Error("Known() should include archived tickets")
	}
}

func TestUpdate_Concurrent(t *testing.T) {
	dir := t.TempDir()
	tk := writeTicket(t, dir, "kin-0001", StatusInProgress, 2)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			_, err := Update(tk.Path, func(t *Ticket) error {
				t.AppendWorklog(time.Unix(int64(i), 0), "entry")
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	got, err := Load(tk.Path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(got.Worklog(), "- "); n != 10 {
		t.Errorf("worklog has %d entries, want 10 (lost updates)", n)
	}
}

func TestAppendWorklog(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)

	tk := &Ticket{Body: "# Title\n\nDescription."}
	tk.AppendWorklog(at, "first")
	tk.AppendWorklog(at, "second\nwith detail")
	want := "# Title\n\nDescription.\n\n## Worklog\n\n- 2026-03-04 05:06 first\n- 2026-03-04 05:06 second\n  with detail"
	if tk.Body != want {
		t.Errorf("Body =\n%s\nwant\n%s", tk.Body, want)
	}

	tk = &Ticket{Body: "# T\n\n## Worklog\n\n- old\n\n## Notes\n\nkeep"}
	tk.AppendWorklog(at, "new")
	if !strings.Contains(tk.Body, "- old\n- 2026-03-04 05:06 new\n\n## Notes\n\nkeep") {
		t.Errorf("entry not inserted before the next section:\n%s", tk.Body)
	}
	if wl := tk.Worklog(); !strings.HasSuffix(wl, "new") || strings.Contains(wl, "keep") {
		t.Errorf("Worklog() = %q", wl)
	}

	tk.AppendWorklog(at, "   ")
	if strings.Count(tk.Body, "- ") != 2 {
		t.Error("blank entries should be ignored")
	}
}
