package ticket

import (
	"os"
	"path/filepath"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
)

// Find looks for id (with or without the "kin-" prefix) in each directory in
// order and loads the first match.
func Find(id string, dirs ...string) (*Ticket, error) {
	id = NormalizeID(id)
	for _, dir := range dirs {
		path := filepath.Join(dir, id+".md")
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, kerrors.NewNotFoundError("ticket", id).WithCause(kerrors.ErrTicketNotFound)
}

// Known indexes every ticket found in dirs, for dependency checks. Earlier
// directories win on duplicate ids.
func Known(dirs ...string) (map[string]*Ticket, error) {
	known := make(map[string]*Ticket)
	for _, dir := range dirs {
		tickets, _, err := List(dir, Filter{})
		if err != nil {
			return nil, err
		}
		for _, t := range tickets {
			if _, dup := known[t.ID]; !dup {
				known[t.ID] = t
			}
		}
	}
	return known, nil
}
