package session

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/Iron-Ham/kingdom/internal/state"
)

// BranchState is the subset of the branch's shared state.json this program
// reads. Other keys in the file are preserved by every write.
type BranchState struct {
	CurrentThread  string `json:"current_thread,omitempty"`
	DesignApproved bool   `json:"design_approved,omitempty"`
}

// ReadBranchState reads state.json at path. A missing file is an empty state.
func ReadBranchState(path string) (BranchState, error) {
	var bs BranchState
	if err := state.ReadJSON(path, &bs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return bs, err
	}
	return bs, nil
}

// SetCurrentThread records the branch's active council thread. An empty id
// clears it.
func SetCurrentThread(path, threadID string) error {
	var v any
	if threadID != "" {
		v = threadID
	}
	return state.MergeFields(path, map[string]any{"current_thread": v})
}

// EnsureCurrentThread returns the branch's current council thread, calling
// create to start one when there is none, when exists rejects the recorded
// id, or when fresh is set. The check and the record happen under the
// state.json lock, so concurrent callers agree on a single thread.
func EnsureCurrentThread(path string, fresh bool, exists func(id string) bool, create func() (string, error)) (string, error) {
	var id string
	err := state.UpdateFields(path, func(doc map[string]json.RawMessage) error {
		if raw, ok := doc["current_thread"]; ok && !fresh {
			var cur string
			if err := json.Unmarshal(raw, &cur); err == nil && cur != "" && exists(cur) {
				id = cur
				return nil
			}
		}
		created, err := create()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(created)
		if err != nil {
			return err
		}
		doc["current_thread"] = raw
		id = created
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetDesignApproved records whether the branch design has been approved.
func SetDesignApproved(path string, approved bool) error {
	return state.MergeFields(path, map[string]any{"design_approved": approved})
}
