package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ReadJSON decodes the JSON document at path into v. A missing file yields an
// error wrapping os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON. It does not take the lock;
// callers racing with LockedUpdate should use LockedUpdate instead.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return AtomicWrite(path, append(data, '\n'))
}

// LockedUpdate performs a read-modify-write of the JSON document at path while
// holding its sidecar lock. A missing file starts from the zero value of T.
// If fn returns an error nothing is written and the error is returned.
func LockedUpdate[T any](path string, fn func(*T) error) (T, error) {
	var value T

	lock := LockFor(path)
	if err := lock.Lock(); err != nil {
		return value, err
	}
	defer func() { _ = lock.Unlock() }()

	if err := ReadJSON(path, &value); err != nil && !errors.Is(err, os.ErrNotExist) {
		return value, err
	}
	if err := fn(&value); err != nil {
		return value, err
	}
	if err := WriteJSON(path, &value); err != nil {
		return value, err
	}
	return value, nil
}

// MergeFields sets top-level keys of the JSON object at path while holding its
// lock. Keys not named in fields are preserved exactly, including ones this
// program does not know about. A nil value deletes the key.
func MergeFields(path string, fields map[string]any) error {
	return UpdateFields(path, func(doc map[string]json.RawMessage) error {
		for k, v := range fields {
			if v == nil {
				delete(doc, k)
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode field %s: %w", k, err)
			}
			doc[k] = raw
		}
		return nil
	})
}

// UpdateFields is LockedUpdate over the raw top-level keys of the JSON object
// at path, so fn can decide what to write from what is there without
// dropping keys it does not know. A missing file or a literal null starts
// from an empty object.
func UpdateFields(path string, fn func(doc map[string]json.RawMessage) error) error {
	lock := LockFor(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	doc := map[string]json.RawMessage{}
	if err := ReadJSON(path, &doc); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// A literal null decodes to a nil map.
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	if err := fn(doc); err != nil {
		return err
	}
	return WriteJSON(path, doc)
}
