// Package fileutil provides common file I/O utilities for JSON operations.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// pathLocks serializes concurrent UpdateJSONAtomic calls against the same
// path within this process. It does not protect against other processes
// writing the same file; the pending-prompt store is single-process.
var (
	pathLocks   = map[string]*sync.Mutex{}
	pathLocksMu sync.Mutex
)

func lockFor(path string) *sync.Mutex {
	pathLocksMu.Lock()
	defer pathLocksMu.Unlock()
	l, ok := pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		pathLocks[path] = l
	}
	return l
}

// ReadJSON reads a JSON file and unmarshals it into the provided value.
// The value must be a pointer to the target type.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// WriteJSON writes a value to a JSON file with pretty-printing.
// This is a simple write operation without atomicity guarantees.
func WriteJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteJSONAtomic writes a value to a JSON file atomically with pretty-printing.
// It writes to a temporary file, syncs to disk, then renames to the target path.
// This ensures the file is either fully written or not modified at all.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return WriteFileAtomic(path, data, perm)
}

// WriteFileAtomic writes data to path via a temp file, fsync, and rename,
// the same write-visibility guarantee WriteJSONAtomic gives JSON documents,
// for callers writing some other encoding (e.g. YAML config).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	// Write to temp file first
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to ensure data is on disk before rename
	f, err := os.Open(tmpPath)
	if err == nil {
		_ = f.Sync()
		f.Close()
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up temp file
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// UpdateJSONAtomic loads the JSON file at path into a fresh value of the type
// pointed to by zero, passes it to fn for in-place mutation, then writes the
// result back atomically via WriteJSONAtomic. If the file does not exist,
// fn receives zero's zero value (a fresh, empty document) rather than an
// error, so callers can use this to both create and update a store file.
//
// UpdateJSONAtomic serializes concurrent callers for the same path within
// this process; it is the building block the pending-prompt store uses for
// its save/remove/reap read-modify-write operations.
func UpdateJSONAtomic(path string, zero any, perm os.FileMode, fn func(v any) error) error {
	lock := lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, zero); err != nil {
			return fmt.Errorf("parse existing JSON at %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := fn(zero); err != nil {
		return err
	}

	return WriteJSONAtomic(path, zero, perm)
}
