// Package appdir locates the local data directory the session client uses
// for persisted state: UI preferences, the last-active session, the
// per-session last-seen sequence map, and the pending-prompt store.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the resolved data directory.
	DirEnv = "SESSIONCORE_DIR"

	// PreferencesFileName stores UI preferences and last-active-session pointers.
	PreferencesFileName = "preferences.json"

	// PendingPromptsFileName stores the durable pending-prompt queue (§4.2).
	PendingPromptsFileName = "pending_prompts.json"

	// SeqCacheFileName stores the per-session last-seen-seq map (§6 persisted local state).
	SeqCacheFileName = "last_seen_seq.json"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the client's local data directory.
//
// Resolution order:
//  1. SESSIONCORE_DIR environment variable, if set.
//  2. Platform default:
//     - macOS: ~/Library/Application Support/SessionCore
//     - Windows: %APPDATA%\SessionCore
//     - Linux/other: $XDG_DATA_HOME/sessioncore or ~/.local/share/sessioncore
//
// Dir only computes the path; it does not create it. Use EnsureDir for that.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "SessionCore"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "SessionCore"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "sessioncore"), nil
	}
}

// EnsureDir creates the data directory if it doesn't already exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}

// PreferencesPath returns the full path to preferences.json.
func PreferencesPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PreferencesFileName), nil
}

// PendingPromptsPath returns the full path to pending_prompts.json.
func PendingPromptsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PendingPromptsFileName), nil
}

// SeqCachePath returns the full path to last_seen_seq.json.
func SeqCachePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SeqCacheFileName), nil
}

// ResetCache clears the cached directory path. Primarily useful for tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
