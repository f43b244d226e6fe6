// Package prefs persists the small set of durable UI preferences the
// session client needs across restarts: principally which session was
// active last, consulted by the global socket's resume-on-connect logic
// (§4.4) and updated by the controller on every switchSession.
package prefs

import (
	"os"

	"github.com/relaywire/sessioncore/internal/fileutil"
)

// Preferences is the on-disk shape of preferences.json.
type Preferences struct {
	LastActiveSessionID string `json:"last_active_session_id"`
}

// Store is a small atomic-file-backed wrapper around Preferences.
type Store struct {
	path string
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the current preferences, returning the zero value (no error)
// if the file does not exist yet.
func (s *Store) Load() (Preferences, error) {
	var p Preferences
	if err := fileutil.ReadJSON(s.path, &p); err != nil {
		if os.IsNotExist(err) {
			return Preferences{}, nil
		}
		return Preferences{}, err
	}
	return p, nil
}

// SetLastActiveSessionID persists sessionID as the last-active session.
func (s *Store) SetLastActiveSessionID(sessionID string) error {
	return fileutil.UpdateJSONAtomic(s.path, &Preferences{}, 0644, func(v any) error {
		p := v.(*Preferences)
		p.LastActiveSessionID = sessionID
		return nil
	})
}
