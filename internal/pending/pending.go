// Package pending implements the durable pending-prompt store (§4.2): a
// locally persisted queue of outbound prompts awaiting server
// acknowledgment, surviving transport loss and process restarts.
package pending

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/relaywire/sessioncore/internal/fileutil"
	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/wire"
)

// TTL is how long an unacknowledged prompt stays in the durable store
// before ReapExpired purges it (§3 PersistedPendingPrompt).
const TTL = 5 * time.Minute

// Prompt is a durably persisted outbound prompt awaiting acknowledgment.
type Prompt struct {
	PromptID  string    `json:"prompt_id"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	ImageIDs  []string  `json:"image_ids,omitempty"`
	FileIDs   []string  `json:"file_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Prompt) expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > TTL
}

type document struct {
	Prompts []Prompt `json:"prompts"`
}

// Store is a single-writer durable queue keyed by promptId, backed by an
// atomically-written JSON file (§5: "single-writer ... tolerates
// read-modify-write under the single-threaded model without locks" — Store
// adds an in-process mutex since Go is not single-threaded).
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns a Store backed by the JSON file at path. The file is
// created by the first write (Save, Remove or ReapExpired) if it does not
// already exist.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// GeneratePromptID returns a new promptId in the §4.2 format:
// prompt_{epochMs}_{random9}.
func GeneratePromptID() string {
	return fmt.Sprintf("prompt_%d_%s", time.Now().UnixMilli(), randomAlnum(9))
}

func randomAlnum(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the stdlib's Reader does not fail in practice;
		// fall back to a timestamp-derived suffix rather than panic.
		for i := range buf {
			buf[i] = alphabet[int(time.Now().UnixNano())%len(alphabet)]
		}
		return string(buf)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// Save atomically persists a new pending prompt.
func (s *Store) Save(sessionID, promptID, message string, imageIDs, fileIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Prompt{
		PromptID:  promptID,
		SessionID: sessionID,
		Message:   message,
		ImageIDs:  imageIDs,
		FileIDs:   fileIDs,
		CreatedAt: s.now(),
	}

	err := fileutil.UpdateJSONAtomic(s.path, &document{}, 0644, func(v any) error {
		doc := v.(*document)
		doc.Prompts = append(doc.Prompts, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save pending prompt %s: %w", promptID, err)
	}
	return nil
}

// Remove deletes promptID from the store. It is idempotent: removing an
// absent id is not an error.
func (s *Store) Remove(promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(promptID)
}

func (s *Store) removeLocked(promptID string) error {
	err := fileutil.UpdateJSONAtomic(s.path, &document{}, 0644, func(v any) error {
		doc := v.(*document)
		out := doc.Prompts[:0]
		for _, p := range doc.Prompts {
			if p.PromptID != promptID {
				out = append(out, p)
			}
		}
		doc.Prompts = out
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove pending prompt %s: %w", promptID, err)
	}
	return nil
}

// ForSession returns the non-expired pending prompts for sessionID, oldest
// first.
func (s *Store) ForSession(sessionID string) ([]Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []Prompt
	for _, p := range doc.Prompts {
		if p.SessionID == sessionID && !p.expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ReapExpired purges every prompt whose TTL has elapsed.
func (s *Store) ReapExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	err := fileutil.UpdateJSONAtomic(s.path, &document{}, 0644, func(v any) error {
		doc := v.(*document)
		out := doc.Prompts[:0]
		for _, p := range doc.Prompts {
			if p.expired(now) {
				reaped++
				continue
			}
			out = append(out, p)
		}
		doc.Prompts = out
		return nil
	})
	if err != nil {
		return fmt.Errorf("reap expired pending prompts: %w", err)
	}
	if reaped > 0 {
		logging.Pending().Debug("reaped expired pending prompts", "count", reaped)
	}
	return nil
}

// ClearFromEvents removes the pending prompt for every user_prompt event in
// events that carries a prompt_id (§4.2): the server has now durably
// persisted it, so the local retry queue no longer needs to hold it.
func (s *Store) ClearFromEvents(events []wire.RawEvent) error {
	for _, ev := range events {
		if ev.Type != wire.MsgTypeUserPrompt {
			continue
		}
		var data wire.UserPromptData
		if err := ev.DecodePayload(&data); err != nil || data.PromptID == "" {
			continue
		}
		if err := s.Remove(data.PromptID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readLocked() (document, error) {
	var doc document
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("read pending prompt store: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("parse pending prompt store: %w", err)
	}
	return doc, nil
}
