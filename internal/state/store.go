// Package state implements the session state store (§4.5): a map from
// session id to SessionRecord, where every mutation produces a new record
// value for the affected id and leaves every other session untouched.
package state

import (
	"sync"
	"time"

	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/wire"
)

// MaxMessages bounds the in-memory transcript window per session (§3);
// appendMessage trims the oldest entries beyond this count.
const MaxMessages = 100

// SessionInfo is the session metadata surfaced by "connected" and by the
// sessions REST endpoints (§3, §6).
type SessionInfo struct {
	Name             string
	ACPServer        string
	WorkingDir       string
	CreatedAt        time.Time
	Status           string // active | completed
	RunnerType       string
	RunnerRestricted bool
	// Archived/ArchivedAt restore a field the distilled spec dropped but the
	// server still reports; see SPEC_FULL.md §3.
	Archived   bool
	ArchivedAt time.Time
}

// QueueItem is one entry of a session's outbound send queue.
type QueueItem struct {
	ID       string
	Message  string
	Title    string
	QueuedAt time.Time
}

// QueueConfig describes the server-enforced queue limits.
type QueueConfig struct {
	Enabled      bool
	MaxSize      int
	DelaySeconds int
}

// SessionRecord is the per-session state held by the store (§3).
type SessionRecord struct {
	ID              string
	Info            SessionInfo
	Messages        []model.Message
	IsStreaming     bool
	LastSeq         int64
	FirstLoadedSeq  int64
	HasMoreMessages bool
	ActionButtons   []wire.ActionButton
	Queue           []QueueItem
	QueueLength     int
	QueueConfig     QueueConfig
}

func (r SessionRecord) clone() SessionRecord {
	out := r
	out.Messages = append([]model.Message(nil), r.Messages...)
	out.ActionButtons = append([]wire.ActionButton(nil), r.ActionButtons...)
	out.Queue = append([]QueueItem(nil), r.Queue...)
	return out
}

func (r SessionRecord) tail() (model.Message, bool) {
	if len(r.Messages) == 0 {
		return model.Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// entry pairs a record with the mutex that serializes mutations to it, so
// the store never holds one global lock across unrelated sessions (§5).
type entry struct {
	mu     sync.Mutex
	record SessionRecord
}

// Store holds every known SessionRecord and notifies subscribers after each
// mutation. It is safe for concurrent use.
type Store struct {
	mapMu sync.RWMutex
	byID  map[string]*entry

	subMu sync.Mutex
	subs  map[int]func(sessionID string)
	nextSub int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID: make(map[string]*entry),
		subs: make(map[int]func(sessionID string)),
	}
}

// Subscribe registers fn to be called with the session id after every
// mutation. It returns an unsubscribe function.
func (s *Store) Subscribe(fn func(sessionID string)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(sessionID string) {
	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(sessionID)
	}
}

func (s *Store) entryFor(id string, createIfMissing bool) (*entry, bool) {
	s.mapMu.RLock()
	e, ok := s.byID[id]
	s.mapMu.RUnlock()
	if ok || !createIfMissing {
		return e, ok
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if e, ok := s.byID[id]; ok {
		return e, true
	}
	e = &entry{record: SessionRecord{ID: id}}
	s.byID[id] = e
	return e, false
}

// Create installs a new SessionRecord for id with the given info. If a
// record already exists for id it is replaced.
func (s *Store) Create(id string, info SessionInfo) SessionRecord {
	s.mapMu.Lock()
	e := &entry{record: SessionRecord{ID: id, Info: info}}
	s.byID[id] = e
	s.mapMu.Unlock()

	s.notify(id)
	return e.record.clone()
}

// Delete removes the record for id, per the "session_deleted" / removeSession
// lifecycle rule (§3 Ownership & lifecycle).
func (s *Store) Delete(id string) {
	s.mapMu.Lock()
	delete(s.byID, id)
	s.mapMu.Unlock()

	s.notify(id)
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (SessionRecord, bool) {
	e, ok := s.entryFor(id, false)
	if !ok {
		return SessionRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), true
}

// IDs returns every known session id, in no particular order.
func (s *Store) IDs() []string {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	out := make([]string, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	return out
}

// mutate runs fn against the record for id under its per-session lock,
// creating the record first if it does not yet exist, then notifies
// subscribers. Every exported mutation below is built on this.
func (s *Store) mutate(id string, fn func(*SessionRecord)) SessionRecord {
	e, _ := s.entryFor(id, true)
	e.mu.Lock()
	fn(&e.record)
	out := e.record.clone()
	e.mu.Unlock()

	s.notify(id)
	return out
}

// AppendMessage appends msg and truncates the head beyond MaxMessages (§4.5).
func (s *Store) AppendMessage(id string, msg model.Message) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.Messages = append(r.Messages, msg)
		if over := len(r.Messages) - MaxMessages; over > 0 {
			r.Messages = r.Messages[over:]
		}
		if msg.Seq > r.LastSeq {
			r.LastSeq = msg.Seq
		}
	})
}

// CoalesceTail implements §4.5: if the tail message is {kind, complete:false}
// with a matching seq (or both absent), its body is extended with chunk;
// otherwise a new incomplete message is appended. Applies to agent and
// thought messages only.
func (s *Store) CoalesceTail(id string, kind model.Kind, seq int64, chunk string) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		if tail, ok := r.tail(); ok && tail.Kind == kind && !tail.Complete && seqMatches(tail.Seq, seq) {
			i := len(r.Messages) - 1
			if kind == model.KindAgent {
				r.Messages[i].HTML += chunk
			} else {
				r.Messages[i].Text += chunk
			}
			if seq != 0 {
				r.Messages[i].Seq = seq
			}
			if seq > r.LastSeq {
				r.LastSeq = seq
			}
			return
		}

		msg := model.Message{Kind: kind, Seq: seq, Complete: false}
		if kind == model.KindAgent {
			msg.HTML = chunk
		} else {
			msg.Text = chunk
		}
		r.Messages = append(r.Messages, msg)
		if over := len(r.Messages) - MaxMessages; over > 0 {
			r.Messages = r.Messages[over:]
		}
		if seq > r.LastSeq {
			r.LastSeq = seq
		}
	})
}

func seqMatches(tailSeq, incomingSeq int64) bool {
	if tailSeq == 0 && incomingSeq == 0 {
		return true
	}
	return tailSeq == incomingSeq
}

// CompleteTail marks an incomplete tail agent/thought message complete.
func (s *Store) CompleteTail(id string) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		tail, ok := r.tail()
		if !ok || tail.Complete {
			return
		}
		if tail.Kind != model.KindAgent && tail.Kind != model.KindThought {
			return
		}
		r.Messages[len(r.Messages)-1].Complete = true
	})
}

// UpsertToolStatus finds the last tool message with toolID and replaces its
// status.
func (s *Store) UpsertToolStatus(id, toolID string, status model.ToolStatus) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		for i := len(r.Messages) - 1; i >= 0; i-- {
			if r.Messages[i].Kind == model.KindTool && r.Messages[i].ToolID == toolID {
				r.Messages[i].ToolStatus = status
				return
			}
		}
	})
}

// SetStreaming sets the isStreaming flag.
func (s *Store) SetStreaming(id string, value bool) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.IsStreaming = value
	})
}

// SetInfo applies partial to the session's info in place.
func (s *Store) SetInfo(id string, partial func(*SessionInfo)) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		partial(&r.Info)
	})
}

// SetActionButtons replaces the session's action buttons.
func (s *Store) SetActionButtons(id string, buttons []wire.ActionButton) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.ActionButtons = append([]wire.ActionButton(nil), buttons...)
	})
}

// ClearActionButtons empties the session's action buttons (§4.6 step 3:
// sendPrompt clears any pending action buttons before sending).
func (s *Store) ClearActionButtons(id string) SessionRecord {
	return s.SetActionButtons(id, nil)
}

// SetQueue replaces the session's queue, length, and config.
func (s *Store) SetQueue(id string, items []QueueItem, length int, cfg QueueConfig) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.Queue = append([]QueueItem(nil), items...)
		r.QueueLength = length
		r.QueueConfig = cfg
	})
}

// SetPaginationCursors updates firstLoadedSeq/hasMoreMessages after a
// "load earlier" page arrives (§4.5, §4.7 prepend branch).
func (s *Store) SetPaginationCursors(id string, firstLoadedSeq int64, hasMore bool) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.FirstLoadedSeq = firstLoadedSeq
		r.HasMoreMessages = hasMore
	})
}

// SetLastSeenSeq overwrites LastSeq directly; used by the stale-state reset
// path (§4.7 step 7), which is the one case LastSeq may regress.
func (s *Store) SetLastSeenSeq(id string, seq int64) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.LastSeq = seq
	})
}

// StampMessageSeq finds the no-seq user message tagged with promptID and
// assigns it seq, turning the optimistic local echo into a seq-bearing
// record once the server confirms it (§4.6 step 9, §9 "replace with a
// seq-bearing record when the echo arrives"). A message already carrying a
// seq is left untouched; no match is a no-op.
func (s *Store) StampMessageSeq(id, promptID string, seq int64) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		for i := len(r.Messages) - 1; i >= 0; i-- {
			m := &r.Messages[i]
			if m.Kind == model.KindUser && m.Seq == 0 && m.PromptID == promptID {
				m.Seq = seq
				if seq > r.LastSeq {
					r.LastSeq = seq
				}
				return
			}
		}
	})
}

// ReplaceMessages overwrites the full message slice, used by the
// reconciliation engine's replay-merge output (§4.7).
func (s *Store) ReplaceMessages(id string, messages []model.Message) SessionRecord {
	return s.mutate(id, func(r *SessionRecord) {
		r.Messages = append([]model.Message(nil), messages...)
		if over := len(r.Messages) - MaxMessages; over > 0 {
			r.Messages = r.Messages[over:]
		}
	})
}
