// Package model defines the canonical transcript message variant, the
// per-session sequence tracker, and the classification/deduplication
// functions that turn inbound wire events into Messages (§3, §4.1).
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind discriminates the Message tagged variant (§3).
type Kind string

const (
	KindUser    Kind = "user"
	KindAgent   Kind = "agent"
	KindThought Kind = "thought"
	KindTool    Kind = "tool"
	KindError   Kind = "error"
	KindSystem  Kind = "system"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// Image is an attachment on a user message.
type Image struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Message is one entry in a session transcript. Only the fields relevant to
// Kind are meaningful; the zero value of the rest is ignored by callers.
type Message struct {
	Kind      Kind
	Seq       int64 // 0 means "no seq" (§4.1 edge case: optimistic local echo)
	Timestamp time.Time

	// agent/thought only: true once prompt_complete/terminal-error lands.
	Complete bool

	// user/thought/error/system text body.
	Text string
	// agent HTML body (accumulating chunks).
	HTML string

	// user-only.
	Images          []Image
	FromOtherClient bool
	// PromptID identifies the pending send that produced this optimistic
	// local echo, before the server-assigned Seq lands (§4.6 step 9).
	PromptID string

	// tool-only.
	ToolID     string
	ToolTitle  string
	ToolStatus ToolStatus
}

// HasSeq reports whether m carries a server-assigned sequence number.
func (m Message) HasSeq() bool {
	return m.Seq != 0
}

// Body returns the text content used for content-hash and length
// comparisons: HTML for agent messages, Text for everything else that
// carries a body, empty for tool/system messages with no text.
func (m Message) Body() string {
	if m.Kind == KindAgent {
		return m.HTML
	}
	return m.Text
}

// contentHashPrefixLen bounds how much of the body feeds the content hash;
// long streamed bodies would otherwise make every chunk hash differently
// from the same message at a later, longer state.
const contentHashPrefixLen = 200

// ContentHash computes the fallback deduplication key for seq-less events
// (§4.1). Tool messages hash on (id, title) since they carry no text body,
// which keeps distinct tool calls from ever colliding with each other or
// with non-tool messages.
func ContentHash(m Message) string {
	var payload string
	if m.Kind == KindTool {
		payload = fmt.Sprintf("tool:%s:%s", m.ToolID, m.ToolTitle)
	} else {
		body := m.Body()
		if len(body) > contentHashPrefixLen {
			body = body[:contentHashPrefixLen]
		}
		payload = fmt.Sprintf("%s:%s", m.Kind, body)
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

// SeqTracker provides O(1) duplicate detection over a per-session stream of
// monotone sequence numbers (§3, §4.1).
type SeqTracker struct {
	highestSeq int64
	recent     map[int64]struct{}
	order      []int64
	cap        int
}

// defaultRecentSeqsCap is the bound for SeqTracker.recent. The source left
// this unspecified (§9 open question); any bound at or above the expected
// burst size suffices.
const defaultRecentSeqsCap = 1024

// NewSeqTracker returns a tracker with the default recent-seq capacity.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{
		recent: make(map[int64]struct{}),
		cap:    defaultRecentSeqsCap,
	}
}

// HighestSeq returns the highest sequence number ever marked seen.
func (t *SeqTracker) HighestSeq() int64 {
	return t.highestSeq
}

// Reset zeroes the tracker, used by the stale-state recovery path (§4.7).
func (t *SeqTracker) Reset() {
	t.highestSeq = 0
	t.recent = make(map[int64]struct{})
	t.order = t.order[:0]
}

// IsDuplicate reports whether seq has already been applied, per §4.1:
// true iff seq <= highestSeq AND seq != lastTailSeq (same-seq as the
// current streaming tail is a permitted coalescence, not a duplicate).
func (t *SeqTracker) IsDuplicate(seq, lastTailSeq int64) bool {
	if seq == 0 {
		return false
	}
	if seq == lastTailSeq {
		return false
	}
	return seq <= t.highestSeq
}

// MarkSeen records seq as applied, advancing highestSeq and bounding the
// recent-seq set to cap entries (oldest evicted first).
func (t *SeqTracker) MarkSeen(seq int64) {
	if seq == 0 {
		return
	}
	if seq > t.highestSeq {
		t.highestSeq = seq
	}
	if _, ok := t.recent[seq]; ok {
		return
	}
	t.recent[seq] = struct{}{}
	t.order = append(t.order, seq)
	for len(t.order) > t.cap {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.recent, evict)
	}
}

// Seen reports whether seq is in the bounded recent-seq window. Unlike
// IsDuplicate this does not account for highestSeq, so it is only reliable
// within the window's capacity.
func (t *SeqTracker) Seen(seq int64) bool {
	_, ok := t.recent[seq]
	return ok
}
