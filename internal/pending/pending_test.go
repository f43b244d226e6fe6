package pending

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaywire/sessioncore/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pending_prompts.json")
	return NewStore(path)
}

func TestGeneratePromptID_Format(t *testing.T) {
	id := GeneratePromptID()
	if !strings.HasPrefix(id, "prompt_") {
		t.Errorf("promptId %q missing prompt_ prefix", id)
	}
}

func TestGeneratePromptID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GeneratePromptID()
		if seen[id] {
			t.Fatalf("duplicate promptId generated: %s", id)
		}
		seen[id] = true
	}
}

func TestSaveAndForSession(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save("sess1", "p1", "hello", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save("sess1", "p2", "world", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save("sess2", "p3", "other session", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	prompts, err := s.ForSession("sess1")
	if err != nil {
		t.Fatalf("ForSession failed: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts for sess1, got %d", len(prompts))
	}
	if prompts[0].PromptID != "p1" || prompts[1].PromptID != "p2" {
		t.Errorf("expected oldest-first order, got %+v", prompts)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("sess1", "p1", "hello", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Remove("p1"); err != nil {
		t.Fatalf("first Remove failed: %v", err)
	}
	if err := s.Remove("p1"); err != nil {
		t.Fatalf("second Remove (of absent id) should not error: %v", err)
	}

	prompts, _ := s.ForSession("sess1")
	if len(prompts) != 0 {
		t.Errorf("expected no prompts after Remove, got %d", len(prompts))
	}
}

func TestForSession_ExcludesExpired(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.Save("sess1", "p1", "old", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(TTL + time.Second) }
	if err := s.Save("sess1", "p2", "new", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	prompts, err := s.ForSession("sess1")
	if err != nil {
		t.Fatalf("ForSession failed: %v", err)
	}
	if len(prompts) != 1 || prompts[0].PromptID != "p2" {
		t.Errorf("expected only p2 to survive, got %+v", prompts)
	}
}

func TestReapExpired(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.Save("sess1", "p1", "old", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(TTL + time.Second) }
	if err := s.ReapExpired(); err != nil {
		t.Fatalf("ReapExpired failed: %v", err)
	}

	prompts, _ := s.ForSession("sess1")
	if len(prompts) != 0 {
		t.Errorf("expected expired prompt to be reaped, got %+v", prompts)
	}
}

func TestClearFromEvents(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("sess1", "p1", "hi", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save("sess1", "p2", "bye", nil, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	events := []wire.RawEvent{
		mustUserPromptEvent(t, "p1"),
		{Type: wire.MsgTypeAgentMessage}, // unrelated event, ignored
	}

	if err := s.ClearFromEvents(events); err != nil {
		t.Fatalf("ClearFromEvents failed: %v", err)
	}

	prompts, _ := s.ForSession("sess1")
	if len(prompts) != 1 || prompts[0].PromptID != "p2" {
		t.Errorf("expected only p2 to remain, got %+v", prompts)
	}
}

func mustUserPromptEvent(t *testing.T, promptID string) wire.RawEvent {
	t.Helper()
	env, err := wire.Encode(wire.MsgTypeUserPrompt, wire.UserPromptData{PromptID: promptID})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := wire.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return wire.RawEvent{Type: decoded.Type, Data: decoded.Data}
}
