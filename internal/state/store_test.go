package state

import (
	"testing"

	"github.com/relaywire/sessioncore/internal/model"
)

func TestAppendMessage_TrimsToMaxMessages(t *testing.T) {
	s := New()
	for i := 0; i < MaxMessages+10; i++ {
		s.AppendMessage("s1", model.Message{Kind: model.KindSystem, Text: "x"})
	}

	rec, ok := s.Get("s1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if len(rec.Messages) != MaxMessages {
		t.Errorf("len(Messages) = %d, want %d", len(rec.Messages), MaxMessages)
	}
}

func TestCoalesceTail_StreamingChunks(t *testing.T) {
	s := New()
	s.CoalesceTail("s1", model.KindAgent, 15, "Hel")
	s.CoalesceTail("s1", model.KindAgent, 15, "lo ")
	s.CoalesceTail("s1", model.KindAgent, 15, "world")
	s.CompleteTail("s1")

	rec, _ := s.Get("s1")
	if len(rec.Messages) != 1 {
		t.Fatalf("expected exactly one coalesced message, got %d", len(rec.Messages))
	}
	msg := rec.Messages[0]
	if msg.HTML != "Hello world" {
		t.Errorf("HTML = %q, want %q", msg.HTML, "Hello world")
	}
	if !msg.Complete {
		t.Error("expected message to be marked complete")
	}
	if msg.Seq != 15 {
		t.Errorf("Seq = %d, want 15", msg.Seq)
	}
}

func TestCoalesceTail_DifferentSeqStartsNewMessage(t *testing.T) {
	s := New()
	s.CoalesceTail("s1", model.KindAgent, 15, "first")
	s.CompleteTail("s1")
	s.CoalesceTail("s1", model.KindAgent, 16, "second")

	rec, _ := s.Get("s1")
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if rec.Messages[0].HTML != "first" || rec.Messages[1].HTML != "second" {
		t.Errorf("messages = %+v, unexpected", rec.Messages)
	}
}

func TestCoalesceTail_CompletedTailNeverExtended(t *testing.T) {
	s := New()
	s.CoalesceTail("s1", model.KindAgent, 15, "first")
	s.CompleteTail("s1")
	s.CoalesceTail("s1", model.KindAgent, 15, "extra-after-complete")

	rec, _ := s.Get("s1")
	if len(rec.Messages) != 2 {
		t.Fatalf("expected a new message once tail is complete, got %d messages", len(rec.Messages))
	}
}

func TestUpsertToolStatus(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindTool, ToolID: "t1", ToolStatus: model.ToolPending})
	s.UpsertToolStatus("s1", "t1", model.ToolCompleted)

	rec, _ := s.Get("s1")
	if rec.Messages[0].ToolStatus != model.ToolCompleted {
		t.Errorf("ToolStatus = %v, want completed", rec.Messages[0].ToolStatus)
	}
}

func TestMutationsAreIsolatedPerSession(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindSystem, Text: "a"})
	s.AppendMessage("s2", model.Message{Kind: model.KindSystem, Text: "b"})

	rec1, _ := s.Get("s1")
	rec2, _ := s.Get("s2")
	if len(rec1.Messages) != 1 || len(rec2.Messages) != 1 {
		t.Fatalf("unexpected message counts: s1=%d s2=%d", len(rec1.Messages), len(rec2.Messages))
	}
	if rec1.Messages[0].Text != "a" || rec2.Messages[0].Text != "b" {
		t.Error("mutation on one session leaked into the other")
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindSystem, Text: "a"})

	rec, _ := s.Get("s1")
	rec.Messages[0].Text = "mutated"

	rec2, _ := s.Get("s1")
	if rec2.Messages[0].Text != "a" {
		t.Error("Get should return a copy; mutating it should not affect stored state")
	}
}

func TestSubscribeNotifiedOnMutation(t *testing.T) {
	s := New()
	var got string
	unsub := s.Subscribe(func(id string) { got = id })
	defer unsub()

	s.AppendMessage("s1", model.Message{Kind: model.KindSystem, Text: "a"})
	if got != "s1" {
		t.Errorf("subscriber notified with %q, want s1", got)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	s := New()
	s.Create("s1", SessionInfo{Name: "test"})
	s.Delete("s1")

	if _, ok := s.Get("s1"); ok {
		t.Error("expected session to be gone after Delete")
	}
}

func TestStampMessageSeq_StampsMatchingNoSeqUserMessage(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindUser, Text: "hi", PromptID: "p1"})

	s.StampMessageSeq("s1", "p1", 11)

	rec, _ := s.Get("s1")
	if len(rec.Messages) != 1 || rec.Messages[0].Seq != 11 {
		t.Fatalf("Messages = %+v, want one message with seq 11", rec.Messages)
	}
	if rec.LastSeq != 11 {
		t.Errorf("LastSeq = %d, want 11", rec.LastSeq)
	}
}

func TestStampMessageSeq_IgnoresMismatchedPromptID(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindUser, Text: "hi", PromptID: "p1"})

	s.StampMessageSeq("s1", "other", 11)

	rec, _ := s.Get("s1")
	if rec.Messages[0].Seq != 0 {
		t.Errorf("Seq = %d, want 0 (no match)", rec.Messages[0].Seq)
	}
}

func TestStampMessageSeq_DoesNotRestampAlreadySeqedMessage(t *testing.T) {
	s := New()
	s.AppendMessage("s1", model.Message{Kind: model.KindUser, Text: "first", PromptID: "p1", Seq: 5})
	s.AppendMessage("s1", model.Message{Kind: model.KindUser, Text: "second", PromptID: "p1"})

	s.StampMessageSeq("s1", "p1", 11)

	rec, _ := s.Get("s1")
	if rec.Messages[0].Seq != 5 {
		t.Errorf("first message Seq = %d, want unchanged 5", rec.Messages[0].Seq)
	}
	if rec.Messages[1].Seq != 11 {
		t.Errorf("second message Seq = %d, want 11", rec.Messages[1].Seq)
	}
}
