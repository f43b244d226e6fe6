package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/state"
	"github.com/relaywire/sessioncore/internal/wire"
	"github.com/relaywire/sessioncore/internal/wsconn"
)

type fakeSocket struct {
	lastSeenSeq   int64
	initialLoaded int
}

func (f *fakeSocket) SetLastSeenSeq(seq int64) { f.lastSeenSeq = seq }
func (f *fakeSocket) RequestInitialLoad() error {
	f.initialLoaded++
	return nil
}

func mustEncode(t *testing.T, msgType string, data any) wire.RawEvent {
	t.Helper()
	raw, err := wire.Encode(msgType, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return wire.RawEvent{Seq: 0, Type: env.Type, Data: env.Data}
}

func TestHandleEventsLoaded_StaleStateResetsAndReloads(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	store.SetLastSeenSeq("s1", 500)

	sock := &fakeSocket{lastSeenSeq: 500}
	e := NewEngine(store)

	e.HandleEventsLoaded("s1", sock, wire.EventsLoadedData{Events: nil, TotalCount: 10, Prepend: false})

	if sock.lastSeenSeq != 0 {
		t.Errorf("socket lastSeenSeq = %d, want 0", sock.lastSeenSeq)
	}
	if sock.initialLoaded != 1 {
		t.Errorf("initialLoaded = %d, want 1", sock.initialLoaded)
	}
	rec, _ := store.Get("s1")
	if rec.LastSeq != 0 {
		t.Errorf("store LastSeq = %d, want 0", rec.LastSeq)
	}
}

func TestHandleEventsLoaded_EmptyWithZeroTotalIsNoop(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	sock := &fakeSocket{}
	e := NewEngine(store)

	e.HandleEventsLoaded("s1", sock, wire.EventsLoadedData{Events: nil, TotalCount: 0})

	if sock.initialLoaded != 0 {
		t.Error("expected no reload when total_count is 0")
	}
}

func TestHandleEventsLoaded_FirstLoadReplacesMessages(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	e := NewEngine(store)

	events := []wire.RawEvent{
		mustEncode(t, wire.MsgTypeAgentMessage, wire.AgentMessageData{HTML: "hi", Seq: 1}),
		mustEncode(t, wire.MsgTypeAgentMessage, wire.AgentMessageData{HTML: "there", Seq: 2}),
	}

	e.HandleEventsLoaded("s1", &fakeSocket{}, wire.EventsLoadedData{Events: events, LastSeq: 2})

	rec, _ := store.Get("s1")
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if rec.LastSeq != 2 {
		t.Errorf("LastSeq = %d, want 2", rec.LastSeq)
	}
}

func TestMoreComplete_PrefersCompleteOverIncomplete(t *testing.T) {
	existing := model.Message{Kind: model.KindAgent, Seq: 1, HTML: "partial", Complete: true}
	incoming := model.Message{Kind: model.KindAgent, Seq: 1, HTML: "partial full", Complete: false}

	winner := moreComplete(existing, incoming)
	if !winner.Complete || winner.HTML != "partial" {
		t.Errorf("expected the complete existing message to win, got %+v", winner)
	}
}

func TestHandleEventsLoaded_ReplayMergePrefersLongerBodyWhenBothIncomplete(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	store.AppendMessage("s1", model.Message{Kind: model.KindAgent, Seq: 1, HTML: "partial", Complete: false})
	e := NewEngine(store)

	ev := mustEncode(t, wire.MsgTypeAgentMessage, wire.AgentMessageData{HTML: "partial full", Seq: 1})

	e.HandleEventsLoaded("s1", &fakeSocket{}, wire.EventsLoadedData{Events: []wire.RawEvent{ev}, LastSeq: 1})

	rec, _ := store.Get("s1")
	if len(rec.Messages) != 1 {
		t.Fatalf("expected 1 message after merge, got %d", len(rec.Messages))
	}
	if rec.Messages[0].HTML != "partial full" {
		t.Errorf("expected the longer replayed body to win, got %+v", rec.Messages[0])
	}
}

func TestHandleEventsLoaded_ReplayMergeDropsContentDuplicates(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	store.AppendMessage("s1", model.Message{Kind: model.KindUser, Text: "hello", Complete: true})
	e := NewEngine(store)

	ev := mustEncode(t, wire.MsgTypeUserPrompt, wire.UserPromptData{Message: "hello", IsMine: true})

	e.HandleEventsLoaded("s1", &fakeSocket{}, wire.EventsLoadedData{Events: []wire.RawEvent{ev}})

	rec, _ := store.Get("s1")
	if len(rec.Messages) != 1 {
		t.Errorf("expected duplicate to be dropped, got %d messages", len(rec.Messages))
	}
}

func TestHandleEventsLoaded_PrependAddsEarlierMessages(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	store.AppendMessage("s1", model.Message{Kind: model.KindUser, Seq: 5, Text: "later", Complete: true})
	e := NewEngine(store)

	ev := mustEncode(t, wire.MsgTypeUserPrompt, wire.UserPromptData{Message: "earlier", IsMine: true, Seq: 1})
	ev.Seq = 1

	e.HandleEventsLoaded("s1", &fakeSocket{}, wire.EventsLoadedData{Events: []wire.RawEvent{ev}, Prepend: true, FirstSeq: 1, HasMore: true})

	rec, _ := store.Get("s1")
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if rec.Messages[0].Text != "earlier" {
		t.Errorf("expected earlier message first, got %+v", rec.Messages[0])
	}
	if rec.FirstLoadedSeq != 1 || !rec.HasMoreMessages {
		t.Errorf("expected pagination cursors updated, got firstLoadedSeq=%d hasMore=%v", rec.FirstLoadedSeq, rec.HasMoreMessages)
	}
}

func TestHandleEventsLoaded_PrependEmptyClearsHasMore(t *testing.T) {
	store := state.New()
	store.Create("s1", state.SessionInfo{})
	store.AppendMessage("s1", model.Message{Kind: model.KindUser, Seq: 5, Text: "only", Complete: true})
	store.SetPaginationCursors("s1", 5, true)
	e := NewEngine(store)

	e.HandleEventsLoaded("s1", &fakeSocket{}, wire.EventsLoadedData{Events: nil, Prepend: true, FirstSeq: 5, HasMore: false})

	rec, _ := store.Get("s1")
	if len(rec.Messages) != 1 {
		t.Fatalf("expected the existing message untouched, got %d messages", len(rec.Messages))
	}
	if rec.HasMoreMessages {
		t.Error("expected HasMoreMessages cleared on an empty prepend page")
	}
}

type fakeWakeController struct {
	reaped           bool
	authCalls        int
	authErrSequence  []error
	refreshed        bool
	activeExists     bool
	switched         bool
	forceReconnected bool
}

func (f *fakeWakeController) ReapExpiredPrompts() error {
	f.reaped = true
	return nil
}

func (f *fakeWakeController) Authenticate(ctx context.Context) error {
	i := f.authCalls
	f.authCalls++
	if i < len(f.authErrSequence) {
		return f.authErrSequence[i]
	}
	return nil
}

func (f *fakeWakeController) RefreshSessions(ctx context.Context) error {
	f.refreshed = true
	return nil
}

func (f *fakeWakeController) ActiveSessionExists() bool { return f.activeExists }
func (f *fakeWakeController) ClearOrSwitchActiveSession() {
	f.switched = true
}
func (f *fakeWakeController) ForceReconnectActiveSession() {
	f.forceReconnected = true
}

func TestHandleMobileWake_ShortHiddenDurationSkipsAuth(t *testing.T) {
	store := state.New()
	e := NewEngine(store)
	wc := &fakeWakeController{activeExists: true}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := e.HandleMobileWake(ctx, time.Minute, wc); err != nil {
		t.Fatalf("HandleMobileWake failed: %v", err)
	}
	if wc.authCalls != 0 {
		t.Errorf("authCalls = %d, want 0 for short hidden duration", wc.authCalls)
	}
	if !wc.reaped || !wc.refreshed || !wc.forceReconnected {
		t.Error("expected reap, refresh, and force-reconnect to all run")
	}
	if wc.switched {
		t.Error("did not expect switch since active session exists")
	}
}

func TestHandleMobileWake_LongHiddenDurationAuthenticatesFirst(t *testing.T) {
	store := state.New()
	e := NewEngine(store)
	wc := &fakeWakeController{activeExists: true}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.HandleMobileWake(ctx, 2*time.Hour, wc); err != nil {
		t.Fatalf("HandleMobileWake failed: %v", err)
	}
	if wc.authCalls != 1 {
		t.Errorf("authCalls = %d, want 1", wc.authCalls)
	}
}

func TestHandleMobileWake_UnauthorizedStopsWithoutReconnect(t *testing.T) {
	store := state.New()
	e := NewEngine(store)
	wc := &fakeWakeController{authErrSequence: []error{wsconn.ErrUnauthorized}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := e.HandleMobileWake(ctx, 2*time.Hour, wc)
	if !errors.Is(err, wsconn.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if wc.forceReconnected {
		t.Error("should not force-reconnect after unauthorized")
	}
}

func TestHandleMobileWake_TransientAuthErrorsRetryThenSucceed(t *testing.T) {
	store := state.New()
	e := NewEngine(store)
	wc := &fakeWakeController{
		activeExists:    true,
		authErrSequence: []error{errors.New("network blip"), errors.New("network blip")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := e.HandleMobileWake(ctx, 2*time.Hour, wc); err != nil {
		t.Fatalf("HandleMobileWake failed: %v", err)
	}
	if wc.authCalls != 3 {
		t.Errorf("authCalls = %d, want 3 (2 failures + 1 success)", wc.authCalls)
	}
}

func TestHandleMobileWake_SwitchesWhenActiveSessionGone(t *testing.T) {
	store := state.New()
	e := NewEngine(store)
	wc := &fakeWakeController{activeExists: false}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := e.HandleMobileWake(ctx, time.Minute, wc); err != nil {
		t.Fatalf("HandleMobileWake failed: %v", err)
	}
	if !wc.switched {
		t.Error("expected ClearOrSwitchActiveSession to be called")
	}
}
