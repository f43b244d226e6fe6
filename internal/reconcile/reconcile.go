// Package reconcile implements the reconciliation engine (§4.7): the
// replay-merge algorithm that runs when events_loaded arrives after a
// resync, the stale-lastSeenSeq recovery path, and the mobile-wake sequence
// triggered by a visibility change back to visible.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/state"
	"github.com/relaywire/sessioncore/internal/wire"
	"github.com/relaywire/sessioncore/internal/wsconn"
)

// StaleThreshold is how long a client must have been hidden/suspended
// before mobile-wake treats its state as stale enough to require
// reauthentication first (§4.7).
const StaleThreshold = time.Hour

// AuthRetryMax and AuthRetryBackoff bound mobile-wake's reauthentication
// attempts against transient network errors (§4.7).
const (
	AuthRetryMax     = 3
	AuthRetryBackoff = 500 * time.Millisecond
)

// ReconnectSettleDelay is the pause before force-reconnecting the active
// session socket on wake, giving the network a moment to stabilize (§4.7).
const ReconnectSettleDelay = 300 * time.Millisecond

// SessionSocket is the subset of sessionsocket.Socket the engine needs to
// drive a resync after a stale-state reset.
type SessionSocket interface {
	SetLastSeenSeq(seq int64)
	RequestInitialLoad() error
}

// Engine owns the merge/resync decisions for one session state store.
type Engine struct {
	store *state.Store
}

// NewEngine constructs an Engine over store.
func NewEngine(store *state.Store) *Engine {
	return &Engine{store: store}
}

// HandleEventsLoaded applies an events_loaded (or deprecated session_sync)
// payload to sessionID's record: stale-state recovery if the page came
// back empty despite a nonzero total, prepend for "load earlier", replay
// merge otherwise (§4.7).
func (e *Engine) HandleEventsLoaded(sessionID string, sock SessionSocket, data wire.EventsLoadedData) {
	if len(data.Events) == 0 {
		if data.Prepend {
			// Zero events on a prepend page means there's no earlier
			// history left; clear hasMoreMessages so "load more" stops
			// asking (§4.7 prepend branch).
			e.store.SetPaginationCursors(sessionID, data.FirstSeq, data.HasMore)
			return
		}
		if data.TotalCount > 0 {
			e.handleStaleState(sessionID, sock)
		}
		return
	}

	incoming := make([]model.Message, 0, len(data.Events))
	for _, ev := range data.Events {
		msg, ok := model.Classify(ev)
		if !ok {
			continue
		}
		if msg.Seq == 0 {
			msg.Seq = ev.Seq
		}
		incoming = append(incoming, msg)
	}

	if data.Prepend {
		e.prependMerge(sessionID, incoming, data)
		return
	}
	e.replayMerge(sessionID, incoming, data, sock)
}

// handleStaleState implements §4.7 step 7: an empty page with a nonzero
// total_count means the seq space was re-minted (typically a server
// restart); lastSeenSeq is reset and a fresh initial load is requested.
func (e *Engine) handleStaleState(sessionID string, sock SessionSocket) {
	logging.Reconcile().Info("stale lastSeenSeq detected, resetting and reloading", "session_id", sessionID)
	e.store.SetLastSeenSeq(sessionID, 0)
	if sock != nil {
		sock.SetLastSeenSeq(0)
		if err := sock.RequestInitialLoad(); err != nil {
			logging.Reconcile().Warn("stale-state reload request failed", "session_id", sessionID, "error", err)
		}
	}
}

func (e *Engine) prependMerge(sessionID string, incoming []model.Message, data wire.EventsLoadedData) {
	record, _ := e.store.Get(sessionID)
	merged := make([]model.Message, 0, len(incoming)+len(record.Messages))
	merged = append(merged, incoming...)
	merged = append(merged, record.Messages...)
	e.store.ReplaceMessages(sessionID, merged)
	e.store.SetPaginationCursors(sessionID, data.FirstSeq, data.HasMore)
}

func (e *Engine) replayMerge(sessionID string, incoming []model.Message, data wire.EventsLoadedData, sock SessionSocket) {
	record, ok := e.store.Get(sessionID)
	if !ok || len(record.Messages) == 0 {
		e.store.ReplaceMessages(sessionID, incoming)
		e.advanceSeq(sessionID, sock, data.LastSeq)
		return
	}

	existingByHash := make(map[string]bool, len(record.Messages))
	for _, m := range record.Messages {
		existingByHash[model.ContentHash(m)] = true
	}

	result := append([]model.Message(nil), record.Messages...)
	seqIndex := make(map[int64]int, len(result))
	for i, m := range result {
		if m.HasSeq() {
			seqIndex[m.Seq] = i
		}
	}

	for _, incMsg := range incoming {
		if incMsg.HasSeq() {
			if i, found := seqIndex[incMsg.Seq]; found {
				result[i] = moreComplete(result[i], incMsg)
				continue
			}
			if existingByHash[model.ContentHash(incMsg)] {
				continue
			}
			seqIndex[incMsg.Seq] = len(result)
			result = append(result, incMsg)
			continue
		}

		if existingByHash[model.ContentHash(incMsg)] {
			continue
		}
		result = append(result, incMsg)
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.HasSeq() && b.HasSeq():
			return a.Seq < b.Seq
		case a.HasSeq() != b.HasSeq():
			return false // preserve relative order when only one side has seq
		default:
			return a.Timestamp.Before(b.Timestamp)
		}
	})

	e.store.ReplaceMessages(sessionID, result)
	e.advanceSeq(sessionID, sock, data.LastSeq)
}

func (e *Engine) advanceSeq(sessionID string, sock SessionSocket, lastSeq int64) {
	if lastSeq <= 0 {
		return
	}
	if rec, ok := e.store.Get(sessionID); ok && rec.LastSeq > lastSeq {
		return
	}
	e.store.SetLastSeenSeq(sessionID, lastSeq)
	if sock != nil {
		sock.SetLastSeenSeq(lastSeq)
	}
}

// moreComplete picks the "more complete" of two messages representing the
// same seq (§4.7 step 2): prefer complete:true, else the longer body.
func moreComplete(existing, incoming model.Message) model.Message {
	if existing.Complete && !incoming.Complete {
		return existing
	}
	if incoming.Complete && !existing.Complete {
		return incoming
	}
	if len(incoming.Body()) > len(existing.Body()) {
		return incoming
	}
	return existing
}

// WakeController is the controller-side surface mobile wake drives (§4.7).
type WakeController interface {
	ReapExpiredPrompts() error
	Authenticate(ctx context.Context) error
	RefreshSessions(ctx context.Context) error
	ActiveSessionExists() bool
	ClearOrSwitchActiveSession()
	ForceReconnectActiveSession()
}

// HandleMobileWake runs the §4.7 mobile-wake sequence: reap expired
// pending prompts, reauthenticate if the app was hidden past
// StaleThreshold, refresh the stored-session list, fall back off a
// since-deleted active session, then force-reconnect after a short settle
// delay. Returns wsconn.ErrUnauthorized if reauthentication was rejected
// (the caller should redirect to login without reconnecting).
func (e *Engine) HandleMobileWake(ctx context.Context, hiddenDuration time.Duration, wc WakeController) error {
	if err := wc.ReapExpiredPrompts(); err != nil {
		logging.Reconcile().Warn("reap expired prompts on wake failed", "error", err)
	}

	if hiddenDuration >= StaleThreshold {
		var authErr error
		for attempt := 0; attempt < AuthRetryMax; attempt++ {
			authErr = wc.Authenticate(ctx)
			if authErr == nil {
				break
			}
			if errors.Is(authErr, wsconn.ErrUnauthorized) {
				return authErr
			}
			logging.Reconcile().Warn("wake auth probe failed, retrying", "attempt", attempt+1, "error", authErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(AuthRetryBackoff):
			}
		}
		if authErr != nil {
			return authErr
		}
	}

	if err := wc.RefreshSessions(ctx); err != nil {
		logging.Reconcile().Warn("refresh sessions on wake failed", "error", err)
	}

	if !wc.ActiveSessionExists() {
		wc.ClearOrSwitchActiveSession()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ReconnectSettleDelay):
	}
	wc.ForceReconnectActiveSession()
	return nil
}
