// Package sessionsocket implements the per-session WebSocket connection
// (§4.3): the connect algorithm (initial load_events, pending-prompt
// retry, keepalive), zombie detection, and reconnect with backoff.
package sessionsocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/pending"
	"github.com/relaywire/sessioncore/internal/wire"
	"github.com/relaywire/sessioncore/internal/wsconn"
)

// InitialEventsLimit is the page size requested on first connect when no
// lastSeenSeq is known yet (§4.3 step 2).
const InitialEventsLimit = 50

// KeepaliveInterval is how often the socket pings the server (§4.3 step 4).
const KeepaliveInterval = 25 * time.Second

// MaxMissedKeepalives is the number of consecutive unanswered keepalives
// before the socket is force-closed to trigger a reconnect.
const MaxMissedKeepalives = 2

// PendingRetryDelay is how long after connect the socket waits before
// retrying durably-stored pending prompts for this session (§4.3 step 3).
const PendingRetryDelay = 500 * time.Millisecond

// reconnectRateLimit caps runaway reconnect loops to at most one dial
// attempt per 250ms regardless of how aggressively ForceReconnect is
// invoked (SPEC_FULL.md §5, grounded on the teacher's
// internal/web/security_ratelimit.go use of golang.org/x/time/rate).
const reconnectRateLimit = 250 * time.Millisecond

// Callbacks receives decoded server→client events. All fields are optional;
// nil callbacks are skipped. Implementations should return quickly —
// typically by forwarding to a controller-owned channel or mutating a
// state.Store, which is itself safe for concurrent use.
type Callbacks struct {
	OnConnected           func(wire.ConnectedData)
	OnEventsLoaded        func(wire.EventsLoadedData)
	OnAgentMessage        func(wire.AgentMessageData)
	OnAgentThought        func(wire.AgentThoughtData)
	OnToolCall            func(wire.ToolCallData)
	OnToolUpdate          func(wire.ToolUpdateData)
	OnActionButtons       func(wire.ActionButtonsData)
	OnPromptComplete      func(wire.PromptCompleteData)
	OnUserPrompt          func(wire.UserPromptData)
	OnPromptReceived      func(wire.PromptReceivedData)
	OnError               func(wire.ErrorData)
	OnSessionRenamed      func(wire.SessionRenamedData)
	OnSessionReset        func()
	OnQueueUpdated        func(wire.QueueUpdatedData)
	OnQueueMessageSending func(wire.QueueMessageSendingData)
	OnQueueMessageSent    func(wire.QueueMessageSentData)
	OnQueueMessageTitled  func(wire.QueueMessageTitledData)
	OnQueueReordered      func(wire.QueueReorderedData)
	OnRunnerFallback      func(wire.RunnerFallbackData)

	// OnDisconnected fires every time the transport drops, before a
	// reconnect attempt is scheduled.
	OnDisconnected func(err error)
	// OnReconnected fires after a successful redial.
	OnReconnected func()
	// OnAuthRequired fires when the close-algorithm auth probe reports 401;
	// the socket stops reconnecting once this fires.
	OnAuthRequired func()
}

// AuthProbe is called on every disconnect before scheduling a reconnect
// (§4.3 close algorithm: "HEAD against a protected endpoint"). An error
// wrapping wsconn.ErrUnauthorized (a 401) stops reconnection; nil or any
// other error, such as a transient network error, does not.
type AuthProbe func(ctx context.Context) error

// Socket owns one WebSocket connection for one session.
type Socket struct {
	sessionID string
	wsURL     string
	store     *pending.Store
	probe     AuthProbe
	callbacks Callbacks

	mu              sync.Mutex
	conn            *wsconn.Conn
	lastSeenSeq     int64
	keepaliveMissed int
	closed          bool
	// connectedCh is closed and replaced every time the socket transitions
	// to healthy, letting WaitHealthy callers block without polling.
	connectedCh chan struct{}

	backoff *wsconn.Backoff
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Socket for sessionID. wsURL is the fully-qualified
// endpoint (e.g. "http://host/prefix/api/sessions/{id}/ws"); New converts
// its scheme to ws/wss internally via wsconn.Dial.
func New(sessionID, wsURL string, store *pending.Store, probe AuthProbe, callbacks Callbacks) *Socket {
	return &Socket{
		sessionID: sessionID,
		wsURL:     wsURL,
		store:     store,
		probe:     probe,
		callbacks:   callbacks,
		backoff:     wsconn.DefaultBackoff(),
		limiter:     rate.NewLimiter(rate.Every(reconnectRateLimit), 1),
		connectedCh: make(chan struct{}),
	}
}

// LastSeenSeq returns the highest seq this socket has observed or been
// told about.
func (s *Socket) LastSeenSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenSeq
}

// SetLastSeenSeq overwrites the tracked seq; used by the reconciliation
// engine's stale-state reset path (§4.7 step 7).
func (s *Socket) SetLastSeenSeq(seq int64) {
	s.mu.Lock()
	s.lastSeenSeq = seq
	s.mu.Unlock()
}

func (s *Socket) advanceLastSeenSeq(seq int64) {
	if seq == 0 {
		return
	}
	s.mu.Lock()
	if seq > s.lastSeenSeq {
		s.lastSeenSeq = seq
	}
	s.mu.Unlock()
}

// Healthy reports whether the socket currently holds a live connection.
func (s *Socket) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// WaitHealthy blocks until the socket holds a live connection, the socket is
// closed, or ctx is done, whichever comes first (§4.6 step 2's "wait for a
// fresh connection").
func (s *Socket) WaitHealthy(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("session %s: socket closed", s.sessionID)
		}
		if s.conn != nil {
			s.mu.Unlock()
			return nil
		}
		ch := s.connectedCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect dials the socket and starts its background goroutines (read
// loop, keepalive loop, reconnect loop). It returns once the first dial
// succeeds or ctx is done; reconnection after the initial connect happens
// in the background regardless of ctx.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s: Connect called twice", s.sessionID)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	conn, err := wsconn.Dial(ctx, s.wsURL)
	if err != nil {
		return fmt.Errorf("connect session %s: %w", s.sessionID, err)
	}
	s.onConnected(conn)
	return nil
}

// Close permanently shuts the socket down; no further reconnection occurs.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	connectedCh := s.connectedCh
	s.mu.Unlock()

	close(connectedCh)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ForceReconnect closes the current connection, which triggers the normal
// reconnect path. Used by zombie detection and by the controller's
// forceReconnectActiveSession / mobile-wake handling (§4.7).
func (s *Socket) ForceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send encodes and writes a client→server message (§4.3).
func (s *Socket) Send(msgType string, data any) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("session %s: socket closed", s.sessionID)
	}
	if conn == nil {
		return fmt.Errorf("session %s: not connected", s.sessionID)
	}

	raw, err := wire.Encode(msgType, data)
	if err != nil {
		return err
	}
	if err := conn.WriteRaw(raw); err != nil {
		return fmt.Errorf("session %s: send %s: %w", s.sessionID, msgType, err)
	}
	return nil
}

// RequestInitialLoad sends load_events{limit: InitialEventsLimit}; used on
// first connect and by the reconciliation engine's stale-state recovery
// path (§4.7 step 7).
func (s *Socket) RequestInitialLoad() error {
	return s.Send(wire.MsgTypeLoadEvents, wire.LoadEventsData{Limit: InitialEventsLimit})
}

// RequestLoadEvents sends a load_events message with the given options
// (used for "load earlier messages" pagination, prepend=true replies).
func (s *Socket) RequestLoadEvents(opts wire.LoadEventsData) error {
	return s.Send(wire.MsgTypeLoadEvents, opts)
}

func (s *Socket) onConnected(conn *wsconn.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.keepaliveMissed = 0
	ctx := s.ctx
	lastSeenSeq := s.lastSeenSeq
	oldConnectedCh := s.connectedCh
	s.connectedCh = make(chan struct{})
	s.mu.Unlock()
	close(oldConnectedCh)

	wasReconnect := s.backoff.Attempt() > 0
	s.backoff.Reset()
	logging.Transport().Info("session socket connected", "session_id", s.sessionID)

	if wasReconnect && s.callbacks.OnReconnected != nil {
		s.callbacks.OnReconnected()
	}

	// Step 2: initial or incremental load.
	if lastSeenSeq > 0 {
		_ = s.Send(wire.MsgTypeLoadEvents, wire.LoadEventsData{AfterSeq: lastSeenSeq})
	} else {
		_ = s.RequestInitialLoad()
	}

	// Step 3: retry pending prompts after a short delay.
	go func() {
		select {
		case <-time.After(PendingRetryDelay):
		case <-ctx.Done():
			return
		}
		s.retryPendingPrompts()
	}()

	go s.readLoop(conn, ctx)
	go s.keepaliveLoop(conn, ctx)
}

func (s *Socket) retryPendingPrompts() {
	if s.store == nil {
		return
	}
	prompts, err := s.store.ForSession(s.sessionID)
	if err != nil {
		logging.Transport().Warn("retry pending prompts: list failed", "session_id", s.sessionID, "error", err)
		return
	}
	for _, p := range prompts {
		err := s.Send(wire.MsgTypePrompt, wire.PromptData{
			Message:  p.Message,
			ImageIDs: p.ImageIDs,
			FileIDs:  p.FileIDs,
			PromptID: p.PromptID,
		})
		if err != nil {
			logging.Transport().Warn("retry pending prompt failed", "session_id", s.sessionID, "prompt_id", p.PromptID, "error", err)
		}
	}
}

func (s *Socket) readLoop(conn *wsconn.Conn, ctx context.Context) {
	defer s.handleDisconnect(conn, ctx)

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			logging.Transport().Warn("malformed frame dropped", "session_id", s.sessionID, "error", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.MsgTypeConnected:
		var d wire.ConnectedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnConnected != nil {
			s.callbacks.OnConnected(d)
		}
	case wire.MsgTypeAgentMessage:
		var d wire.AgentMessageData
		if env.DecodePayload(&d) == nil {
			s.advanceLastSeenSeq(d.Seq)
			if s.callbacks.OnAgentMessage != nil {
				s.callbacks.OnAgentMessage(d)
			}
		}
	case wire.MsgTypeAgentThought:
		var d wire.AgentThoughtData
		if env.DecodePayload(&d) == nil {
			s.advanceLastSeenSeq(d.Seq)
			if s.callbacks.OnAgentThought != nil {
				s.callbacks.OnAgentThought(d)
			}
		}
	case wire.MsgTypeToolCall:
		var d wire.ToolCallData
		if env.DecodePayload(&d) == nil {
			s.advanceLastSeenSeq(d.Seq)
			if s.callbacks.OnToolCall != nil {
				s.callbacks.OnToolCall(d)
			}
		}
	case wire.MsgTypeToolUpdate:
		var d wire.ToolUpdateData
		if env.DecodePayload(&d) == nil && s.callbacks.OnToolUpdate != nil {
			s.callbacks.OnToolUpdate(d)
		}
	case wire.MsgTypeActionButtons:
		var d wire.ActionButtonsData
		if env.DecodePayload(&d) == nil && s.callbacks.OnActionButtons != nil {
			s.callbacks.OnActionButtons(d)
		}
	case wire.MsgTypePromptComplete:
		var d wire.PromptCompleteData
		if env.DecodePayload(&d) == nil && s.callbacks.OnPromptComplete != nil {
			s.callbacks.OnPromptComplete(d)
		}
	case wire.MsgTypeUserPrompt:
		var d wire.UserPromptData
		if env.DecodePayload(&d) == nil {
			s.advanceLastSeenSeq(d.Seq)
			if s.callbacks.OnUserPrompt != nil {
				s.callbacks.OnUserPrompt(d)
			}
		}
	case wire.MsgTypePromptReceived:
		var d wire.PromptReceivedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnPromptReceived != nil {
			s.callbacks.OnPromptReceived(d)
		}
	case wire.MsgTypeError:
		var d wire.ErrorData
		if env.DecodePayload(&d) == nil && s.callbacks.OnError != nil {
			s.callbacks.OnError(d)
		}
	case wire.MsgTypeKeepaliveAck:
		s.mu.Lock()
		s.keepaliveMissed = 0
		s.mu.Unlock()
	case wire.MsgTypeEventsLoaded:
		var d wire.EventsLoadedData
		if env.DecodePayload(&d) == nil {
			if d.LastSeq > 0 {
				s.advanceLastSeenSeq(d.LastSeq)
			}
			if s.callbacks.OnEventsLoaded != nil {
				s.callbacks.OnEventsLoaded(d)
			}
		}
	case wire.MsgTypeSessionSync: // deprecated, accepted for compatibility (§9)
		var d wire.EventsLoadedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnEventsLoaded != nil {
			s.callbacks.OnEventsLoaded(d)
		}
	case wire.MsgTypeSessionRenamed:
		var d wire.SessionRenamedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnSessionRenamed != nil {
			s.callbacks.OnSessionRenamed(d)
		}
	case wire.MsgTypeSessionReset:
		if s.callbacks.OnSessionReset != nil {
			s.callbacks.OnSessionReset()
		}
	case wire.MsgTypeQueueUpdated:
		var d wire.QueueUpdatedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnQueueUpdated != nil {
			s.callbacks.OnQueueUpdated(d)
		}
	case wire.MsgTypeQueueMessageSending:
		var d wire.QueueMessageSendingData
		if env.DecodePayload(&d) == nil && s.callbacks.OnQueueMessageSending != nil {
			s.callbacks.OnQueueMessageSending(d)
		}
	case wire.MsgTypeQueueMessageSent:
		var d wire.QueueMessageSentData
		if env.DecodePayload(&d) == nil && s.callbacks.OnQueueMessageSent != nil {
			s.callbacks.OnQueueMessageSent(d)
		}
	case wire.MsgTypeQueueMessageTitled:
		var d wire.QueueMessageTitledData
		if env.DecodePayload(&d) == nil && s.callbacks.OnQueueMessageTitled != nil {
			s.callbacks.OnQueueMessageTitled(d)
		}
	case wire.MsgTypeQueueReordered:
		var d wire.QueueReorderedData
		if env.DecodePayload(&d) == nil && s.callbacks.OnQueueReordered != nil {
			s.callbacks.OnQueueReordered(d)
		}
	case wire.MsgTypeRunnerFallback:
		var d wire.RunnerFallbackData
		if env.DecodePayload(&d) == nil && s.callbacks.OnRunnerFallback != nil {
			s.callbacks.OnRunnerFallback(d)
		}
	default:
		logging.Transport().Debug("unknown event type dropped", "session_id", s.sessionID, "type", env.Type)
	}
}

func (s *Socket) keepaliveLoop(conn *wsconn.Conn, ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			s.keepaliveMissed++
			missed := s.keepaliveMissed
			s.mu.Unlock()

			if missed > MaxMissedKeepalives {
				logging.Transport().Warn("keepalive zombie detected, forcing close", "session_id", s.sessionID)
				conn.Close()
				return
			}

			if err := conn.WriteJSON(wire.Envelope{Type: wire.MsgTypeKeepalive}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handleDisconnect runs the §4.3 close algorithm: auth probe, then
// exponential-backoff reconnect unless the socket was closed intentionally.
func (s *Socket) handleDisconnect(conn *wsconn.Conn, ctx context.Context) {
	s.mu.Lock()
	intentional := s.closed
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	if intentional {
		return
	}

	if s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected(errors.New("session socket disconnected"))
	}

	if s.probe != nil {
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.probe(probeCtx)
		cancel()
		if errors.Is(err, wsconn.ErrUnauthorized) {
			logging.Transport().Info("auth probe reported unauthorized, not reconnecting", "session_id", s.sessionID)
			if s.callbacks.OnAuthRequired != nil {
				s.callbacks.OnAuthRequired()
			}
			return
		}
	}

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		delay := s.backoff.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		newConn, err := wsconn.Dial(ctx, s.wsURL)
		if err != nil {
			if errors.Is(err, wsconn.ErrUnauthorized) {
				if s.callbacks.OnAuthRequired != nil {
					s.callbacks.OnAuthRequired()
				}
				return
			}
			logging.Transport().Warn("reconnect attempt failed, will retry", "session_id", s.sessionID, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			newConn.Close()
			return
		}
		s.mu.Unlock()

		s.onConnected(newConn)
		return
	}
}
