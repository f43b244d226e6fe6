// Package globalsocket implements the global session-lifecycle WebSocket
// (§4.4): identical connect/keepalive/backoff lifecycle to
// internal/sessionsocket, but for session-created/switched/deleted/renamed
// events instead of per-session message events, plus the resume-last-active
// and wasConnected-refresh logic that only applies to this socket.
package globalsocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/prefs"
	"github.com/relaywire/sessioncore/internal/state"
	"github.com/relaywire/sessioncore/internal/wire"
	"github.com/relaywire/sessioncore/internal/wsconn"
)

// KeepaliveInterval and MaxMissedKeepalives mirror sessionsocket's zombie
// detection (§4.3, reused verbatim by §4.4's "identical lifecycle").
const (
	KeepaliveInterval   = 25 * time.Second
	MaxMissedKeepalives = 2
	reconnectRateLimit  = 250 * time.Millisecond
)

// SessionSummary is one entry of the stored-session list fetched on connect
// and on reconnect-refresh.
type SessionSummary struct {
	ID   string
	Info state.SessionInfo
}

// Lister fetches the stored-session list. Implemented by internal/httpapi.
type Lister interface {
	ListSessions(ctx context.Context) ([]SessionSummary, error)
}

// AuthProbe matches sessionsocket.AuthProbe; duplicated here (rather than
// imported) to keep globalsocket free of a sessionsocket dependency.
type AuthProbe func(ctx context.Context) error

// Callbacks receives decoded server events and resume decisions. All fields
// are optional.
type Callbacks struct {
	OnConnected       func(wire.ConnectedData)
	OnSessionCreated  func(wire.SessionCreatedData)
	OnSessionSwitched func(wire.SessionSwitchedData)
	OnSessionDeleted  func(wire.SessionDeletedData)
	OnSessionRenamed  func(wire.SessionRenamedData)

	// OnSessionsRefreshed fires with the full stored-session list both on
	// first connect and after a reconnect (§4.4).
	OnSessionsRefreshed func([]SessionSummary)
	// OnActiveSessionResolved fires once, on first connect, with the
	// session id the client should switch to: the last-active session from
	// durable storage if it still exists, else the most recently created
	// stored session, else "" if there are none.
	OnActiveSessionResolved func(sessionID string)

	OnDisconnected func(err error)
	OnReconnected  func()
	OnAuthRequired func()
}

// Socket owns the global events WebSocket connection.
type Socket struct {
	wsURL  string
	lister Lister
	prefs  *prefs.Store
	probe  AuthProbe
	cb     Callbacks

	mu              sync.Mutex
	conn            *wsconn.Conn
	keepaliveMissed int
	closed          bool
	// wasConnected distinguishes the first successful connect (resume
	// last-active session) from a reconnect (refresh without switching),
	// per §4.4.
	wasConnected bool

	backoff *wsconn.Backoff
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a global events Socket. prefsStore and lister may be nil
// (resume/refresh behavior is then skipped).
func New(wsURL string, lister Lister, prefsStore *prefs.Store, probe AuthProbe, callbacks Callbacks) *Socket {
	return &Socket{
		wsURL:   wsURL,
		lister:  lister,
		prefs:   prefsStore,
		probe:   probe,
		cb:      callbacks,
		backoff: wsconn.DefaultBackoff(),
		limiter: rate.NewLimiter(rate.Every(reconnectRateLimit), 1),
	}
}

// Healthy reports whether the socket currently holds a live connection.
func (s *Socket) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Connect dials the socket and starts its background goroutines.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("global events socket: Connect called twice")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	conn, err := wsconn.Dial(ctx, s.wsURL)
	if err != nil {
		return fmt.Errorf("connect global events socket: %w", err)
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
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ForceReconnect closes the current connection to trigger the reconnect
// path. Used by mobile-wake handling (§4.7).
func (s *Socket) ForceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Socket) onConnected(conn *wsconn.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.keepaliveMissed = 0
	ctx := s.ctx
	wasConnected := s.wasConnected
	s.wasConnected = true
	s.mu.Unlock()

	wasReconnect := s.backoff.Attempt() > 0
	s.backoff.Reset()
	logging.Transport().Info("global events socket connected", "reconnect", wasConnected)

	if wasReconnect && s.cb.OnReconnected != nil {
		s.cb.OnReconnected()
	}

	go s.refreshOrResume(ctx, wasConnected)

	go s.readLoop(conn, ctx)
	go s.keepaliveLoop(conn, ctx)
}

// refreshOrResume implements §4.4's first-connect-vs-reconnect branch: on
// first connect it resolves which session should become active; on
// reconnect it only refreshes the list.
func (s *Socket) refreshOrResume(ctx context.Context, wasReconnect bool) {
	if s.lister == nil {
		return
	}
	sessions, err := s.lister.ListSessions(ctx)
	if err != nil {
		logging.Transport().Warn("list sessions failed", "error", err)
		return
	}
	if s.cb.OnSessionsRefreshed != nil {
		s.cb.OnSessionsRefreshed(sessions)
	}
	if wasReconnect {
		return
	}

	active := s.resolveActiveSession(sessions)
	if s.cb.OnActiveSessionResolved != nil {
		s.cb.OnActiveSessionResolved(active)
	}
}

func (s *Socket) resolveActiveSession(sessions []SessionSummary) string {
	if len(sessions) == 0 {
		return ""
	}

	if s.prefs != nil {
		if p, err := s.prefs.Load(); err == nil && p.LastActiveSessionID != "" {
			for _, sess := range sessions {
				if sess.ID == p.LastActiveSessionID {
					return sess.ID
				}
			}
		}
	}

	mostRecent := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.Info.CreatedAt.After(mostRecent.Info.CreatedAt) {
			mostRecent = sess
		}
	}
	return mostRecent.ID
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
			logging.Transport().Warn("malformed global event frame dropped", "error", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.MsgTypeConnected:
		var d wire.ConnectedData
		if env.DecodePayload(&d) == nil && s.cb.OnConnected != nil {
			s.cb.OnConnected(d)
		}
	case wire.MsgTypeSessionCreated:
		var d wire.SessionCreatedData
		if env.DecodePayload(&d) == nil && s.cb.OnSessionCreated != nil {
			s.cb.OnSessionCreated(d)
		}
	case wire.MsgTypeSessionSwitched:
		var d wire.SessionSwitchedData
		if env.DecodePayload(&d) == nil && s.cb.OnSessionSwitched != nil {
			s.cb.OnSessionSwitched(d)
		}
	case wire.MsgTypeSessionDeleted:
		var d wire.SessionDeletedData
		if env.DecodePayload(&d) == nil && s.cb.OnSessionDeleted != nil {
			s.cb.OnSessionDeleted(d)
		}
	case wire.MsgTypeSessionRenamed:
		var d wire.SessionRenamedData
		if env.DecodePayload(&d) == nil && s.cb.OnSessionRenamed != nil {
			s.cb.OnSessionRenamed(d)
		}
	case wire.MsgTypeKeepaliveAck:
		s.mu.Lock()
		s.keepaliveMissed = 0
		s.mu.Unlock()
	default:
		logging.Transport().Debug("unknown global event type dropped", "type", env.Type)
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
				logging.Transport().Warn("global events socket zombie detected, forcing close")
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

	if s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(errors.New("global events socket disconnected"))
	}

	if s.probe != nil {
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.probe(probeCtx)
		cancel()
		if errors.Is(err, wsconn.ErrUnauthorized) {
			logging.Transport().Info("auth probe reported unauthorized, not reconnecting")
			if s.cb.OnAuthRequired != nil {
				s.cb.OnAuthRequired()
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
				if s.cb.OnAuthRequired != nil {
					s.cb.OnAuthRequired()
				}
				return
			}
			logging.Transport().Warn("global events reconnect attempt failed, will retry", "error", err)
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
