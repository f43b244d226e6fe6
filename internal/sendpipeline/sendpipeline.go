// Package sendpipeline implements sendPrompt's promise-like request/ACK
// cycle (§4.6): generate a promptId, persist it durably, arm a per-send
// timeout, and resolve or reject it from whichever server signal arrives
// first — prompt_received, the echoed user_prompt, any streaming event (as
// an implicit delivery proof), an error, or the timeout itself.
package sendpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/pending"
	"github.com/relaywire/sessioncore/internal/wire"
)

// ConnectTimeout bounds how long Send waits for a healthy session socket
// before failing connection-timeout (§4.6 step 2).
const ConnectTimeout = 5 * time.Second

// Per-send ACK timeouts (§4.6 step 6): mobile clients get a longer grace
// period for flaky networks.
const (
	MobileSendTimeout  = 30 * time.Second
	DesktopSendTimeout = 15 * time.Second
)

// Sentinel errors matching §4.6's named failure modes.
var (
	ErrNoSession           = errors.New("no-session")
	ErrConnectionTimeout   = errors.New("connection-timeout")
	ErrTransportSendFailed = errors.New("transport-send-failed")
	ErrDeliveryUnconfirmed = errors.New("delivery-unconfirmed")
)

// ServerError wraps the server-provided text of an `error` event rejection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// SessionSocket is the subset of sessionsocket.Socket the pipeline depends
// on, kept as an interface so tests can substitute a fake transport.
type SessionSocket interface {
	Healthy() bool
	WaitHealthy(ctx context.Context) error
	Send(msgType string, data any) error
	ForceReconnect()
}

// Request is one sendPrompt call's input.
type Request struct {
	SessionID string
	Message   string
	ImageIDs  []string
	FileIDs   []string
	// Mobile selects the longer per-send ACK timeout.
	Mobile bool
	// SkipMessageAdd suppresses the optimistic local-message append, for
	// retries of a message already shown locally.
	SkipMessageAdd bool
}

type entry struct {
	sessionID string
	promptID  string
	done      chan struct{}
	err       error
	resolved  bool
	timer     *time.Timer
	mu        sync.Mutex
}

func (e *entry) resolve() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return
	}
	e.resolved = true
	e.timer.Stop()
	close(e.done)
}

func (e *entry) reject(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return
	}
	e.resolved = true
	e.err = err
	e.timer.Stop()
	close(e.done)
}

// Pipeline tracks in-flight sends across sessions. One Pipeline instance is
// shared by the whole controller; sends for different sessions never
// contend on the same lock for longer than a map operation.
type Pipeline struct {
	store *pending.Store

	// AppendLocalMessage optimistically appends a user message to the
	// session transcript before the prompt is sent (§4.6 step 4).
	AppendLocalMessage func(sessionID string, msg model.Message)
	// ClearActionButtons clears any pending action-buttons before sending
	// (§4.6 step 3).
	ClearActionButtons func(sessionID string)
	// StampSeq attaches the server-confirmed seq to the optimistic local
	// message once user_prompt echoes back (§4.6 step 9).
	StampSeq func(sessionID, promptID string, seq int64)
	// Now is overridable for deterministic tests.
	Now func() time.Time

	mu        sync.Mutex
	byPrompt  map[string]*entry
	bySession map[string][]*entry
}

// New constructs a Pipeline backed by store for pending-prompt durability.
func New(store *pending.Store) *Pipeline {
	return &Pipeline{
		store:     store,
		Now:       time.Now,
		byPrompt:  make(map[string]*entry),
		bySession: make(map[string][]*entry),
	}
}

// Send runs the full sendPrompt algorithm of §4.6 against sock, blocking
// until the send is resolved, rejected, or ctx is done.
func (p *Pipeline) Send(ctx context.Context, sock SessionSocket, req Request) (promptID string, err error) {
	if req.SessionID == "" {
		return "", ErrNoSession
	}

	if !sock.Healthy() {
		sock.ForceReconnect()
		waitCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
		defer cancel()
		if err := sock.WaitHealthy(waitCtx); err != nil {
			return "", ErrConnectionTimeout
		}
	}

	if p.ClearActionButtons != nil {
		p.ClearActionButtons(req.SessionID)
	}

	promptID = pending.GeneratePromptID()

	if !req.SkipMessageAdd && p.AppendLocalMessage != nil {
		p.AppendLocalMessage(req.SessionID, model.Message{
			Kind:      model.KindUser,
			Timestamp: p.now(),
			Text:      req.Message,
			Complete:  true,
			PromptID:  promptID,
		})
	}

	if p.store != nil {
		if err := p.store.Save(req.SessionID, promptID, req.Message, req.ImageIDs, req.FileIDs); err != nil {
			logging.Pending().Warn("persist pending prompt failed", "session_id", req.SessionID, "error", err)
		}
	}

	timeout := DesktopSendTimeout
	if req.Mobile {
		timeout = MobileSendTimeout
	}

	e := &entry{sessionID: req.SessionID, promptID: promptID, done: make(chan struct{})}
	e.timer = time.AfterFunc(timeout, func() { p.timeoutEntry(sock, e) })

	p.mu.Lock()
	p.byPrompt[promptID] = e
	p.bySession[req.SessionID] = append(p.bySession[req.SessionID], e)
	p.mu.Unlock()

	sendErr := sock.Send(wire.MsgTypePrompt, wire.PromptData{
		Message:  req.Message,
		ImageIDs: req.ImageIDs,
		FileIDs:  req.FileIDs,
		PromptID: promptID,
	})
	if sendErr != nil {
		p.forget(e)
		e.timer.Stop()
		if p.store != nil {
			_ = p.store.Remove(promptID)
		}
		return promptID, fmt.Errorf("%w: %v", ErrTransportSendFailed, sendErr)
	}

	select {
	case <-e.done:
		p.forget(e)
		return promptID, e.err
	case <-ctx.Done():
		p.forget(e)
		return promptID, ctx.Err()
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) timeoutEntry(sock SessionSocket, e *entry) {
	sock.ForceReconnect()
	e.reject(ErrDeliveryUnconfirmed)
}

func (p *Pipeline) forget(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byPrompt, e.promptID)
	list := p.bySession[e.sessionID]
	for i, other := range list {
		if other == e {
			p.bySession[e.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.bySession[e.sessionID]) == 0 {
		delete(p.bySession, e.sessionID)
	}
}

// HandlePromptReceived resolves the matching pending send on a
// prompt_received event (§4.6 step 9).
func (p *Pipeline) HandlePromptReceived(promptID string) {
	p.mu.Lock()
	e := p.byPrompt[promptID]
	p.mu.Unlock()
	if e != nil {
		e.resolve()
	}
	if p.store != nil {
		_ = p.store.Remove(promptID)
	}
}

// HandleUserPrompt resolves the matching pending send on the user_prompt
// echo. isMine distinguishes this client's own prompt from another
// client's, but a matching promptId always resolves the send — the echo
// coming back with isMine=false indicates a reconnect changed this
// client's id (§4.6 step 9).
func (p *Pipeline) HandleUserPrompt(promptID string, seq int64) {
	p.mu.Lock()
	e := p.byPrompt[promptID]
	p.mu.Unlock()
	if e == nil {
		return
	}
	if p.StampSeq != nil {
		p.StampSeq(e.sessionID, promptID, seq)
	}
	e.resolve()
	if p.store != nil {
		_ = p.store.Remove(promptID)
	}
}

// HandleStreamingEvent resolves every pending send for sessionID: an
// agent_message or agent_thought proves the prompt was delivered even if
// prompt_received/user_prompt were dropped (§4.6 step 9).
func (p *Pipeline) HandleStreamingEvent(sessionID string) {
	p.mu.Lock()
	list := append([]*entry(nil), p.bySession[sessionID]...)
	p.mu.Unlock()

	for _, e := range list {
		e.resolve()
		if p.store != nil {
			_ = p.store.Remove(e.promptID)
		}
	}
}

// HandleError rejects the matching pending send with the server-provided
// message (§4.6 step 9).
func (p *Pipeline) HandleError(promptID, message string) {
	p.mu.Lock()
	e := p.byPrompt[promptID]
	p.mu.Unlock()
	if e != nil {
		e.reject(&ServerError{Message: message})
	}
}

// CancelPrompt sends the client→server cancel message.
func CancelPrompt(sock SessionSocket) error {
	return sock.Send(wire.MsgTypeCancel, nil)
}

// ForceReset sends the client→server force_reset message.
func ForceReset(sock SessionSocket) error {
	return sock.Send(wire.MsgTypeForceReset, nil)
}
