// Package controller implements the External Controller API (§4.8): the
// read/write façade the CLI (or any other UI) drives, wiring together the
// session state store, the per-session and global WebSocket sockets, the
// send pipeline, the reconciliation engine, and the REST client into one
// observable surface.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/sessioncore/internal/globalsocket"
	"github.com/relaywire/sessioncore/internal/httpapi"
	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/model"
	"github.com/relaywire/sessioncore/internal/pending"
	"github.com/relaywire/sessioncore/internal/prefs"
	"github.com/relaywire/sessioncore/internal/reconcile"
	"github.com/relaywire/sessioncore/internal/sendpipeline"
	"github.com/relaywire/sessioncore/internal/sessionsocket"
	"github.com/relaywire/sessioncore/internal/state"
	"github.com/relaywire/sessioncore/internal/wire"
)

// Controller owns every long-lived component a UI needs and exposes the
// read-side / write-side surface of §4.8.
type Controller struct {
	api      *httpapi.Client
	store    *state.Store
	pending  *pending.Store
	prefs    *prefs.Store
	pipeline *sendpipeline.Pipeline
	engine   *reconcile.Engine

	mu              sync.Mutex
	activeSessionID string
	sockets         map[string]*sessionsocket.Socket
	global          *globalsocket.Socket
	connected       bool
	workspaces      []httpapi.Workspace
	acpServers      []httpapi.ACPServerConfig
	hiddenSince     time.Time

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func()

	// onBackgroundCompletion fires once per non-active session that
	// finishes streaming while it is not the active session (§4.8).
	onBackgroundCompletion func(sessionID string)
	bgCompletion           string
}

// New wires a Controller against an already-constructed httpapi.Client. The
// client's base URL also derives the WebSocket endpoints.
func New(api *httpapi.Client, pendingStore *pending.Store, prefsStore *prefs.Store) *Controller {
	store := state.New()
	c := &Controller{
		api:      api,
		store:    store,
		pending:  pendingStore,
		prefs:    prefsStore,
		pipeline: sendpipeline.New(pendingStore),
		engine:   reconcile.NewEngine(store),
		sockets:  make(map[string]*sessionsocket.Socket),
		subs:     make(map[int]func()),
	}
	c.pipeline.AppendLocalMessage = func(sessionID string, msg model.Message) {
		store.AppendMessage(sessionID, msg)
	}
	c.pipeline.ClearActionButtons = func(sessionID string) {
		store.ClearActionButtons(sessionID)
	}
	c.pipeline.StampSeq = func(sessionID, promptID string, seq int64) {
		// Turns the optimistic local echo into a seq-bearing record (§4.6
		// step 9, §5, §9); StampMessageSeq also advances LastSeq so later
		// ordering comparisons see it.
		store.StampMessageSeq(sessionID, promptID, seq)
	}
	return c
}

// Subscribe registers fn to run after every observable state change
// (message append, session lifecycle, connection status). Returns an
// unsubscribe function.
func (c *Controller) Subscribe(fn func()) (unsubscribe func()) {
	unsubStore := c.store.Subscribe(func(string) { fn() })

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		unsubStore()
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnBackgroundCompletion registers the single-event callback fired when a
// non-active session finishes streaming (§4.8 Observability).
func (c *Controller) OnBackgroundCompletion(fn func(sessionID string)) {
	c.mu.Lock()
	c.onBackgroundCompletion = fn
	c.mu.Unlock()
}

// ClearBackgroundCompletion clears the surfaced background-completion
// session id, acknowledging it has been shown to the user.
func (c *Controller) ClearBackgroundCompletion() {
	c.mu.Lock()
	c.bgCompletion = ""
	c.mu.Unlock()
	c.notify()
}

// BackgroundCompletion returns the session id most recently surfaced as
// having completed in the background, or "" if none is pending.
func (c *Controller) BackgroundCompletion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bgCompletion
}

// Start connects the global events socket and resumes the last-active
// session once the server resolves it (§4.4).
func (c *Controller) Start(ctx context.Context) error {
	lister := httpapi.SessionLister{Client: c.api}
	c.global = globalsocket.New(c.api.WebSocketURL("/api/events"), lister, c.prefs, c.api.Authenticate, globalsocket.Callbacks{
		OnSessionCreated: func(d wire.SessionCreatedData) {
			c.store.Create(d.SessionID, state.SessionInfo{Name: d.Name, WorkingDir: d.WorkingDir, Archived: d.Archived})
			c.notify()
		},
		OnSessionSwitched: func(d wire.SessionSwitchedData) {
			c.setActiveSessionID(d.SessionID)
			c.notify()
		},
		OnSessionDeleted: func(d wire.SessionDeletedData) {
			c.forgetSession(d.SessionID)
			c.notify()
		},
		OnSessionRenamed: func(d wire.SessionRenamedData) {
			c.store.SetInfo(d.SessionID, func(i *state.SessionInfo) { i.Name = d.Name })
			c.notify()
		},
		OnSessionsRefreshed: func(sessions []globalsocket.SessionSummary) {
			// Every connect/reconnect replays this list (§4.4), so it must
			// update metadata in place rather than replace the record —
			// Create would wipe an active session's transcript and
			// streaming state out from under it.
			for _, s := range sessions {
				info := s.Info
				c.store.SetInfo(s.ID, func(i *state.SessionInfo) { *i = info })
			}
			c.notify()
		},
		OnActiveSessionResolved: func(sessionID string) {
			if sessionID == "" {
				return
			}
			if err := c.LoadSession(ctx, sessionID); err != nil {
				logging.Controller().Warn("resume active session failed", "session_id", sessionID, "error", err)
			}
		},
		OnDisconnected: func(error) { c.setConnected(false) },
		OnReconnected:  func() { c.setConnected(true) },
	})
	return c.global.Connect(ctx)
}

func (c *Controller) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	c.notify()
}

// Connected reports whether the global socket currently holds a live
// connection.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) setActiveSessionID(id string) {
	c.mu.Lock()
	c.activeSessionID = id
	c.mu.Unlock()
}

// ActiveSessionID returns the currently active session id, or "" if none.
func (c *Controller) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessionID
}

func (c *Controller) forgetSession(sessionID string) {
	c.mu.Lock()
	if sock, ok := c.sockets[sessionID]; ok {
		sock.Close()
		delete(c.sockets, sessionID)
	}
	if c.activeSessionID == sessionID {
		c.activeSessionID = ""
	}
	c.mu.Unlock()
	c.store.Delete(sessionID)
}

// Session returns a snapshot of sessionID's record.
func (c *Controller) Session(sessionID string) (state.SessionRecord, bool) {
	return c.store.Get(sessionID)
}

// socketFor returns the session socket for sessionID, dialing one on first
// use (§4.3).
func (c *Controller) socketFor(ctx context.Context, sessionID string) (*sessionsocket.Socket, error) {
	c.mu.Lock()
	sock, ok := c.sockets[sessionID]
	c.mu.Unlock()
	if ok {
		return sock, nil
	}

	sock = sessionsocket.New(sessionID, c.api.WebSocketURL("/api/sessions/"+sessionID+"/ws"), c.pending, c.api.Authenticate, c.sessionCallbacks(sessionID))

	c.mu.Lock()
	if existing, ok := c.sockets[sessionID]; ok {
		c.mu.Unlock()
		sock.Close()
		return existing, nil
	}
	c.sockets[sessionID] = sock
	c.mu.Unlock()

	if err := sock.Connect(ctx); err != nil {
		c.mu.Lock()
		delete(c.sockets, sessionID)
		c.mu.Unlock()
		return nil, err
	}
	return sock, nil
}

func (c *Controller) sessionCallbacks(sessionID string) sessionsocket.Callbacks {
	return sessionsocket.Callbacks{
		OnConnected: func(d wire.ConnectedData) {
			c.store.SetInfo(sessionID, func(i *state.SessionInfo) {
				i.Name = d.Name
				i.WorkingDir = d.WorkingDir
				i.ACPServer = d.ACPServer
				i.Status = d.Status
				i.RunnerType = d.RunnerType
				i.RunnerRestricted = d.RunnerRestricted
				i.Archived = d.Archived
				i.ArchivedAt = model.ParseTimestamp(d.ArchivedAt)
			})
			c.store.SetStreaming(sessionID, d.IsPrompting)
			c.store.SetQueue(sessionID, nil, d.QueueLength, state.QueueConfig{
				Enabled:      d.QueueConfig.Enabled,
				MaxSize:      d.QueueConfig.MaxSize,
				DelaySeconds: d.QueueConfig.DelaySeconds,
			})
		},
		OnEventsLoaded: func(d wire.EventsLoadedData) {
			var sock reconcile.SessionSocket
			if s, ok := c.lookupSocket(sessionID); ok {
				sock = s
			}
			c.engine.HandleEventsLoaded(sessionID, sock, d)
			if c.pending != nil {
				_ = c.pending.ClearFromEvents(d.Events)
			}
			c.notify()
		},
		OnAgentMessage: func(d wire.AgentMessageData) {
			c.store.CoalesceTail(sessionID, model.KindAgent, d.Seq, d.HTML)
			c.pipeline.HandleStreamingEvent(sessionID)
			c.notify()
		},
		OnAgentThought: func(d wire.AgentThoughtData) {
			c.store.CoalesceTail(sessionID, model.KindThought, d.Seq, d.Text)
			c.pipeline.HandleStreamingEvent(sessionID)
			c.notify()
		},
		OnToolCall: func(d wire.ToolCallData) {
			c.store.AppendMessage(sessionID, model.Message{
				Kind:       model.KindTool,
				Seq:        d.Seq,
				ToolID:     d.ID,
				ToolTitle:  d.Title,
				ToolStatus: model.ToolStatus(d.Status),
			})
			c.pipeline.HandleStreamingEvent(sessionID)
			c.notify()
		},
		OnToolUpdate: func(d wire.ToolUpdateData) {
			c.store.UpsertToolStatus(sessionID, d.ID, model.ToolStatus(d.Status))
			c.notify()
		},
		OnActionButtons: func(d wire.ActionButtonsData) {
			c.store.SetActionButtons(sessionID, d.Buttons)
			c.notify()
		},
		OnPromptComplete: func(wire.PromptCompleteData) {
			c.store.CompleteTail(sessionID)
			c.store.SetStreaming(sessionID, false)
			c.surfaceBackgroundCompletion(sessionID)
			c.notify()
		},
		OnUserPrompt: func(d wire.UserPromptData) {
			c.pipeline.HandleUserPrompt(d.PromptID, d.Seq)
			if !d.IsMine {
				c.store.AppendMessage(sessionID, model.Message{
					Kind:            model.KindUser,
					Seq:             d.Seq,
					Text:            d.Message,
					Complete:        true,
					FromOtherClient: true,
				})
			}
			c.notify()
		},
		OnPromptReceived: func(d wire.PromptReceivedData) {
			c.pipeline.HandlePromptReceived(d.PromptID)
		},
		OnError: func(d wire.ErrorData) {
			if d.PromptID != "" {
				c.pipeline.HandleError(d.PromptID, d.Message)
			}
			c.store.AppendMessage(sessionID, model.Message{Kind: model.KindError, Text: d.Message})
			c.notify()
		},
		OnSessionRenamed: func(d wire.SessionRenamedData) {
			c.store.SetInfo(d.SessionID, func(i *state.SessionInfo) { i.Name = d.Name })
			c.notify()
		},
		OnSessionReset: func() {
			c.store.SetStreaming(sessionID, false)
			c.notify()
		},
		OnQueueUpdated: func(d wire.QueueUpdatedData) {
			items := make([]state.QueueItem, 0, len(d.Messages))
			for _, m := range d.Messages {
				items = append(items, state.QueueItem{ID: m.ID, Message: m.Message, Title: m.Title})
			}
			rec, _ := c.store.Get(sessionID)
			c.store.SetQueue(sessionID, items, d.Count, rec.QueueConfig)
			c.notify()
		},
		OnDisconnected: func(error) { c.notify() },
		OnReconnected:  func() { c.notify() },
	}
}

func (c *Controller) lookupSocket(sessionID string) (*sessionsocket.Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sock, ok := c.sockets[sessionID]
	return sock, ok
}

// surfaceBackgroundCompletion implements §4.8's "single background-completion
// event surfaced when a non-active session finishes streaming".
func (c *Controller) surfaceBackgroundCompletion(sessionID string) {
	c.mu.Lock()
	if sessionID == c.activeSessionID {
		c.mu.Unlock()
		return
	}
	c.bgCompletion = sessionID
	cb := c.onBackgroundCompletion
	c.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}

// SendPrompt runs §4.6's send pipeline for sessionID.
func (c *Controller) SendPrompt(ctx context.Context, sessionID, message string, imageIDs, fileIDs []string, mobile bool) (string, error) {
	sock, err := c.socketFor(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("send prompt: %w", err)
	}
	return c.pipeline.Send(ctx, sock, sendpipeline.Request{
		SessionID: sessionID,
		Message:   message,
		ImageIDs:  imageIDs,
		FileIDs:   fileIDs,
		Mobile:    mobile,
	})
}

// CancelPrompt sends the client→server cancel message for sessionID.
func (c *Controller) CancelPrompt(sessionID string) error {
	sock, ok := c.lookupSocket(sessionID)
	if !ok {
		return fmt.Errorf("cancel prompt: no socket for session %s", sessionID)
	}
	return sendpipeline.CancelPrompt(sock)
}

// ForceReset sends the client→server force_reset message for sessionID.
func (c *Controller) ForceReset(sessionID string) error {
	sock, ok := c.lookupSocket(sessionID)
	if !ok {
		return fmt.Errorf("force reset: no socket for session %s", sessionID)
	}
	return sendpipeline.ForceReset(sock)
}

// NewSession creates a session via REST and switches to it.
func (c *Controller) NewSession(ctx context.Context, name, workingDir, acpServer string) (string, error) {
	created, err := c.api.CreateSession(ctx, name, workingDir, acpServer)
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	c.store.Create(created.SessionID, state.SessionInfo{Name: created.Name, WorkingDir: created.WorkingDir, ACPServer: created.ACPServer})
	if err := c.SwitchSession(ctx, created.SessionID); err != nil {
		return created.SessionID, err
	}
	return created.SessionID, nil
}

// SwitchSession makes sessionID the active session and ensures its socket
// is connected (§4.8 switchSession).
func (c *Controller) SwitchSession(ctx context.Context, sessionID string) error {
	c.setActiveSessionID(sessionID)
	if c.prefs != nil {
		if err := c.prefs.SetLastActiveSessionID(sessionID); err != nil {
			logging.Controller().Warn("persist last active session failed", "error", err)
		}
	}
	if c.BackgroundCompletion() == sessionID {
		c.ClearBackgroundCompletion()
	}
	return c.LoadSession(ctx, sessionID)
}

// LoadSession fetches sessionID's metadata and ensures its socket is
// connected, without changing which session is active.
func (c *Controller) LoadSession(ctx context.Context, sessionID string) error {
	meta, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	c.store.SetInfo(sessionID, func(i *state.SessionInfo) {
		i.Name = meta.Name
		i.WorkingDir = meta.WorkingDir
		i.ACPServer = meta.ACPServer
		i.Status = meta.Status
	})
	_, err = c.socketFor(ctx, sessionID)
	c.notify()
	return err
}

// LoadMoreMessages requests the next-older page of events for sessionID
// (§4.7 prepend branch).
func (c *Controller) LoadMoreMessages(sessionID string) error {
	sock, ok := c.lookupSocket(sessionID)
	if !ok {
		return fmt.Errorf("load more messages: no socket for session %s", sessionID)
	}
	rec, _ := c.store.Get(sessionID)
	return sock.RequestLoadEvents(wire.LoadEventsData{BeforeSeq: rec.FirstLoadedSeq, Limit: sessionsocket.InitialEventsLimit})
}

// RenameSession renames sessionID both on the server and locally.
func (c *Controller) RenameSession(ctx context.Context, sessionID, name string) error {
	if err := c.api.RenameSession(ctx, sessionID, name); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	c.store.SetInfo(sessionID, func(i *state.SessionInfo) { i.Name = name })
	c.notify()
	return nil
}

// PinSession pins or unpins sessionID on the server.
func (c *Controller) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	return c.api.PinSession(ctx, sessionID, pinned)
}

// RemoveSession deletes sessionID both on the server and locally.
func (c *Controller) RemoveSession(ctx context.Context, sessionID string) error {
	if err := c.api.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	c.forgetSession(sessionID)
	c.notify()
	return nil
}

// EnqueueMessage adds message to sessionID's outbound queue.
func (c *Controller) EnqueueMessage(ctx context.Context, sessionID, message string, imageIDs []string) (string, error) {
	return c.api.EnqueueMessage(ctx, sessionID, message, imageIDs)
}

// DequeueMessage removes msgID from sessionID's outbound queue.
func (c *Controller) DequeueMessage(ctx context.Context, sessionID, msgID string) error {
	return c.api.DequeueMessage(ctx, sessionID, msgID)
}

// MoveQueueMessage reorders msgID within sessionID's outbound queue.
func (c *Controller) MoveQueueMessage(ctx context.Context, sessionID, msgID string, direction httpapi.MoveDirection) error {
	_, err := c.api.MoveQueueMessage(ctx, sessionID, msgID, direction)
	return err
}

// CreateWorkspace registers a new workspace.
func (c *Controller) CreateWorkspace(ctx context.Context, workingDir, acpServer string) error {
	ws, err := c.api.CreateWorkspace(ctx, workingDir, acpServer)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.workspaces = append(c.workspaces, *ws)
	c.mu.Unlock()
	c.notify()
	return nil
}

// RemoveWorkspace deletes a workspace.
func (c *Controller) RemoveWorkspace(ctx context.Context, dir string) error {
	if err := c.api.DeleteWorkspace(ctx, dir); err != nil {
		return err
	}
	return c.RefreshWorkspaces(ctx)
}

// RefreshWorkspaces re-fetches the workspace and ACP-server lists.
func (c *Controller) RefreshWorkspaces(ctx context.Context) error {
	resp, err := c.api.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("refresh workspaces: %w", err)
	}
	c.mu.Lock()
	c.workspaces = resp.Workspaces
	c.acpServers = resp.ACPServers
	c.mu.Unlock()
	c.notify()
	return nil
}

// Workspaces returns the last-fetched workspace list.
func (c *Controller) Workspaces() []httpapi.Workspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]httpapi.Workspace(nil), c.workspaces...)
}

// Sessions returns every session record currently known to the store, for
// UIs that need to list sessions rather than read one at a time.
func (c *Controller) Sessions() []state.SessionRecord {
	ids := c.store.IDs()
	out := make([]state.SessionRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.store.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// ForceReconnectActiveSession forces the active session's socket to redial.
func (c *Controller) ForceReconnectActiveSession() {
	sessionID := c.ActiveSessionID()
	if sessionID == "" {
		return
	}
	if sock, ok := c.lookupSocket(sessionID); ok {
		sock.ForceReconnect()
	}
}

// The following methods implement reconcile.WakeController, letting
// HandleVisibilityChange drive §4.7's mobile-wake sequence.

// ReapExpiredPrompts purges expired entries from the durable pending store.
func (c *Controller) ReapExpiredPrompts() error {
	if c.pending == nil {
		return nil
	}
	return c.pending.ReapExpired()
}

// Authenticate probes whether the current session cookie is still valid.
func (c *Controller) Authenticate(ctx context.Context) error {
	return c.api.Authenticate(ctx)
}

// RefreshSessions re-fetches the stored-session list over REST (the same
// ListSessionSummaries call behind the global socket's Lister) and
// installs it into the store.
func (c *Controller) RefreshSessions(ctx context.Context) error {
	sessions, err := c.api.ListSessionSummaries(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		info := s.Info
		c.store.SetInfo(s.ID, func(i *state.SessionInfo) { *i = info })
	}
	c.notify()
	return nil
}

// ActiveSessionExists reports whether the active session id still refers
// to a known session.
func (c *Controller) ActiveSessionExists() bool {
	id := c.ActiveSessionID()
	if id == "" {
		return false
	}
	_, ok := c.store.Get(id)
	return ok
}

// ClearOrSwitchActiveSession drops the active session id when it no longer
// exists, matching §4.7's "switch-away-from-deleted-active-session".
func (c *Controller) ClearOrSwitchActiveSession() {
	c.setActiveSessionID("")
	c.notify()
}

// HandleVisibilityChange runs §4.7's mobile-wake sequence when the app
// returns to visible after having been hidden for hiddenDuration.
func (c *Controller) HandleVisibilityChange(ctx context.Context, hiddenDuration time.Duration) error {
	return c.engine.HandleMobileWake(ctx, hiddenDuration, c)
}

// MarkHidden records the time the app became hidden, for HandleVisibilityChange
// callers that track hiddenDuration themselves by calling MarkHidden then
// HiddenDuration() on visibility return.
func (c *Controller) MarkHidden(at time.Time) {
	c.mu.Lock()
	c.hiddenSince = at
	c.mu.Unlock()
}

// HiddenDuration returns the duration since MarkHidden was last called, or
// zero if it was never called.
func (c *Controller) HiddenDuration(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hiddenSince.IsZero() {
		return 0
	}
	return now.Sub(c.hiddenSince)
}
