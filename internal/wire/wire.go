// Package wire defines the JSON envelope and message-type constants shared
// by the session and global-events WebSocket connections. It mirrors the
// {type, data} framing used across both endpoints: one envelope struct,
// one set of typed constants per direction, and one payload struct per
// message type so callers can decode directly into a concrete type instead
// of walking a map[string]any.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame exchanged over both WebSocket endpoints.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses raw frame bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Encode builds the wire bytes for a client→server message. data may be nil
// for messages that carry no payload (cancel, force_reset).
func Encode(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// DecodePayload unmarshals an Envelope's Data into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DecodePayload unmarshals a RawEvent's Data into v, the same way
// Envelope.DecodePayload does for live frames.
func (e RawEvent) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Client→server message types (§4.3).
const (
	// MsgTypePrompt sends a user message to the agent.
	MsgTypePrompt = "prompt"
	// MsgTypeCancel requests cancellation of the current agent turn.
	MsgTypeCancel = "cancel"
	// MsgTypeForceReset asks the server to abandon in-flight agent state.
	MsgTypeForceReset = "force_reset"
	// MsgTypeLoadEvents requests a page of the session's event log.
	MsgTypeLoadEvents = "load_events"
	// MsgTypeSyncSession is deprecated; accepted for compatibility only.
	MsgTypeSyncSession = "sync_session"
	// MsgTypeKeepalive is an application-level liveness ping.
	MsgTypeKeepalive = "keepalive"
)

// Server→client message types (§4.3).
const (
	MsgTypeConnected           = "connected"
	MsgTypeAgentMessage        = "agent_message"
	MsgTypeAgentThought        = "agent_thought"
	MsgTypeToolCall            = "tool_call"
	MsgTypeToolUpdate          = "tool_update"
	MsgTypeActionButtons       = "action_buttons"
	MsgTypePromptComplete      = "prompt_complete"
	MsgTypeUserPrompt          = "user_prompt"
	MsgTypePromptReceived      = "prompt_received"
	MsgTypeError               = "error"
	MsgTypeKeepaliveAck        = "keepalive_ack"
	MsgTypeEventsLoaded        = "events_loaded"
	MsgTypeSessionSync         = "session_sync" // deprecated, accepted for compatibility
	MsgTypeSessionRenamed      = "session_renamed"
	MsgTypeSessionReset        = "session_reset"
	MsgTypeQueueUpdated        = "queue_updated"
	MsgTypeQueueMessageSending = "queue_message_sending"
	MsgTypeQueueMessageSent    = "queue_message_sent"
	MsgTypeQueueMessageTitled  = "queue_message_titled"
	MsgTypeQueueReordered      = "queue_reordered"
	MsgTypeRunnerFallback      = "runner_fallback"
)

// Global-events WebSocket message types (§4.4). connected, session_renamed
// and the queue_* types above are shared with the per-session socket.
const (
	MsgTypeSessionCreated  = "session_created"
	MsgTypeSessionSwitched = "session_switched"
	MsgTypeSessionDeleted  = "session_deleted"
)

// RawEvent is one entry of an events_loaded/session_sync batch, grounded on
// the server's persisted event shape: a monotone seq, a type tag shared with
// the server→client message types above, a timestamp, and type-specific data.
type RawEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// PromptData is the payload of a client "prompt" message.
type PromptData struct {
	Message  string   `json:"message"`
	ImageIDs []string `json:"image_ids,omitempty"`
	FileIDs  []string `json:"file_ids,omitempty"`
	PromptID string   `json:"prompt_id"`
}

// LoadEventsData is the payload of a client "load_events" message.
type LoadEventsData struct {
	Limit     int   `json:"limit,omitempty"`
	BeforeSeq int64 `json:"before_seq,omitempty"`
	AfterSeq  int64 `json:"after_seq,omitempty"`
}

// SyncSessionData is the payload of the deprecated "sync_session" message.
type SyncSessionData struct {
	SessionID string `json:"session_id"`
	AfterSeq  int64  `json:"after_seq"`
}

// KeepaliveData is the payload of a client "keepalive" message.
type KeepaliveData struct {
	ClientTime int64 `json:"client_time"`
}

// ConnectedData is the payload of a server "connected" event.
type ConnectedData struct {
	WorkingDir       string          `json:"working_dir"`
	Name             string          `json:"name"`
	ACPServer        string          `json:"acp_server"`
	CreatedAt        string          `json:"created_at"`
	Status           string          `json:"status"`
	IsPrompting      bool            `json:"is_prompting"`
	QueueLength      int             `json:"queue_length"`
	QueueConfig      QueueConfigData `json:"queue_config"`
	RunnerType       string          `json:"runner_type,omitempty"`
	RunnerRestricted bool            `json:"runner_restricted,omitempty"`
	Archived         bool            `json:"archived,omitempty"`
	ArchivedAt       string          `json:"archived_at,omitempty"`
}

// QueueConfigData describes the server-side send-queue limits (§6).
type QueueConfigData struct {
	Enabled      bool `json:"enabled"`
	MaxSize      int  `json:"max_size"`
	DelaySeconds int  `json:"delay_seconds"`
}

// AgentMessageData is the payload of a server "agent_message" event.
type AgentMessageData struct {
	HTML        string `json:"html"`
	IsPrompting *bool  `json:"is_prompting,omitempty"` // absent defaults to true, see §9 open question
	Seq         int64  `json:"seq"`
}

// AgentThoughtData is the payload of a server "agent_thought" event.
type AgentThoughtData struct {
	Text        string `json:"text"`
	IsPrompting *bool  `json:"is_prompting,omitempty"`
	Seq         int64  `json:"seq"`
}

// ToolCallData is the payload of a server "tool_call" event.
type ToolCallData struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	IsPrompting *bool  `json:"is_prompting,omitempty"`
	Seq         int64  `json:"seq"`
}

// ToolUpdateData is the payload of a server "tool_update" event.
type ToolUpdateData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ActionButton is one entry of an action_buttons event.
type ActionButton struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// ActionButtonsData is the payload of a server "action_buttons" event.
type ActionButtonsData struct {
	Buttons []ActionButton `json:"buttons"`
}

// PromptCompleteData is the payload of a server "prompt_complete" event.
type PromptCompleteData struct {
	EventCount int `json:"event_count"`
}

// UserPromptData is the payload of a server "user_prompt" event.
type UserPromptData struct {
	Seq         int64    `json:"seq"`
	IsMine      bool     `json:"is_mine"`
	PromptID    string   `json:"prompt_id"`
	Message     string   `json:"message"`
	ImageIDs    []string `json:"image_ids,omitempty"`
	SenderID    string   `json:"sender_id"`
	IsPrompting bool     `json:"is_prompting"`
}

// PromptReceivedData is the payload of a server "prompt_received" event.
type PromptReceivedData struct {
	PromptID string `json:"prompt_id"`
}

// ErrorData is the payload of a server "error" event.
type ErrorData struct {
	Message  string `json:"message"`
	PromptID string `json:"prompt_id,omitempty"`
}

// EventsLoadedData is the payload of a server "events_loaded" event.
type EventsLoadedData struct {
	Events      []RawEvent `json:"events"`
	Prepend     bool       `json:"prepend"`
	HasMore     bool       `json:"has_more"`
	FirstSeq    int64      `json:"first_seq"`
	LastSeq     int64      `json:"last_seq"`
	IsPrompting bool       `json:"is_prompting"`
	TotalCount  int        `json:"total_count"`
}

// SessionRenamedData is the payload of a "session_renamed" event.
type SessionRenamedData struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// SessionCreatedData is the payload of a global "session_created" event.
type SessionCreatedData struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	Archived   bool   `json:"archived,omitempty"`
}

// SessionSwitchedData is the payload of a "session_switched" event.
type SessionSwitchedData struct {
	SessionID string `json:"session_id"`
}

// SessionDeletedData is the payload of a global "session_deleted" event.
type SessionDeletedData struct {
	SessionID string `json:"session_id"`
}

// QueueItemData describes one queued outbound message (§6 queue endpoints).
type QueueItemData struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	Title    string `json:"title,omitempty"`
	QueuedAt string `json:"queued_at"`
}

// QueueUpdatedData is the payload of a "queue_updated" event.
type QueueUpdatedData struct {
	Messages []QueueItemData `json:"messages"`
	Count    int             `json:"count"`
}

// QueueMessageSendingData is the payload of a "queue_message_sending" event.
type QueueMessageSendingData struct {
	ID string `json:"id"`
}

// QueueMessageSentData is the payload of a "queue_message_sent" event.
type QueueMessageSentData struct {
	ID       string `json:"id"`
	PromptID string `json:"prompt_id"`
}

// QueueMessageTitledData is the payload of a "queue_message_titled" event.
type QueueMessageTitledData struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// QueueReorderedData is the payload of a "queue_reordered" event.
type QueueReorderedData struct {
	Messages []QueueItemData `json:"messages"`
}

// RunnerFallbackData is the payload of a "runner_fallback" event, emitted
// when the server falls back from a restricted sandboxed runner.
type RunnerFallbackData struct {
	RunnerType string `json:"runner_type"`
	Reason     string `json:"reason,omitempty"`
}
