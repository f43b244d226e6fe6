package model

import (
	"time"

	"github.com/relaywire/sessioncore/internal/wire"
)

// Classify maps a raw wire event into a Message. It returns ok=false for
// event types the transcript does not render (queue/lifecycle/control
// events); per §4.1 these are dropped, never treated as an error.
func Classify(event wire.RawEvent) (msg Message, ok bool) {
	ts := ParseTimestamp(event.Timestamp)

	switch event.Type {
	case wire.MsgTypeUserPrompt:
		var d wire.UserPromptData
		if event.DecodePayload(&d) != nil {
			return Message{}, false
		}
		return Message{
			Kind:            KindUser,
			Seq:             d.Seq,
			Timestamp:       ts,
			Text:            d.Message,
			FromOtherClient: !d.IsMine,
		}, true

	case wire.MsgTypeAgentMessage:
		var d wire.AgentMessageData
		if event.DecodePayload(&d) != nil {
			return Message{}, false
		}
		return Message{
			Kind:      KindAgent,
			Seq:       d.Seq,
			Timestamp: ts,
			HTML:      d.HTML,
			Complete:  false,
		}, true

	case wire.MsgTypeAgentThought:
		var d wire.AgentThoughtData
		if event.DecodePayload(&d) != nil {
			return Message{}, false
		}
		return Message{
			Kind:      KindThought,
			Seq:       d.Seq,
			Timestamp: ts,
			Text:      d.Text,
			Complete:  false,
		}, true

	case wire.MsgTypeToolCall:
		var d wire.ToolCallData
		if event.DecodePayload(&d) != nil {
			return Message{}, false
		}
		return Message{
			Kind:       KindTool,
			Seq:        d.Seq,
			Timestamp:  ts,
			ToolID:     d.ID,
			ToolTitle:  d.Title,
			ToolStatus: ToolStatus(d.Status),
		}, true

	case wire.MsgTypeError:
		var d wire.ErrorData
		if event.DecodePayload(&d) != nil {
			return Message{}, false
		}
		return Message{
			Kind:      KindError,
			Timestamp: ts,
			Text:      d.Message,
		}, true

	default:
		return Message{}, false
	}
}

// ParseTimestamp tolerates an empty or malformed timestamp by falling back
// to the zero time rather than failing classification; ordering among
// seq-bearing messages never depends on Timestamp.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
