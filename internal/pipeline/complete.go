package pipeline

import "github.com/feynmancraft/pipewatch/internal/adk"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a chat message shown to the user.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // milliseconds
}

// IsComplete reports whether the snapshot tail marks the end of the pipeline:
// the chronologically last event is by the terminal agent and carries no
// function call or response. The backend has no explicit end marker.
func IsComplete(events []adk.Event) bool {
	last := -1
	for i := range events {
		if last < 0 || events[i].Timestamp >= events[last].Timestamp {
			last = i
		}
	}
	if last < 0 {
		return false
	}
	ev := events[last]
	return ev.Author == TerminalAuthor && !ev.HasPendingCall()
}

// ExtractAssistantMessages returns the agent-authored, text-only events as
// assistant messages, in snapshot order.
func ExtractAssistantMessages(events []adk.Event) []Message {
	var msgs []Message
	for _, ev := range events {
		if ev.Author == adk.AuthorUser || ev.Author == adk.AuthorRoot || ev.Author == "" {
			continue
		}
		if ev.HasPendingCall() {
			continue
		}
		text := ev.Text()
		if text == "" {
			continue
		}
		msgs = append(msgs, Message{
			ID:        ev.ID,
			Role:      RoleAssistant,
			Author:    ev.Author,
			Text:      text,
			Timestamp: ev.TimestampMillis(),
		})
	}
	return msgs
}
