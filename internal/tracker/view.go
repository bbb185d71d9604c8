package tracker

import (
	"slices"
	"time"

	"github.com/feynmancraft/pipewatch/internal/pipeline"
)

// View is what presentation layers render: the conversation, the processed
// pipeline events and their stage groups, and the delivery status.
type View struct {
	SessionID     string                    `json:"sessionId,omitempty"`
	Prompt        string                    `json:"prompt,omitempty"`
	Running       bool                      `json:"running"`
	Completed     bool                      `json:"completed"`
	PollingStatus string                    `json:"pollingStatus"`
	Messages      []pipeline.Message        `json:"messages"`
	Events        []pipeline.ProcessedEvent `json:"events"`
	Groups        []pipeline.EventGroup     `json:"groups"`
	RawEventCount int                       `json:"rawEventCount"`
	Error         string                    `json:"error,omitempty"`
	Retryable     bool                      `json:"retryable,omitempty"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// FinalMessage returns the text of the last assistant message, if any.
func (v View) FinalMessage() string {
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if v.Messages[i].Role == pipeline.RoleAssistant {
			return v.Messages[i].Text
		}
	}
	return ""
}

// ActiveStage returns the stage of the most recent event, or "" before any.
func (v View) ActiveStage() pipeline.Stage {
	if len(v.Events) == 0 {
		return ""
	}
	return v.Events[len(v.Events)-1].Stage
}

// clone copies the slices so callers can't observe later mutation.
func (v View) clone() View {
	v.Messages = slices.Clone(v.Messages)
	v.Events = slices.Clone(v.Events)
	v.Groups = slices.Clone(v.Groups)
	return v
}
