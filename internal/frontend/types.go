//nolint:tagliatelle // JSON tags use camelCase to match the dashboard
package frontend

import (
	"time"

	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	LogCount      int           `json:"logCount"`
	LogCapacity   int           `json:"logCapacity"`
	Stream        *StreamHealth `json:"stream,omitempty"`
}

// StreamHealth reports the backend log stream connection.
type StreamHealth struct {
	Connected   bool   `json:"connected"`
	Reconnects  int    `json:"reconnects"`
	LastEventID string `json:"lastEventId,omitempty"`
}

// StateResponse is the response for GET /api/state and for accepted sends.
type StateResponse struct {
	SessionID       string                    `json:"sessionId"`
	Running         bool                      `json:"running"`
	Completed       bool                      `json:"completed"`
	PollingStatus   string                    `json:"pollingStatus"`
	ProcessedEvents []pipeline.ProcessedEvent `json:"processedEvents"`
	EventGroups     []pipeline.EventGroup     `json:"eventGroups"`
	Messages        []pipeline.Message        `json:"messages"`
	Error           string                    `json:"error,omitempty"`
	Retryable       bool                      `json:"retryable"`
	UpdatedAt       *time.Time                `json:"updatedAt,omitempty"`
}

// NewStateResponse converts a tracker view. Nil slices become empty arrays.
func NewStateResponse(v tracker.View) StateResponse {
	resp := StateResponse{
		SessionID:       v.SessionID,
		Running:         v.Running,
		Completed:       v.Completed,
		PollingStatus:   v.PollingStatus,
		ProcessedEvents: v.Events,
		EventGroups:     v.Groups,
		Messages:        v.Messages,
		Error:           v.Error,
		Retryable:       v.Retryable,
	}
	if !v.UpdatedAt.IsZero() {
		t := v.UpdatedAt
		resp.UpdatedAt = &t
	}
	if resp.ProcessedEvents == nil {
		resp.ProcessedEvents = []pipeline.ProcessedEvent{}
	}
	if resp.EventGroups == nil {
		resp.EventGroups = []pipeline.EventGroup{}
	}
	if resp.Messages == nil {
		resp.Messages = []pipeline.Message{}
	}
	return resp
}

// LogsResponse is the response for GET /api/logs.
type LogsResponse struct {
	Logs     []logfeed.Entry `json:"logs"`
	Total    int             `json:"total"`
	Capacity int             `json:"capacity"`
}

// SendRequest is the request body for POST /api/send.
type SendRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}
