//nolint:tagliatelle // JSON tags use camelCase to match the ADK API server
package adk

import (
	"encoding/json"
	"math"
	"strings"
)

// Well-known authors produced by the backend.
const (
	AuthorUser = "user"
	// AuthorRoot is the root dispatcher that hands work to the sub-agents.
	AuthorRoot = "root_agent"
)

// Event is one backend-produced record describing a step of the pipeline.
// Events are immutable once received.
type Event struct {
	ID           string   `json:"id"`
	InvocationID string   `json:"invocationId,omitempty"`
	Author       string   `json:"author"`
	Timestamp    float64  `json:"timestamp"` // seconds since epoch
	Content      *Content `json:"content,omitempty"`
	Actions      *Actions `json:"actions,omitempty"`
}

// Content holds the parts of an event.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is a single content element. At most one field is normally set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is a tool invocation requested by an agent.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the result of a tool invocation.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Actions carries side effects attached to an event.
type Actions struct {
	TransferToAgent string `json:"transferToAgent,omitempty"`
}

// Session is the backend-side state for one submission.
type Session struct {
	ID      string  `json:"id"`
	AppName string  `json:"appName,omitempty"`
	UserID  string  `json:"userId,omitempty"`
	Events  []Event `json:"events"`
}

// RunResult is the outcome of dispatching a run.
// Accepted is set when the backend took the run in background mode and
// returned no events; the caller must poll for progress.
type RunResult struct {
	Events   []Event
	Accepted bool
}

// TimestampMillis returns the event timestamp in milliseconds.
func (e Event) TimestampMillis() int64 {
	return int64(math.Floor(e.Timestamp * 1000))
}

// TransferTarget returns the agent this event hands control to, if any.
func (e Event) TransferTarget() string {
	if e.Actions == nil {
		return ""
	}
	return e.Actions.TransferToAgent
}

// Parts returns the content parts, or nil when the event has no content.
func (e Event) Parts() []Part {
	if e.Content == nil {
		return nil
	}
	return e.Content.Parts
}

// FunctionCalls returns every function call carried by the event.
func (e Event) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range e.Parts() {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns every function response carried by the event.
func (e Event) FunctionResponses() []*FunctionResponse {
	var responses []*FunctionResponse
	for _, p := range e.Parts() {
		if p.FunctionResponse != nil {
			responses = append(responses, p.FunctionResponse)
		}
	}
	return responses
}

// HasPendingCall reports whether the event carries a function call or
// function response marker.
func (e Event) HasPendingCall() bool {
	for _, p := range e.Parts() {
		if p.FunctionCall != nil || p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// Text joins the text parts of the event.
func (e Event) Text() string {
	var texts []string
	for _, p := range e.Parts() {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// decodeEvents decodes a JSON array of events element by element.
// Elements that fail to decode are reported through skip and left out.
func decodeEvents(raw []json.RawMessage, skip func(index int, err error)) []Event {
	events := make([]Event, 0, len(raw))
	for i, r := range raw {
		var ev Event
		if err := json.Unmarshal(r, &ev); err != nil {
			if skip != nil {
				skip(i, err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events
}
