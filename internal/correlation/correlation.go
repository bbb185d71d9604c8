// Package correlation pairs events that share a trace identity into spans.
//
// Identity is best effort. A function call id supplied by the backend is used
// when present; otherwise the identity is a fixed-length prefix of the event id,
// which can collide across unrelated events.
package correlation

import (
	"fmt"
	"strings"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/log"
)

// DefaultPrefixLen is the number of event id characters used for identity.
const DefaultPrefixLen = 8

// Status is the lifecycle state of a span.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses by aggregation precedence: failed > completed > in_progress > pending.
func (s Status) Rank() int {
	switch s {
	case StatusFailed:
		return 3
	case StatusCompleted:
		return 2
	case StatusInProgress:
		return 1
	default:
		return 0
	}
}

// TraceInfo is a span correlated across an opening and a closing event.
// Times are milliseconds since epoch.
type TraceInfo struct {
	TraceID   string `json:"traceId"`
	StepID    string `json:"stepId"`
	Tool      string `json:"tool,omitempty"`
	StartTime int64  `json:"startTime"`
	EndTime   *int64 `json:"endTime,omitempty"`
	Duration  *int64 `json:"duration,omitempty"`
	Status    Status `json:"status"`
}

// Closed reports whether the span has an end time.
func (t TraceInfo) Closed() bool { return t.EndTime != nil }

// Handle addresses a span inside a Correlator. Handles stay valid until Reset.
type Handle int

// NoHandle is returned for events that could not be correlated.
const NoHandle Handle = -1

// Option configures a Correlator.
type Option func(*Correlator)

// WithPrefixLen sets how many event id characters form the fallback identity.
func WithPrefixLen(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.prefixLen = n
		}
	}
}

// Correlator maintains identity → open span for one session.
// It is not safe for concurrent use; the owning classifier serializes access.
type Correlator struct {
	prefixLen int
	spans     []TraceInfo
	open      map[string]Handle
	byEvent   map[string]Handle
}

// New creates an empty correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{prefixLen: DefaultPrefixLen}
	for _, opt := range opts {
		opt(c)
	}
	c.Reset()
	return c
}

// Reset forgets every span. Handles issued before Reset are invalid afterwards.
func (c *Correlator) Reset() {
	c.spans = nil
	c.open = make(map[string]Handle)
	c.byEvent = make(map[string]Handle)
}

// Identity returns the trace identity of ev.
func (c *Correlator) Identity(ev adk.Event) string {
	for _, call := range ev.FunctionCalls() {
		if call.ID != "" {
			return "fc-" + call.ID
		}
	}
	for _, resp := range ev.FunctionResponses() {
		if resp.ID != "" {
			return "fc-" + resp.ID
		}
	}
	id := ev.ID
	if len(id) > c.prefixLen {
		id = id[:c.prefixLen]
	}
	return "tr-" + id
}

// Observe feeds an event into the correlator and returns the handle of the
// span it opened or closed. Observing the same event id again returns the
// original handle without changing any span.
func (c *Correlator) Observe(ev adk.Event) Handle {
	if ev.ID == "" {
		return NoHandle
	}
	if h, ok := c.byEvent[ev.ID]; ok {
		return h
	}

	identity := c.Identity(ev)
	ts := ev.TimestampMillis()

	if h, ok := c.open[identity]; ok {
		c.close(h, ev, ts)
		delete(c.open, identity)
		c.byEvent[ev.ID] = h
		return h
	}

	span := TraceInfo{
		TraceID:   identity,
		StepID:    fmt.Sprintf("st-%d", len(c.spans)+1),
		StartTime: ts,
		Status:    StatusPending,
	}
	if calls := ev.FunctionCalls(); len(calls) > 0 {
		span.Tool = calls[0].Name
		span.Status = StatusInProgress
	}

	h := Handle(len(c.spans))
	c.spans = append(c.spans, span)
	c.open[identity] = h
	c.byEvent[ev.ID] = h
	return h
}

func (c *Correlator) close(h Handle, ev adk.Event, ts int64) {
	span := &c.spans[h]
	end := max(ts, span.StartTime)
	duration := end - span.StartTime
	span.EndTime = &end
	span.Duration = &duration

	span.Status = StatusCompleted
	for _, resp := range ev.FunctionResponses() {
		if responseFailed(resp.Response) {
			span.Status = StatusFailed
			break
		}
	}
	if span.Tool == "" {
		if resps := ev.FunctionResponses(); len(resps) > 0 {
			span.Tool = resps[0].Name
		}
	}

	log.Debug(log.CatTrace, "Span closed", "trace", span.TraceID, "step", span.StepID,
		"duration_ms", duration, "status", span.Status)
}

func responseFailed(resp map[string]any) bool {
	if resp == nil {
		return false
	}
	if v, ok := resp["error"]; ok && v != nil {
		return true
	}
	if s, ok := resp["status"].(string); ok {
		switch strings.ToLower(s) {
		case "error", "err":
			return true
		}
	}
	return false
}

// Span returns a copy of the span behind h.
func (c *Correlator) Span(h Handle) (TraceInfo, bool) {
	if h < 0 || int(h) >= len(c.spans) {
		return TraceInfo{}, false
	}
	return c.spans[h], true
}

// Spans returns a copy of every span in opening order.
func (c *Correlator) Spans() []TraceInfo {
	out := make([]TraceInfo, len(c.spans))
	copy(out, c.spans)
	return out
}

// OpenCount returns how many spans are still waiting for a closing event.
func (c *Correlator) OpenCount() int { return len(c.open) }
