// Package export renders session reports as JSON, YAML or Markdown.
package export

import (
	"time"

	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

// Report is the exported summary of one session.
type Report struct {
	SessionID    string         `json:"sessionId" yaml:"session_id"`
	Prompt       string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Status       string         `json:"status" yaml:"status"`
	StartedAt    *time.Time     `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	EventCount   int            `json:"eventCount" yaml:"event_count"`
	Stages       []StageSummary `json:"stages" yaml:"stages"`
	FinalMessage string         `json:"finalMessage,omitempty" yaml:"final_message,omitempty"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// StageSummary is one event group without its member events.
type StageSummary struct {
	Stage   string `json:"stage" yaml:"stage"`
	Count   int    `json:"count" yaml:"count"`
	Status  string `json:"status" yaml:"status"`
	TotalMs int64  `json:"totalMs" yaml:"total_ms"`
	AvgMs   int64  `json:"avgMs" yaml:"avg_ms"`
	P50Ms   int64  `json:"p50Ms" yaml:"p50_ms"`
	P95Ms   int64  `json:"p95Ms" yaml:"p95_ms"`
}

// FromView builds a report from a live tracker view.
func FromView(v tracker.View) *Report {
	status := "running"
	switch {
	case v.Completed:
		status = string(history.StatusCompleted)
	case v.Error != "":
		status = string(history.StatusFailed)
	case !v.Running && v.SessionID != "":
		status = string(history.StatusStopped)
	case !v.Running:
		status = "idle"
	}
	return &Report{
		SessionID:    v.SessionID,
		Prompt:       v.Prompt,
		Status:       status,
		EventCount:   len(v.Events),
		Stages:       summarize(v.Groups),
		FinalMessage: v.FinalMessage(),
		Error:        v.Error,
	}
}

// FromRecord builds a report from an archived session.
func FromRecord(r history.Record) *Report {
	started, finished := r.StartedAt, r.FinishedAt
	return &Report{
		SessionID:    r.SessionID,
		Prompt:       r.Prompt,
		Status:       string(r.Status),
		StartedAt:    &started,
		FinishedAt:   &finished,
		EventCount:   r.EventCount,
		Stages:       summarize(r.Groups),
		FinalMessage: r.FinalMessage,
		Error:        r.Error,
	}
}

func summarize(groups []pipeline.EventGroup) []StageSummary {
	out := make([]StageSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, StageSummary{
			Stage:   string(g.Stage),
			Count:   g.Count,
			Status:  string(g.Status),
			TotalMs: g.TotalDuration,
			AvgMs:   g.AverageDuration,
			P50Ms:   g.P50,
			P95Ms:   g.P95,
		})
	}
	return out
}
