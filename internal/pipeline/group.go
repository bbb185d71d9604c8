package pipeline

import (
	"math"
	"sort"

	"github.com/feynmancraft/pipewatch/internal/correlation"
)

// EventGroup aggregates the processed events of one stage.
// Durations are milliseconds over the distinct closed spans of the members.
type EventGroup struct {
	Stage           Stage              `json:"stage"`
	Events          []ProcessedEvent   `json:"events"`
	Count           int                `json:"count"`
	TotalDuration   int64              `json:"totalDuration"`
	AverageDuration int64              `json:"averageDuration"`
	P50             int64              `json:"p50"`
	P95             int64              `json:"p95"`
	Status          correlation.Status `json:"status"`
}

// StartTime is the earliest member timestamp.
func (g EventGroup) StartTime() int64 {
	if len(g.Events) == 0 {
		return 0
	}
	start := g.Events[0].Timestamp
	for _, e := range g.Events[1:] {
		start = min(start, e.Timestamp)
	}
	return start
}

// GroupEvents groups events by stage and orders the groups by their earliest
// member, breaking ties by pipeline order.
func GroupEvents(events []ProcessedEvent) []EventGroup {
	byStage := make(map[Stage]*EventGroup)
	var stages []Stage
	for _, e := range events {
		g, ok := byStage[e.Stage]
		if !ok {
			g = &EventGroup{Stage: e.Stage}
			byStage[e.Stage] = g
			stages = append(stages, e.Stage)
		}
		g.Events = append(g.Events, e)
	}

	groups := make([]EventGroup, 0, len(stages))
	for _, st := range stages {
		g := byStage[st]
		aggregate(g)
		groups = append(groups, *g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		si, sj := groups[i].StartTime(), groups[j].StartTime()
		if si != sj {
			return si < sj
		}
		return groups[i].Stage.Order() < groups[j].Stage.Order()
	})
	return groups
}

func aggregate(g *EventGroup) {
	g.Count = len(g.Events)
	g.Status = correlation.StatusPending

	seen := make(map[string]struct{})
	var durations []int64
	for _, e := range g.Events {
		if e.Trace == nil {
			continue
		}
		if e.Trace.Status.Rank() > g.Status.Rank() {
			g.Status = e.Trace.Status
		}
		if e.Trace.Duration == nil {
			continue
		}
		if _, dup := seen[e.Trace.StepID]; dup {
			continue
		}
		seen[e.Trace.StepID] = struct{}{}
		durations = append(durations, *e.Trace.Duration)
	}
	if len(durations) == 0 {
		return
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	for _, d := range durations {
		g.TotalDuration += d
	}
	g.AverageDuration = g.TotalDuration / int64(len(durations))
	g.P50 = Percentile(durations, 0.50)
	g.P95 = Percentile(durations, 0.95)
}

// Percentile returns the nearest-rank percentile of an ascending slice:
// the element at floor(p·n), clamped to the last index.
func Percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(p * float64(n)))
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}
