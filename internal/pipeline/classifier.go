// Package pipeline turns raw session snapshots into processed events and
// per-stage groups, and decides when the pipeline has finished.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/log"
)

// ProcessedEvent is the display summary of one raw event.
type ProcessedEvent struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Summary   string                 `json:"summary"`
	Timestamp int64                  `json:"timestamp"` // milliseconds
	Author    string                 `json:"author"`
	Stage     Stage                  `json:"stage"`
	Details   string                 `json:"details,omitempty"`
	Trace     *correlation.TraceInfo `json:"traceInfo,omitempty"`
}

// Result is the classifier output for one snapshot.
type Result struct {
	Events []ProcessedEvent
	Groups []EventGroup
}

type entry struct {
	event  ProcessedEvent
	handle correlation.Handle
}

// Classifier maps snapshots to processed events for one session.
// It owns the session's dedup key set and trace map; Reset clears both.
//
// Snapshots are full lists, so every call returns the events accumulated so
// far. Processing the same snapshot twice returns the same result.
type Classifier struct {
	mu         sync.Mutex
	correlator *correlation.Correlator
	seen       *cache.Cache
	consumed   map[string]struct{}
	entries    []entry
}

// NewClassifier creates a classifier. Options configure its correlator.
func NewClassifier(opts ...correlation.Option) *Classifier {
	return &Classifier{
		correlator: correlation.New(opts...),
		seen:       cache.New(cache.NoExpiration, 0),
		consumed:   make(map[string]struct{}),
	}
}

// Reset forgets everything seen for the current session.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correlator.Reset()
	c.seen.Flush()
	c.consumed = make(map[string]struct{})
	c.entries = nil
}

// Process classifies a snapshot and returns the accumulated events and groups.
func (c *Classifier) Process(events []adk.Event) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range events {
		ev := events[i]
		if ev.ID == "" {
			log.Warn(log.CatClassify, "Skipping event without id", "author", ev.Author)
			continue
		}
		if _, ok := c.consumed[ev.ID]; ok {
			continue
		}
		c.consumed[ev.ID] = struct{}{}
		c.observe(ev)
	}

	out := make([]ProcessedEvent, len(c.entries))
	for i, e := range c.entries {
		pe := e.event
		if span, ok := c.correlator.Span(e.handle); ok {
			pe.Trace = &span
		}
		out[i] = pe
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return Result{Events: out, Groups: GroupEvents(out)}
}

// observe handles one new raw event. A panic drops the event.
func (c *Classifier) observe(ev adk.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatClassify, "Dropped event after classification panic", "id", ev.ID, "panic", fmt.Sprint(r))
		}
	}()

	if ev.Timestamp < 0 || math.IsNaN(ev.Timestamp) || math.IsInf(ev.Timestamp, 0) {
		log.Warn(log.CatClassify, "Skipping event with invalid timestamp", "id", ev.ID, "timestamp", ev.Timestamp)
		return
	}

	handle := c.correlator.Observe(ev)

	pe, ok := mapEvent(ev)
	if !ok {
		return
	}

	key := fmt.Sprintf("%s|%s|%d", pe.Author, pe.Title, int64(math.Floor(ev.Timestamp)))
	if err := c.seen.Add(key, ev.ID, cache.NoExpiration); err != nil {
		log.Debug(log.CatClassify, "Dropped duplicate event", "id", ev.ID, "key", key)
		return
	}

	c.entries = append(c.entries, entry{event: pe, handle: handle})
}

// mapEvent derives the display event for ev, if it has one.
// A transfer action always wins over the author mapping. Authors mapped
// without a stage are classified by title.
func mapEvent(ev adk.Event) (ProcessedEvent, bool) {
	pe := ProcessedEvent{
		ID:        ev.ID,
		Timestamp: ev.TimestampMillis(),
		Author:    ev.Author,
	}

	if target := ev.TransferTarget(); target != "" {
		pe.Title = TransferTitle
		pe.Summary = "Transferring to " + target
		pe.Stage = StageTransfer
		return pe, true
	}

	info, ok := LookupAuthor(ev.Author)
	if !ok {
		return ProcessedEvent{}, false
	}
	pe.Title = info.Title
	pe.Summary = info.Summary
	pe.Stage = info.Stage
	if pe.Stage == "" {
		pe.Stage = ClassifyTitle(info.Title)
	}
	pe.Details = excerpt(ev)
	return pe, true
}
