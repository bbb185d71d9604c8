// Package logfeed merges local diagnostics, outbound HTTP calls and the
// backend's pushed log stream into one bounded, time-ordered feed.
package logfeed

import (
	"sync"
	"time"

	"github.com/feynmancraft/pipewatch/internal/log"
)

// Capacity bounds.
const (
	MinCapacity     = 500
	MaxCapacity     = 1000
	DefaultCapacity = MaxCapacity
)

// Level is the severity of an entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a backend level name onto a Level. Unknown names are info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG", "trace":
		return LevelDebug
	case "warn", "warning", "WARN", "WARNING":
		return LevelWarn
	case "error", "err", "ERROR", "fatal", "critical", "CRITICAL":
		return LevelError
	default:
		return LevelInfo
	}
}

// Source tells where an entry came from.
type Source string

const (
	SourceFrontend Source = "frontend" // local diagnostics
	SourceAPI      Source = "api"      // outbound HTTP calls
	SourceBackend  Source = "backend"  // pushed stream
)

// ParseSource reports whether s names a known source.
func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case SourceFrontend, SourceAPI, SourceBackend:
		return Source(s), true
	}
	return "", false
}

// Entry is one line of the feed.
// Timestamp is the time the feed received the entry; a backend-supplied
// time, when present, is kept in Details["ts"].
type Entry struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    Source         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ClampCapacity forces n into [MinCapacity, MaxCapacity]; zero or less means default.
func ClampCapacity(n int) int {
	if n <= 0 {
		return DefaultCapacity
	}
	return max(MinCapacity, min(n, MaxCapacity))
}

// Feed is a bounded ring of entries with fan-out to subscribers.
// Insertion beyond capacity evicts the oldest entry.
type Feed struct {
	mu     sync.Mutex
	buf    *log.RingBuffer[Entry]
	nextID uint64
	now    func() time.Time

	subMu sync.RWMutex
	subs  map[chan Entry]struct{}
}

// NewFeed creates a feed with the given capacity, clamped into range.
func NewFeed(capacity int) *Feed {
	return &Feed{
		buf:  log.NewRingBuffer[Entry](ClampCapacity(capacity)),
		now:  time.Now,
		subs: make(map[chan Entry]struct{}),
	}
}

// Append stamps e with the next id and the receive time and stores it.
func (f *Feed) Append(level Level, source Source, msg string, details map[string]any) Entry {
	f.mu.Lock()
	f.nextID++
	e := Entry{
		ID:        f.nextID,
		Timestamp: f.now(),
		Level:     level,
		Source:    source,
		Message:   msg,
		Details:   details,
	}
	f.buf.Add(e)
	f.mu.Unlock()

	f.publish(e)
	return e
}

// Entries returns every stored entry, oldest first.
func (f *Feed) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.All()
}

// Last returns up to n of the most recent entries, oldest first.
func (f *Feed) Last(n int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.GetLast(n)
}

// Len returns the number of stored entries.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Len()
}

// Cap returns the feed capacity.
func (f *Feed) Cap() int { return f.buf.Cap() }

// Clear drops every stored entry. Ids keep increasing.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.Clear()
}

// Subscribe returns a channel receiving every new entry and a function that
// cancels the subscription. Entries are dropped for a subscriber whose
// buffer is full.
func (f *Feed) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	f.subMu.Lock()
	f.subs[ch] = struct{}{}
	f.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			delete(f.subs, ch)
			f.subMu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) publish(e Entry) {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
