package logfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/sse"
)

// DefaultReconnectDelay is the flat wait between stream reconnects.
const DefaultReconnectDelay = 3 * time.Second

var errStreamClosed = errors.New("stream closed by server")

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReconnectDelay sets the flat reconnect delay.
func WithReconnectDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithStreamClient sets the HTTP client used for the stream. It must not
// have an overall timeout.
func WithStreamClient(c *http.Client) SupervisorOption {
	return func(s *Supervisor) {
		if c != nil {
			s.client = c
		}
	}
}

// Supervisor keeps a connection to the backend event stream open and feeds
// every frame into a Feed. Any transport error tears the connection down
// and it is retried after a fixed delay.
type Supervisor struct {
	url    string
	feed   *Feed
	client *http.Client
	delay  time.Duration

	mu         sync.RWMutex
	connected  bool
	reconnects int
	lastID     string

	listenMu  sync.RWMutex
	listeners map[int]func(sessionID string)
	nextID    int
}

// NewSupervisor creates a supervisor for the stream at url.
func NewSupervisor(feed *Feed, url string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:       url,
		feed:      feed,
		client:    &http.Client{},
		delay:     DefaultReconnectDelay,
		listeners: make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and reconnects until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		err := s.connect(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		log.Warn(log.CatStream, "Event stream disconnected", "url", s.url, "error", err, "retry_in", s.delay)

		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
	}
}

// Connected reports whether the stream is currently open.
func (s *Supervisor) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Reconnects returns how many times the stream has been re-established.
func (s *Supervisor) Reconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnects
}

// LastEventID returns the replay cursor sent on reconnect.
func (s *Supervisor) LastEventID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// OnSession registers fn to be called with the session id of every frame
// that carries one. The returned function unregisters it.
func (s *Supervisor) OnSession(fn func(sessionID string)) (remove func()) {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	s.setConnected(true)
	log.Info(log.CatStream, "Event stream connected", "url", s.url, "last_event_id", req.Header.Get("Last-Event-ID"))

	dec := sse.NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return err
		}
		s.handle(frame)
	}
}

func (s *Supervisor) handle(frame sse.Frame) {
	p := parseFrame(frame.Data)

	cursor := p.seq
	if cursor == "" {
		cursor = frame.ID
	}
	if cursor != "" {
		s.mu.Lock()
		s.lastID = cursor
		s.mu.Unlock()
	}

	if !p.keep {
		return
	}
	s.feed.Append(p.level, p.source, p.message, p.details)

	if p.sessionID != "" {
		s.notify(p.sessionID)
	}
}

func (s *Supervisor) notify(sessionID string) {
	s.listenMu.RLock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.RUnlock()

	for _, fn := range fns {
		fn(sessionID)
	}
}

func (s *Supervisor) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
