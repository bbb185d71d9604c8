// Package tracker runs one session flow at a time: it creates the backend
// session, dispatches the user's message, subscribes to updates and keeps a
// view of processed events, groups and messages for presentation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/poller"
)

var (
	// ErrDispatch wraps a failure to create the session or dispatch the run.
	// These are the only failures shown to the user; Retry re-sends.
	ErrDispatch = errors.New("dispatch failed")
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNothingToRetry is returned by Retry before any message was sent.
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Archiver stores finished sessions. history.Store implements it.
type Archiver interface {
	Save(ctx context.Context, r history.Record) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSubscriber sets how updates are delivered. The default polls.
func WithSubscriber(s Subscriber) Option {
	return func(t *Tracker) { t.subscriber = s }
}

// WithArchive records every finished session.
func WithArchive(a Archiver) Option {
	return func(t *Tracker) { t.archive = a }
}

// WithCorrelation configures the trace correlator.
func WithCorrelation(opts ...correlation.Option) Option {
	return func(t *Tracker) { t.classifier = pipeline.NewClassifier(opts...) }
}

// Tracker owns the active session flow.
type Tracker struct {
	transport  adk.Transport
	subscriber Subscriber
	classifier *pipeline.Classifier
	archive    Archiver

	flowMu   sync.Mutex // serializes Send/Stop
	flow     *flow
	lastText string
	active   atomic.Pointer[flow] // readable without flowMu

	mu   sync.RWMutex
	view View

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// New creates a tracker for the given transport.
func New(transport adk.Transport, opts ...Option) *Tracker {
	t := &Tracker{
		transport:  transport,
		classifier: pipeline.NewClassifier(),
		watchers:   make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.subscriber == nil {
		t.subscriber = &PollSubscriber{Transport: transport, Config: poller.DefaultConfig()}
	}
	return t
}

// flow is one session from Send until it completes, fails or is superseded.
// All view mutation for the flow happens on its loop goroutine.
type flow struct {
	sessionID string
	text      string
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	updates chan update
	sub     Subscription
}

type updateKind int

const (
	updateSnapshot updateKind = iota
	updateComplete
	updateDispatch
)

type update struct {
	kind    updateKind
	sess    *adk.Session
	run     adk.RunResult
	err     error
	applied chan struct{}
}

// Send starts a new flow for text, superseding any flow in progress.
// It returns once the session exists; the run is dispatched in the background.
// A failure to create the session is returned wrapped in ErrDispatch; a
// canceled ctx is returned as is and leaves no error in the view.
func (t *Tracker) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	t.flowMu.Lock()
	defer t.flowMu.Unlock()

	t.stopFlowLocked()
	t.active.Store(nil)
	t.classifier.Reset()
	t.lastText = text

	now := time.Now()
	t.setView(View{
		Running:  true,
		Prompt:   text,
		Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: text, Timestamp: now.UnixMilli()}},
	})

	sessionID, err := t.transport.CreateSession(ctx)
	if adk.IsCanceled(err) {
		log.Debug(log.CatTracker, "Session creation canceled")
		t.updateView(func(v *View) { v.Running = false })
		return err
	}
	if err != nil {
		t.failCreate(err)
		return fmt.Errorf("%w: creating session: %w", ErrDispatch, err)
	}
	log.Info(log.CatTracker, "Session created", "session", sessionID)

	fctx, cancel := context.WithCancel(context.Background())
	f := &flow{
		sessionID: sessionID,
		text:      text,
		startedAt: now,
		ctx:       fctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		updates:   make(chan update, 16),
	}
	f.sub = t.subscriber.Subscribe(fctx, sessionID, Handlers{
		OnSnapshot: func(ctx context.Context, sess *adk.Session) { f.deliver(ctx, update{kind: updateSnapshot, sess: sess}) },
		OnComplete: func(ctx context.Context, sess *adk.Session) { f.deliver(ctx, update{kind: updateComplete, sess: sess}) },
	})
	t.flow = f
	t.active.Store(f)

	t.updateView(func(v *View) { v.SessionID = sessionID })

	go t.eventLoop(f)
	go func() {
		res, err := t.transport.Run(fctx, sessionID, text)
		f.deliver(fctx, update{kind: updateDispatch, run: res, err: err})
	}()
	return nil
}

// Retry re-sends the last message.
func (t *Tracker) Retry(ctx context.Context) error {
	t.flowMu.Lock()
	text := t.lastText
	t.flowMu.Unlock()
	if text == "" {
		return ErrNothingToRetry
	}
	return t.Send(ctx, text)
}

// Stop ends the current flow. It is safe to call at any time.
func (t *Tracker) Stop() {
	t.flowMu.Lock()
	defer t.flowMu.Unlock()
	f := t.flow
	t.stopFlowLocked()
	if f == nil {
		return
	}
	t.settle(f, history.StatusStopped, func(v *View) bool {
		if !v.Running {
			return false
		}
		v.Running = false
		return true
	})
}

// Close stops the current flow and releases subscribers.
func (t *Tracker) Close() {
	t.Stop()
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	for ch := range t.watchers {
		delete(t.watchers, ch)
		close(ch)
	}
}

// View returns a snapshot of the current state.
func (t *Tracker) View() View {
	t.mu.RLock()
	v := t.view.clone()
	t.mu.RUnlock()

	if f := t.active.Load(); f != nil && f.sub != nil {
		v.PollingStatus = f.sub.Status()
	} else {
		v.PollingStatus = poller.FormatStatus(poller.State{Phase: poller.PhaseIdle})
	}
	return v
}

// Changes returns a channel that receives a signal whenever the view
// changes, and a function to stop receiving. Signals are coalesced.
func (t *Tracker) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.watchMu.Lock()
	t.watchers[ch] = struct{}{}
	t.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.watchMu.Lock()
			defer t.watchMu.Unlock()
			if _, ok := t.watchers[ch]; ok {
				delete(t.watchers, ch)
				close(ch)
			}
		})
	}
}

// deliver hands u to the flow loop and waits until it has been applied,
// unless the flow or the sender is canceled first. A poller therefore never
// starts its next fetch before the previous snapshot is in the view.
func (f *flow) deliver(ctx context.Context, u update) {
	u.applied = make(chan struct{})
	select {
	case f.updates <- u:
	case <-ctx.Done():
		return
	case <-f.ctx.Done():
		return
	}
	select {
	case <-u.applied:
	case <-ctx.Done():
	case <-f.ctx.Done():
	}
}

// eventLoop applies updates for one flow until it is canceled.
func (t *Tracker) eventLoop(f *flow) {
	defer close(f.done)

	for {
		select {
		case <-f.ctx.Done():
			return
		case u := <-f.updates:
			if f.ctx.Err() != nil {
				return
			}
			t.apply(f, u)
			close(u.applied)
		}
	}
}

func (t *Tracker) apply(f *flow, u update) {
	switch u.kind {
	case updateSnapshot:
		t.applySnapshot(u.sess.Events)

	case updateComplete:
		t.complete(f, u.sess.Events)

	case updateDispatch:
		if u.err != nil {
			if adk.IsCanceled(u.err) {
				return
			}
			log.ErrorErr(log.CatTracker, "Run dispatch failed", u.err, "session", f.sessionID)
			f.sub.Stop()
			t.settle(f, history.StatusFailed, func(v *View) bool {
				if v.Completed {
					return false
				}
				v.Running = false
				v.Error = fmt.Errorf("%w: %w", ErrDispatch, u.err).Error()
				v.Retryable = true
				return true
			})
			return
		}
		if u.run.Accepted || len(u.run.Events) == 0 {
			log.Debug(log.CatTracker, "Run accepted, waiting for snapshots", "session", f.sessionID)
			return
		}
		t.applySnapshot(u.run.Events)
		if pipeline.IsComplete(u.run.Events) {
			f.sub.Stop()
			t.complete(f, u.run.Events)
		}
	}
}

func (t *Tracker) applySnapshot(events []adk.Event) {
	res := t.classifier.Process(events)
	t.updateView(func(v *View) {
		v.Events = res.Events
		v.Groups = res.Groups
		v.RawEventCount = max(v.RawEventCount, len(events))
	})
}

func (t *Tracker) complete(f *flow, events []adk.Event) {
	res := t.classifier.Process(events)
	assistant := pipeline.ExtractAssistantMessages(events)

	t.settle(f, history.StatusCompleted, func(v *View) bool {
		if v.Completed {
			return false
		}
		v.Events = res.Events
		v.Groups = res.Groups
		v.RawEventCount = max(v.RawEventCount, len(events))
		v.Messages = append(v.Messages, assistant...)
		v.Running = false
		v.Completed = true
		return true
	})
	log.Info(log.CatTracker, "Session complete", "session", f.sessionID, "events", len(events), "messages", len(assistant))
}

// failCreate records a user-visible failure before any flow exists.
func (t *Tracker) failCreate(err error) {
	log.ErrorErr(log.CatTracker, "Session creation failed", err)
	t.updateView(func(v *View) {
		v.Running = false
		v.Error = fmt.Sprintf("%v: %v", ErrDispatch, err)
		v.Retryable = true
	})
}

// settle applies fn to the view. When fn reports that the flow ended, the
// flow is archived with status.
func (t *Tracker) settle(f *flow, status history.Status, fn func(v *View) bool) {
	t.mu.Lock()
	ended := fn(&t.view)
	t.view.UpdatedAt = time.Now()
	var rec history.Record
	if ended {
		rec = history.Record{
			SessionID:    f.sessionID,
			Prompt:       f.text,
			Status:       status,
			StartedAt:    f.startedAt,
			FinishedAt:   t.view.UpdatedAt,
			EventCount:   len(t.view.Events),
			Groups:       append([]pipeline.EventGroup(nil), t.view.Groups...),
			FinalMessage: t.view.FinalMessage(),
			Error:        t.view.Error,
		}
	}
	t.mu.Unlock()
	t.notify()

	if ended && t.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.archive.Save(ctx, rec); err != nil {
			log.ErrorErr(log.CatStore, "Failed to archive session", err, "session", f.sessionID)
		}
	}
}

// stopFlowLocked cancels the current flow and waits for its goroutines.
func (t *Tracker) stopFlowLocked() {
	f := t.flow
	if f == nil {
		return
	}
	f.cancel()
	if f.sub != nil {
		f.sub.Stop()
	}
	<-f.done
	log.Debug(log.CatTracker, "Flow stopped", "session", f.sessionID)
}

func (t *Tracker) setView(v View) {
	t.mu.Lock()
	t.view = v
	t.view.UpdatedAt = time.Now()
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) updateView(fn func(v *View)) {
	t.mu.Lock()
	fn(&t.view)
	t.view.UpdatedAt = time.Now()
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	for ch := range t.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
