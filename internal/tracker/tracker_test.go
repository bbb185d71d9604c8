package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/poller"
)

func ev(id, author string, ts float64, text string) adk.Event {
	e := adk.Event{ID: id, Author: author, Timestamp: ts}
	if text != "" {
		e.Content = &adk.Content{Parts: []adk.Part{{Text: text}}}
	}
	return e
}

var (
	partial = []adk.Event{
		ev("u-000001", adk.AuthorUser, 100, "draw e+ e- -> mu+ mu-"),
		ev("plan-001", "planner_agent", 101, "plan ready"),
	}
	finished = append(append([]adk.Event(nil), partial...),
		ev("gen-0002", "diagram_generator_agent", 103, "\\feynmandiagram"),
		ev("fb-00003", pipeline.TerminalAuthor, 105, "Here is your diagram."),
	)
)

// fakeTransport serves scripted snapshots in order, repeating the last one.
type fakeTransport struct {
	mu        sync.Mutex
	createErr error
	run       func(ctx context.Context, sessionID, text string) (adk.RunResult, error)
	snapshots [][]adk.Event
	created   int
	gets      int
	texts     []string
}

func (f *fakeTransport) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("sess-%d", f.created), nil
}

func (f *fakeTransport) Run(ctx context.Context, sessionID, text string) (adk.RunResult, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(ctx, sessionID, text)
	}
	return adk.RunResult{Accepted: true}, nil
}

func (f *fakeTransport) GetSession(_ context.Context, sessionID string) (*adk.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []adk.Event
	if n := len(f.snapshots); n > 0 {
		events = f.snapshots[min(f.gets, n-1)]
	}
	f.gets++
	return &adk.Session{ID: sessionID, Events: events}, nil
}

func (f *fakeTransport) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeTransport) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

type memArchive struct {
	mu      sync.Mutex
	records []history.Record
}

func (a *memArchive) Save(_ context.Context, r history.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func (a *memArchive) all() []history.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]history.Record(nil), a.records...)
}

func fastPoll(tr adk.Transport) Option {
	return WithSubscriber(&PollSubscriber{Transport: tr, Config: poller.Config{
		BaseInterval: 5 * time.Millisecond,
		Factor:       1.5,
		MaxInterval:  20 * time.Millisecond,
	}})
}

func newTracker(t *testing.T, tr *fakeTransport, opts ...Option) (*Tracker, *memArchive) {
	t.Helper()
	archive := &memArchive{}
	opts = append([]Option{fastPoll(tr), WithArchive(archive)}, opts...)
	trk := New(tr, opts...)
	t.Cleanup(trk.Close)
	return trk, archive
}

func TestTracker_SendPollsUntilComplete(t *testing.T) {
	tr := &fakeTransport{snapshots: [][]adk.Event{partial, partial, finished}}
	trk, archive := newTracker(t, tr)

	require.NoError(t, trk.Send(context.Background(), "  draw e+ e- -> mu+ mu-  "))
	require.Eventually(t, func() bool { return trk.View().Completed }, 2*time.Second, 5*time.Millisecond)

	v := trk.View()
	require.Equal(t, "sess-1", v.SessionID)
	require.False(t, v.Running)
	require.Empty(t, v.Error)
	require.Equal(t, "completed", v.PollingStatus)
	require.Len(t, v.Events, 3)
	require.Equal(t, pipeline.StageResponse, v.ActiveStage())

	require.Len(t, v.Messages, 4)
	require.Equal(t, pipeline.RoleUser, v.Messages[0].Role)
	require.Equal(t, "draw e+ e- -> mu+ mu-", v.Messages[0].Text)
	require.Equal(t, "Here is your diagram.", v.FinalMessage())

	require.Eventually(t, func() bool { return len(archive.all()) == 1 }, time.Second, time.Millisecond)
	recs := archive.all()
	require.Equal(t, history.StatusCompleted, recs[0].Status)
	require.Equal(t, "sess-1", recs[0].SessionID)
	require.Equal(t, "Here is your diagram.", recs[0].FinalMessage)
	require.Equal(t, 3, recs[0].EventCount)

	gets := tr.getCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, gets, tr.getCount(), "polling continued after completion")
}

func TestTracker_SendRejectsBlankMessage(t *testing.T) {
	trk, _ := newTracker(t, &fakeTransport{})
	require.ErrorIs(t, trk.Send(context.Background(), " \n\t"), ErrEmptyMessage)
	require.False(t, trk.View().Running)
}

func TestTracker_CreateSessionFailureIsRetryable(t *testing.T) {
	tr := &fakeTransport{createErr: &adk.TransportError{Op: "create-session", StatusCode: 503}, snapshots: [][]adk.Event{finished}}
	trk, archive := newTracker(t, tr)

	err := trk.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrDispatch)
	require.True(t, adk.IsTransport(err))

	v := trk.View()
	require.False(t, v.Running)
	require.True(t, v.Retryable)
	require.Contains(t, v.Error, "503")
	require.Empty(t, archive.all())

	tr.setCreateErr(nil)
	require.NoError(t, trk.Retry(context.Background()))
	require.Eventually(t, func() bool { return trk.View().Completed }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, trk.View().Error)
}

func TestTracker_CanceledCreateSessionIsNotAFailure(t *testing.T) {
	tr := &fakeTransport{createErr: context.Canceled}
	trk, archive := newTracker(t, tr)

	err := trk.Send(context.Background(), "hello")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrDispatch)

	v := trk.View()
	require.False(t, v.Running)
	require.False(t, v.Retryable)
	require.Empty(t, v.Error)
	require.Empty(t, archive.all())
}

func TestTracker_RunFailureSurfacesAndStopsPolling(t *testing.T) {
	tr := &fakeTransport{
		snapshots: [][]adk.Event{partial},
		run: func(context.Context, string, string) (adk.RunResult, error) {
			return adk.RunResult{}, &adk.TransportError{Op: "run", StatusCode: 500}
		},
	}
	trk, archive := newTracker(t, tr)

	require.NoError(t, trk.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return trk.View().Retryable }, 2*time.Second, 5*time.Millisecond)

	v := trk.View()
	require.False(t, v.Running)
	require.Contains(t, v.Error, ErrDispatch.Error())
	require.Equal(t, "stopped", v.PollingStatus)

	require.Eventually(t, func() bool { return len(archive.all()) == 1 }, time.Second, time.Millisecond)
	recs := archive.all()
	require.Equal(t, history.StatusFailed, recs[0].Status)
}

func TestTracker_SynchronousRunCompletesWithoutPolling(t *testing.T) {
	tr := &fakeTransport{
		run: func(context.Context, string, string) (adk.RunResult, error) {
			return adk.RunResult{Events: finished}, nil
		},
	}
	trk, archive := newTracker(t, tr, WithSubscriber(&PollSubscriber{Transport: tr, Config: poller.Config{BaseInterval: time.Hour}}))

	require.NoError(t, trk.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return trk.View().Completed }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, trk.View().Events, 3)
	require.Eventually(t, func() bool { return len(archive.all()) == 1 }, time.Second, time.Millisecond)
}

func TestTracker_SendSupersedesRunningFlow(t *testing.T) {
	canceled := make(chan string, 2)
	tr := &fakeTransport{
		snapshots: [][]adk.Event{partial},
		run: func(ctx context.Context, sessionID, _ string) (adk.RunResult, error) {
			<-ctx.Done()
			canceled <- sessionID
			return adk.RunResult{}, ctx.Err()
		},
	}
	trk, _ := newTracker(t, tr)

	require.NoError(t, trk.Send(context.Background(), "first"))
	require.NoError(t, trk.Send(context.Background(), "second"))

	select {
	case id := <-canceled:
		require.Equal(t, "sess-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first run was not canceled")
	}

	v := trk.View()
	require.Equal(t, "sess-2", v.SessionID)
	require.True(t, v.Running)
	require.Empty(t, v.Error, "cancellation must not surface as an error")
	require.Len(t, v.Messages, 1)
	require.Equal(t, "second", v.Messages[0].Text)
}

func TestTracker_StopArchivesOnce(t *testing.T) {
	tr := &fakeTransport{snapshots: [][]adk.Event{partial}}
	trk, archive := newTracker(t, tr)

	require.NoError(t, trk.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(trk.View().Events) == 1 }, 2*time.Second, 5*time.Millisecond)

	trk.Stop()
	trk.Stop()

	v := trk.View()
	require.False(t, v.Running)
	require.False(t, v.Completed)
	require.Equal(t, "stopped", v.PollingStatus)

	require.Eventually(t, func() bool { return len(archive.all()) == 1 }, time.Second, time.Millisecond)
	recs := archive.all()
	require.Equal(t, history.StatusStopped, recs[0].Status)

	gets := tr.getCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, gets, tr.getCount())
}

func TestTracker_StopWithoutFlow(t *testing.T) {
	trk, archive := newTracker(t, &fakeTransport{})
	trk.Stop()
	require.Equal(t, "idle", trk.View().PollingStatus)
	require.Empty(t, archive.all())
}

func TestTracker_RetryNeedsPreviousMessage(t *testing.T) {
	trk, _ := newTracker(t, &fakeTransport{})
	require.ErrorIs(t, trk.Retry(context.Background()), ErrNothingToRetry)
}

func TestTracker_ChangesSignals(t *testing.T) {
	tr := &fakeTransport{snapshots: [][]adk.Event{finished}}
	trk, _ := newTracker(t, tr)

	ch, cancel := trk.Changes()
	defer cancel()

	require.NoError(t, trk.Send(context.Background(), "hello"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	cancel()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestTracker_ViewIsACopy(t *testing.T) {
	tr := &fakeTransport{snapshots: [][]adk.Event{finished}}
	trk, _ := newTracker(t, tr)
	require.NoError(t, trk.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return trk.View().Completed }, 2*time.Second, 5*time.Millisecond)

	v := trk.View()
	v.Messages[0].Text = "mutated"
	require.Equal(t, "hello", trk.View().Messages[0].Text)
}

type fakeWake struct {
	mu  sync.Mutex
	fns map[int]func(string)
	n   int
}

func (w *fakeWake) OnSession(fn func(string)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(string))
	}
	id := w.n
	w.n++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, id)
	}
}

func (w *fakeWake) fire(sessionID string) {
	w.mu.Lock()
	fns := make([]func(string), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID)
	}
}

func (w *fakeWake) listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fns)
}

func TestPushSubscriber_FetchesOnWake(t *testing.T) {
	tr := &fakeTransport{snapshots: [][]adk.Event{partial, finished}}
	wake := &fakeWake{}
	trk, _ := newTracker(t, tr, WithSubscriber(&PushSubscriber{
		Transport:      tr,
		Wake:           wake,
		SafetyInterval: time.Hour,
	}))

	require.NoError(t, trk.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return tr.getCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, trk.View().PollingStatus, "push, ")

	wake.fire("some-other-session")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, tr.getCount())

	wake.fire("sess-1")
	require.Eventually(t, func() bool { return trk.View().Completed }, 2*time.Second, 5*time.Millisecond)

	trk.Stop()
	require.Zero(t, wake.listeners())
}

// manualSubscriber hands its handlers to the test instead of fetching.
type manualSubscriber struct {
	handlers chan Handlers
}

type manualSubscription struct{}

func (manualSubscription) Stop()          {}
func (manualSubscription) Status() string { return "manual" }

func (m *manualSubscriber) Subscribe(_ context.Context, _ string, h Handlers) Subscription {
	m.handlers <- h
	return manualSubscription{}
}

func TestTracker_SnapshotAppliedBeforeHandlerReturns(t *testing.T) {
	tr := &fakeTransport{}
	sub := &manualSubscriber{handlers: make(chan Handlers, 1)}
	trk, _ := newTracker(t, tr, WithSubscriber(sub))

	require.NoError(t, trk.Send(context.Background(), "hello"))
	h := <-sub.handlers

	h.OnSnapshot(context.Background(), &adk.Session{ID: "sess-1", Events: partial})
	v := trk.View()
	require.Len(t, v.Events, 1)
	require.Equal(t, len(partial), v.RawEventCount)
	require.True(t, v.Running)

	h.OnComplete(context.Background(), &adk.Session{ID: "sess-1", Events: finished})
	v = trk.View()
	require.True(t, v.Completed)
	require.False(t, v.Running)
}

func TestTracker_DeliveryAfterStopReturns(t *testing.T) {
	tr := &fakeTransport{}
	sub := &manualSubscriber{handlers: make(chan Handlers, 1)}
	trk, _ := newTracker(t, tr, WithSubscriber(sub))

	require.NoError(t, trk.Send(context.Background(), "hello"))
	h := <-sub.handlers
	trk.Stop()

	done := make(chan struct{})
	go func() {
		h.OnSnapshot(context.Background(), &adk.Session{ID: "sess-1", Events: partial})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked after stop")
	}
	require.Empty(t, trk.View().Events)
}

func TestErrDispatchWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	tr := &fakeTransport{createErr: cause}
	trk, _ := newTracker(t, tr)
	err := trk.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrDispatch)
	require.ErrorIs(t, err, cause)
}
