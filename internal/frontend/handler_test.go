package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/sse"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

type fakeController struct {
	mu      sync.Mutex
	view    tracker.View
	sent    []string
	sendErr error
	retries int
	retry   error
	stops   int
}

func (c *fakeController) View() tracker.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *fakeController) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if strings.TrimSpace(text) == "" {
		return tracker.ErrEmptyMessage
	}
	c.sent = append(c.sent, text)
	c.view = tracker.View{SessionID: "s-1", Prompt: text, Running: true, PollingStatus: "polling every 1s"}
	return nil
}

func (c *fakeController) setRetry(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = err
}

func (c *fakeController) counts() (sent []string, stops, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...), c.stops, c.retries
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.view.Running = false
}

func (c *fakeController) Retry(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return c.retry
}

type fakeStream struct{}

func (fakeStream) Connected() bool     { return true }
func (fakeStream) Reconnects() int     { return 2 }
func (fakeStream) LastEventID() string { return "41" }

func newServer(t *testing.T, ctrl Controller, feed *logfeed.Feed, opts ...HandlerOption) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(ctrl, feed, testFS(), opts...).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	feed := logfeed.NewFeed(0)
	feed.Append(logfeed.LevelInfo, logfeed.SourceFrontend, "hello", nil)
	srv := newServer(t, &fakeController{}, feed, WithStreamStatus(fakeStream{}))

	var got HealthResponse
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", "", &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", got.Status)
	require.Equal(t, 1, got.LogCount)
	require.Equal(t, logfeed.DefaultCapacity, got.LogCapacity)
	require.NotNil(t, got.Stream)
	require.True(t, got.Stream.Connected)
	require.Equal(t, 2, got.Stream.Reconnects)
	require.Equal(t, "41", got.Stream.LastEventID)
}

func TestState_EmptyUsesArrays(t *testing.T) {
	srv := newServer(t, &fakeController{view: tracker.View{PollingStatus: "idle"}}, logfeed.NewFeed(0))

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Equal(t, []any{}, raw["processedEvents"])
	require.Equal(t, []any{}, raw["eventGroups"])
	require.Equal(t, []any{}, raw["messages"])
	require.Equal(t, "idle", raw["pollingStatus"])
	require.NotContains(t, raw, "updatedAt")
}

func TestState_ReflectsView(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	view := tracker.View{
		SessionID: "s-9",
		Completed: true,
		Events: []pipeline.ProcessedEvent{{
			ID: "e1", Title: "Planner", Stage: pipeline.StagePlanning,
			Trace: &correlation.TraceInfo{Status: correlation.StatusCompleted},
		}},
		Groups:    []pipeline.EventGroup{{Stage: pipeline.StagePlanning, Count: 1, Status: correlation.StatusCompleted}},
		Messages:  []pipeline.Message{{Role: pipeline.RoleAssistant, Text: "done"}},
		UpdatedAt: now,
	}
	srv := newServer(t, &fakeController{view: view}, logfeed.NewFeed(0))

	var got StateResponse
	doJSON(t, http.MethodGet, srv.URL+"/api/state", "", &got)
	require.Equal(t, "s-9", got.SessionID)
	require.True(t, got.Completed)
	require.Len(t, got.ProcessedEvents, 1)
	require.Equal(t, correlation.StatusCompleted, got.ProcessedEvents[0].Trace.Status)
	require.Len(t, got.EventGroups, 1)
	require.Equal(t, "done", got.Messages[0].Text)
	require.NotNil(t, got.UpdatedAt)
	require.True(t, now.Equal(*got.UpdatedAt))
}

func TestLogs(t *testing.T) {
	feed := logfeed.NewFeed(0)
	for i := range 5 {
		feed.Append(logfeed.LevelInfo, logfeed.SourceBackend, fmt.Sprintf("line %d", i), nil)
	}
	srv := newServer(t, &fakeController{}, feed)

	var got LogsResponse
	doJSON(t, http.MethodGet, srv.URL+"/api/logs?limit=2", "", &got)
	require.Len(t, got.Logs, 2)
	require.Equal(t, "line 3", got.Logs[0].Message)
	require.Equal(t, "line 4", got.Logs[1].Message)
	require.Equal(t, 5, got.Total)

	doJSON(t, http.MethodGet, srv.URL+"/api/logs", "", &got)
	require.Len(t, got.Logs, 5)

	var errResp ErrorResponse
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/logs?limit=abc", "", &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, errResp.Error, "limit")
}

func TestSend(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(t, ctrl, logfeed.NewFeed(0))

	var got StateResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/send", `{"text":"explain entropy"}`, &got)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "s-1", got.SessionID)
	require.True(t, got.Running)
	sent, _, _ := ctrl.counts()
	require.Equal(t, []string{"explain entropy"}, sent)
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		sendErr   error
		status    int
		retryable bool
	}{
		{"bad json", `{"text":`, nil, http.StatusBadRequest, false},
		{"empty text", `{"text":"   "}`, nil, http.StatusBadRequest, false},
		{"dispatch", `{"text":"hi"}`, fmt.Errorf("%w: creating session: boom", tracker.ErrDispatch), http.StatusBadGateway, true},
		{"unexpected", `{"text":"hi"}`, fmt.Errorf("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &fakeController{sendErr: tc.sendErr}, logfeed.NewFeed(0))
			var got ErrorResponse
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/send", tc.body, &got)
			require.Equal(t, tc.status, resp.StatusCode)
			require.NotEmpty(t, got.Error)
			require.Equal(t, tc.retryable, got.Retryable)
		})
	}
}

func TestStop(t *testing.T) {
	ctrl := &fakeController{view: tracker.View{Running: true}}
	srv := newServer(t, ctrl, logfeed.NewFeed(0))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/stop", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, stops, _ := ctrl.counts()
	require.Equal(t, 1, stops)
	require.False(t, ctrl.View().Running)
}

func TestRetry(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(t, ctrl, logfeed.NewFeed(0))
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/retry", "", &StateResponse{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, _, retries := ctrl.counts()
	require.Equal(t, 1, retries)

	ctrl.setRetry(tracker.ErrNothingToRetry)
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/retry", "", &ErrorResponse{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctrl.setRetry(fmt.Errorf("%w: run: 503", tracker.ErrDispatch))
	var got ErrorResponse
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/retry", "", &got)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.True(t, got.Retryable)
}

func TestRoutes_MethodsAndFallback(t *testing.T) {
	srv := newServer(t, &fakeController{}, logfeed.NewFeed(0))

	// The dashboard catch-all owns every method, so a wrong method on an
	// API path is a 404 rather than a 405.
	resp, err := http.Get(srv.URL + "/api/send")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/history/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestLogStream_ReplaysAndFollows(t *testing.T) {
	feed := logfeed.NewFeed(0)
	for i := 1; i <= 3; i++ {
		feed.Append(logfeed.LevelInfo, logfeed.SourceBackend, fmt.Sprintf("old %d", i), nil)
	}
	srv := newServer(t, &fakeController{}, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))

	dec := sse.NewDecoder(resp.Body)
	next := func() logfeed.Entry {
		t.Helper()
		f, err := dec.Next()
		require.NoError(t, err)
		require.Equal(t, "log", f.Event)
		var e logfeed.Entry
		require.NoError(t, json.Unmarshal([]byte(f.Data), &e))
		require.Equal(t, fmt.Sprint(e.ID), f.ID)
		return e
	}

	require.Equal(t, "old 2", next().Message)
	require.Equal(t, "old 3", next().Message)

	feed.Append(logfeed.LevelWarn, logfeed.SourceAPI, "fresh", nil)
	e := next()
	require.Equal(t, "fresh", e.Message)
	require.Equal(t, uint64(4), e.ID)
	require.Equal(t, logfeed.LevelWarn, e.Level)
}

func TestLogStream_Heartbeat(t *testing.T) {
	srv := newServer(t, &fakeController{}, logfeed.NewFeed(0), WithHeartbeat(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), ":") {
			found = true
			break
		}
	}
	assert.True(t, found, "expected a heartbeat comment")
}
