package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/sse"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

const (
	defaultLogLimit   = 200
	maxSendBody       = 64 << 10
	heartbeatInterval = 15 * time.Second
)

// Controller is the session control surface the API exposes.
// tracker.Tracker implements it.
type Controller interface {
	View() tracker.View
	Send(ctx context.Context, text string) error
	Stop()
	Retry(ctx context.Context) error
}

// StreamStatus reports the backend log stream. logfeed.Supervisor implements it.
type StreamStatus interface {
	Connected() bool
	Reconnects() int
	LastEventID() string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithStreamStatus includes the log stream in /api/health.
func WithStreamStatus(s StreamStatus) HandlerOption {
	return func(h *Handler) { h.stream = s }
}

// WithHeartbeat sets the keep-alive interval of /api/logs/stream.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) { h.heartbeat = d }
}

// Handler serves the JSON API and the embedded dashboard.
type Handler struct {
	ctrl      Controller
	feed      *logfeed.Feed
	fsys      fs.FS
	stream    StreamStatus
	heartbeat time.Duration
	started   time.Time
}

// NewHandler creates the handler. fsys may be nil when no dashboard is served.
func NewHandler(ctrl Controller, feed *logfeed.Feed, fsys fs.FS, opts ...HandlerOption) *Handler {
	h := &Handler{
		ctrl:      ctrl,
		feed:      feed,
		fsys:      fsys,
		heartbeat: heartbeatInterval,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterAPIRoutes registers the /api routes on mux.
func (h *Handler) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/state", h.handleState)
	mux.HandleFunc("GET /api/logs", h.handleLogs)
	mux.HandleFunc("GET /api/logs/stream", h.handleLogStream)
	mux.HandleFunc("POST /api/send", h.handleSend)
	mux.HandleFunc("POST /api/stop", h.handleStop)
	mux.HandleFunc("POST /api/retry", h.handleRetry)
}

// RegisterSPAHandler registers the dashboard catch-all. Register it last.
func (h *Handler) RegisterSPAHandler(mux *http.ServeMux) {
	if h.fsys == nil {
		return
	}
	mux.Handle("/", NewSPAHandler(h.fsys))
}

// Routes returns a mux with every route registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterAPIRoutes(mux)
	h.RegisterSPAHandler(mux)
	return withRequestLog(mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		LogCount:      h.feed.Len(),
		LogCapacity:   h.feed.Cap(),
	}
	if h.stream != nil {
		resp.Stream = &StreamHealth{
			Connected:   h.stream.Connected(),
			Reconnects:  h.stream.Reconnects(),
			LastEventID: h.stream.LastEventID(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewStateResponse(h.ctrl.View()))
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", false)
			return
		}
		limit = n
	}
	logs := h.feed.Last(limit)
	if logs == nil {
		logs = []logfeed.Entry{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: logs, Total: h.feed.Len(), Capacity: h.feed.Cap()})
}

// handleLogStream streams feed entries as server-sent events. A client that
// reconnects with Last-Event-ID first receives the retained entries after it.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", false)
		return
	}

	// Subscribe before replaying so nothing falls in between.
	entries, unsubscribe := h.feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var last uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			for _, e := range h.feed.Entries() {
				if e.ID > id {
					if writeEntry(w, e) != nil {
						return
					}
					last = e.ID
				}
			}
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if sse.WriteComment(w, "heartbeat") != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e.ID <= last {
				continue
			}
			if writeEntry(w, e) != nil {
				return
			}
			last = e.ID
			flusher.Flush()
		}
	}
}

func writeEntry(w io.Writer, e logfeed.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return sse.Write(w, sse.Frame{ID: strconv.FormatUint(e.ID, 10), Event: "log", Data: string(data)})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	err := h.ctrl.Send(r.Context(), req.Text)
	if !h.respondDispatch(w, err) {
		return
	}
	writeJSON(w, http.StatusAccepted, NewStateResponse(h.ctrl.View()))
}

func (h *Handler) handleStop(w http.ResponseWriter, _ *http.Request) {
	h.ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.Retry(r.Context())
	if !h.respondDispatch(w, err) {
		return
	}
	writeJSON(w, http.StatusAccepted, NewStateResponse(h.ctrl.View()))
}

// respondDispatch writes the error response for a failed send or retry and
// reports whether the caller should continue.
func (h *Handler) respondDispatch(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, tracker.ErrEmptyMessage), errors.Is(err, tracker.ErrNothingToRetry):
		writeError(w, http.StatusBadRequest, err.Error(), false)
	case errors.Is(err, tracker.ErrDispatch):
		writeError(w, http.StatusBadGateway, err.Error(), true)
	default:
		log.ErrorErr(log.CatUI, "Unexpected send failure", err)
		writeError(w, http.StatusInternalServerError, err.Error(), false)
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug(log.CatUI, "Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: msg, Retryable: retryable})
}

// withRequestLog logs every API request at debug level.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug(log.CatUI, "API request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
