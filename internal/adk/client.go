// Package adk implements the session transport for an ADK API server:
// creating sessions, dispatching runs and fetching full session snapshots.
package adk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/feynmancraft/pipewatch/internal/log"
)

// DefaultTimeout bounds a single request when the caller's context has no deadline.
const DefaultTimeout = 15 * time.Second

// maxErrorBody limits how much of an error response is kept for logging.
const maxErrorBody = 512

// Transport is the contract the tracker consumes.
// GetSession must be safe to call repeatedly; it has no side effects.
type Transport interface {
	CreateSession(ctx context.Context) (string, error)
	Run(ctx context.Context, sessionID, text string) (RunResult, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Wrap its Transport with
// logfeed.NewTransport to capture network lifecycle entries.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTracer sets the tracer used to create one span per backend call.
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Client talks to the ADK API server over HTTP.
type Client struct {
	baseURL string
	appName string
	userID  string
	http    *http.Client
	tracer  trace.Tracer
}

var _ Transport = (*Client)(nil)

// NewClient creates a client for the given server, app and user.
func NewClient(baseURL, appName, userID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appName: appName,
		userID:  userID,
		http:    &http.Client{Timeout: DefaultTimeout},
		tracer:  noop.NewTracerProvider().Tracer("pipewatch/adk"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTracer sets the tracer for distributed tracing of backend calls.
func (c *Client) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		c.tracer = tracer
	}
}

func (c *Client) sessionsURL() string {
	return fmt.Sprintf("%s/apps/%s/users/%s/sessions", c.baseURL, url.PathEscape(c.appName), url.PathEscape(c.userID))
}

// CreateSession creates a new backend session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	const op = "create-session"
	ctx, span := c.tracer.Start(ctx, "adk.CreateSession")
	defer span.End()

	resp, err := c.do(ctx, op, http.MethodPost, c.sessionsURL(), struct{}{})
	if err != nil {
		recordErr(span, err)
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		perr := &ProtocolError{Op: op, Err: err}
		recordErr(span, perr)
		return "", perr
	}
	if sess.ID == "" {
		perr := &ProtocolError{Op: op, Err: errors.New("response has no session id")}
		recordErr(span, perr)
		return "", perr
	}

	span.SetAttributes(attribute.String("session.id", sess.ID))
	log.Debug(log.CatHTTP, "Created session", "session", sess.ID)
	return sess.ID, nil
}

// runRequest is the body of POST /run.
type runRequest struct {
	AppName    string  `json:"appName"`
	UserID     string  `json:"userId"`
	SessionID  string  `json:"sessionId"`
	NewMessage Content `json:"newMessage"`
	Streaming  bool    `json:"streaming"`
}

// Run dispatches a user message. A 200 response carries the full event
// array; a 202 response means the backend accepted the run in background mode.
func (c *Client) Run(ctx context.Context, sessionID, text string) (RunResult, error) {
	const op = "run"
	if sessionID == "" {
		return RunResult{}, ErrEmptySessionID
	}
	ctx, span := c.tracer.Start(ctx, "adk.Run", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	body := runRequest{
		AppName:   c.appName,
		UserID:    c.userID,
		SessionID: sessionID,
		NewMessage: Content{
			Role:  "user",
			Parts: []Part{{Text: text}},
		},
	}

	resp, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/run", body)
	if err != nil {
		recordErr(span, err)
		return RunResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusAccepted {
		span.SetAttributes(attribute.Bool("run.accepted", true))
		return RunResult{Accepted: true}, nil
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		perr := &ProtocolError{Op: op, Err: err}
		recordErr(span, perr)
		return RunResult{}, perr
	}

	events := decodeEvents(raw, skipLogger(op, sessionID))
	span.SetAttributes(attribute.Int("run.events", len(events)))
	return RunResult{Events: events}, nil
}

// GetSession fetches the full current snapshot of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	const op = "get-session"
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	ctx, span := c.tracer.Start(ctx, "adk.GetSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	resp, err := c.do(ctx, op, http.MethodGet, c.sessionsURL()+"/"+url.PathEscape(sessionID), nil)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var wire struct {
		ID      string            `json:"id"`
		AppName string            `json:"appName"`
		UserID  string            `json:"userId"`
		Events  []json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		perr := &ProtocolError{Op: op, Err: err}
		recordErr(span, perr)
		return nil, perr
	}

	sess := &Session{
		ID:      wire.ID,
		AppName: wire.AppName,
		UserID:  wire.UserID,
		Events:  decodeEvents(wire.Events, skipLogger(op, sessionID)),
	}
	span.SetAttributes(attribute.Int("session.events", len(sess.Events)))
	return sess, nil
}

// do performs a request and returns the response only for 2xx statuses.
// Cancellation is returned unwrapped so callers can tell it apart from failure.
func (c *Client) do(ctx context.Context, op, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		log.Debug(log.CatHTTP, "Backend returned error status", "op", op, "status", resp.StatusCode, "body", strings.TrimSpace(string(snippet)))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp, nil
}

func skipLogger(op, sessionID string) func(int, error) {
	return func(index int, err error) {
		log.Warn(log.CatHTTP, "Skipping malformed event", "op", op, "session", sessionID, "index", index,
			"error", (&ProtocolError{Op: op, Err: err}).Error())
	}
}

func recordErr(span trace.Span, err error) {
	if IsCanceled(err) {
		span.SetStatus(codes.Unset, "canceled")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
