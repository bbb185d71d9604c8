package logfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Transport is an http.RoundTripper that records the lifecycle of every
// request into a feed as api entries. The request and response pass through
// unmodified.
type Transport struct {
	base http.RoundTripper
	feed *Feed
}

// NewTransport wraps base; a nil base means http.DefaultTransport.
func NewTransport(feed *Feed, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, feed: feed}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := uuid.NewString()
	target := req.URL.Path
	if target == "" {
		target = "/"
	}
	t.feed.Append(LevelDebug, SourceAPI, fmt.Sprintf("%s %s", req.Method, target), map[string]any{
		"requestId": id,
		"method":    req.Method,
		"url":       req.URL.String(),
	})

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(req.Context().Err(), context.Canceled) {
			t.feed.Append(LevelDebug, SourceAPI, "request canceled", map[string]any{
				"requestId":  id,
				"method":     req.Method,
				"url":        req.URL.String(),
				"durationMs": elapsed,
			})
			return resp, err
		}
		t.feed.Append(LevelError, SourceAPI, fmt.Sprintf("%s %s failed: %v", req.Method, target, err), map[string]any{
			"requestId":  id,
			"method":     req.Method,
			"url":        req.URL.String(),
			"durationMs": elapsed,
			"error":      err.Error(),
		})
		return resp, err
	}

	level := LevelInfo
	switch {
	case resp.StatusCode >= 500:
		level = LevelError
	case resp.StatusCode >= 400:
		level = LevelWarn
	}
	t.feed.Append(level, SourceAPI, fmt.Sprintf("%s %s %d (%dms)", req.Method, target, resp.StatusCode, elapsed), map[string]any{
		"requestId":  id,
		"method":     req.Method,
		"url":        req.URL.String(),
		"status":     resp.StatusCode,
		"durationMs": elapsed,
	})
	return resp, nil
}
