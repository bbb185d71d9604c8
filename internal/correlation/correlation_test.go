package correlation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/feynmancraft/pipewatch/internal/adk"
)

func textEvent(id string, ts float64) adk.Event {
	return adk.Event{ID: id, Author: "planner_agent", Timestamp: ts,
		Content: &adk.Content{Parts: []adk.Part{{Text: "working"}}}}
}

func callEvent(id, callID, tool string, ts float64) adk.Event {
	return adk.Event{ID: id, Author: "diagram_generator_agent", Timestamp: ts,
		Content: &adk.Content{Parts: []adk.Part{{FunctionCall: &adk.FunctionCall{ID: callID, Name: tool}}}}}
}

func responseEvent(id, callID, tool string, ts float64, resp map[string]any) adk.Event {
	return adk.Event{ID: id, Author: "diagram_generator_agent", Timestamp: ts,
		Content: &adk.Content{Parts: []adk.Part{{FunctionResponse: &adk.FunctionResponse{ID: callID, Name: tool, Response: resp}}}}}
}

func TestIdentity(t *testing.T) {
	c := New()
	require.Equal(t, "tr-abcdefgh", c.Identity(textEvent("abcdefgh-1234", 0)))
	require.Equal(t, "tr-abc", c.Identity(textEvent("abc", 0)))
	require.Equal(t, "fc-call-1", c.Identity(callEvent("x", "call-1", "search", 0)))
	require.Equal(t, "fc-call-1", c.Identity(responseEvent("y", "call-1", "search", 0, nil)))

	short := New(WithPrefixLen(3))
	require.Equal(t, "tr-abc", short.Identity(textEvent("abcdefgh", 0)))
}

func TestObserve_PairsByPrefix(t *testing.T) {
	c := New()
	first := c.Observe(textEvent("abcdefgh-1", 10.0))
	second := c.Observe(textEvent("abcdefgh-2", 12.5))
	require.Equal(t, first, second)

	span, ok := c.Span(first)
	require.True(t, ok)
	require.True(t, span.Closed())
	require.Equal(t, "st-1", span.StepID)
	require.Equal(t, int64(10000), span.StartTime)
	require.Equal(t, int64(12500), *span.EndTime)
	require.Equal(t, int64(2500), *span.Duration)
	require.Equal(t, StatusCompleted, span.Status)
	require.Zero(t, c.OpenCount())
}

func TestObserve_ToolSpanFromFunctionCallIDs(t *testing.T) {
	c := New()
	h := c.Observe(callEvent("evt-aaaa-1", "call-7", "generate_tikz", 1.0))

	span, _ := c.Span(h)
	require.Equal(t, StatusInProgress, span.Status)
	require.Equal(t, "generate_tikz", span.Tool)
	require.False(t, span.Closed())

	require.Equal(t, h, c.Observe(responseEvent("evt-bbbb-2", "call-7", "generate_tikz", 1.25, map[string]any{"result": "ok"})))
	span, _ = c.Span(h)
	require.Equal(t, StatusCompleted, span.Status)
	require.Equal(t, int64(250), *span.Duration)
}

func TestObserve_FailedResponse(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
	}{
		{"error key", map[string]any{"error": "compile failed"}},
		{"status error", map[string]any{"status": "error"}},
		{"status err", map[string]any{"status": "ERR"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			h := c.Observe(callEvent("a1", "call-1", "compile", 1))
			c.Observe(responseEvent("b2", "call-1", "compile", 2, tt.resp))
			span, _ := c.Span(h)
			require.Equal(t, StatusFailed, span.Status)
		})
	}
}

func TestObserve_NilErrorIsNotFailure(t *testing.T) {
	c := New()
	h := c.Observe(callEvent("a1", "call-1", "compile", 1))
	c.Observe(responseEvent("b2", "call-1", "compile", 2, map[string]any{"error": nil, "status": "ok"}))
	span, _ := c.Span(h)
	require.Equal(t, StatusCompleted, span.Status)
}

func TestObserve_ReopensAfterClose(t *testing.T) {
	c := New()
	h1 := c.Observe(textEvent("samepref-1", 1))
	c.Observe(textEvent("samepref-2", 2))
	h2 := c.Observe(textEvent("samepref-3", 3))

	require.NotEqual(t, h1, h2)
	span, _ := c.Span(h2)
	require.False(t, span.Closed())
	require.Equal(t, StatusPending, span.Status)
	require.Equal(t, "st-2", span.StepID)
	require.Equal(t, 1, c.OpenCount())
}

func TestObserve_NeverRecurringStaysOpen(t *testing.T) {
	c := New()
	h := c.Observe(textEvent("lonely-event", 5))
	span, _ := c.Span(h)
	require.False(t, span.Closed())
	require.Nil(t, span.Duration)
	require.Equal(t, StatusPending, span.Status)
}

func TestObserve_ClampsOutOfOrderEnd(t *testing.T) {
	c := New()
	h := c.Observe(textEvent("abcdefgh-late", 20))
	c.Observe(textEvent("abcdefgh-early", 18))
	span, _ := c.Span(h)
	require.Equal(t, int64(0), *span.Duration)
	require.Equal(t, span.StartTime, *span.EndTime)
}

func TestObserve_SameEventTwiceIsNoop(t *testing.T) {
	c := New()
	ev := textEvent("abcdefgh-1", 1)
	h := c.Observe(ev)
	require.Equal(t, h, c.Observe(ev))

	span, _ := c.Span(h)
	require.False(t, span.Closed())
	require.Len(t, c.Spans(), 1)
}

func TestObserve_EmptyID(t *testing.T) {
	c := New()
	require.Equal(t, NoHandle, c.Observe(adk.Event{}))
	_, ok := c.Span(NoHandle)
	require.False(t, ok)
}

func TestReset(t *testing.T) {
	c := New()
	c.Observe(textEvent("abcdefgh-1", 1))
	c.Reset()
	require.Empty(t, c.Spans())
	require.Zero(t, c.OpenCount())

	h := c.Observe(textEvent("abcdefgh-2", 2))
	span, _ := c.Span(h)
	require.Equal(t, "st-1", span.StepID)
	require.False(t, span.Closed())
}

func TestStatusRank(t *testing.T) {
	require.Greater(t, StatusFailed.Rank(), StatusCompleted.Rank())
	require.Greater(t, StatusCompleted.Rank(), StatusInProgress.Rank())
	require.Greater(t, StatusInProgress.Rank(), StatusPending.Rank())
	require.Equal(t, 0, Status("").Rank())
}

// Every closed span has duration = end - start >= 0, whatever order events arrive in.
func TestPropertyClosedSpanDurationNonNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New(WithPrefixLen(2))
		n := rapid.IntRange(1, 60).Draw(t, "events")
		for i := 0; i < n; i++ {
			prefix := rapid.SampledFrom([]string{"aa", "bb", "cc"}).Draw(t, "prefix")
			ts := rapid.Float64Range(0, 1e6).Draw(t, "ts")
			c.Observe(textEvent(fmt.Sprintf("%s-%d", prefix, i), ts))
		}
		for _, span := range c.Spans() {
			if !span.Closed() {
				continue
			}
			if *span.Duration < 0 {
				t.Fatalf("negative duration %d for %s", *span.Duration, span.StepID)
			}
			if *span.Duration != *span.EndTime-span.StartTime {
				t.Fatalf("duration %d != end-start for %s", *span.Duration, span.StepID)
			}
		}
		if c.OpenCount() > 3 {
			t.Fatalf("more open spans (%d) than identities", c.OpenCount())
		}
	})
}
