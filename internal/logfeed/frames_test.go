package logfeed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		keep    bool
		level   Level
		source  Source
		message string
	}{
		{"empty", "   ", false, "", "", ""},
		{"ping", "ping", false, "", "", ""},
		{"keep-alive", "KEEP-ALIVE", false, "", "", ""},
		{"heartbeat frame", `{"type":"heartbeat","seq":4,"ts":1.5}`, false, "", "", ""},
		{"plain text", "compiler warming up", true, LevelInfo, SourceBackend, "compiler warming up"},
		{"json array", `[1,2]`, true, LevelInfo, SourceBackend, `[1,2]`},
		{"server ready", `{"type":"server.ready","seq":1,"message":"SSE connection established"}`, true, LevelInfo, SourceBackend, "SSE connection established"},
		{"log with level", `{"kind":"log","level":"warning","message":"slow kb"}`, true, LevelWarn, SourceBackend, "slow kb"},
		{"log with numeric level", `{"kind":"log","level":20,"msg":"numeric"}`, true, LevelInfo, SourceBackend, "numeric"},
		{"error", `{"kind":"error","error":"agent crashed"}`, true, LevelError, SourceBackend, "agent crashed"},
		{"event", `{"kind":"event","message":"run queued"}`, true, LevelInfo, SourceBackend, "run queued"},
		{"known source", `{"kind":"log","source":"api","message":"proxied"}`, true, LevelInfo, SourceAPI, "proxied"},
		{"unknown source", `{"kind":"log","source":"gpu","message":"x"}`, true, LevelInfo, SourceBackend, "x"},
		{"step transfer", `{"type":"step.transfer","agent":"root_agent","payload":{"summary":"Transferring to planner_agent"}}`, true, LevelInfo, SourceBackend, "step transfer: root_agent: Transferring to planner_agent"},
		{"step bare", `{"type":"step.planning"}`, true, LevelInfo, SourceBackend, "step planning"},
		{"tool start", `{"type":"tool.start","tool":"compile_tikz"}`, true, LevelDebug, SourceBackend, "tool compile_tikz started"},
		{"tool end ok", `{"type":"tool.end","tool":"compile_tikz","status":"ok","latency_ms":812}`, true, LevelInfo, SourceBackend, "tool compile_tikz completed in 812ms"},
		{"tool end err", `{"type":"tool.end","tool":"compile_tikz","status":"err","payload":{"error":"missing package"}}`, true, LevelError, SourceBackend, "tool compile_tikz failed: missing package"},
		{"job error", `{"type":"job.error","sessionId":"s1"}`, true, LevelError, SourceBackend, "job failed for session s1"},
		{"job start", `{"type":"job.start"}`, true, LevelInfo, SourceBackend, "job started"},
		{"unknown kind", `{"type":"custom","message":"hello"}`, true, LevelInfo, SourceBackend, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseFrame(tt.data)
			require.Equal(t, tt.keep, p.keep)
			if !tt.keep {
				return
			}
			require.Equal(t, tt.level, p.level)
			require.Equal(t, tt.source, p.source)
			require.Equal(t, tt.message, p.message)
		})
	}
}

func TestParseFrame_CursorAndSession(t *testing.T) {
	p := parseFrame(`{"type":"tool.start","seq":17,"sessionId":"sess-3","ts":1700000000.25}`)
	require.Equal(t, "17", p.seq)
	require.Equal(t, "sess-3", p.sessionID)
	require.Equal(t, 1700000000.25, p.details["ts"])

	hb := parseFrame(`{"type":"heartbeat","seq":18}`)
	require.False(t, hb.keep)
	require.Equal(t, "18", hb.seq)
}
