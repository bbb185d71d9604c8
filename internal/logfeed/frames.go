package logfeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Discriminators sent by the backend event bus.
const (
	kindLog         = "log"
	kindError       = "error"
	kindEvent       = "event"
	kindHeartbeat   = "heartbeat"
	kindServerReady = "server.ready"
)

// parsedFrame is a stream payload mapped onto an entry.
type parsedFrame struct {
	keep      bool // false for keep-alives
	level     Level
	source    Source
	message   string
	details   map[string]any
	seq       string // replay cursor, empty when absent
	sessionID string
}

// keepAlives are bare payloads that only hold the connection open.
var keepAlives = map[string]bool{
	"ping":       true,
	"pong":       true,
	"keep-alive": true,
	"keepalive":  true,
	"heartbeat":  true,
}

// parseFrame maps one data payload. It never fails: anything that is not a
// JSON object is kept verbatim at info level.
func parseFrame(data string) parsedFrame {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || keepAlives[strings.ToLower(trimmed)] {
		return parsedFrame{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil {
		return parsedFrame{keep: true, level: LevelInfo, source: SourceBackend, message: data}
	}

	p := parsedFrame{
		keep:      true,
		level:     LevelInfo,
		source:    SourceBackend,
		details:   obj,
		seq:       scalar(obj["seq"]),
		sessionID: str(obj, "sessionId", "session_id"),
	}
	if src, ok := ParseSource(str(obj, "source")); ok {
		p.source = src
	}

	kind := str(obj, "kind", "type")
	text := str(obj, "message", "msg")

	switch {
	case kind == kindHeartbeat:
		p.keep = false
	case kind == kindServerReady:
		p.message = orDefault(text, "backend stream ready")
	case kind == kindLog:
		if lvl := str(obj, "level"); lvl != "" {
			p.level = ParseLevel(lvl)
		}
		p.message = orDefault(text, trimmed)
	case kind == kindError:
		p.level = LevelError
		p.message = orDefault(orDefault(text, str(obj, "error")), trimmed)
	case kind == kindEvent:
		p.message = orDefault(text, trimmed)
	case strings.HasPrefix(kind, "step."):
		p.message = stepMessage(obj, strings.TrimPrefix(kind, "step."), text)
	case strings.HasPrefix(kind, "tool."):
		p.level, p.message = toolMessage(obj, strings.TrimPrefix(kind, "tool."))
	case strings.HasPrefix(kind, "job."):
		p.level, p.message = jobMessage(obj, strings.TrimPrefix(kind, "job."))
	default:
		p.message = orDefault(text, trimmed)
	}
	return p
}

func stepMessage(obj map[string]any, step, text string) string {
	summary := text
	if payload, ok := obj["payload"].(map[string]any); ok && summary == "" {
		summary = str(payload, "summary")
	}
	agent := str(obj, "agent")
	switch {
	case agent != "" && summary != "":
		return fmt.Sprintf("step %s: %s: %s", step, agent, summary)
	case agent != "":
		return fmt.Sprintf("step %s: %s", step, agent)
	case summary != "":
		return fmt.Sprintf("step %s: %s", step, summary)
	default:
		return "step " + step
	}
}

func toolMessage(obj map[string]any, phase string) (Level, string) {
	tool := orDefault(str(obj, "tool"), "tool")
	switch phase {
	case "start":
		return LevelDebug, fmt.Sprintf("tool %s started", tool)
	case "end":
		status := strings.ToLower(str(obj, "status"))
		if status == "err" || status == "error" {
			reason := ""
			if payload, ok := obj["payload"].(map[string]any); ok {
				reason = str(payload, "error")
			}
			if reason != "" {
				return LevelError, fmt.Sprintf("tool %s failed: %s", tool, reason)
			}
			return LevelError, fmt.Sprintf("tool %s failed", tool)
		}
		if latency := scalar(obj["latency_ms"]); latency != "" {
			return LevelInfo, fmt.Sprintf("tool %s completed in %sms", tool, latency)
		}
		return LevelInfo, fmt.Sprintf("tool %s completed", tool)
	default:
		return LevelInfo, fmt.Sprintf("tool %s %s", tool, phase)
	}
}

func jobMessage(obj map[string]any, phase string) (Level, string) {
	session := str(obj, "sessionId", "session_id")
	suffix := ""
	if session != "" {
		suffix = " for session " + session
	}
	switch phase {
	case "start":
		return LevelInfo, "job started" + suffix
	case "end":
		return LevelInfo, "job finished" + suffix
	case "error":
		return LevelError, "job failed" + suffix
	default:
		return LevelInfo, "job " + phase + suffix
	}
}

// str returns the first non-empty string value among keys.
func str(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// scalar renders a JSON number or string as text.
func scalar(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return ""
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
