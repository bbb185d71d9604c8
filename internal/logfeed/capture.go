package logfeed

import (
	"fmt"
	"sync"

	"github.com/feynmancraft/pipewatch/internal/log"
)

const unformattable = "<unformattable>"

var (
	captureMu  sync.Mutex
	removeHook func()
)

// Install mirrors internal/log records at or above minLevel into feed as
// frontend entries. The log file write still happens first. A second
// Install without Uninstall is a no-op and returns false.
func Install(feed *Feed, minLevel log.Level) bool {
	captureMu.Lock()
	defer captureMu.Unlock()
	if removeHook != nil {
		return false
	}
	removeHook = log.AddHook(func(rec log.Record) {
		if rec.Level < minLevel {
			return
		}
		msg, details := formatRecord(rec)
		feed.Append(levelOf(rec.Level), SourceFrontend, msg, details)
	})
	return true
}

// Uninstall removes the hook added by Install. It is safe to call when
// nothing is installed.
func Uninstall() {
	captureMu.Lock()
	defer captureMu.Unlock()
	if removeHook != nil {
		removeHook()
		removeHook = nil
	}
}

// Installed reports whether diagnostics capture is active.
func Installed() bool {
	captureMu.Lock()
	defer captureMu.Unlock()
	return removeHook != nil
}

func levelOf(l log.Level) Level {
	switch l {
	case log.LevelDebug:
		return LevelDebug
	case log.LevelWarn:
		return LevelWarn
	case log.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// formatRecord never panics; values that cannot be rendered become <unformattable>.
func formatRecord(rec log.Record) (msg string, details map[string]any) {
	msg = fmt.Sprintf("[%s] %s", rec.Category, rec.Message)
	details = map[string]any{"category": string(rec.Category)}
	for i := 0; i < len(rec.Fields); i += 2 {
		key := safeString(rec.Fields[i])
		if i+1 >= len(rec.Fields) {
			details[key] = "<missing>"
			break
		}
		details[key] = safeString(rec.Fields[i+1])
	}
	return msg, details
}

func safeString(v any) (s string) {
	defer func() {
		if recover() != nil {
			s = unformattable
		}
	}()
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}
