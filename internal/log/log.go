// Package log provides structured logging for pipewatch.
// It writes category-tagged lines to a debug file (via tea.LogToFile when
// --debug is set), keeps recent lines in a ring buffer, and hands every
// record to registered hooks so diagnostics can be mirrored into the log feed.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatPoll     Category = "poll"     // Snapshot polling and backoff
	CatClassify Category = "classify" // Event classification and grouping
	CatTrace    Category = "trace"    // Span correlation
	CatStream   Category = "stream"   // Server-pushed log stream
	CatHTTP     Category = "http"     // Backend transport
	CatConfig   Category = "config"   // Configuration loading/reloading
	CatStore    Category = "store"    // Session history database
	CatTracker  Category = "tracker"  // Session flow lifecycle
	CatUI       Category = "ui"       // Terminal and HTTP presentation
)

// Record is a single log call as seen by hooks.
type Record struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	Fields   []any
}

// Hook receives every record after the logger has written it.
// Hooks run outside the logger lock and must not block.
type Hook func(Record)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	buffer   *RingBuffer[string]
	enabled  bool
	minLevel Level
}

var (
	defaultLogger *Logger
	once          sync.Once

	hooksMu  sync.RWMutex
	hooks    = map[int]Hook{}
	nextHook int
)

// Init initializes the global logger.
// Returns a cleanup function to close the log file.
func Init(path string, bufferSize int) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path, bufferSize)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

// InitWithTeaLog uses tea.LogToFile for initialization.
func InitWithTeaLog(path string, prefix string, bufferSize int) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}

	defaultLogger = &Logger{
		file:     f,
		writer:   f,
		buffer:   NewRingBuffer[string](bufferSize),
		enabled:  true,
		minLevel: LevelDebug,
	}

	return func() { _ = f.Close() }, nil
}

func newLogger(path string, bufferSize int) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		buffer:   NewRingBuffer[string](bufferSize),
		enabled:  true,
		minLevel: LevelDebug,
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// AddHook registers h and returns a function that removes it.
// The removal function is safe to call more than once.
func AddHook(h Hook) (remove func()) {
	hooksMu.Lock()
	id := nextHook
	nextHook++
	hooks[id] = h
	hooksMu.Unlock()

	var removeOnce sync.Once
	return func() {
		removeOnce.Do(func() {
			hooksMu.Lock()
			delete(hooks, id)
			hooksMu.Unlock()
		})
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	now := time.Now()
	write(now, level, cat, msg, fields...)
	dispatch(Record{Time: now, Level: level, Category: cat, Message: msg, Fields: fields})
}

func write(now time.Time, level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if !defaultLogger.enabled || level < defaultLogger.minLevel {
		return
	}

	// Format: 2025-12-06T10:45:00 [ERROR] [poll] message key=value key2=value2
	entry := fmt.Sprintf("%s [%s] [%s] %s", now.Format("2006-01-02T15:04:05"), level, cat, msg)
	entry += FormatFields(fields...)
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	if defaultLogger.buffer != nil {
		defaultLogger.buffer.Add(entry)
	}
}

// FormatFields renders key/value pairs as " k=v k2=v2".
// An orphan trailing key is rendered as "key=<missing>".
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	return b.String()
}

func dispatch(rec Record) {
	hooksMu.RLock()
	if len(hooks) == 0 {
		hooksMu.RUnlock()
		return
	}
	active := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		active = append(active, h)
	}
	hooksMu.RUnlock()

	for _, h := range active {
		runHook(h, rec)
	}
}

// runHook isolates the caller from a misbehaving hook.
func runHook(h Hook, rec Record) {
	defer func() { _ = recover() }()
	h(rec)
}

// GetRecentLogs returns recent log entries from the ring buffer.
func GetRecentLogs(count int) []string {
	if defaultLogger == nil || defaultLogger.buffer == nil {
		return nil
	}
	return defaultLogger.buffer.GetLast(count)
}

// ClearBuffer clears the ring buffer.
func ClearBuffer() {
	if defaultLogger == nil || defaultLogger.buffer == nil {
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.buffer.Clear()
}
