// Package config loads pipewatch settings from a YAML file, PIPEWATCH_*
// environment variables and built-in defaults, and reloads them when the
// file changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/poller"
)

// EnvPrefix prefixes every environment override, e.g. PIPEWATCH_BACKEND_URL.
const EnvPrefix = "PIPEWATCH"

// Delivery modes.
const (
	DeliveryPoll = "poll"
	DeliveryPush = "push"
)

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config is the full pipewatch configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Poll      PollConfig      `mapstructure:"poll"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Trace     TraceConfig     `mapstructure:"trace"`
	History   HistoryConfig   `mapstructure:"history"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Debug     bool            `mapstructure:"debug"`
	LogLevel  string          `mapstructure:"log_level"`
}

// BackendConfig locates the ADK API server.
type BackendConfig struct {
	URL       string `mapstructure:"url"`
	AppName   string `mapstructure:"app_name"`
	UserID    string `mapstructure:"user_id"`
	EventsURL string `mapstructure:"events_url"` // SSE log stream; empty derives <url>/events
}

// PollConfig is the snapshot polling schedule.
type PollConfig struct {
	BaseInterval time.Duration `mapstructure:"base_interval"`
	Factor       float64       `mapstructure:"factor"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DeliveryConfig selects how session updates arrive.
type DeliveryConfig struct {
	Mode           string        `mapstructure:"mode"`
	SafetyInterval time.Duration `mapstructure:"safety_interval"`
}

// LogsConfig sizes the log feed.
type LogsConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Capture  string `mapstructure:"capture"` // minimum level mirrored from diagnostics
}

// StreamConfig controls the SSE supervisor.
type StreamConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// TraceConfig controls span correlation.
type TraceConfig struct {
	PrefixLen int `mapstructure:"prefix_len"`
}

// HistoryConfig locates the session archive.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Poller converts the polling section into a poller schedule.
func (c Config) Poller() poller.Config {
	return poller.Config{
		BaseInterval: c.Poll.BaseInterval,
		Factor:       c.Poll.Factor,
		MaxInterval:  c.Poll.MaxInterval,
		FetchTimeout: c.Poll.FetchTimeout,
	}
}

// EventsURL returns the SSE endpoint, derived from the backend URL when unset.
func (c Config) EventsURL() string {
	if c.Backend.EventsURL != "" {
		return c.Backend.EventsURL
	}
	return strings.TrimRight(c.Backend.URL, "/") + "/events"
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.AppName == "" {
		errs = append(errs, errors.New("backend.app_name is required"))
	}
	switch c.Delivery.Mode {
	case DeliveryPoll, DeliveryPush:
	default:
		errs = append(errs, fmt.Errorf("delivery.mode must be %q or %q, got %q", DeliveryPoll, DeliveryPush, c.Delivery.Mode))
	}
	switch c.Telemetry.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be none, stdout or otlp, got %q", c.Telemetry.Exporter))
	}
	if c.Poll.Factor != 0 && c.Poll.Factor < 1 {
		errs = append(errs, fmt.Errorf("poll.factor must be at least 1, got %v", c.Poll.Factor))
	}
	if c.Trace.PrefixLen < 0 {
		errs = append(errs, fmt.Errorf("trace.prefix_len must not be negative, got %d", c.Trace.PrefixLen))
	}
	return errors.Join(errs...)
}

// DefaultPath returns ~/.config/pipewatch/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "pipewatch", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.app_name", "feynman_agent")
	v.SetDefault("backend.user_id", "user-"+uuid.NewString())
	v.SetDefault("backend.events_url", "")

	p := poller.DefaultConfig()
	v.SetDefault("poll.base_interval", p.BaseInterval)
	v.SetDefault("poll.factor", p.Factor)
	v.SetDefault("poll.max_interval", p.MaxInterval)
	v.SetDefault("poll.fetch_timeout", p.FetchTimeout)

	v.SetDefault("delivery.mode", DeliveryPoll)
	v.SetDefault("delivery.safety_interval", 5*time.Second)

	v.SetDefault("logs.capacity", logfeed.DefaultCapacity)
	v.SetDefault("logs.capture", "info")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.reconnect_delay", logfeed.DefaultReconnectDelay)

	v.SetDefault("trace.prefix_len", correlation.DefaultPrefixLen)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", history.DefaultPath())

	v.SetDefault("telemetry.exporter", ExporterNone)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
}

// Loader owns a viper instance and the last successfully decoded Config.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur Config
}

// Load reads configuration. An empty path looks for the default file and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		log.Debug(log.CatConfig, "No config file, using defaults", "path", path)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatConfig, "Configuration loaded", "file", v.ConfigFileUsed(), "backend", cfg.Backend.URL, "delivery", cfg.Delivery.Mode)
	return &Loader{v: v, cur: cfg}, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Delivery.Mode = strings.ToLower(strings.TrimSpace(cfg.Delivery.Mode))
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	cfg.Logs.Capacity = logfeed.ClampCapacity(cfg.Logs.Capacity)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	if _, err := os.Stat(l.v.ConfigFileUsed()); err != nil {
		return ""
	}
	return l.v.ConfigFileUsed()
}

// Set overrides a key in memory, as command-line flags do.
func (l *Loader) Set(key string, value any) error {
	l.v.Set(key, value)
	cfg, err := decode(l.v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}

// Watch reloads the file when it changes and calls onChange with the
// previous and new configuration. Invalid edits are logged and ignored.
// It does nothing when no config file exists.
func (l *Loader) Watch(onChange func(prev, next Config)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.reload(e.Name, onChange)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(name string, onChange func(prev, next Config)) {
	next, err := decode(l.v)
	if err != nil {
		log.Warn(log.CatConfig, "Ignoring invalid config change", "file", name, "error", err)
		return
	}
	l.mu.Lock()
	prev := l.cur
	l.cur = next
	l.mu.Unlock()

	log.Info(log.CatConfig, "Configuration reloaded", "file", name)
	if onChange != nil {
		onChange(prev, next)
	}
}

// ApplyLogging pushes the live-reloadable logging settings into the logger.
func ApplyLogging(cfg Config) {
	level := log.ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)
}
