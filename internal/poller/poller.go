// Package poller schedules repeated session snapshot fetches with
// exponential backoff on failure and stops once the pipeline completes.
package poller

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/log"
)

// Defaults.
const (
	DefaultBaseInterval = 1000 * time.Millisecond
	DefaultFactor       = 1.5
	DefaultMaxInterval  = 10000 * time.Millisecond
	DefaultFetchTimeout = 15 * time.Second
)

// Config controls the polling schedule.
type Config struct {
	BaseInterval time.Duration
	Factor       float64
	MaxInterval  time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig returns the standard schedule: 1s base, x1.5 per failure, 10s cap.
func DefaultConfig() Config {
	return Config{
		BaseInterval: DefaultBaseInterval,
		Factor:       DefaultFactor,
		MaxInterval:  DefaultMaxInterval,
		FetchTimeout: DefaultFetchTimeout,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = max(d.MaxInterval, c.BaseInterval)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

// NextInterval returns the delay after the given number of consecutive
// failures: min(MaxInterval, floor(BaseInterval · Factor^failures)), in whole
// milliseconds. Zero failures yields BaseInterval.
func NextInterval(cfg Config, failures int) time.Duration {
	cfg = cfg.normalized()
	if failures <= 0 {
		return cfg.BaseInterval
	}
	ms := math.Floor(float64(cfg.BaseInterval.Milliseconds()) * math.Pow(cfg.Factor, float64(failures)))
	if ms >= float64(cfg.MaxInterval.Milliseconds()) || math.IsInf(ms, 0) || math.IsNaN(ms) {
		return cfg.MaxInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// Phase is the poller lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseBackoff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	case PhaseBackoff:
		return "backoff"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is a read-only view of the poller.
type State struct {
	Phase        Phase
	Interval     time.Duration
	FailureCount int
	LastSuccess  time.Time
	Completed    bool
}

// FetchFunc fetches the current full snapshot of the session.
type FetchFunc func(ctx context.Context) (*adk.Session, error)

// SessionFunc receives a snapshot. It runs on the poller goroutine and must
// not call Stop on the same poller.
type SessionFunc func(ctx context.Context, sess *adk.Session)

// Option configures a Poller.
type Option func(*Poller)

// WithOnSnapshot sets the handler for every successful fetch.
func WithOnSnapshot(fn SessionFunc) Option {
	return func(p *Poller) { p.onSnapshot = fn }
}

// WithOnComplete sets the handler called once when the completion predicate holds.
func WithOnComplete(fn SessionFunc) Option {
	return func(p *Poller) { p.onComplete = fn }
}

// WithCompletion sets the completion predicate. Without one the poller
// runs until stopped.
func WithCompletion(pred func([]adk.Event) bool) Option {
	return func(p *Poller) { p.isComplete = pred }
}

// withAfter replaces the timer source in tests.
func withAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(p *Poller) { p.after = after }
}

// Poller fetches snapshots one at a time on a single goroutine.
type Poller struct {
	cfg        Config
	fetch      FetchFunc
	onSnapshot SessionFunc
	onComplete SessionFunc
	isComplete func([]adk.Event) bool
	after      func(time.Duration) <-chan time.Time

	mu      sync.RWMutex
	state   State
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}

	stopOnce sync.Once
}

// New creates an idle poller.
func New(cfg Config, fetch FetchFunc, opts ...Option) *Poller {
	cfg = cfg.normalized()
	p := &Poller{
		cfg:   cfg,
		fetch: fetch,
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
		state: State{Phase: PhaseIdle, Interval: cfg.BaseInterval},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. The first fetch happens immediately.
// Calling Start more than once, or after Stop, does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.state.Phase == PhaseStopped {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.state.Phase = PhasePolling
	go p.run(ctx)
}

// Stop cancels any in-flight fetch and pending timer and waits for the loop
// to exit. It is safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		if p.cancel != nil {
			p.cancel()
		}
		if !started {
			p.state.Phase = PhaseStopped
			close(p.done)
		}
		p.mu.Unlock()
	})
	<-p.done
}

// Trigger requests an early fetch. It never blocks; triggers that arrive
// while one is pending are merged. Triggers do not shorten a retry delay
// after a failed fetch.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// State returns a copy of the current state.
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Status renders the state for display.
func (p *Poller) Status() string {
	return FormatStatus(p.State())
}

// FormatStatus renders s, e.g. "polling every 1s" or "retrying in 2.25s (2 failures)".
func FormatStatus(s State) string {
	switch {
	case s.Completed:
		return "completed"
	case s.Phase == PhaseStopped:
		return "stopped"
	case s.Phase == PhaseIdle:
		return "idle"
	case s.Phase == PhaseBackoff:
		noun := "failures"
		if s.FailureCount == 1 {
			noun = "failure"
		}
		return fmt.Sprintf("retrying in %s (%d %s)", s.Interval, s.FailureCount, noun)
	default:
		return fmt.Sprintf("polling every %s", s.Interval)
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.finish()

	var delay time.Duration
	wakeable := false
	for {
		if delay > 0 && !p.wait(ctx, delay, wakeable) {
			return
		}
		p.drainWake()

		sess, err := p.fetchOnce(ctx)
		if ctx.Err() != nil || adk.IsCanceled(err) {
			return
		}
		if err != nil {
			delay = p.recordFailure(err)
			wakeable = false
			continue
		}

		p.recordSuccess()
		if p.onSnapshot != nil {
			p.onSnapshot(ctx, sess)
		}
		if p.isComplete != nil && p.isComplete(sess.Events) {
			p.mu.Lock()
			p.state.Completed = true
			p.mu.Unlock()
			log.Info(log.CatPoll, "Pipeline complete, polling stopped", "session", sess.ID, "events", len(sess.Events))
			if p.onComplete != nil && ctx.Err() == nil {
				p.onComplete(ctx, sess)
			}
			return
		}
		delay = p.cfg.BaseInterval
		wakeable = true
	}
}

// wait blocks for d. A Trigger cuts the wait short only when wakeable is set;
// a retry delay after a failed fetch always runs to completion.
func (p *Poller) wait(ctx context.Context, d time.Duration, wakeable bool) bool {
	var wake <-chan struct{}
	if wakeable {
		wake = p.wake
	}
	var ch <-chan time.Time
	if p.after != nil {
		ch = p.after(d)
	} else {
		timer := time.NewTimer(d)
		defer timer.Stop()
		ch = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	case <-wake:
		return true
	}
}

// drainWake discards a pending Trigger; the fetch about to start covers it.
func (p *Poller) drainWake() {
	select {
	case <-p.wake:
	default:
	}
}

func (p *Poller) fetchOnce(ctx context.Context) (*adk.Session, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	sess, err := p.fetch(fctx)
	if err == nil && sess == nil {
		err = fmt.Errorf("fetch returned no session")
	}
	return sess, err
}

func (p *Poller) recordFailure(err error) time.Duration {
	p.mu.Lock()
	p.state.FailureCount++
	failures := p.state.FailureCount
	p.state.Interval = NextInterval(p.cfg, failures)
	p.state.Phase = PhaseBackoff
	interval := p.state.Interval
	p.mu.Unlock()

	log.Debug(log.CatPoll, "Snapshot fetch failed", "failures", failures, "retry_in", interval, "error", err)
	return interval
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.FailureCount = 0
	p.state.Interval = p.cfg.BaseInterval
	p.state.LastSuccess = time.Now()
	p.state.Phase = PhasePolling
}

func (p *Poller) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Phase = PhaseStopped
}
