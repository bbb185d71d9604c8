package tracker

import (
	"context"
	"time"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/poller"
)

// DefaultSafetyInterval is the slow poll that backs up push delivery.
const DefaultSafetyInterval = 5 * time.Second

// Handlers receive snapshots from a subscription. They run on the
// subscription's goroutine.
type Handlers struct {
	OnSnapshot func(ctx context.Context, sess *adk.Session)
	OnComplete func(ctx context.Context, sess *adk.Session)
}

// Subscription is a running update source for one session.
type Subscription interface {
	// Stop ends the subscription and waits for it. Safe to call more than once.
	Stop()
	// Status is the human-readable delivery status.
	Status() string
}

// Subscriber starts update delivery for a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, h Handlers) Subscription
}

// PollSubscriber delivers updates by polling snapshots on an adaptive schedule.
type PollSubscriber struct {
	Transport adk.Transport
	Config    poller.Config
}

// Subscribe implements Subscriber.
func (s *PollSubscriber) Subscribe(ctx context.Context, sessionID string, h Handlers) Subscription {
	p := newSessionPoller(s.Transport, s.Config, sessionID, h)
	p.Start(ctx)
	return p
}

// WakeSource notifies listeners when the backend reports activity for a session.
// logfeed.Supervisor implements it.
type WakeSource interface {
	OnSession(fn func(sessionID string)) (remove func())
}

// PushSubscriber fetches a snapshot whenever the backend stream reports
// activity for the session, with a slow safety poll in case frames are lost.
type PushSubscriber struct {
	Transport      adk.Transport
	Config         poller.Config
	Wake           WakeSource
	SafetyInterval time.Duration
}

// Subscribe implements Subscriber.
func (s *PushSubscriber) Subscribe(ctx context.Context, sessionID string, h Handlers) Subscription {
	cfg := s.Config
	cfg.BaseInterval = s.SafetyInterval
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultSafetyInterval
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}

	p := newSessionPoller(s.Transport, cfg, sessionID, h)
	remove := func() {}
	if s.Wake != nil {
		remove = s.Wake.OnSession(func(id string) {
			if id == sessionID {
				p.Trigger()
			}
		})
	}
	p.Start(ctx)
	return &pushSubscription{Poller: p, remove: remove}
}

type pushSubscription struct {
	*poller.Poller
	remove func()
}

func (s *pushSubscription) Stop() {
	s.remove()
	s.Poller.Stop()
}

func (s *pushSubscription) Status() string {
	return "push, " + s.Poller.Status()
}

func newSessionPoller(transport adk.Transport, cfg poller.Config, sessionID string, h Handlers) *poller.Poller {
	fetch := func(ctx context.Context) (*adk.Session, error) {
		return transport.GetSession(ctx, sessionID)
	}
	return poller.New(cfg, fetch,
		poller.WithCompletion(pipeline.IsComplete),
		poller.WithOnSnapshot(h.OnSnapshot),
		poller.WithOnComplete(h.OnComplete),
	)
}
