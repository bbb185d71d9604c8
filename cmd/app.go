package cmd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/config"
	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/log"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/telemetry"
	"github.com/feynmancraft/pipewatch/internal/tracker"
)

// app is everything a session-following command needs, wired from config.
type app struct {
	cfg     config.Config
	feed    *logfeed.Feed
	stream  *logfeed.Supervisor // nil when the stream is disabled
	client  *adk.Client
	tracker *tracker.Tracker
	store   *history.Store // nil when history is disabled or unavailable

	shutdownTelemetry telemetry.ShutdownFunc
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	tracer, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &app{
		cfg:               cfg,
		feed:              logfeed.NewFeed(cfg.Logs.Capacity),
		shutdownTelemetry: shutdown,
		cancel:            cancel,
	}
	logfeed.Install(a.feed, log.ParseLevel(cfg.Logs.Capture))

	httpClient := &http.Client{Transport: logfeed.NewTransport(a.feed, nil)}
	a.client = adk.NewClient(cfg.Backend.URL, cfg.Backend.AppName, cfg.Backend.UserID,
		adk.WithHTTPClient(httpClient),
		adk.WithTracer(tracer),
	)

	if cfg.Stream.Enabled {
		a.stream = logfeed.NewSupervisor(a.feed, cfg.EventsURL(), logfeed.WithReconnectDelay(cfg.Stream.ReconnectDelay))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.stream.Run(runCtx)
		}()
	}

	opts := []tracker.Option{
		tracker.WithSubscriber(a.subscriber()),
		tracker.WithCorrelation(correlation.WithPrefixLen(cfg.Trace.PrefixLen)),
	}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			log.Warn(log.CatStore, "History disabled", "path", cfg.History.Path, "error", err)
		} else {
			a.store = store
			opts = append(opts, tracker.WithArchive(store))
		}
	}
	a.tracker = tracker.New(a.client, opts...)

	log.Info(log.CatTracker, "Ready", "backend", cfg.Backend.URL, "app", cfg.Backend.AppName, "delivery", cfg.Delivery.Mode)
	return a, nil
}

func (a *app) subscriber() tracker.Subscriber {
	if a.cfg.Delivery.Mode == config.DeliveryPush {
		if a.stream == nil {
			log.Warn(log.CatPoll, "Push delivery needs the event stream; only the safety poll will run")
			return &tracker.PushSubscriber{Transport: a.client, Config: a.cfg.Poller(), SafetyInterval: a.cfg.Delivery.SafetyInterval}
		}
		return &tracker.PushSubscriber{
			Transport:      a.client,
			Config:         a.cfg.Poller(),
			Wake:           a.stream,
			SafetyInterval: a.cfg.Delivery.SafetyInterval,
		}
	}
	return &tracker.PollSubscriber{Transport: a.client, Config: a.cfg.Poller()}
}

func (a *app) Close() {
	a.tracker.Close()
	a.cancel()
	a.wg.Wait()
	logfeed.Uninstall()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.ErrorErr(log.CatStore, "Closing history", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTelemetry(ctx); err != nil {
		log.ErrorErr(log.CatTracker, "Flushing telemetry", err)
	}
}
