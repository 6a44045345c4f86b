// Package app assembles the release workflow, the delivery fabric and its
// background workers from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"releaseflow/internal/config"
	"releaseflow/internal/consumers"
	"releaseflow/internal/db"
	"releaseflow/internal/engine"
	"releaseflow/internal/escalator"
	"releaseflow/internal/events"
	"releaseflow/internal/fabric"
	rflog "releaseflow/internal/log"
	"releaseflow/internal/metrics"
	"releaseflow/internal/migrate"
	"releaseflow/internal/monitor"
	"releaseflow/internal/repo"
	"releaseflow/internal/repo/pg"
)

type Options struct {
	Workspace string
	// Registry receives every collector; nil creates a fresh one.
	Registry *prometheus.Registry
	// Mailer delivers notifications; nil logs them.
	Mailer consumers.Mailer
	// Broker replaces the configured broker, mostly for tests.
	Broker *fabric.MemoryBroker
}

// App is a fully wired process. Build creates it, Run drives the workers and Close releases resources.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Store     engine.Store
	Engine    *engine.Engine
	Outbox    repo.Outbox
	EventLog  repo.Repo
	Records   repo.Notifications
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Producer  fabric.Producer
	Publisher *events.Publisher
	Relay     *events.Relay
	Monitor   *monitor.Monitor
	Escalator *escalator.Escalator
	Alerts    *escalator.Recent
	Feed      *consumers.Feed
	Context   *consumers.ContextRefresher
	Notifier  *consumers.Notifier
	Log       zerolog.Logger

	sources func(group string, topics ...string) (fabric.Source, error)
	dedupe  fabric.Deduper
	closers []func() error
}

// Build opens storage and the broker and wires every component. Workers do not start until Run.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{Config: cfg, Log: rflog.WithComponent("app")}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: sqlitePath(cfg)})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Outbox = repo.Outbox{DB: conn}
	a.EventLog = repo.Repo{DB: conn}
	a.Records = repo.Notifications{DB: conn}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store := pg.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.Store = store
	default:
		a.Store = repo.Repo{DB: conn}
	}

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.Metrics = metrics.New(a.Registry)

	if err := a.openBroker(opts.Broker); err != nil {
		return err
	}
	if err := a.openDedupe(); err != nil {
		return err
	}

	sender := fabric.Sender{Producer: a.Producer}
	topics := events.Topics{Release: cfg.Topics.Release, Errors: cfg.Topics.Errors, Alerts: cfg.Topics.Alerts}
	recorder := events.Writer{DB: conn}

	a.Publisher = events.NewPublisher(sender, cfg.Service)
	a.Publisher.Topics = topics
	a.Publisher.Outbox = a.Outbox
	a.Publisher.Recorder = recorder
	a.Publisher.Metrics = a.Metrics

	policy := a.retryPolicy()
	a.Relay = events.NewRelay(a.Outbox, sender, policy.Delay, time.Duration(cfg.Outbox.IntervalMS)*time.Millisecond)
	a.Relay.Limit = cfg.Outbox.BatchSize
	a.Relay.Metrics = a.Metrics
	a.Relay.Recorder = recorder

	a.Engine = engine.New(a.Store, a.Publisher)
	a.Engine.Metrics = a.Metrics

	a.Monitor = monitor.New(a.Store, a.Publisher, monitor.NewSuppressions(cfg.Monitor.SuppressionSize, cfg.Monitor.Cooldown()))
	a.Monitor.Threshold = cfg.Monitor.Threshold()
	a.Monitor.Cooldown = cfg.Monitor.Cooldown()
	a.Monitor.Interval = cfg.Monitor.Interval()
	a.Monitor.Metrics = a.Metrics
	if cfg.Monitor.MaxPerSecond > 0 {
		a.Monitor.Limiter = rate.NewLimiter(rate.Limit(cfg.Monitor.MaxPerSecond), 1)
	}

	a.Alerts = escalator.NewRecent(cfg.Alerts.RecentLimit)
	sinks := []escalator.Sink{a.Alerts, escalator.TopicSink{Sender: sender, Topic: cfg.Topics.Alerts, Source: cfg.Service}}
	if len(cfg.Alerts.Webhooks) > 0 {
		sinks = append(sinks, escalator.NewWebhookSink(cfg.Alerts.Webhooks))
	}
	a.Escalator = escalator.New(sinks...)
	a.Escalator.Metrics = a.Metrics

	mailer := opts.Mailer
	if mailer == nil {
		mailer = consumers.LogMailer{Log: rflog.WithComponent("mailer")}
	}
	a.Notifier = consumers.NewNotifier(mailer, a.Records, consumers.Directory{
		Emails:  cfg.Notifications.DeveloperEmails,
		Default: cfg.Notifications.DefaultRecipient,
	}, cfg.Notifications.From)
	a.Feed = consumers.NewFeed(200)
	a.Context, err = consumers.NewContextRefresher(a.Store, 256)
	if err != nil {
		return fmt.Errorf("context cache: %w", err)
	}
	return nil
}

func sqlitePath(cfg *config.Config) string {
	if cfg.Store.Driver == "sqlite" {
		return cfg.Store.DSN
	}
	return ""
}

func (a *App) openBroker(mem *fabric.MemoryBroker) error {
	cfg := a.Config
	if mem == nil && cfg.Broker.Driver == "kafka" {
		kcfg := fabric.KafkaConfig{Brokers: cfg.Broker.Brokers, ClientID: cfg.Broker.ClientID}
		client, err := fabric.NewKafkaProducerClient(kcfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		a.Producer = fabric.NewKafkaBroker(client)
		a.sources = func(group string, topics ...string) (fabric.Source, error) {
			c, err := fabric.NewKafkaConsumerClient(kcfg, group, topics...)
			if err != nil {
				return nil, err
			}
			return fabric.NewKafkaSource(c), nil
		}
		return nil
	}
	if mem == nil {
		mem = fabric.NewMemoryBroker(cfg.Broker.Partitions)
	}
	a.Producer = mem
	a.sources = func(group string, topics ...string) (fabric.Source, error) {
		return mem.Subscribe(group, topics...), nil
	}
	return nil
}

func (a *App) openDedupe() error {
	cfg := a.Config
	ttl := time.Duration(cfg.Dedupe.TTLSeconds) * time.Second
	if cfg.Dedupe.Driver == "redis" {
		client, err := fabric.NewRedisClient(fabric.RedisConfig{Addr: cfg.Dedupe.RedisAddr, DB: cfg.Dedupe.RedisDB})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.dedupe = fabric.NewRedisDeduper(client, ttl)
		return nil
	}
	a.dedupe = fabric.NewLRUDeduper(cfg.Dedupe.Size, ttl)
	return nil
}

func (a *App) retryPolicy() fabric.RetryPolicy {
	r := a.Config.Retry
	return fabric.RetryPolicy{
		Initial:     r.Initial(),
		Multiplier:  r.Multiplier,
		Max:         r.Max(),
		MaxAttempts: r.MaxAttempts,
	}
}

// Harnesses opens one consumer group per subscriber plus the dead-letter escalator.
func (a *App) Harnesses() ([]*fabric.Harness, error) {
	primary := []string{a.Config.Topics.Release, a.Config.Topics.Errors}
	groups := []struct {
		name    string
		handler fabric.Handler
	}{
		{consumers.NotifierGroup, a.Notifier.Handle},
		{consumers.FeedGroup, a.Feed.Handle},
		{consumers.ContextGroup, a.Context.Handle},
	}
	var out []*fabric.Harness
	for _, g := range groups {
		src, err := a.sources(g.name, fabric.ConsumeTopics(g.name, primary...)...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src.Close)
		h := fabric.NewHarness(g.name, src, a.Producer, g.handler)
		h.Policy = a.retryPolicy()
		h.Dedupe = a.dedupe
		h.Metrics = a.Metrics
		out = append(out, h)
	}
	src, err := a.sources(escalator.Group, fabric.DLQTopics(primary...)...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, src.Close)
	h := a.Escalator.Harness(src, a.Producer)
	h.Dedupe = a.dedupe
	h.Metrics = a.Metrics
	return append(out, h), nil
}

// RunOptions selects which workers Run starts.
type RunOptions struct {
	// HTTP is served until ctx is done when non-nil.
	HTTP *http.Server
	// Consumers starts the subscriber groups and the escalator.
	Consumers bool
	// Monitor starts the stale-task monitor.
	Monitor bool
	// Relay starts the outbox relay.
	Relay bool
}

// Run blocks until ctx is cancelled or a worker fails.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	if opts.Consumers {
		harnesses, err := a.Harnesses()
		if err != nil {
			return err
		}
		for _, h := range harnesses {
			g.Go(func() error { return h.Run(ctx) })
		}
	}
	if opts.Monitor {
		g.Go(func() error { a.Monitor.Run(ctx); return nil })
	}
	if opts.Relay {
		g.Go(func() error { a.Relay.Run(ctx); return nil })
	}
	if opts.HTTP != nil {
		srv := opts.HTTP
		g.Go(func() error {
			a.Log.Info().Str("addr", srv.Addr).Msg("http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Close releases everything Build and Harnesses opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
