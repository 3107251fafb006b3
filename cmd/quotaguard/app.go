package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/breaker"
	"github.com/illmade-knight/go-quotaguard/pkg/cache"
	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/illmade-knight/go-quotaguard/pkg/events"
	"github.com/illmade-knight/go-quotaguard/pkg/microservice"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/illmade-knight/go-quotaguard/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// app holds the wired components of one sidecar process.
type app struct {
	logger     zerolog.Logger
	server     *microservice.BaseServer
	breaker    *breaker.Breaker
	cache      *cache.TTLCache[any]
	aggregator *presence.Aggregator
	sessions   *presence.Sessions
	publisher  *events.Publisher

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Error during cleanup.")
		}
	}
}

func build(ctx context.Context, cfg *config.Config, clock quartz.Clock, logger zerolog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	a.breaker = breaker.New(breaker.Config{
		MaxRequestsPerMinute: cfg.Breaker.MaxRequestsPerMinute,
		CooldownPeriod:       cfg.Breaker.CooldownPeriod,
		QuotaErrorThreshold:  cfg.Breaker.QuotaErrorThreshold,
		TickInterval:         cfg.Breaker.TickInterval,
		Mode:                 breaker.WindowMode(cfg.Breaker.Window),
	}, clock, logger)
	a.breaker.Subscribe(metrics.BreakerListener())

	a.cache = cache.NewTTLCache[any](cache.TTLCacheConfig{
		DefaultTTL:      cfg.Cache.DefaultTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, clock, logger)
	metrics.RegisterCache("pages", a.cache.Stats)

	var fsClient *firestore.Client
	if cfg.Presence.Backend == "firestore" || len(cfg.Data.Collections) > 0 {
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			return a, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, fsClient.Close)
	}

	dir, factory, err := buildPresence(ctx, cfg, fsClient, clock, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, dir.Close)

	a.aggregator = presence.NewAggregator(dir, presence.AggregatorConfig{CountTimeout: cfg.Admission.CountTimeout}, clock, logger)
	a.aggregator.Subscribe(metrics.ObservePresence)
	a.sessions = presence.NewSessions(factory, presence.DefaultTrackerConfig(), logger)

	gate := admission.NewGatekeeper(a.aggregator, admission.Config{
		MaxConcurrentUsers: cfg.Admission.MaxConcurrentUsers,
		Bypass:             cfg.Admission.Bypass,
		TimeoutPolicy:      cfg.Admission.TimeoutPolicy,
	}, logger).WithObserver(metrics)

	deps := microservice.APIDeps{
		Admission:          gate,
		Presence:           a.aggregator,
		Breaker:            a.breaker,
		Sessions:           a.sessions,
		RateLimitPerMinute: cfg.APIRateLimitPerMinute,
	}

	if len(cfg.Data.Collections) > 0 {
		store, err := docstore.NewFirestoreStore[map[string]any](fsClient, logger)
		if err != nil {
			return a, err
		}
		facade := docstore.NewFacade(a.breaker, a.cache, store, docstore.Config{
			ReadTimeout:   cfg.Data.ReadTimeout,
			WriteTimeout:  cfg.Data.WriteTimeout,
			CacheTTL:      cfg.Cache.DefaultTTL,
			TimeoutPolicy: cfg.Data.TimeoutPolicy,
		}, clock, logger).WithObserver(metrics)
		deps.Pages = docstore.NewSource[map[string]any](facade, store)
		deps.Writer = facade
		deps.Collections = collectionQueries(cfg.Data.Collections)
	}

	if cfg.Events.Enabled {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			return a, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.closers = append(a.closers, psClient.Close)

		pcfg := events.NewPublisherDefaults()
		pcfg.ProjectID = cfg.ProjectID
		pcfg.TopicID = cfg.Events.TopicID
		a.publisher, err = events.NewPublisher(ctx, pcfg, psClient, clock, logger)
		if err != nil {
			return a, err
		}
		a.breaker.Subscribe(a.publisher.BreakerListener(ctx))
		a.aggregator.Subscribe(a.publisher.PresenceListener(ctx))
	}

	a.server = microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	microservice.NewAPI(deps, logger).Mount(a.server.Router())
	return a, nil
}

// buildPresence returns the registry the aggregator watches and the factory
// the session set opens trackers with.
func buildPresence(
	ctx context.Context,
	cfg *config.Config,
	fsClient *firestore.Client,
	clock quartz.Clock,
	logger zerolog.Logger,
) (presence.Registry, presence.SessionFactory, error) {
	p := cfg.Presence
	switch p.Backend {
	case "memory":
		hub := presence.NewMemoryHub(clock)
		observer := hub.Connect()
		factory := func() (presence.Session, func()) {
			conn := hub.Connect()
			return conn, func() { _ = conn.Close() }
		}
		return observer, factory, nil
	case "redis":
		reg, err := presence.NewRedisRegistry(ctx, &presence.RedisConfig{
			Addr:              p.Redis.Addr,
			Password:          p.Redis.Password,
			DB:                p.Redis.DB,
			KeyPrefix:         p.Redis.KeyPrefix,
			LeaseTTL:          p.LeaseTTL,
			HeartbeatInterval: p.HeartbeatInterval,
		}, clock, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, presence.SharedSession(reg), nil
	case "firestore":
		reg, err := presence.NewFirestoreRegistry(&presence.FirestoreConfig{
			ProjectID:         cfg.ProjectID,
			CollectionName:    p.Collection,
			LeaseTTL:          p.LeaseTTL,
			HeartbeatInterval: p.HeartbeatInterval,
		}, fsClient, clock, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, presence.SharedSession(reg), nil
	default:
		return nil, nil, errors.New("unknown presence backend " + p.Backend)
	}
}

func collectionQueries(cols []config.CollectionConfig) map[string]docstore.Query {
	out := make(map[string]docstore.Query, len(cols))
	for _, c := range cols {
		out[c.Name] = docstore.Query{
			Collection: c.Name,
			OrderBy:    c.OrderBy,
			Direction:  docstore.Direction(c.Direction),
			PageSize:   c.PageSize,
			CacheTTL:   c.CacheTTL,
		}
	}
	return out
}
