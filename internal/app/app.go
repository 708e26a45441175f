// Package app builds the process graph once from configuration. Both binaries
// go through New so the API and the location consumer share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/stats"
	"github.com/example/ride-dispatch/internal/storage"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Config config.ServerConfig
	Logger *slog.Logger

	Store    storage.Store
	KV       kv.Store
	Hub      *notify.Hub
	Fanout   *notify.Fanout
	Bridge   *notify.AMQPBridge // nil without AMQP_URL
	Producer *ingest.KafkaProducer
	Auth     *auth.Manager // nil without JWT_SECRET
	Routes   *routing.Service
	Rides    *rides.Service

	pingers []pinger
	closers []func() error
}

func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.RedisAddr != "" {
		rs := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.KV = rs
		a.pingers = append(a.pingers, rs)
		a.closers = append(a.closers, rs.Close)
	} else {
		a.Logger.Warn("REDIS_ADDR not set, presence and accept locks are process-local")
		a.KV = kv.NewMemoryStore()
	}

	a.Hub = notify.NewHub(a.Logger)
	var sink notify.Sink = a.Hub
	if cfg.AMQPURL != "" {
		b, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, a.Hub, a.Logger)
		if err != nil {
			return err
		}
		a.Bridge = b
		a.closers = append(a.closers, b.Close)
		sink = b
	}
	a.Fanout = notify.NewFanout(sink, cfg.NotifyQueueSize, cfg.NotifyWorkers, a.Logger)
	// Drain the queue before the bridge and stores go away.
	a.closers = append(a.closers, func() error { a.Fanout.Close(); return nil })

	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, a.Producer.Close)
	}

	if cfg.JWTSecret != "" {
		m, err := auth.NewManager(cfg.JWTSecret, cfg.JWTTTL)
		if err != nil {
			return err
		}
		a.Auth = m
	}

	reg := presence.NewRegistry(a.KV, store, a.Logger, presence.Config{
		OnlineTTL:   cfg.PresenceOnlineTTL,
		LocationTTL: cfg.PresenceLocationTTL,
	})
	finder := matcher.New(reg, store, a.Logger, matcher.Config{
		RadiusMeters: cfg.MatchRadiusMeters,
		MinBattery:   cfg.MatchMinBattery,
	})
	machine := ridestate.New(store)
	coord := dispatch.NewCoordinator(finder, a.KV, machine, store, a.Fanout, a.Logger, cfg.AcceptLockTTL)

	rcfg := routing.DefaultConfig()
	rcfg.Timeout = cfg.RoutingTimeout
	rcfg.CacheTTL = cfg.RouteCacheTTL
	var client routing.Client
	if cfg.OSRMEndpoint != "" {
		client = routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.RoutingTimeout)
	} else {
		a.Logger.Warn("OSRM_ENDPOINT not set, routes are straight-line estimates")
	}
	a.Routes = routing.NewService(client, rcfg, a.Logger)

	a.Rides = rides.New(rides.Deps{
		Store:       store,
		Machine:     machine,
		Coordinator: coord,
		Finder:      finder,
		Presence:    reg,
		Fares:       fare.NewEngine(cfg.FareEnforceRange),
		Router:      a.Routes,
		Stats:       stats.NewAggregator(store, cfg.Location()),
		Publisher:   a.Fanout,
		Locks:       a.KV,
		Logger:      a.Logger,
	})
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.StorePostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, ps)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.Logger.Info("migrations applied")
		}
		return ps, nil
	case config.StoreMongo:
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return ms, nil
	default:
		a.Logger.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

// Start runs background loops that live as long as ctx.
func (a *App) Start(ctx context.Context) {
	go a.Routes.RunSweeper(ctx, a.Config.RouteCacheTTL)
	if a.Bridge == nil {
		return
	}
	go func() {
		if err := a.Bridge.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("notification bridge stopped", "error", err)
		}
	}()
}

// Handler returns the HTTP API. It needs JWT_SECRET.
func (a *App) Handler() (http.Handler, error) {
	if a.Auth == nil {
		return nil, errors.New("JWT_SECRET is required to serve the API")
	}
	opts := httpapi.Options{
		Rides:  a.Rides,
		Auth:   a.Auth,
		Hub:    a.Hub,
		Logger: a.Logger,
		Ready:  a.Ready,
	}
	if a.Producer != nil {
		opts.Locations = a.Producer
	}
	return httpapi.NewServer(opts), nil
}

// Ready pings the networked backends.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, p := range a.pingers {
		errs = append(errs, p.Ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
