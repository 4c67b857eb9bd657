package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/warp/folio-engine/api"
	"github.com/warp/folio-engine/audit"
	"github.com/warp/folio-engine/config"
	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/metrics"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/store/sqlite"
)

// locker is what both the Coordinator and the offline queue need.
type locker interface {
	lock.Locker
	lock.TryLocker
}

// app holds every wired component. close releases them in reverse order.
type app struct {
	cfg       config.Config
	log       *slog.Logger
	store     *sqlite.Store
	metrics   *metrics.Recorder
	coord     *stay.Coordinator
	rooms     *stay.RoomReconciler
	queue     *offline.Queue
	sessions  *offline.SessionCache
	views     *api.SessionViews
	handler   *api.Handler
	scheduler *api.HealthScheduler

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	locks, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	taxes, err := cfg.TaxSource()
	if err != nil {
		return nil, err
	}
	methods, err := cfg.PaymentMethods()
	if err != nil {
		return nil, err
	}

	sinks := audit.Fanout{audit.NewLogSink(log)}
	if cfg.Audit.AMQPURL != "" {
		pub := audit.NewAMQPPublisher(cfg.Audit.AMQPURL, cfg.Audit.Queue, cfg.RetryPolicy(), log)
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, pub)
	}

	a.metrics = metrics.New()
	a.coord = stay.NewCoordinator(store, locks, taxes, methods, stay.Options{
		Timeout: cfg.Transitions.Timeout,
		Audit:   sinks,
		Metrics: a.metrics,
		Logger:  log,
	})
	a.rooms = stay.NewRoomReconciler(store, locks, log)

	a.sessions, err = offline.NewSessionCache(store, cfg.Offline.SessionMaxAge, cfg.Offline.SessionCache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.sessions.Close(); return nil })

	a.views = api.NewSessionViews(log)
	a.queue = offline.NewQueue(store, stay.NewReplayer(a.coord, log), cfg.OfflineQueue(),
		offline.WithLocks(locks),
		offline.WithMetrics(a.metrics),
		offline.WithLogger(log),
		offline.WithSessions(a.sessions),
		offline.WithSettled(a.views.Settled))

	a.handler = api.NewHandler(a.coord, a.rooms, a.queue, a.metrics, log)
	a.handler.Ping = store.Ping
	a.handler.Views = a.views

	a.scheduler = api.NewHealthScheduler(a.coord, a.rooms, a.queue, log)
	a.scheduler.CheckInterval = cfg.Health.FolioCheckInterval
	a.scheduler.AutoFix = cfg.Health.AutoFix

	ok = true
	return a, nil
}

// newLocker builds the configured advisory lock backend.
func (a *app) newLocker(ctx context.Context) (locker, error) {
	cfg := a.cfg.Locks
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		a.log.Info("using redis locks", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
		return lock.NewRedis(client, lock.RedisOptions{Prefix: cfg.RedisPrefix, TTL: cfg.TTL, Wait: cfg.Wait}), nil

	case "postgres":
		pool, err := lock.NewPool(ctx, cfg.PostgresDSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.log.Info("using postgres advisory locks", "max_conns", cfg.MaxConns)
		return lock.NewPostgres(pool, cfg.Wait), nil

	default:
		a.log.Info("using in-process locks")
		return lock.NewKeyed(cfg.Wait), nil
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
