// Package app wires configuration into the stores, scheduler and service
// shared by the HTTP server and the remindctl CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"reengage-service/config"
	"reengage-service/internal/broker"
	"reengage-service/internal/redisclient"
	"reengage-service/internal/scheduler"
	"reengage-service/internal/service"
	"reengage-service/internal/store"
	"reengage-service/internal/util"

	"go.uber.org/zap"
)

// App holds the long-lived components of one process.
type App struct {
	Config     *config.Config
	KV         store.KV
	Redis      *redisclient.Client
	Subs       *store.SubscriptionStore
	Carts      *store.CartStore
	Scheduler  *scheduler.Scheduler
	Engagement *service.EngagementService
	Publisher  *broker.EventPublisher
	Users      *store.UserDirectory

	producers []*broker.Producer
	logger    *zap.Logger
}

// New connects storage and messaging and builds the engagement service.
// Redis is optional unless it is the storage driver.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.GetLogger()}

	if cfg.Redis.Addr != "" {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		switch {
		case err == nil:
			a.Redis = rc
			a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		case cfg.Storage.Driver == "redis":
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		default:
			a.logger.Warn("Redis unavailable, running without sweep lock and guest emails", zap.Error(err))
		}
	}

	kv, err := a.openKV()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.KV = kv

	clock := util.SystemClock{}
	a.Subs, err = store.NewSubscriptionStore(ctx, kv, clock)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	a.Carts, err = store.NewCartStore(ctx, kv, clock)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load abandoned carts: %w", err)
	}

	opts := []scheduler.Option{scheduler.WithOffsets(cfg.Reminder.StageOffsets)}
	if a.Redis != nil {
		opts = append(opts, scheduler.WithLocker(a.Redis, cfg.Reminder.LockTTL))
	}
	a.Scheduler = scheduler.New(a.Carts, clock, opts...)

	tracking := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTracking)
	notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	a.producers = append(a.producers, tracking, notifications)
	a.Publisher = broker.NewEventPublisher(tracking, notifications)

	a.Engagement = service.NewEngagementService(a.Subs, a.Carts, a.Scheduler, a.Publisher, a.Publisher)
	if a.Redis != nil {
		a.Engagement.WithGuestEmails(a.Redis, cfg.Redis.GuestEmailTTL)
	}
	if cfg.Identity.DatabaseURL != "" {
		a.Users, err = store.NewUserDirectory(cfg.Identity.DatabaseURL, cfg.Identity.EmailQuery)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Engagement.WithIdentity(a.Users)
		a.logger.Info("User directory connected")
	}
	return a, nil
}

func (a *App) openKV() (store.KV, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case "memory":
		a.logger.Warn("Using in-memory storage, state is lost on restart")
		return store.NewMemoryKV(), nil
	case "bolt":
		kv, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Bolt storage opened", zap.String("path", cfg.BoltPath))
		return kv, nil
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("redis storage selected but REDIS_ADDR is empty")
		}
		return a.Redis, nil
	case "postgres":
		kv, err := store.NewPostgresKV(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Postgres storage connected")
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// SignalHandler builds the inbound signal router, deduplicated through redis when available.
func (a *App) SignalHandler() *broker.SignalHandler {
	if a.Redis != nil {
		return broker.NewSignalHandler(a.Engagement, a.Redis)
	}
	return broker.NewSignalHandler(a.Engagement, nil)
}

// ReadinessChecks returns a probe per configured dependency.
func (a *App) ReadinessChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"storage": func(ctx context.Context) error {
			_, _, err := a.KV.Get(ctx, store.KeyAbandonCarts)
			return err
		},
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.GetClient().Ping(ctx).Err()
		}
	}
	return checks
}

// Close flushes pending events and releases every connection.
func (a *App) Close() error {
	if a.Publisher != nil {
		a.Publisher.Flush()
	}

	var errs []error
	for _, p := range a.producers {
		errs = append(errs, p.Close())
	}
	// the redis client doubles as the KV under the redis driver
	if a.KV != nil && a.Config.Storage.Driver != "redis" {
		errs = append(errs, a.KV.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Users != nil {
		errs = append(errs, a.Users.Close())
	}
	return errors.Join(errs...)
}
