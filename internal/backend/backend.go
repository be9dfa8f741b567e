// Package backend opens the lock store and event bus named by the config.
package backend

import (
	"context"
	"errors"
	"fmt"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-tenantlock/internal/config"
	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

// Consecutive publish failures before the bus circuit opens.
const busFailureThreshold = 5

// Backend holds the opened store and bus.
type Backend struct {
	Store lock.Store
	Bus   syncbus.Bus

	redis   *redis.Client
	closers []func() error
}

// Close closes every connection in reverse opening order.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open connects to the configured store and bus.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	b := &Backend{}
	if err := b.openStore(ctx, cfg); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.openBus(cfg); err != nil {
		_ = b.Close()
		return nil, err
	}
	log.Info("backend ready",
		zap.String("store", cfg.Store.Kind),
		zap.String("bus", cfg.Bus.Kind),
	)
	return b, nil
}

func (b *Backend) redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("backend: redis %s: %w", cfg.Redis.Addr, err)
	}
	b.redis = client
	b.closers = append(b.closers, client.Close)
	return client, nil
}

func (b *Backend) openStore(ctx context.Context, cfg *config.Config) error {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	var err error

	switch cfg.Store.Kind {
	case "memory":
		b.Store = lock.NewInMemoryStore()
		return nil
	case "redis":
		client, err := b.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.Store = lock.NewRedisStore(client, lock.WithRedisTimeout(cfg.Store.Timeout))
		return nil
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.Store.SQLitePath), gcfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Store.PostgresDSN), gcfg)
	default:
		return fmt.Errorf("backend: unknown store %q", cfg.Store.Kind)
	}
	if err != nil {
		return fmt.Errorf("backend: %s: %w", cfg.Store.Kind, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	b.closers = append(b.closers, sqlDB.Close)
	if cfg.Store.Kind == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	store, err := lock.NewGormStore(db, lock.WithGormTimeout(cfg.Store.Timeout))
	if err != nil {
		return err
	}
	b.Store = store
	return nil
}

func (b *Backend) openBus(cfg *config.Config) error {
	var bus syncbus.Bus
	switch cfg.Bus.Kind {
	case "none":
		return nil
	case "memory":
		b.Bus = syncbus.NewInMemoryBus()
		return nil
	case "redis":
		client, err := b.redisClient(context.Background(), cfg)
		if err != nil {
			return err
		}
		rb := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client, Timeout: cfg.Store.Timeout})
		b.closers = append(b.closers, rb.Close)
		bus = rb
	case "nats":
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			return fmt.Errorf("backend: nats %s: %w", cfg.Bus.NATSURL, err)
		}
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
		bus = syncbus.NewNATSBus(conn)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.Bus.KafkaBrokers, cfg.Bus.KafkaTopic, sarama.NewConfig())
		if err != nil {
			return fmt.Errorf("backend: kafka: %w", err)
		}
		b.closers = append(b.closers, kb.Close)
		bus = kb
	default:
		return fmt.Errorf("backend: unknown bus %q", cfg.Bus.Kind)
	}
	b.Bus = syncbus.NewCircuitBreaker(bus, busFailureThreshold, cfg.Store.Timeout)
	return nil
}
