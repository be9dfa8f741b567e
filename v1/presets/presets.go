// Package presets wires a lock.Handle to each supported backend.
package presets

import (
	"errors"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Instance bundles a Handle with the resources backing it.
type Instance struct {
	*lock.Handle
	Store lock.Store
	Bus   syncbus.Bus

	closers []func() error
}

// Close releases connections opened by the preset.
func (i *Instance) Close() error {
	var errs []error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newInstance(store lock.Store, bus syncbus.Bus, opts []lock.Option, closers ...func() error) *Instance {
	hopts := make([]lock.Option, 0, len(opts)+1)
	if bus != nil {
		hopts = append(hopts, lock.WithBus(bus))
	}
	hopts = append(hopts, opts...)
	h := lock.NewHandle(store, hopts...)
	return &Instance{Handle: h, Store: store, Bus: h.Bus(), closers: closers}
}

// NewInMemory creates an Instance that runs entirely in-memory with no
// external dependencies. Locks only coordinate goroutines of this process.
func NewInMemory(opts ...lock.Option) *Instance {
	return newInstance(lock.NewInMemoryStore(), syncbus.NewInMemoryBus(), opts)
}

// NewSQLite creates an Instance backed by a sqlite database at dsn, shared by
// every process opening the same file.
func NewSQLite(dsn string, opts ...lock.Option) (*Instance, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	store, err := lock.NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return newInstance(store, syncbus.NewInMemoryBus(), opts, sqlDB.Close), nil
}

// NewPostgres creates an Instance backed by PostgreSQL. No bus is attached;
// pass lock.WithBus to share events between workers.
func NewPostgres(dsn string, opts ...lock.Option) (*Instance, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	store, err := lock.NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return newInstance(store, nil, opts, sqlDB.Close), nil
}

// NewRedis creates an Instance using Redis as both the lock store and the
// event bus.
func NewRedis(opts RedisOptions, hopts ...lock.Option) *Instance {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	store := lock.NewRedisStore(client)
	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
	return newInstance(store, bus, hopts, client.Close, bus.Close)
}
