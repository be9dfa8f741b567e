// Package config loads the tenantlock binaries' settings from the
// environment, after merging a .env file when present.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every variable read by this package.
const EnvPrefix = "TENANTLOCK_"

type App struct {
	Env       string
	HTTPAddr  string
	RateLimit int
	Origins   []string
	Tracing   bool
}

type Logger struct {
	Level string
}

type Store struct {
	Kind        string
	SQLitePath  string
	PostgresDSN string
	Timeout     time.Duration
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Bus struct {
	Kind         string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string
}

type Reaper struct {
	Mode      string
	Interval  time.Duration
	OlderThan time.Duration
}

// Config is the full configuration of lockd and lockctl.
type Config struct {
	App    App
	Logger Logger
	Store  Store
	Redis  Redis
	Bus    Bus
	Reaper Reaper
}

// Load reads the given .env files (".env" when none is given, ignored when
// missing) and then the environment. Variables already set win over files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		App: App{
			Env:       GetEnvString("APP_ENV", "development"),
			HTTPAddr:  GetEnvString("HTTP_ADDR", ":8080"),
			RateLimit: GetEnvInt("RATE_LIMIT", 0),
			Origins:   GetEnvList("CORS_ORIGINS", nil),
			Tracing:   GetEnvBool("TRACING", false),
		},
		Logger: Logger{
			Level: GetEnvString("LOG_LEVEL", "info"),
		},
		Store: Store{
			Kind:        GetEnvString("STORE", "sqlite"),
			SQLitePath:  GetEnvString("SQLITE_PATH", "tenantlock.db"),
			PostgresDSN: GetEnvString("POSTGRES_DSN", ""),
			Timeout:     GetEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Redis: Redis{
			Addr:     GetEnvString("REDIS_ADDR", "localhost:6379"),
			Password: GetEnvString("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		},
		Bus: Bus{
			Kind:         GetEnvString("BUS", "memory"),
			NATSURL:      GetEnvString("NATS_URL", "nats://localhost:4222"),
			KafkaBrokers: GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:   GetEnvString("KAFKA_TOPIC", "tenantlock-events"),
		},
		Reaper: Reaper{
			Mode:      GetEnvString("REAPER_MODE", "alert"),
			Interval:  GetEnvDuration("REAPER_INTERVAL", time.Minute),
			OlderThan: GetEnvDuration("REAPER_OLDER_THAN", 10*time.Minute),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown backend names and missing connection settings.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "sqlite", "redis", "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: %sPOSTGRES_DSN is required for the postgres store", EnvPrefix)
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store.Kind)
	}
	switch c.Bus.Kind {
	case "memory", "redis", "nats", "kafka", "none":
	default:
		return fmt.Errorf("config: unknown bus %q", c.Bus.Kind)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("config: store timeout must be positive")
	}
	return nil
}
