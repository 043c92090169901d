package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Rotation backends for round-robin counters.
const (
	RotationMemory = "memory"
	RotationRedis  = "redis"
)

// Config holds the service configuration read from the environment.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Routing  RoutingConfig
}

type AppConfig struct {
	Name string
	Port string
}

type DatabaseConfig struct {
	Driver         string // postgres or memory
	URL            string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrateOnStart bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	JWTSecret string
}

type RoutingConfig struct {
	RotationBackend    string
	HealthMaxStaleness time.Duration
	HealthSyncInterval time.Duration // how often shared health readings are pulled from Redis
	MaxFallbackDepth   int
}

// Load reads .env (if present) and then the process environment.
// Environment variables win over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("APP_NAME"),
			Port: v.GetString("APP_PORT"),
		},
		Database: DatabaseConfig{
			Driver:         strings.ToLower(v.GetString("STORE_DRIVER")),
			URL:            v.GetString("DATABASE_URL"),
			MaxOpenConns:   v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:   v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			MigrateOnStart: v.GetBool("MIGRATE_ON_START"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Routing: RoutingConfig{
			RotationBackend:    strings.ToLower(v.GetString("ROUTING_ROTATION_BACKEND")),
			HealthMaxStaleness: v.GetDuration("HEALTH_MAX_STALENESS"),
			HealthSyncInterval: v.GetDuration("HEALTH_SYNC_INTERVAL"),
			MaxFallbackDepth:   v.GetInt("ROUTING_MAX_FALLBACK_DEPTH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "printa-routing")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("MIGRATE_ON_START", true)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ROUTING_ROTATION_BACKEND", RotationMemory)
	v.SetDefault("HEALTH_MAX_STALENESS", 5*time.Minute)
	v.SetDefault("HEALTH_SYNC_INTERVAL", 10*time.Second)
	v.SetDefault("ROUTING_MAX_FALLBACK_DEPTH", 3)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Database.Driver)
	}

	switch c.Routing.RotationBackend {
	case RotationMemory:
	case RotationRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when ROUTING_ROTATION_BACKEND=%s", RotationRedis)
		}
	default:
		return fmt.Errorf("unsupported ROUTING_ROTATION_BACKEND %q", c.Routing.RotationBackend)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Routing.MaxFallbackDepth < 0 {
		return fmt.Errorf("ROUTING_MAX_FALLBACK_DEPTH must be >= 0")
	}
	return nil
}
