// Package config loads runtime settings for the campuschat service from an
// optional YAML file and CAMPUSCHAT_* environment variables, then fills in
// defaults for anything left unset or invalid.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CAMPUSCHAT_SERVER_ADDR.
const EnvPrefix = "CAMPUSCHAT"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// ServerConfig holds the HTTP and WebSocket settings including security controls.
type ServerConfig struct {
	Addr            string          `mapstructure:"addr"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	MaxTextLength   int             `mapstructure:"max_text_length"`
	SendBuffer      int             `mapstructure:"send_buffer"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	PongWait        time.Duration   `mapstructure:"pong_wait"`
	WriteWait       time.Duration   `mapstructure:"write_wait"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// PingPeriod is how often the server pings; it must be shorter than PongWait.
func (c ServerConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

type AuthConfig struct {
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
	AccessExpire time.Duration `mapstructure:"access_expire"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// DatabaseConfig selects PostgreSQL storage. An empty URL means the
// in-memory store, which knows only the SeedUsers.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	SeedUsers       []SeedUser    `mapstructure:"seed_users"`
}

// SeedUser is an identity loaded into the in-memory store at startup.
type SeedUser struct {
	ID          string `mapstructure:"id"`
	Email       string `mapstructure:"email"`
	DisplayName string `mapstructure:"display_name"`
	CollegeID   string `mapstructure:"college_id"`
}

// RedisConfig enables the Redis presence mirror when Addr is set.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	PresenceKey string `mapstructure:"presence_key"`
}

// NATSConfig enables presence events on NATS when URL is set.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

// PresenceSyncConfig sizes the worker pool that exports presence changes.
type PresenceSyncConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	PresenceSync PresenceSyncConfig `mapstructure:"presence_sync"`
}

var ErrMissingSecret = errors.New("config: auth.secret is required")

// Default returns a configuration populated with default values for all
// settings. The auth secret is left empty.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: 16 * 1024,
			MaxTextLength:  4000,
			SendBuffer:     256,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: time.Second,
			},
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:       "campuschat",
			AccessExpire: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:    10,
			PresenceKey: "campuschat:presence",
		},
		NATS: NATSConfig{
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			SubjectPrefix: "campuschat.presence",
		},
		PresenceSync: PresenceSyncConfig{
			Workers:   4,
			QueueSize: 1024,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// sanitises the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg = Sanitize(cfg)
	if cfg.Auth.Secret == "" {
		return nil, ErrMissingSecret
	}
	return &cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", d.Server.MaxMessageSize)
	v.SetDefault("server.max_text_length", d.Server.MaxTextLength)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)
	v.SetDefault("server.rate_limit.refill_interval", d.Server.RateLimit.RefillInterval)
	v.SetDefault("server.pong_wait", d.Server.PongWait)
	v.SetDefault("server.write_wait", d.Server.WriteWait)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.access_expire", d.Auth.AccessExpire)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.max_conn_lifetime", d.Database.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", d.Database.MaxConnIdleTime)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.presence_key", d.Redis.PresenceKey)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("presence_sync.workers", d.PresenceSync.Workers)
	v.SetDefault("presence_sync.queue_size", d.PresenceSync.QueueSize)
}

// Sanitize replaces zero or invalid values with defaults and trims origin
// entries.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if cfg.Server.MaxTextLength <= 0 {
		cfg.Server.MaxTextLength = d.Server.MaxTextLength
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = d.Server.SendBuffer
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = d.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = d.Server.RateLimit.RefillInterval
	}
	if cfg.Server.PongWait <= 0 {
		cfg.Server.PongWait = d.Server.PongWait
	}
	if cfg.Server.WriteWait <= 0 {
		cfg.Server.WriteWait = d.Server.WriteWait
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	cfg.Server.AllowedOrigins = trimOrigins(cfg.Server.AllowedOrigins)

	if cfg.Auth.AccessExpire <= 0 {
		cfg.Auth.AccessExpire = d.Auth.AccessExpire
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format != "text" {
		cfg.Log.Format = "json"
	}

	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = d.Database.MaxConns
	}
	if cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		cfg.Database.MinConns = 0
	}
	if cfg.Database.MaxConnLifetime <= 0 {
		cfg.Database.MaxConnLifetime = d.Database.MaxConnLifetime
	}
	if cfg.Database.MaxConnIdleTime <= 0 {
		cfg.Database.MaxConnIdleTime = d.Database.MaxConnIdleTime
	}
	cfg.Database.SeedUsers = trimSeedUsers(cfg.Database.SeedUsers)

	if cfg.Redis.PoolSize <= 0 {
		cfg.Redis.PoolSize = d.Redis.PoolSize
	}
	if cfg.Redis.PresenceKey == "" {
		cfg.Redis.PresenceKey = d.Redis.PresenceKey
	}

	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = d.NATS.MaxReconnects
	}
	if cfg.NATS.ReconnectWait <= 0 {
		cfg.NATS.ReconnectWait = d.NATS.ReconnectWait
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}

	if cfg.PresenceSync.Workers <= 0 {
		cfg.PresenceSync.Workers = d.PresenceSync.Workers
	}
	if cfg.PresenceSync.QueueSize <= 0 {
		cfg.PresenceSync.QueueSize = d.PresenceSync.QueueSize
	}
	return cfg
}

func trimSeedUsers(users []SeedUser) []SeedUser {
	out := make([]SeedUser, 0, len(users))
	for _, u := range users {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			continue
		}
		u.CollegeID = strings.TrimSpace(u.CollegeID)
		out = append(out, u)
	}
	return out
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
