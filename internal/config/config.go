// Package config loads worker settings from defaults, an optional YAML file
// and GOCOMET_* environment variables, then sanitizes the result.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// ServerConfig holds the transport settings.
type ServerConfig struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	SocketTimeout   time.Duration
	ShutdownTimeout time.Duration
}

// AppConfig holds worker behavior settings.
type AppConfig struct {
	Environment         string
	WorkerID            string
	Secret              string
	HaltOnHandlerErrors bool
	AllowAnonymous      bool
	ReconnectTimeout    time.Duration
	OnlineStatusTTL     time.Duration
	OnlineStatusRefresh time.Duration
	FlushDB             bool
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

type QueueConfig struct {
	Enabled       bool
	URL           string
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
}

type MongoConfig struct {
	Enabled  bool
	URI      string
	Database string
	Timeout  time.Duration
}

type AuthConfig struct {
	Adapter       string
	AdminUser     string
	AdminPassword string
	JWTSecret     string
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Config is the full worker configuration.
type Config struct {
	Server  ServerConfig
	App     AppConfig
	Redis   RedisConfig
	Queue   QueueConfig
	Mongo   MongoConfig
	Auth    AuthConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// Auth adapter names accepted in auth.adapter.
const (
	AuthStatic   = "static"
	AuthRegistry = "registry"
	AuthSession  = "session"
	AuthJWT      = "jwt"
	AuthDocument = "document"
)

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: 4096,
			RateLimit: RateLimitConfig{
				Burst:          20,
				RefillInterval: time.Second,
			},
			SocketTimeout:   60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		App: AppConfig{
			Environment:         "development",
			Secret:              "change-me",
			AllowAnonymous:      true,
			ReconnectTimeout:    30 * time.Second,
			OnlineStatusTTL:     60 * time.Second,
			OnlineStatusRefresh: 30 * time.Second,
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 100,
		},
		Queue: QueueConfig{
			URL:           "nats://localhost:4222",
			Stream:        "WORKQUEUE",
			SubjectPrefix: "queue",
			AckWait:       30 * time.Second,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "gocomet",
			Timeout:  5 * time.Second,
		},
		Auth: AuthConfig{
			Adapter:   AuthRegistry,
			AdminUser: "admin",
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Default returns a sanitized default configuration.
func Default() *Config {
	cfg := sanitizeConfig(defaultConfig())
	return &cfg
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if cfg.Server.SocketTimeout <= 0 {
		cfg.Server.SocketTimeout = def.Server.SocketTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	cfg.Server.AllowedOrigins = compact(cfg.Server.AllowedOrigins)

	if cfg.App.Environment == "" {
		cfg.App.Environment = def.App.Environment
	}
	if cfg.App.ReconnectTimeout <= 0 {
		cfg.App.ReconnectTimeout = def.App.ReconnectTimeout
	}
	if cfg.App.OnlineStatusTTL <= 0 {
		cfg.App.OnlineStatusTTL = def.App.OnlineStatusTTL
	}
	if cfg.App.OnlineStatusRefresh <= 0 || cfg.App.OnlineStatusRefresh >= cfg.App.OnlineStatusTTL {
		cfg.App.OnlineStatusRefresh = cfg.App.OnlineStatusTTL / 2
	}
	if cfg.App.WorkerID == "" {
		cfg.App.WorkerID = deriveWorkerID(cfg.Server.Port)
	}

	if cfg.Redis.PoolSize <= 0 {
		cfg.Redis.PoolSize = def.Redis.PoolSize
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = def.Queue.Stream
	}
	if cfg.Queue.SubjectPrefix == "" {
		cfg.Queue.SubjectPrefix = def.Queue.SubjectPrefix
	}
	if cfg.Queue.AckWait <= 0 {
		cfg.Queue.AckWait = def.Queue.AckWait
	}
	if cfg.Mongo.Timeout <= 0 {
		cfg.Mongo.Timeout = def.Mongo.Timeout
	}
	cfg.Auth.Adapter = strings.ToLower(strings.TrimSpace(cfg.Auth.Adapter))
	if cfg.Auth.Adapter == "" {
		cfg.Auth.Adapter = def.Auth.Adapter
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	return cfg
}

// Validate reports settings that cannot be repaired by sanitizing.
func (c *Config) Validate() error {
	var problems []error
	switch c.Auth.Adapter {
	case AuthStatic:
		if c.Auth.AdminPassword == "" {
			problems = append(problems, errors.New("auth.adminPassword is required for the static adapter"))
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			problems = append(problems, errors.New("auth.jwtSecret is required for the jwt adapter"))
		}
	case AuthDocument:
		if !c.Mongo.Enabled {
			problems = append(problems, errors.New("mongo.enabled must be set for the document adapter"))
		}
	case AuthRegistry, AuthSession:
	default:
		problems = append(problems, fmt.Errorf("unknown auth.adapter %q", c.Auth.Adapter))
	}
	if c.App.Secret == "" {
		problems = append(problems, errors.New("app.secret must not be empty"))
	}
	return errors.Join(problems...)
}

// IsDevelopment reports whether the worker runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// Load reads configuration. An empty path skips the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOCOMET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	cfg := fromViper(v)
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := defaultConfig()

	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.allowedOrigins", strings.Join(def.Server.AllowedOrigins, ","))
	v.SetDefault("server.maxMessageSize", def.Server.MaxMessageSize)
	v.SetDefault("server.rateLimit.burst", def.Server.RateLimit.Burst)
	v.SetDefault("server.rateLimit.refillInterval", def.Server.RateLimit.RefillInterval.String())
	v.SetDefault("server.socketTimeout", def.Server.SocketTimeout.String())
	v.SetDefault("server.shutdownTimeout", def.Server.ShutdownTimeout.String())

	v.SetDefault("app.environment", def.App.Environment)
	v.SetDefault("app.workerID", "")
	v.SetDefault("app.secret", def.App.Secret)
	v.SetDefault("app.haltOnHandlerErrors", def.App.HaltOnHandlerErrors)
	v.SetDefault("app.allowAnonymous", def.App.AllowAnonymous)
	v.SetDefault("app.reconnectTimeout", def.App.ReconnectTimeout.String())
	v.SetDefault("app.onlineStatusTTL", def.App.OnlineStatusTTL.String())
	v.SetDefault("app.onlineStatusRefresh", def.App.OnlineStatusRefresh.String())
	v.SetDefault("app.flushDB", false)

	v.SetDefault("redis.address", def.Redis.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.poolSize", def.Redis.PoolSize)

	v.SetDefault("queue.enabled", def.Queue.Enabled)
	v.SetDefault("queue.url", def.Queue.URL)
	v.SetDefault("queue.stream", def.Queue.Stream)
	v.SetDefault("queue.subjectPrefix", def.Queue.SubjectPrefix)
	v.SetDefault("queue.ackWait", def.Queue.AckWait.String())

	v.SetDefault("mongo.enabled", def.Mongo.Enabled)
	v.SetDefault("mongo.uri", def.Mongo.URI)
	v.SetDefault("mongo.database", def.Mongo.Database)
	v.SetDefault("mongo.timeout", def.Mongo.Timeout.String())

	v.SetDefault("auth.adapter", def.Auth.Adapter)
	v.SetDefault("auth.adminUser", def.Auth.AdminUser)
	v.SetDefault("auth.adminPassword", "")
	v.SetDefault("auth.jwtSecret", "")

	v.SetDefault("log.level", def.Log.Level)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.path", def.Metrics.Path)
}

func fromViper(v *viper.Viper) Config {
	def := defaultConfig()
	return Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			AllowedOrigins: parseOrigins(v.GetString("server.allowedOrigins")),
			MaxMessageSize: parseMaxMessageSize(v.GetString("server.maxMessageSize"), def.Server.MaxMessageSize),
			RateLimit: RateLimitConfig{
				Burst:          parseIntValue(v.GetString("server.rateLimit.burst"), def.Server.RateLimit.Burst),
				RefillInterval: parseDuration(v.GetString("server.rateLimit.refillInterval"), def.Server.RateLimit.RefillInterval),
			},
			SocketTimeout:   parseDuration(v.GetString("server.socketTimeout"), def.Server.SocketTimeout),
			ShutdownTimeout: parseDuration(v.GetString("server.shutdownTimeout"), def.Server.ShutdownTimeout),
		},
		App: AppConfig{
			Environment:         v.GetString("app.environment"),
			WorkerID:            v.GetString("app.workerID"),
			Secret:              v.GetString("app.secret"),
			HaltOnHandlerErrors: v.GetBool("app.haltOnHandlerErrors"),
			AllowAnonymous:      v.GetBool("app.allowAnonymous"),
			ReconnectTimeout:    parseDuration(v.GetString("app.reconnectTimeout"), def.App.ReconnectTimeout),
			OnlineStatusTTL:     parseDuration(v.GetString("app.onlineStatusTTL"), def.App.OnlineStatusTTL),
			OnlineStatusRefresh: parseDuration(v.GetString("app.onlineStatusRefresh"), def.App.OnlineStatusRefresh),
			FlushDB:             v.GetBool("app.flushDB"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			PoolSize: v.GetInt("redis.poolSize"),
		},
		Queue: QueueConfig{
			Enabled:       v.GetBool("queue.enabled"),
			URL:           v.GetString("queue.url"),
			Stream:        v.GetString("queue.stream"),
			SubjectPrefix: v.GetString("queue.subjectPrefix"),
			AckWait:       parseDuration(v.GetString("queue.ackWait"), def.Queue.AckWait),
		},
		Mongo: MongoConfig{
			Enabled:  v.GetBool("mongo.enabled"),
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
			Timeout:  parseDuration(v.GetString("mongo.timeout"), def.Mongo.Timeout),
		},
		Auth: AuthConfig{
			Adapter:       v.GetString("auth.adapter"),
			AdminUser:     v.GetString("auth.adminUser"),
			AdminPassword: v.GetString("auth.adminPassword"),
			JWTSecret:     v.GetString("auth.jwtSecret"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Path:    v.GetString("metrics.path"),
		},
	}
}

// deriveWorkerID is stable across restarts of the same host/port slot so a
// restarted worker can find its persistence index again.
func deriveWorkerID(port string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	sum := sha256.Sum256([]byte(host + port))
	return hex.EncodeToString(sum[:8])
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return compact(parts)
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
