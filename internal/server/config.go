package server

import (
	"time"

	"github.com/Tyrowin/gocomet/internal/config"
)

// Options holds the transport settings of a Server.
type Options struct {
	Addr           string
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
	// PongWait is how long a silent connection is kept open.
	PongWait            time.Duration
	HaltOnHandlerErrors bool
	// MetricsPath mounts the Prometheus handler when not empty.
	MetricsPath string
}

// OptionsFrom derives transport options from the worker configuration.
func OptionsFrom(cfg *config.Config) Options {
	opts := Options{
		Addr:                cfg.Server.Port,
		MaxMessageSize:      cfg.Server.MaxMessageSize,
		RateLimit:           cfg.Server.RateLimit,
		PongWait:            cfg.Server.SocketTimeout,
		HaltOnHandlerErrors: cfg.App.HaltOnHandlerErrors,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	return sanitizeOptions(opts)
}

func sanitizeOptions(opts Options) Options {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}

	if opts.RateLimit.Burst <= 0 {
		opts.RateLimit.Burst = 20
	}

	if opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit.RefillInterval = time.Second
	}

	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}

	return opts
}

// pingPeriod must stay below the pong wait so a healthy peer never times out.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}
