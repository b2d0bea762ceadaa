package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gocomet/internal/auth"
	"github.com/Tyrowin/gocomet/internal/config"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/logger"
	"github.com/Tyrowin/gocomet/internal/modules/chat"
	"github.com/Tyrowin/gocomet/internal/modules/debug"
	"github.com/Tyrowin/gocomet/internal/modules/misc"
	"github.com/Tyrowin/gocomet/internal/profile"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/relay"
	"github.com/Tyrowin/gocomet/internal/server"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
)

// backends are the external connections of one worker process.
type backends struct {
	store    *kv.Store
	queue    *queue.Client
	profiles *profile.Store
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		store, err := kv.Connect(gctx, kv.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger.Component(log, "redis"))
		b.store = store
		return err
	})
	if cfg.Queue.Enabled {
		g.Go(func() error {
			qc := queue.New(queue.Options{
				URL:           cfg.Queue.URL,
				Name:          "gocomet-" + cfg.App.WorkerID,
				Stream:        cfg.Queue.Stream,
				SubjectPrefix: cfg.Queue.SubjectPrefix,
				AckWait:       cfg.Queue.AckWait,
			}, logger.Component(log, "queue"))
			if err := qc.Connect(gctx); err != nil {
				return err
			}
			b.queue = qc
			return nil
		})
	}
	if cfg.Mongo.Enabled {
		g.Go(func() error {
			ps, err := profile.Connect(gctx, profile.Options{
				URI:      cfg.Mongo.URI,
				Database: cfg.Mongo.Database,
				AppName:  "gocomet-" + cfg.App.WorkerID,
				Timeout:  cfg.Mongo.Timeout,
			}, logger.Component(log, "profile"))
			b.profiles = ps
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		b.close(context.Background(), log)
		return nil, err
	}
	return b, nil
}

func (b *backends) close(ctx context.Context, log *slog.Logger) {
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			log.Error("Failed to close queue client", "error", err)
		}
	}
	if b.profiles != nil {
		if err := b.profiles.Close(ctx); err != nil {
			log.Error("Failed to close database", "error", err)
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			log.Error("Failed to close redis", "error", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Log.Level)
	log.Info("Starting gocomet worker", "worker", cfg.App.WorkerID, "env", cfg.App.Environment, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, log)
	if err != nil {
		logger.Fatal(log, "Failed to connect backends", "error", err)
	}
	if cfg.App.FlushDB && cfg.IsDevelopment() {
		log.Warn("Flushing redis")
		if err := b.store.FlushAll(ctx); err != nil {
			logger.Fatal(log, "Failed to flush redis", "error", err)
		}
	}

	var profiles auth.ProfileFinder
	if b.profiles != nil {
		profiles = b.profiles
	}
	authorizer, err := auth.New(cfg.Auth, b.store, profiles)
	if err != nil {
		logger.Fatal(log, "Failed to set up authorization", "error", err)
	}

	rl := relay.New(b.store.Client(), cfg.App.WorkerID, logger.Component(log, "relay"))
	sessions := session.NewManager(session.Options{
		WorkerID:       cfg.App.WorkerID,
		Secret:         cfg.App.Secret,
		AllowAnonymous: cfg.App.AllowAnonymous,
		OnlineTTL:      cfg.App.OnlineStatusTTL,
		OnlineRefresh:  cfg.App.OnlineStatusRefresh,
	}, b.store, rl, authorizer, logger.Component(log, "session"))

	deps := worker.Deps{
		KV:       b.store,
		Relay:    rl,
		Sessions: sessions,
		Bus:      events.NewBus(logger.Component(log, "events")),
	}
	miscDeps := misc.Deps{Online: sessions, Relay: rl}
	if b.queue != nil {
		deps.Broker = b.queue
		miscDeps.Queue = b.queue
	}
	w := worker.New(worker.Options{
		ID:               cfg.App.WorkerID,
		ReconnectTimeout: cfg.App.ReconnectTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, deps, logger.Component(log, "worker"))
	miscDeps.Worker = w

	modules := []worker.Module{
		chat.New(w, b.store, logger.Component(log, chat.ID)),
		misc.New(miscDeps, logger.Component(log, misc.ID)),
	}
	if cfg.IsDevelopment() {
		modules = append(modules, debug.New(debug.Info{
			WorkerID:    cfg.App.WorkerID,
			Environment: cfg.App.Environment,
			Port:        cfg.Server.Port,
		}, logger.Component(log, debug.ID)))
	}
	for _, m := range modules {
		if err := w.RegisterModule(ctx, m); err != nil {
			logger.Fatal(log, "Failed to register module", "module", m.ID(), "error", err)
		}
	}
	if err := w.Start(ctx); err != nil {
		logger.Fatal(log, "Failed to start worker", "error", err)
	}

	srv := server.New(server.OptionsFrom(cfg), w, logger.Component(log, "server"))
	srv.StartHub()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	w.Ready(ctx)
	log.Info("Worker ready", "worker", w.ID(), "modules", w.Modules())

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}
	w.Shutdown(shutdownCtx)
	if err := rl.Close(); err != nil {
		log.Error("Failed to close relay", "error", err)
	}
	b.close(shutdownCtx, log)
	log.Info("Worker stopped")
}
