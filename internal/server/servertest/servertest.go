// Package servertest runs a complete worker behind an httptest server for
// module tests.
package servertest

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gocomet/internal/auth"
	"github.com/Tyrowin/gocomet/internal/config"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/kv/kvtest"
	"github.com/Tyrowin/gocomet/internal/logger"
	"github.com/Tyrowin/gocomet/internal/relay"
	"github.com/Tyrowin/gocomet/internal/server"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
	"github.com/Tyrowin/gocomet/test/testhelpers"
)

// Timeout bounds every wait in module tests.
const Timeout = 2 * time.Second

// Env is a running worker.
type Env struct {
	URL    string
	Store  *kv.Store
	Redis  *miniredis.Miniredis
	Worker *worker.Worker
	Server *server.Server
}

// ModuleFactory builds modules once the worker exists.
type ModuleFactory func(w *worker.Worker, store *kv.Store) []worker.Module

// New starts a worker with the registry authorizer and anonymous access.
func New(t *testing.T, modules ModuleFactory) *Env {
	t.Helper()
	store, mr := kvtest.New(t)
	log := logger.Discard()
	ctx := context.Background()

	rl := relay.New(store.Client(), "w1", log)
	mgr := session.NewManager(session.Options{
		WorkerID:       "w1",
		Secret:         "test",
		AllowAnonymous: true,
		OnlineTTL:      time.Minute,
		OnlineRefresh:  time.Hour,
	}, store, rl, auth.NewRegistry(store), log)
	w := worker.New(worker.Options{ID: "w1", ReconnectTimeout: time.Hour},
		worker.Deps{KV: store, Relay: rl, Sessions: mgr, Bus: events.NewBus(log)}, log)

	if modules != nil {
		for _, m := range modules(w, store) {
			if err := w.RegisterModule(ctx, m); err != nil {
				t.Fatalf("RegisterModule(%s): %v", m.ID(), err)
			}
		}
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := server.New(server.Options{
		RateLimit: config.RateLimitConfig{Burst: 100, RefillInterval: time.Second},
	}, w, log)
	srv.StartHub()
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(time.Second)
		w.Shutdown(context.Background())
		_ = rl.Close()
	})
	return &Env{URL: ts.URL, Store: store, Redis: mr, Worker: w, Server: srv}
}

// Dial connects as uid with secret, or anonymously when uid is empty, and
// waits for the ready frame.
func (e *Env) Dial(t *testing.T, uid, secret string) *websocket.Conn {
	t.Helper()
	query := url.Values{}
	if uid != "" {
		query.Set("t_uid", uid)
		query.Set("t_sid", secret)
	}
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(e.URL, query), "")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	testhelpers.ExpectEvent(t, conn, "ready", Timeout)
	return conn
}

// Call sends event with query id q and returns the correlated reply.
func Call(t *testing.T, conn *websocket.Conn, event string, q int, fields map[string]any) testhelpers.Frame {
	t.Helper()
	if err := testhelpers.SendEvent(conn, event, q, fields); err != nil {
		t.Fatalf("SendEvent(%s): %v", event, err)
	}
	for {
		reply := testhelpers.ExpectEvent(t, conn, "qres", Timeout)
		if reply["q"] == float64(q) {
			return reply
		}
	}
}
