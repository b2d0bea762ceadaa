// Package worker is the per-process core: it owns the module registry, the
// socket event router, connection admission and the reconnection grace
// timers that expire persisted sessions.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/relay"
	"github.com/Tyrowin/gocomet/internal/session"
)

// Broker is the part of the queue client the worker binds module queues to.
type Broker interface {
	Register(queue string, w queue.Worker)
	UnregisterAll(w queue.Worker)
}

// Options configures a Worker.
type Options struct {
	ID               string
	ReconnectTimeout time.Duration
	AllowedOrigins   []string
}

// Deps are the shared services a Worker routes through. Broker may be nil
// when the queue is disabled.
type Deps struct {
	KV       *kv.Store
	Relay    *relay.Relay
	Broker   Broker
	Sessions *session.Manager
	Bus      *events.Bus
}

// Worker routes socket, relay, queue and process events to modules.
type Worker struct {
	opts    Options
	deps    Deps
	origins *OriginPolicy
	log     *slog.Logger

	mu         sync.RWMutex
	modules    map[string]Module
	order      []string
	socket     map[string][]SocketHandler
	routes     []Route
	relays     []*relayListener
	queues     []*queueWorker
	conns      map[string]*session.Session
	identities map[string]map[string]*session.Session
	// holders maps a token to the connection that owns its record.
	holders map[string]string

	timersMu sync.Mutex
	timers   map[string]*graceTimer
}

type graceTimer struct {
	t   *time.Timer
	due time.Time
}

func New(opts Options, deps Deps, log *slog.Logger) *Worker {
	w := &Worker{
		opts:       opts,
		deps:       deps,
		origins:    NewOriginPolicy(opts.AllowedOrigins, log),
		log:        log,
		modules:    make(map[string]Module),
		socket:     make(map[string][]SocketHandler),
		conns:      make(map[string]*session.Session),
		identities: make(map[string]map[string]*session.Session),
		holders:    make(map[string]string),
		timers:     make(map[string]*graceTimer),
	}
	deps.Bus.On(events.UserMessage, w.onUserMessage)
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.opts.ID }

// Bus returns the process event bus.
func (w *Worker) Bus() *events.Bus { return w.deps.Bus }

// Relay returns the pub/sub relay.
func (w *Worker) Relay() *relay.Relay { return w.deps.Relay }

// SessionManager returns the session manager.
func (w *Worker) SessionManager() *session.Manager { return w.deps.Sessions }

// RegisterModule binds m's tables and initializes it.
func (w *Worker) RegisterModule(ctx context.Context, m Module) error {
	id := m.ID()
	if id == "" {
		return errs.ErrInvalidModule
	}

	w.mu.Lock()
	if _, exists := w.modules[id]; exists {
		w.mu.Unlock()
		return errs.ErrDuplicateModule.WithParams(map[string]any{"module": id})
	}
	b := m.Bindings()

	for event, h := range b.Socket {
		w.socket[event] = append(w.socket[event], w.gate(m, b, event, h))
	}
	w.routes = append(w.routes, b.Routes...)
	w.modules[id] = m
	w.order = append(w.order, id)
	w.mu.Unlock()

	for name, h := range b.Process {
		w.deps.Bus.On(name, h)
	}
	w.bindRelay(ctx, id, b.Relay)
	w.bindQueues(id, b.Queue)

	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize module %s: %w", id, err)
	}
	w.log.Info("Module registered", "module", id, "socket_events", len(b.Socket))
	return nil
}

// gate enforces the module's ACL in front of h.
func (w *Worker) gate(m Module, b Bindings, event string, h SocketHandler) SocketHandler {
	if !b.CheckACL {
		return h
	}
	grant := b.ACL[event]
	moduleID := m.ID()

	return func(ctx context.Context, req *Request) error {
		if grant != "" && req.Session.Access(moduleID, grant) {
			return h(ctx, req)
		}
		w.log.Warn("Access denied", "module", moduleID, "event", event, "conn", req.Session.ID())
		if u, ok := m.(UnauthorizedHandler); ok {
			return u.HandleUnauthorized(ctx, req)
		}
		if !req.Reply.Expected() {
			return nil
		}
		denied := errs.ErrAccessDenied.WithParams(map[string]any{"event": event})
		return req.Reply.SendCode(moduleID, denied, nil)
	}
}

// SocketHandlers returns the handlers bound to event in registration order.
func (w *Worker) SocketHandlers(event string) []SocketHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]SocketHandler(nil), w.socket[event]...)
}

// Module looks up a registered module.
func (w *Worker) Module(id string) (Module, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.modules[id]
	if !ok {
		return nil, errs.ErrModuleNotLoaded.WithParams(map[string]any{"module": id})
	}
	return m, nil
}

// Modules lists registered module ids in registration order.
func (w *Worker) Modules() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// Start arms grace timers for records this worker left behind, starts the
// relay and announces server:start.
func (w *Worker) Start(ctx context.Context) error {
	tokens, err := w.deps.Sessions.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}
	for _, token := range tokens {
		w.armTimer(token)
	}
	if len(tokens) > 0 {
		w.log.Info("Recovered pending sessions", "count", len(tokens))
	}

	w.deps.Relay.Start(ctx)
	w.deps.Bus.Emit(ctx, events.ServerStart, w.opts.ID)
	return nil
}

// Ready announces that the transport is accepting connections.
func (w *Worker) Ready(ctx context.Context) {
	w.deps.Bus.Emit(ctx, events.ServerReady, w.opts.ID)
}

// Shutdown announces server:shutdown, unbinds module listeners and stops
// grace timers. Records stay indexed so the next start re-arms them.
func (w *Worker) Shutdown(ctx context.Context) {
	w.deps.Bus.Emit(ctx, events.ServerShutdown, w.opts.ID)
	w.deps.Bus.Close()

	w.mu.RLock()
	relays := append([]*relayListener(nil), w.relays...)
	queues := append([]*queueWorker(nil), w.queues...)
	w.mu.RUnlock()

	for _, l := range relays {
		w.deps.Relay.UnregisterAll(ctx, l)
	}
	if w.deps.Broker != nil {
		for _, q := range queues {
			w.deps.Broker.UnregisterAll(q)
		}
	}

	w.timersMu.Lock()
	for token, gt := range w.timers {
		gt.t.Stop()
		delete(w.timers, token)
	}
	w.timersMu.Unlock()
}

// Handler serves module routes behind the origin policy.
func (w *Worker) Handler() http.Handler {
	w.mu.RLock()
	routes := append([]Route(nil), w.routes...)
	w.mu.RUnlock()

	mux := http.NewServeMux()
	for _, r := range routes {
		pattern := r.Path
		if r.Method != "" {
			pattern = r.Method + " " + r.Path
		}
		mux.Handle(pattern, r.Handler)
	}
	return w.origins.Wrap(mux)
}
