// Package events is the in-process event bus shared by the worker and its
// modules. Handlers run synchronously in subscription order.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Process event names emitted by the worker.
const (
	ServerStart      = "server:start"
	ServerReady      = "server:ready"
	ServerShutdown   = "server:shutdown"
	UserConnected    = "user:connected"
	UserReconnected  = "user:reconnected"
	UserDisconnected = "user:disconnected"
	UserMessage      = "user:message"
)

// Event is one emission on the bus.
type Event struct {
	Name    string
	Payload any
}

// Handler reacts to an event. Returned errors are logged.
type Handler func(ctx context.Context, ev Event) error

// UserMessagePayload asks the worker to deliver an event to identities.
type UserMessagePayload struct {
	IdentityIDs []string
	Event       string
	Data        any
	Relay       bool
}

// Bus is a named-event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	log      *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{handlers: make(map[string][]Handler), log: log}
}

// On subscribes h to name.
func (b *Bus) On(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit runs every handler for name in order. A failing handler does not
// stop the rest.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.log.Debug("Event emitted after bus closed", "event", name)
		return
	}
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range handlers {
		if err := b.call(ctx, h, ev); err != nil {
			b.log.Error("Event handler failed", "event", name, "error", err)
		}
	}
}

func (b *Bus) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ev)
}

// Close drops further emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Spawn runs fn in its own goroutine and logs a returned error or panic.
func Spawn(log *slog.Logger, name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := fn(); err != nil {
			log.Error("Task failed", "task", name, "error", err)
		}
	}()
}
