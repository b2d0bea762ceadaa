package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/session"
)

// relayListener routes one module's events on one channel.
type relayListener struct {
	module   string
	handlers map[string]RelayHandler
	log      *slog.Logger
}

func (l *relayListener) OnRelayEvent(ctx context.Context, channel, event string, payload protocol.Payload) {
	h, ok := l.handlers[event]
	if !ok {
		l.log.Debug("No relay handler", "module", l.module, "channel", channel, "event", event)
		return
	}
	if err := h(ctx, channel, payload); err != nil {
		l.log.Error("Relay handler failed", "module", l.module, "channel", channel, "event", event, "error", err)
	}
}

func (w *Worker) bindRelay(ctx context.Context, module string, channels map[string]map[string]RelayHandler) {
	for channel, handlers := range channels {
		l := &relayListener{module: module, handlers: handlers, log: w.log}
		w.mu.Lock()
		w.relays = append(w.relays, l)
		w.mu.Unlock()
		w.deps.Relay.Register(ctx, channel, l)
	}
}

// queueWorker routes one module's events on one queue.
type queueWorker struct {
	module   string
	handlers map[string]QueueHandler
	log      *slog.Logger
}

func (q *queueWorker) HandleQueueMessage(ctx context.Context, msg *queue.Message) error {
	h, ok := q.handlers[msg.Event]
	if !ok {
		q.log.Warn("No queue handler, acknowledging", "module", q.module, "queue", msg.Queue, "event", msg.Event)
		return nil
	}
	return h(ctx, msg)
}

func (w *Worker) bindQueues(module string, queues map[string]map[string]QueueHandler) {
	if len(queues) == 0 {
		return
	}
	if w.deps.Broker == nil {
		w.log.Warn("Queue disabled, module queue bindings ignored", "module", module)
		return
	}
	for name, handlers := range queues {
		q := &queueWorker{module: module, handlers: handlers, log: w.log}
		w.mu.Lock()
		w.queues = append(w.queues, q)
		w.mu.Unlock()
		w.deps.Broker.Register(name, q)
	}
}

// RouteIdentityMessage sends event to every local session of each identity
// and, when relay is set, to their sessions on other workers.
func (w *Worker) RouteIdentityMessage(ctx context.Context, identityIDs []string, event string, data any, relay bool) {
	for _, id := range identityIDs {
		for _, s := range w.Sessions(id) {
			if err := s.Send(event, data); err != nil {
				w.log.Debug("Identity message not delivered", "identity", id, "conn", s.ID(), "error", err)
			}
		}
		if relay {
			w.deps.Relay.NotifyOthers(ctx, session.IdentityChannel(id), event, data)
		}
	}
}

func (w *Worker) onUserMessage(ctx context.Context, ev events.Event) error {
	msg, ok := ev.Payload.(events.UserMessagePayload)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", events.UserMessage, ev.Payload)
	}
	w.RouteIdentityMessage(ctx, msg.IdentityIDs, msg.Event, msg.Data, msg.Relay)
	return nil
}

// Broadcast sends event to every local connection.
func (w *Worker) Broadcast(event string, data any) int {
	w.mu.RLock()
	conns := make([]*session.Session, 0, len(w.conns))
	for _, s := range w.conns {
		conns = append(conns, s)
	}
	w.mu.RUnlock()

	sent := 0
	for _, s := range conns {
		if err := s.Send(event, data); err == nil {
			sent++
		}
	}
	return sent
}
