// Package relay fans events out to sibling workers over Redis pub/sub.
//
// Each published message carries the publishing worker's id. A worker drops
// its own messages on receipt unless they were sent with NotifyAll, so the
// default publish reaches only the other workers.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/protocol"
)

const (
	fieldEvent        = "e"
	fieldWorker       = "wid"
	fieldSelfDispatch = "selfDispatch"
)

// Listener receives relay events for the channels it registered on.
// Implementations must be comparable (pointer types).
type Listener interface {
	OnRelayEvent(ctx context.Context, channel, event string, payload protocol.Payload)
}

// Relay is one worker's view of the shared pub/sub bus.
type Relay struct {
	rdb      redis.UniversalClient
	workerID string
	log      *slog.Logger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	listeners map[string][]Listener

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a relay publishing as workerID.
func New(rdb redis.UniversalClient, workerID string, log *slog.Logger) *Relay {
	return &Relay{
		rdb:       rdb,
		workerID:  workerID,
		log:       log,
		listeners: make(map[string][]Listener),
		done:      make(chan struct{}),
	}
}

// WorkerID returns the id stamped on published messages.
func (r *Relay) WorkerID() string {
	return r.workerID
}

// Start opens the subscriber connection and begins dispatching.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return
	}
	channels := make([]string, 0, len(r.listeners))
	for ch := range r.listeners {
		channels = append(channels, ch)
	}
	r.pubsub = r.rdb.Subscribe(ctx, channels...)
	ps := r.pubsub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, ps.Channel())
	}()
	r.log.Info("Relay started", "worker", r.workerID, "channels", len(channels))
}

func (r *Relay) loop(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.onMessage(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close stops dispatching and closes the subscriber connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	select {
	case <-r.done:
	default:
		close(r.done)
	}
	var err error
	if ps != nil {
		err = ps.Close()
	}
	r.wg.Wait()
	return err
}

// Register adds l to channel. The first listener subscribes the worker.
func (r *Relay) Register(ctx context.Context, channel string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.listeners[channel]
	if slices.Contains(current, l) {
		return
	}
	r.listeners[channel] = append(current, l)
	if len(current) == 0 && r.pubsub != nil {
		if err := r.pubsub.Subscribe(ctx, channel); err != nil {
			r.log.Error("Relay subscribe failed", "channel", channel, "error", err)
		}
	}
}

// Unregister removes l from channel. The last listener unsubscribes.
func (r *Relay) Unregister(ctx context.Context, channel string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(ctx, channel, l)
}

// UnregisterAll removes l from every channel.
func (r *Relay) UnregisterAll(ctx context.Context, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.listeners {
		r.unregisterLocked(ctx, channel, l)
	}
}

func (r *Relay) unregisterLocked(ctx context.Context, channel string, l Listener) {
	current := r.listeners[channel]
	idx := slices.Index(current, l)
	if idx < 0 {
		return
	}
	current = slices.Delete(slices.Clone(current), idx, idx+1)
	if len(current) > 0 {
		r.listeners[channel] = current
		return
	}
	delete(r.listeners, channel)
	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(ctx, channel); err != nil {
			r.log.Error("Relay unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// Subscribed reports whether the worker currently listens on channel.
func (r *Relay) Subscribed(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[channel]) > 0
}

// NotifyOthers publishes event to every other worker listening on channel.
func (r *Relay) NotifyOthers(ctx context.Context, channel, event string, data any) {
	r.publish(ctx, channel, event, data, false)
}

// NotifyAll publishes event to every worker on channel, this one included.
func (r *Relay) NotifyAll(ctx context.Context, channel, event string, data any) {
	r.publish(ctx, channel, event, data, true)
}

func (r *Relay) publish(ctx context.Context, channel, event string, data any, self bool) {
	raw, err := r.encode(event, data, self)
	if err != nil {
		r.log.Error("Relay payload rejected", "channel", channel, "event", event,
			"error", errs.ErrWrongFormat.WithCause(err))
		return
	}
	if err := r.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		r.log.Error("Relay publish failed", "channel", channel, "event", event,
			"error", errs.ErrPublishFailed.WithCause(err))
		return
	}
	metrics.RelayPublished.Inc()
}

func (r *Relay) encode(event string, data any, self bool) ([]byte, error) {
	fields, err := protocol.Fields(data)
	if err != nil {
		return nil, err
	}
	for key, value := range map[string]any{fieldEvent: event, fieldWorker: r.workerID} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[key] = raw
	}
	if self {
		fields[fieldSelfDispatch] = json.RawMessage("true")
	} else {
		delete(fields, fieldSelfDispatch)
	}
	return json.Marshal(fields)
}

type envelope struct {
	event        string
	workerID     string
	selfDispatch bool
	payload      protocol.Payload
}

func decode(raw []byte) (*envelope, error) {
	fields, err := protocol.ParseObject(raw)
	if err != nil {
		return nil, err
	}
	env := &envelope{}
	if err := unmarshalField(fields, fieldEvent, &env.event); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, fieldWorker, &env.workerID); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, fieldSelfDispatch, &env.selfDispatch); err != nil {
		return nil, err
	}
	if env.event == "" || env.workerID == "" {
		return nil, errs.ErrWrongFormat.WithMessage("missing event or worker id")
	}
	delete(fields, fieldEvent)
	delete(fields, fieldWorker)
	delete(fields, fieldSelfDispatch)
	env.payload = fields
	return env, nil
}

func unmarshalField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (r *Relay) onMessage(ctx context.Context, channel string, raw []byte) {
	env, err := decode(raw)
	if err != nil {
		metrics.RelayDropped.WithLabelValues("malformed").Inc()
		r.log.Warn("Dropping malformed relay message", "channel", channel,
			"error", errs.ErrWrongFormat.WithCause(err))
		return
	}
	if env.workerID == r.workerID && !env.selfDispatch {
		metrics.RelayDropped.WithLabelValues("self").Inc()
		return
	}

	r.mu.Lock()
	listeners := slices.Clone(r.listeners[channel])
	r.mu.Unlock()

	metrics.RelayReceived.Inc()
	for _, l := range listeners {
		r.deliver(ctx, l, channel, env)
	}
}

// deliver isolates listeners so a panic reaches only the one that raised it.
func (r *Relay) deliver(ctx context.Context, l Listener, channel string, env *envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Relay listener panicked", "channel", channel, "event", env.event,
				"error", errs.ErrWrongFormat.WithMessage("listener panic"), "panic", p, "stack", string(debug.Stack()))
		}
	}()
	l.OnRelayEvent(ctx, channel, env.event, env.payload)
}
