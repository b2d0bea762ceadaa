// Package queue is the durable work-queue client. Queues are subjects of a
// single JetStream stream, each consumed through a shared durable consumer
// so sibling workers compete for messages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/protocol"
)

// Worker handles messages of the queues it registered on. Returning an
// error from an unsettled message rejects it.
type Worker interface {
	HandleQueueMessage(ctx context.Context, msg *Message) error
}

// Options configures the broker connection.
type Options struct {
	URL           string
	Name          string
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
}

// Client owns the broker connection, the stream and the consumer pool.
type Client struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu        sync.Mutex
	nc        *nats.Conn
	js        jetstream.JetStream
	stream    bool
	consumers map[string]jetstream.Consumer
	workers   map[string][]Worker
	consuming map[string]jetstream.ConsumeContext
}

// New creates a disconnected client. Call Connect to dial the broker.
func New(opts Options, log *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		consumers: make(map[string]jetstream.Consumer),
		workers:   make(map[string][]Worker),
		consuming: make(map[string]jetstream.ConsumeContext),
	}
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx is done. Later connection losses are handled by the
// client's own reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("Queue broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("Queue broker reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.log.Info("Queue broker connection closed")
		}),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	var nc *nats.Conn
	dial := func() error {
		var err error
		nc, err = nats.Connect(c.opts.URL, opts...)
		return err
	}
	err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		c.log.Warn("Queue broker not reachable, retrying", "url", c.opts.URL, "error", err, "next", d)
	})
	if err != nil {
		return errs.ErrQueueNotConnected.WithCause(err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return errs.ErrQueueNotConnected.WithCause(err)
	}

	c.mu.Lock()
	c.nc = nc
	c.js = js
	c.mu.Unlock()
	close(c.ready)
	c.log.Info("Connected to queue broker", "url", c.opts.URL, "stream", c.opts.Stream)
	return nil
}

// Ready is closed once the broker connection is established.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return errs.ErrQueueNotConnected.WithCause(ctx.Err())
	case <-c.ctx.Done():
		return errs.ErrQueueNotConnected.WithMessage("client closed")
	}
}

func (c *Client) subject(queue string) string {
	return c.opts.SubjectPrefix + "." + queue
}

// durableName maps a queue name onto the characters JetStream accepts.
func durableName(queue string) string {
	return "q_" + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, queue)
}

// ensureStream creates the stream on first use.
func (c *Client) ensureStream(ctx context.Context) (jetstream.JetStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream {
		return c.js, nil
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.opts.Stream,
		Subjects:  []string{c.opts.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", c.opts.Stream, err)
	}
	c.stream = true
	return c.js, nil
}

// consumer returns the pooled durable consumer for queue.
func (c *Client) consumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	js, err := c.ensureStream(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cons, ok := c.consumers[queue]; ok {
		return cons, nil
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, c.opts.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: c.subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.opts.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", queue, err)
	}
	c.consumers[queue] = cons
	return cons, nil
}

// PublishEvent publishes one {e: event, ...data} message on queue.
func (c *Client) PublishEvent(ctx context.Context, queue, event string, data any) error {
	raw, err := protocol.Encode(event, data)
	if err != nil {
		return errs.ErrQueueWrongFormat.WithCause(err)
	}
	return c.publishRaw(ctx, queue, raw)
}

// Publish persists each message on queue. Messages must encode to JSON
// objects carrying an "e" field.
func (c *Client) Publish(ctx context.Context, queue string, msgs ...any) error {
	for _, msg := range msgs {
		fields, err := protocol.Fields(msg)
		if err != nil {
			return errs.ErrQueueWrongFormat.WithCause(err)
		}
		if _, ok := fields["e"]; !ok {
			return errs.ErrQueueWrongFormat.WithMessage("message has no event name")
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return errs.ErrQueueWrongFormat.WithCause(err)
		}
		if err := c.publishRaw(ctx, queue, raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) publishRaw(ctx context.Context, queue string, raw []byte) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	js, err := c.ensureStream(ctx)
	if err != nil {
		return errs.ErrQueuePublishFailed.WithCause(err)
	}
	if _, err := js.Publish(ctx, c.subject(queue), raw); err != nil {
		return errs.ErrQueuePublishFailed.WithMessage(queue).WithCause(err)
	}
	metrics.QueuePublished.WithLabelValues(queue).Inc()
	return nil
}

// Register adds w to queue. The first worker starts consumption.
func (c *Client) Register(queue string, w Worker) {
	c.mu.Lock()
	current := c.workers[queue]
	if slices.Contains(current, w) {
		c.mu.Unlock()
		return
	}
	c.workers[queue] = append(current, w)
	first := len(current) == 0
	c.mu.Unlock()

	if first {
		go c.startConsuming(queue)
	}
}

func (c *Client) startConsuming(queue string) {
	if err := c.waitReady(c.ctx); err != nil {
		return
	}
	cons, err := c.consumer(c.ctx, queue)
	if err != nil {
		c.log.Error("Queue consumer setup failed", "queue", queue, "error", err)
		return
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.dispatch(queue, jsDelivery{msg: msg})
	})
	if err != nil {
		c.log.Error("Queue subscribe failed", "queue", queue, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.workers[queue]) == 0 || c.consuming[queue] != nil {
		cc.Stop()
		return
	}
	c.consuming[queue] = cc
	c.log.Info("Consuming queue", "queue", queue, "subject", c.subject(queue))
}

// Unregister removes w from queue. The last worker stops consumption.
func (c *Client) Unregister(queue string, w Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregisterLocked(queue, w)
}

// UnregisterAll removes w from every queue.
func (c *Client) UnregisterAll(w Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for queue := range c.workers {
		c.unregisterLocked(queue, w)
	}
}

func (c *Client) unregisterLocked(queue string, w Worker) {
	current := c.workers[queue]
	idx := slices.Index(current, w)
	if idx < 0 {
		return
	}
	current = slices.Delete(slices.Clone(current), idx, idx+1)
	if len(current) > 0 {
		c.workers[queue] = current
		return
	}
	delete(c.workers, queue)
	if cc, ok := c.consuming[queue]; ok {
		cc.Stop()
		delete(c.consuming, queue)
	}
}

// Registered reports whether any worker listens on queue.
func (c *Client) Registered(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers[queue]) > 0
}

func (c *Client) dispatch(queue string, d delivery) {
	env, err := protocol.Decode(d.Data())
	if err != nil {
		c.log.Warn("Removing malformed queue message", "queue", queue,
			"error", errs.ErrQueueWrongFormat.WithCause(err))
		_ = d.Term()
		metrics.QueueSettled.WithLabelValues(queue, OutcomeRemoved).Inc()
		return
	}

	c.mu.Lock()
	workers := slices.Clone(c.workers[queue])
	c.mu.Unlock()

	msg := newMessage(queue, env, d)
	if len(workers) == 0 {
		_ = msg.Repeat()
		metrics.QueueSettled.WithLabelValues(queue, msg.Outcome()).Inc()
		return
	}

	var failure error
	for _, w := range workers {
		if err := c.invoke(w, msg); err != nil && failure == nil {
			failure = err
		}
	}

	if msg.Outcome() == "" {
		var err error
		if failure != nil {
			c.log.Warn("Queue handler failed", "queue", queue, "event", msg.Event, "error", failure)
			err = msg.Reject(false)
		} else {
			err = msg.Resolve()
		}
		if err != nil && err != ErrAlreadySettled {
			c.log.Error("Queue settle failed", "queue", queue, "event", msg.Event, "error", err)
		}
	}
	metrics.QueueSettled.WithLabelValues(queue, msg.Outcome()).Inc()
}

func (c *Client) invoke(w Worker, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue worker panic: %v", r)
			c.log.Error("Queue worker panicked", "queue", msg.Queue, "event", msg.Event,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	return w.HandleQueueMessage(c.ctx, msg)
}

// Close stops every consumer and drains the connection.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	for queue, cc := range c.consuming {
		cc.Stop()
		delete(c.consuming, queue)
	}
	nc := c.nc
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	return nc.Drain()
}
