package queue

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Tyrowin/gocomet/internal/protocol"
)

var ErrAlreadySettled = errors.New("queue message already settled")

// Settlement outcomes, also used as metric labels.
const (
	OutcomeResolved = "resolved"
	OutcomeRequeued = "requeued"
	OutcomeRemoved  = "removed"
)

// delivery is the broker-side handle of one message.
type delivery interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	Redelivered() bool
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d jsDelivery) Data() []byte { return d.msg.Data() }
func (d jsDelivery) Ack() error { return d.msg.Ack() }
func (d jsDelivery) Nak() error { return d.msg.Nak() }
func (d jsDelivery) Term() error { return d.msg.Term() }

func (d jsDelivery) Redelivered() bool {
	md, err := d.msg.Metadata()
	return err == nil && md.NumDelivered > 1
}

// Message is one delivery handed to registered workers. The first of
// Resolve, Reject or Repeat settles it; later calls return ErrAlreadySettled.
type Message struct {
	Queue   string
	Event   string
	Payload protocol.Payload

	d       delivery
	mu      sync.Mutex
	outcome string
}

func newMessage(queue string, env *protocol.Envelope, d delivery) *Message {
	return &Message{Queue: queue, Event: env.Event, Payload: env.Payload, d: d}
}

// Redelivered reports whether the broker delivered this message before.
func (m *Message) Redelivered() bool {
	return m.d.Redelivered()
}

// Resolve acknowledges the message.
func (m *Message) Resolve() error {
	return m.settle(OutcomeResolved, m.d.Ack)
}

// Reject negatively acknowledges the message. A redelivered message is
// always removed so it is attempted at most twice.
func (m *Message) Reject(remove bool) error {
	if remove || m.d.Redelivered() {
		return m.settle(OutcomeRemoved, m.d.Term)
	}
	return m.settle(OutcomeRequeued, m.d.Nak)
}

// Repeat requeues the message for another attempt.
func (m *Message) Repeat() error {
	return m.settle(OutcomeRequeued, m.d.Nak)
}

// Outcome returns how the message was settled, or "".
func (m *Message) Outcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

func (m *Message) settle(outcome string, op func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcome != "" {
		return ErrAlreadySettled
	}
	m.outcome = outcome
	return op()
}
