package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gocomet/internal/logger"
)

type fakeDelivery struct {
	mu          sync.Mutex
	data        []byte
	redelivered bool
	acks        int
	naks        int
	terms       int
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return nil
}

func (d *fakeDelivery) Nak() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.naks++
	return nil
}

func (d *fakeDelivery) Term() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terms++
	return nil
}

// fakeBroker redelivers nak'ed messages the way the real broker does and
// counts how many times the payload was handed out.
type fakeBroker struct {
	client   *Client
	attempts int
}

func (b *fakeBroker) deliver(queue string, data []byte) {
	redelivered := false
	for {
		b.attempts++
		d := &fakeDelivery{data: data, redelivered: redelivered}
		b.client.dispatch(queue, d)
		if d.naks == 0 {
			return
		}
		redelivered = true
	}
}

type funcWorker struct {
	fn func(msg *Message) error
}

func (w *funcWorker) HandleQueueMessage(_ context.Context, msg *Message) error {
	return w.fn(msg)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(Options{Stream: "TEST", SubjectPrefix: "queue"}, logger.Discard())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestResolveAcknowledges(t *testing.T) {
	d := &fakeDelivery{}
	msg := &Message{d: d}

	require.NoError(t, msg.Resolve())
	assert.ErrorIs(t, msg.Repeat(), ErrAlreadySettled)
	assert.Equal(t, 1, d.acks)
	assert.Equal(t, 0, d.naks)
	assert.Equal(t, OutcomeResolved, msg.Outcome())
}

func TestRejectForcesRemovalOfRedeliveredMessages(t *testing.T) {
	fresh := &fakeDelivery{}
	require.NoError(t, (&Message{d: fresh}).Reject(false))
	assert.Equal(t, 1, fresh.naks)
	assert.Equal(t, 0, fresh.terms)

	again := &fakeDelivery{redelivered: true}
	require.NoError(t, (&Message{d: again}).Reject(false))
	assert.Equal(t, 0, again.naks)
	assert.Equal(t, 1, again.terms)

	explicit := &fakeDelivery{}
	require.NoError(t, (&Message{d: explicit}).Reject(true))
	assert.Equal(t, 1, explicit.terms)
}

// TestRejectedMessageIsAttemptedAtMostTwice drives a message that is always
// rejected through the simulated broker.
func TestRejectedMessageIsAttemptedAtMostTwice(t *testing.T) {
	c := newTestClient(t)
	c.Register("jobs", &funcWorker{fn: func(msg *Message) error {
		return msg.Reject(false)
	}})

	broker := &fakeBroker{client: c}
	broker.deliver("jobs", []byte(`{"e":"job:run"}`))

	assert.Equal(t, 2, broker.attempts)
}

func TestHandlerErrorRejectsUnsettledMessage(t *testing.T) {
	c := newTestClient(t)
	c.Register("jobs", &funcWorker{fn: func(*Message) error {
		return errors.New("temporary failure")
	}})

	broker := &fakeBroker{client: c}
	broker.deliver("jobs", []byte(`{"e":"job:run"}`))

	assert.Equal(t, 2, broker.attempts, "failed once, retried once, then removed")
}

func TestRepeatRequeuesUntilResolved(t *testing.T) {
	c := newTestClient(t)
	calls := 0
	c.Register("jobs", &funcWorker{fn: func(msg *Message) error {
		calls++
		if calls < 3 {
			return msg.Repeat()
		}
		return msg.Resolve()
	}})

	broker := &fakeBroker{client: c}
	broker.deliver("jobs", []byte(`{"e":"job:run"}`))
	assert.Equal(t, 3, broker.attempts)
}

func TestDispatchFansOutToAllWorkers(t *testing.T) {
	c := newTestClient(t)
	var seen []string
	for _, name := range []string{"a", "b"} {
		name := name
		c.Register("notifications", &funcWorker{fn: func(msg *Message) error {
			seen = append(seen, name+":"+msg.Event+":"+msg.Payload.String("uid"))
			return nil
		}})
	}

	d := &fakeDelivery{data: []byte(`{"e":"user:notify","uid":"alice"}`)}
	c.dispatch("notifications", d)

	assert.Equal(t, []string{"a:user:notify:alice", "b:user:notify:alice"}, seen)
	assert.Equal(t, 1, d.acks, "unsettled message is resolved after fan-out")
}

func TestDispatchRemovesMalformedMessages(t *testing.T) {
	c := newTestClient(t)
	c.Register("jobs", &funcWorker{fn: func(*Message) error {
		t.Error("worker must not see malformed payloads")
		return nil
	}})

	d := &fakeDelivery{data: []byte(`{"no":"event"}`)}
	c.dispatch("jobs", d)
	assert.Equal(t, 1, d.terms)
}

func TestDispatchRecoversWorkerPanics(t *testing.T) {
	c := newTestClient(t)
	c.Register("jobs", &funcWorker{fn: func(*Message) error {
		panic("bad worker")
	}})

	d := &fakeDelivery{data: []byte(`{"e":"job:run"}`)}
	c.dispatch("jobs", d)
	assert.Equal(t, 1, d.naks)
}

func TestRegisterBookkeeping(t *testing.T) {
	c := newTestClient(t)
	w1 := &funcWorker{fn: func(*Message) error { return nil }}
	w2 := &funcWorker{fn: func(*Message) error { return nil }}

	c.Register("a", w1)
	c.Register("a", w1)
	c.Register("a", w2)
	c.Register("b", w1)
	assert.Len(t, c.workers["a"], 2)

	c.Unregister("a", w2)
	assert.True(t, c.Registered("a"))

	c.UnregisterAll(w1)
	assert.False(t, c.Registered("a"))
	assert.False(t, c.Registered("b"))

	d := &fakeDelivery{data: []byte(`{"e":"job:run"}`)}
	c.dispatch("a", d)
	assert.Equal(t, 1, d.naks, "messages without workers go back to the broker")
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "q_mail_send", durableName("mail.send"))
	assert.Equal(t, "q_user:notify", durableName("user:notify"))
}

func TestPublishRequiresEventName(t *testing.T) {
	c := newTestClient(t)
	err := c.Publish(context.Background(), "jobs", map[string]string{"uid": "alice"})
	assert.Error(t, err)
}
