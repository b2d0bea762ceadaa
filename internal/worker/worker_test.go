package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/kv/kvtest"
	"github.com/Tyrowin/gocomet/internal/logger"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/relay"
	"github.com/Tyrowin/gocomet/internal/session"
)

type frame struct {
	event string
	body  map[string]any
}

type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{event: event, body: body})
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.event
	}
	return out
}

func (r *recorder) last() frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

type passwords map[string]string

func (p passwords) Authorize(_ context.Context, id, secret string) (bool, error) {
	return p[id] == secret, nil
}

type fakeModule struct {
	id       string
	bindings Bindings
	initErr  error
	inits    int
}

func (m *fakeModule) ID() string         { return m.id }
func (m *fakeModule) Bindings() Bindings { return m.bindings }
func (m *fakeModule) Initialize(context.Context) error {
	m.inits++
	return m.initErr
}

type fixture struct {
	w     *Worker
	store *kv.Store
	mgr   *session.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, _ := kvtest.New(t)
	if opts.ID == "" {
		opts.ID = "w1"
	}
	if opts.ReconnectTimeout == 0 {
		opts.ReconnectTimeout = time.Hour
	}
	log := logger.Discard()
	rl := relay.New(store.Client(), opts.ID, log)
	t.Cleanup(func() { _ = rl.Close() })
	mgr := session.NewManager(session.Options{
		WorkerID:       opts.ID,
		Secret:         "secret",
		AllowAnonymous: true,
		OnlineTTL:      time.Minute,
		OnlineRefresh:  time.Hour,
	}, store, rl, passwords{"alice": "pw"}, log)

	w := New(opts, Deps{KV: store, Relay: rl, Sessions: mgr, Bus: events.NewBus(log)}, log)
	t.Cleanup(func() { w.Shutdown(context.Background()) })
	return &fixture{w: w, store: store, mgr: mgr}
}

func (f *fixture) admit(t *testing.T, connID string, claims session.Claims) (*session.Session, *recorder) {
	t.Helper()
	conn := &recorder{}
	s, err := f.w.Admit(context.Background(), session.Params{ConnID: connID, IP: "10.0.0.1", Claims: claims, Conn: conn})
	require.NoError(t, err)
	return s, conn
}

func TestRegisterModuleValidatesIDs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	err := f.w.RegisterModule(ctx, &fakeModule{})
	assert.ErrorIs(t, err, errs.ErrInvalidModule)

	m := &fakeModule{id: "chat"}
	require.NoError(t, f.w.RegisterModule(ctx, m))
	assert.Equal(t, 1, m.inits)

	err = f.w.RegisterModule(ctx, &fakeModule{id: "chat"})
	assert.ErrorIs(t, err, errs.ErrDuplicateModule)

	got, err := f.w.Module("chat")
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = f.w.Module("missing")
	assert.ErrorIs(t, err, errs.ErrModuleNotLoaded)
	assert.Equal(t, []string{"chat"}, f.w.Modules())
}

func TestRegisterModuleReportsInitFailure(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.w.RegisterModule(context.Background(), &fakeModule{id: "bad", initErr: errors.New("boom")})
	assert.ErrorContains(t, err, "boom")
}

func TestSocketHandlersKeepRegistrationOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var calls []string
	for _, id := range []string{"a", "b"} {
		id := id
		require.NoError(t, f.w.RegisterModule(ctx, &fakeModule{id: id, bindings: Bindings{
			Socket: map[string]SocketHandler{"ping": func(context.Context, *Request) error {
				calls = append(calls, id)
				return nil
			}},
		}}))
	}

	handlers := f.w.SocketHandlers("ping")
	require.Len(t, handlers, 2)
	for _, h := range handlers {
		require.NoError(t, h(ctx, &Request{}))
	}
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Empty(t, f.w.SocketHandlers("unknown"))
}

func TestACLGateDeniesMissingGrant(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	called := 0
	require.NoError(t, f.w.RegisterModule(ctx, &fakeModule{id: "vault", bindings: Bindings{
		Socket: map[string]SocketHandler{
			"open": func(_ context.Context, req *Request) error {
				called++
				return req.Reply.Send(nil, "ok")
			},
		},
		ACL:      map[string]string{"open": "registered"},
		CheckACL: true,
	}}))

	s, conn := f.admit(t, "c1", session.Claims{})
	h := f.w.SocketHandlers("open")[0]

	reply := protocol.NewReply(conn, json.RawMessage("1"), 1, logger.Discard())
	require.NoError(t, h(ctx, &Request{Event: "open", Session: s, Reply: reply}))
	assert.Zero(t, called)
	denied := conn.last()
	assert.Equal(t, protocol.EventReply, denied.event)
	assert.Equal(t, false, denied.body["success"])
	assert.Equal(t, "AccessDenied", denied.body["errcode"])

	s.SetAccess("vault", "registered", true)
	reply = protocol.NewReply(conn, json.RawMessage("2"), 1, logger.Discard())
	require.NoError(t, h(ctx, &Request{Event: "open", Session: s, Reply: reply}))
	assert.Equal(t, 1, called)
	assert.Equal(t, true, conn.last().body["success"])
}

func TestAdmitRejectsBlacklistedAddress(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.SAdd(ctx, kv.Blacklist, "6.6.6.6"))

	_, err := f.w.Admit(ctx, session.Params{ConnID: "c1", IP: "6.6.6.6", Conn: &recorder{}})
	assert.ErrorIs(t, err, errs.ErrIPNotAllowed)
	assert.Zero(t, f.w.ConnectionCount())
}

func TestAdmitRejectsDisallowedOrigin(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	ctx := context.Background()

	_, err := f.w.Admit(ctx, session.Params{ConnID: "c1", Origin: "https://evil.example.com", Conn: &recorder{}})
	assert.ErrorIs(t, err, errs.ErrCORSNotAllowed)

	_, err = f.w.Admit(ctx, session.Params{ConnID: "c2", Origin: "https://APP.example.com", Conn: &recorder{}})
	assert.NoError(t, err)
}

func TestReconnectWithinGraceResumesSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var lifecycle []string
	for _, name := range []string{events.UserConnected, events.UserReconnected, events.UserDisconnected} {
		name := name
		f.w.Bus().On(name, func(context.Context, events.Event) error {
			lifecycle = append(lifecycle, name)
			return nil
		})
	}

	first, conn := f.admit(t, "c1", session.Claims{IdentityID: "alice", Secret: "pw"})
	assert.Equal(t, []string{protocol.EventSetPCI}, conn.events())
	first.SetData("chat", "nick", "al")
	assert.True(t, f.w.IsIdentityConnected("alice"))

	f.w.Disconnect(ctx, first)
	assert.False(t, f.w.IsIdentityConnected("alice"))
	assert.Equal(t, 1, f.w.pendingTimers())

	second, _ := f.admit(t, "c2", session.Claims{IdentityID: "alice", Secret: "pw", Token: first.Token()})
	assert.True(t, second.Resumed())
	assert.Zero(t, f.w.pendingTimers())
	nick, ok := second.Data("chat", "nick")
	assert.True(t, ok)
	assert.Equal(t, "al", nick)

	assert.Equal(t, []string{events.UserConnected, events.UserDisconnected, events.UserReconnected}, lifecycle)
}

func TestFailedResumeKeepsGraceTimer(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, _ := f.admit(t, "c1", session.Claims{IdentityID: "alice", Secret: "pw"})
	f.w.Disconnect(ctx, first)
	due, ok := f.w.timerDue(first.Token())
	require.True(t, ok)
	time.Sleep(30 * time.Millisecond)

	_, err := f.w.Admit(ctx, session.Params{ConnID: "c2", Conn: &recorder{},
		Claims: session.Claims{IdentityID: "alice", Secret: "wrong", Token: first.Token()}})
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
	assert.Equal(t, 1, f.w.pendingTimers())

	after, ok := f.w.timerDue(first.Token())
	require.True(t, ok)
	assert.WithinDuration(t, due, after, 10*time.Millisecond, "a failed resume must not extend the grace period")
}

func TestStaleDisconnectKeepsResumedRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, _ := f.admit(t, "c1", session.Claims{IdentityID: "alice", Secret: "pw"})
	second, _ := f.admit(t, "c2", session.Claims{IdentityID: "alice", Secret: "pw", Token: first.Token()})
	require.True(t, second.Resumed())

	first.SetData("chat", "nick", "stale")
	f.w.Disconnect(ctx, first)

	assert.Zero(t, f.w.pendingTimers(), "the resumed connection still holds the token")
	assert.True(t, f.w.IsIdentityConnected("alice"))
	rec, err := f.mgr.Store().Load(ctx, second.Token())
	require.NoError(t, err)
	assert.Empty(t, rec.CustomData["chat"], "the stale connection must not overwrite the record")
	pending, err := f.mgr.Pending(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, second.Token())

	f.w.Disconnect(ctx, second)
	assert.Equal(t, 1, f.w.pendingTimers())
}

func TestGracePeriodExpiresRecord(t *testing.T) {
	f := newFixture(t, Options{ReconnectTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	s, _ := f.admit(t, "c1", session.Claims{})
	f.w.Disconnect(ctx, s)

	require.Eventually(t, func() bool {
		_, err := f.mgr.Store().Load(ctx, s.Token())
		return errors.Is(err, errs.ErrKeyNotFound)
	}, time.Second, 10*time.Millisecond)

	pending, err := f.mgr.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResumeAfterGraceFails(t *testing.T) {
	f := newFixture(t, Options{ReconnectTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	s, _ := f.admit(t, "c1", session.Claims{})
	f.w.Disconnect(ctx, s)
	require.Eventually(t, func() bool {
		_, err := f.mgr.Store().Load(ctx, s.Token())
		return f.w.pendingTimers() == 0 && errors.Is(err, errs.ErrKeyNotFound)
	}, time.Second, 10*time.Millisecond)

	_, err := f.w.Admit(ctx, session.Params{ConnID: "c2", Conn: &recorder{}, Claims: session.Claims{Token: s.Token()}})
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
	assert.Zero(t, f.w.ConnectionCount())
}

func TestLogoutSkipsGracePeriod(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, _ := f.admit(t, "c1", session.Claims{})
	require.NoError(t, f.w.Logout(ctx, s))
	f.w.Disconnect(ctx, s)

	assert.Zero(t, f.w.pendingTimers())
	_, err := f.mgr.Store().Load(ctx, s.Token())
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestStartRearmsPendingSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.mgr.Store().Save(ctx, "left-behind", session.Record{Worker: "w1"}))

	require.NoError(t, f.w.Start(ctx))
	assert.Equal(t, 1, f.w.pendingTimers())
}

func TestRouteIdentityMessageReachesEverySession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, phone := f.admit(t, "c1", session.Claims{IdentityID: "alice", Secret: "pw"})
	_, laptop := f.admit(t, "c2", session.Claims{IdentityID: "alice", Secret: "pw"})
	_, stranger := f.admit(t, "c3", session.Claims{})

	f.w.Bus().Emit(ctx, events.UserMessage, events.UserMessagePayload{
		IdentityIDs: []string{"alice"},
		Event:       "notify",
		Data:        map[string]string{"text": "hi"},
	})

	for _, conn := range []*recorder{phone, laptop} {
		got := conn.last()
		assert.Equal(t, "notify", got.event)
		assert.Equal(t, "hi", got.body["text"])
	}
	assert.NotContains(t, stranger.events(), "notify")
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	f := newFixture(t, Options{})
	_, a := f.admit(t, "c1", session.Claims{})
	_, b := f.admit(t, "c2", session.Claims{IdentityID: "alice", Secret: "pw"})

	assert.Equal(t, 2, f.w.Broadcast("announce", map[string]string{"text": "maintenance"}))
	assert.Equal(t, "announce", a.last().event)
	assert.Equal(t, "announce", b.last().event)
}

func TestQueueWorkerAcksUnknownEvents(t *testing.T) {
	handled := 0
	q := &queueWorker{module: "misc", log: logger.Discard(), handlers: map[string]QueueHandler{
		"known": func(context.Context, *queue.Message) error {
			handled++
			return nil
		},
	}}

	assert.NoError(t, q.HandleQueueMessage(context.Background(), &queue.Message{Queue: "q", Event: "unknown"}))
	assert.NoError(t, q.HandleQueueMessage(context.Background(), &queue.Message{Queue: "q", Event: "known"}))
	assert.Equal(t, 1, handled)
}

func TestRelayListenerRoutesByEvent(t *testing.T) {
	var got []string
	l := &relayListener{module: "misc", log: logger.Discard(), handlers: map[string]RelayHandler{
		"announce": func(_ context.Context, channel string, p protocol.Payload) error {
			got = append(got, channel+":"+p.String("text"))
			return nil
		},
	}}
	l.OnRelayEvent(context.Background(), "system:broadcast", "announce", protocol.Payload{"text": json.RawMessage(`"hello"`)})
	l.OnRelayEvent(context.Background(), "system:broadcast", "other", nil)

	assert.Equal(t, []string{"system:broadcast:hello"}, got)
}
