package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/kv/kvtest"
	"github.com/Tyrowin/gocomet/internal/logger"
	"github.com/Tyrowin/gocomet/internal/relay"
)

type frame struct {
	event string
	data  any
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
}

func (c *fakeConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{event: event, data: data})
	return nil
}

type staticAuth map[string]string

func (a staticAuth) Authorize(_ context.Context, id, secret string) (bool, error) {
	if id == "broken" {
		return false, errors.New("backend down")
	}
	want, ok := a[id]
	return ok && want == secret, nil
}

type fixture struct {
	mgr   *Manager
	store *kv.Store
	relay *relay.Relay
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, _ := kvtest.New(t)
	if opts.WorkerID == "" {
		opts.WorkerID = "w1"
	}
	if opts.OnlineTTL == 0 {
		opts.OnlineTTL = time.Minute
		opts.OnlineRefresh = time.Hour
	}
	rl := relay.New(store.Client(), opts.WorkerID, logger.Discard())
	mgr := NewManager(opts, store, rl, staticAuth{"alice": "pw"}, logger.Discard())
	return &fixture{mgr: mgr, store: store, relay: rl}
}

func TestOpenAuthorizedMintsToken(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conn := &fakeConn{}

	s, err := f.mgr.Open(ctx, Params{ConnID: "c1", IP: "10.0.0.1", Conn: conn,
		Claims: Claims{IdentityID: "alice", Secret: "pw"}})
	require.NoError(t, err)

	assert.True(t, s.IsAuthorized())
	assert.False(t, s.Resumed())
	assert.Len(t, s.Token(), 64)
	require.Len(t, conn.frames, 1)
	assert.Equal(t, "set:pci", conn.frames[0].event)
	assert.Equal(t, map[string]string{"id": s.Token()}, conn.frames[0].data)

	pending, err := f.mgr.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.Token()}, pending)

	assert.True(t, f.relay.Subscribed(IdentityChannel("alice")))
	online, err := f.mgr.OnlineStatus(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": false}, online)
}

func TestOpenRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, Options{AllowAnonymous: true})
	ctx := context.Background()

	_, err := f.mgr.Open(ctx, Params{ConnID: "c1", Conn: &fakeConn{},
		Claims: Claims{IdentityID: "alice", Secret: "wrong"}})
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	_, err = f.mgr.Open(ctx, Params{ConnID: "c2", Conn: &fakeConn{},
		Claims: Claims{IdentityID: "broken", Secret: "x"}})
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestAnonymousPolicy(t *testing.T) {
	ctx := context.Background()

	closed := newFixture(t, Options{AllowAnonymous: false})
	_, err := closed.mgr.Open(ctx, Params{ConnID: "c1", Conn: &fakeConn{}})
	assert.ErrorIs(t, err, errs.ErrAnonymousNotAllowed)

	open := newFixture(t, Options{AllowAnonymous: true})
	s, err := open.mgr.Open(ctx, Params{ConnID: "c1", Conn: &fakeConn{}})
	require.NoError(t, err)
	assert.False(t, s.IsAuthorized())
	assert.True(t, strings.HasPrefix(s.DisplayName(), "Anonymous"))
	assert.False(t, open.relay.Subscribed(IdentityChannel("")))
}

func TestCloseAndResumeRestoresState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	claims := Claims{IdentityID: "alice", Secret: "pw"}

	first, err := f.mgr.Open(ctx, Params{ConnID: "c1", IP: "10.0.0.1", Conn: &fakeConn{}, Claims: claims})
	require.NoError(t, err)
	first.SetAccess("chat", "registered", true)
	first.SetData("chat", "nick", "al")
	require.NoError(t, f.mgr.Close(ctx, first))
	assert.False(t, f.relay.Subscribed(IdentityChannel("alice")))

	claims.Token = first.Token()
	conn := &fakeConn{}
	second, err := f.mgr.Open(ctx, Params{ConnID: "c2", IP: "10.0.0.2", Conn: conn, Claims: claims})
	require.NoError(t, err)

	assert.True(t, second.Resumed())
	assert.Equal(t, first.Token(), second.Token())
	assert.True(t, second.Access("chat", "registered"))
	nick, ok := second.Data("chat", "nick")
	assert.True(t, ok)
	assert.Equal(t, "al", nick)
	assert.Empty(t, conn.frames, "resumed sessions keep their token")
}

func TestResumeUnknownTokenFails(t *testing.T) {
	f := newFixture(t, Options{AllowAnonymous: true})
	_, err := f.mgr.Open(context.Background(), Params{ConnID: "c1", Conn: &fakeConn{},
		Claims: Claims{Token: "nope"}})
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestRetireDeletesRecord(t *testing.T) {
	f := newFixture(t, Options{AllowAnonymous: true})
	ctx := context.Background()

	s, err := f.mgr.Open(ctx, Params{ConnID: "c1", Conn: &fakeConn{}})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Retire(ctx, s))
	require.NoError(t, f.mgr.Close(ctx, s))

	_, err = f.mgr.Store().Load(ctx, s.Token())
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestExpireRespectsOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AllowAnonymous: true, WorkerID: "w1"})

	s, err := f.mgr.Open(ctx, Params{ConnID: "c1", Conn: &fakeConn{}})
	require.NoError(t, err)
	token := s.Token()

	// Another worker resumed the session in the meantime.
	require.NoError(t, f.mgr.Store().Save(ctx, token, Record{Worker: "w2"}))
	require.NoError(t, f.mgr.Expire(ctx, token))

	_, err = f.mgr.Store().Load(ctx, token)
	assert.NoError(t, err, "record owned by w2 survives w1's timer")
	pending, err := f.mgr.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, f.mgr.Store().Save(ctx, token, Record{Worker: "w1"}))
	require.NoError(t, f.mgr.Expire(ctx, token))
	_, err = f.mgr.Store().Load(ctx, token)
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)

	assert.NoError(t, f.mgr.Expire(ctx, "unknown"))
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newSession(Params{ConnID: "c1"})
	s.SetAccess("chat", "all", true)
	snap := s.Snapshot()
	snap.ACL["chat"]["all"] = false

	assert.True(t, s.Access("chat", "all"))
	assert.False(t, s.Access("chat", "registered"))
	assert.False(t, s.Access("missing", "all"))
}

func TestRelayEventsReachConnection(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(Params{ConnID: "c1", Conn: conn})
	s.OnRelayEvent(context.Background(), "users:relay:alice", "chat:message", nil)

	require.Len(t, conn.frames, 1)
	assert.Equal(t, "chat:message", conn.frames[0].event)
}
