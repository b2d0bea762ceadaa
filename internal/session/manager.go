package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/relay"
)

// Authorizer checks an identity's secret during admission.
type Authorizer interface {
	Authorize(ctx context.Context, identityID, secret string) (bool, error)
}

// Claims are the credentials a client presents in the handshake.
type Claims struct {
	Token      string
	IdentityID string
	Secret     string
}

// Params describe a connection being admitted.
type Params struct {
	ConnID  string
	IP      string
	Origin  string
	Cookies map[string]string
	Claims  Claims
	Conn    protocol.Writer
}

// Options tune session behavior.
type Options struct {
	WorkerID       string
	Secret         string
	AllowAnonymous bool
	OnlineTTL      time.Duration
	OnlineRefresh  time.Duration
}

// Manager opens, persists and expires sessions for one worker.
type Manager struct {
	opts  Options
	kv    *kv.Store
	store *Store
	relay *relay.Relay
	auth  Authorizer
	log   *slog.Logger
}

func NewManager(opts Options, store *kv.Store, rl *relay.Relay, auth Authorizer, log *slog.Logger) *Manager {
	return &Manager{
		opts:  opts,
		kv:    store,
		store: NewStore(store),
		relay: rl,
		auth:  auth,
		log:   log,
	}
}

// Store exposes the persistence store.
func (m *Manager) Store() *Store { return m.store }

// IdentityChannel is the relay channel carrying events for one identity.
func IdentityChannel(identityID string) string {
	return kv.Key(kv.IdentityRelay, identityID)
}

// Open authorizes the connection and resolves its token. A fresh token is
// announced to the client with a set:pci event before Open returns.
func (m *Manager) Open(ctx context.Context, p Params) (*Session, error) {
	s := newSession(p)

	if err := m.resolveIdentity(ctx, s, p.Claims); err != nil {
		return nil, err
	}
	if err := m.resolveToken(ctx, s, p.Claims.Token); err != nil {
		return nil, err
	}

	if s.IsAuthorized() {
		m.startOnlineStatus(ctx, s)
		m.relay.Register(ctx, IdentityChannel(s.identityID), s)
	}
	return s, nil
}

func (m *Manager) resolveIdentity(ctx context.Context, s *Session, c Claims) error {
	if c.IdentityID == "" {
		if !m.opts.AllowAnonymous {
			return errs.ErrAnonymousNotAllowed
		}
		s.displayName = fmt.Sprintf("Anonymous%03d", mrand.IntN(1000))
		return nil
	}
	if m.auth == nil {
		return errs.ErrAuthFailed.WithMessage("no authorizer configured")
	}
	ok, err := m.auth.Authorize(ctx, c.IdentityID, c.Secret)
	if err != nil {
		return errs.ErrAuthFailed.WithCause(err)
	}
	if !ok {
		return errs.ErrAuthFailed
	}
	return nil
}

func (m *Manager) resolveToken(ctx context.Context, s *Session, token string) error {
	if token != "" {
		rec, err := m.store.Load(ctx, token)
		if err != nil {
			return err
		}
		s.Restore(rec)
		s.mu.Lock()
		s.token = token
		s.resumed = true
		s.mu.Unlock()

		// Claim ownership so a grace timer on another worker leaves it alone.
		snap := s.Snapshot()
		snap.Worker = m.opts.WorkerID
		if err := m.store.Save(ctx, token, snap); err != nil {
			return err
		}
		metrics.SessionsResumed.Inc()
		return nil
	}

	token, err := m.mintToken(s)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if err := s.Send(protocol.EventSetPCI, map[string]string{"id": token}); err != nil {
		return fmt.Errorf("announce token: %w", err)
	}
	snap := s.Snapshot()
	snap.Worker = m.opts.WorkerID
	return m.store.Save(ctx, token, snap)
}

// mintToken hashes the connection id, address and worker secret with fresh
// randomness.
func (m *Manager) mintToken(s *Session) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(s.connID))
	h.Write([]byte(s.ip))
	h.Write([]byte(m.opts.Secret))
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func onlineKey(identityID string) string {
	return kv.Key(kv.OnlineStatus, identityID)
}

func (m *Manager) startOnlineStatus(ctx context.Context, s *Session) {
	key := onlineKey(s.identityID)
	if err := m.kv.Set(ctx, key, "1", m.opts.OnlineTTL); err != nil {
		m.log.Warn("Online status update failed", "identity", s.identityID, "error", err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.stopOnline = stop
	s.mu.Unlock()

	events.Spawn(m.log, "online-status", func() error {
		ticker := time.NewTicker(m.opts.OnlineRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				if _, err := m.kv.Expire(context.Background(), key, m.opts.OnlineTTL); err != nil {
					m.log.Warn("Online status refresh failed", "identity", s.identityID, "error", err)
				}
			}
		}
	})
}

func (m *Manager) stopOnlineStatus(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopOnline != nil {
		close(s.stopOnline)
		s.stopOnline = nil
	}
}

// OnlineStatus reports, for each identity, whether its online key is live.
func (m *Manager) OnlineStatus(ctx context.Context, identityIDs []string) (map[string]bool, error) {
	keys := make([]string, len(identityIDs))
	for i, id := range identityIDs {
		keys[i] = onlineKey(id)
	}
	_, found, err := m.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(identityIDs))
	for i, id := range identityIDs {
		out[id] = found[i]
	}
	return out, nil
}

// Release detaches s from the relay and stops its heartbeat without
// touching its record.
func (m *Manager) Release(ctx context.Context, s *Session) {
	m.stopOnlineStatus(s)
	m.relay.UnregisterAll(ctx, s)
}

// Close releases s and saves its record unless the session was retired.
func (m *Manager) Close(ctx context.Context, s *Session) error {
	m.Release(ctx, s)

	s.mu.RLock()
	retired, token := s.retired, s.token
	s.mu.RUnlock()
	if retired || token == "" {
		return nil
	}
	snap := s.Snapshot()
	snap.Worker = m.opts.WorkerID
	return m.store.Save(ctx, token, snap)
}

// Retire deletes the record now; the token cannot be resumed afterwards.
func (m *Manager) Retire(ctx context.Context, s *Session) error {
	s.mu.Lock()
	s.retired = true
	token := s.token
	s.mu.Unlock()
	return m.store.Delete(ctx, token, m.opts.WorkerID)
}

// Expire deletes the record for token if this worker still owns it and
// always drops token from this worker's index.
func (m *Manager) Expire(ctx context.Context, token string) error {
	owner, err := m.store.Owner(ctx, token)
	switch {
	case errors.Is(err, errs.ErrKeyNotFound):
		return m.store.Forget(ctx, token, m.opts.WorkerID)
	case err != nil:
		return err
	case owner != "" && owner != m.opts.WorkerID:
		m.log.Debug("Record resumed elsewhere, keeping it", "owner", owner)
		return m.store.Forget(ctx, token, m.opts.WorkerID)
	}
	if err := m.store.Delete(ctx, token, m.opts.WorkerID); err != nil {
		return err
	}
	metrics.SessionsExpired.Inc()
	return nil
}

// Pending lists tokens whose grace period this worker owns.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	return m.store.Pending(ctx, m.opts.WorkerID)
}
