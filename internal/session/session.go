// Package session holds per-connection identity, grants and module data,
// and persists them under a reconnection token so a client that drops and
// returns within the grace period gets its state back.
package session

import (
	"context"
	"maps"
	"sync"

	"github.com/Tyrowin/gocomet/internal/protocol"
)

// Session is the state attached to one admitted connection.
type Session struct {
	connID     string
	ip         string
	origin     string
	cookies    map[string]string
	identityID string
	conn       protocol.Writer

	mu          sync.RWMutex
	token       string
	resumed     bool
	retired     bool
	displayName string
	grants      Grants
	custom      map[string]map[string]any
	stopOnline  chan struct{}
}

func newSession(p Params) *Session {
	return &Session{
		connID:     p.ConnID,
		ip:         p.IP,
		origin:     p.Origin,
		cookies:    p.Cookies,
		identityID: p.Claims.IdentityID,
		conn:       p.Conn,
		grants:     make(Grants),
		custom:     make(map[string]map[string]any),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.connID }

func (s *Session) IP() string { return s.ip }

func (s *Session) Origin() string { return s.origin }

// Cookie returns a request cookie sent with the handshake.
func (s *Session) Cookie(name string) string { return s.cookies[name] }

// IdentityID returns the authorized identity, or "" for anonymous sessions.
func (s *Session) IdentityID() string { return s.identityID }

// IsAuthorized reports whether the session carries an identity.
func (s *Session) IsAuthorized() bool { return s.identityID != "" }

// Token returns the reconnection token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Resumed reports whether the session was restored from a token.
func (s *Session) Resumed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumed
}

// Retired reports whether the session was logged out.
func (s *Session) Retired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retired
}

// DisplayName returns the identity id, or the generated anonymous name.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.displayName != "" {
		return s.displayName
	}
	return s.identityID
}

// SetAccess grants or revokes grant for module.
func (s *Session) SetAccess(module, grant string, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[module] == nil {
		s.grants[module] = make(map[string]bool)
	}
	s.grants[module][grant] = allowed
}

// Access reports whether grant is set for module.
func (s *Session) Access(module, grant string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[module][grant]
}

// SetData stores a module-scoped value that is persisted across reconnects.
func (s *Session) SetData(module, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.custom[module] == nil {
		s.custom[module] = make(map[string]any)
	}
	s.custom[module][key] = value
}

func (s *Session) Data(module, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.custom[module][key]
	return v, ok
}

// Send writes an event to the connection.
func (s *Session) Send(event string, data any) error {
	return s.conn.Send(event, data)
}

// OnRelayEvent forwards identity-channel relay events to the connection.
func (s *Session) OnRelayEvent(_ context.Context, _, event string, payload protocol.Payload) {
	_ = s.Send(event, payload)
}

// Snapshot captures the persisted part of the session.
func (s *Session) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := Record{
		IP:         s.ip,
		ACL:        make(Grants, len(s.grants)),
		CustomData: make(map[string]map[string]any, len(s.custom)),
	}
	for module, grants := range s.grants {
		rec.ACL[module] = maps.Clone(grants)
	}
	for module, data := range s.custom {
		rec.CustomData[module] = maps.Clone(data)
	}
	return rec
}

// Restore replaces grants and module data with those of rec.
func (s *Session) Restore(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = make(Grants, len(rec.ACL))
	for module, grants := range rec.ACL {
		s.grants[module] = maps.Clone(grants)
	}
	s.custom = make(map[string]map[string]any, len(rec.CustomData))
	for module, data := range rec.CustomData {
		s.custom[module] = maps.Clone(data)
	}
}
