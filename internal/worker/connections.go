package worker

import (
	"context"
	"time"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/session"
)

// Admit runs the admission pipeline for a new connection: address
// blacklist, origin policy, then identity and token resolution.
func (w *Worker) Admit(ctx context.Context, p session.Params) (*session.Session, error) {
	blocked, err := w.deps.KV.SIsMember(ctx, kv.Blacklist, p.IP)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, w.reject(errs.ErrIPNotAllowed, p)
	}
	if !w.origins.Allowed(p.Origin) {
		return nil, w.reject(errs.ErrCORSNotAllowed, p)
	}

	// The record must not expire while it is being resumed.
	token := p.Claims.Token
	var remaining time.Duration
	var paused bool
	if token != "" {
		remaining, paused = w.cancelTimer(token)
	}

	s, err := w.deps.Sessions.Open(ctx, p)
	if err != nil {
		if paused {
			w.armTimerFor(token, remaining)
		}
		return nil, w.reject(err, p)
	}

	w.index(s)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()

	if s.Resumed() {
		w.log.Info("Client reconnected", "conn", s.ID(), "identity", s.IdentityID(), "ip", s.IP())
		w.deps.Bus.Emit(ctx, events.UserReconnected, s)
	} else {
		w.log.Info("Client connected", "conn", s.ID(), "identity", s.IdentityID(), "ip", s.IP())
		w.deps.Bus.Emit(ctx, events.UserConnected, s)
	}
	return s, nil
}

func (w *Worker) reject(err error, p session.Params) error {
	code := "unknown"
	if e, ok := errs.As(err); ok {
		code = e.Code()
	}
	metrics.RejectedConnections.WithLabelValues(code).Inc()
	w.log.Warn("Connection rejected", "conn", p.ConnID, "ip", p.IP, "origin", p.Origin, "error", err)
	return err
}

// Disconnect saves the session and starts its reconnection grace period.
// A connection whose token was resumed elsewhere on this worker only
// releases its subscriptions.
func (w *Worker) Disconnect(ctx context.Context, s *session.Session) {
	holder := w.unindex(s)
	metrics.ActiveConnections.Dec()

	if !holder {
		w.deps.Sessions.Release(ctx, s)
		w.log.Info("Superseded connection closed", "conn", s.ID(), "identity", s.IdentityID())
		w.deps.Bus.Emit(ctx, events.UserDisconnected, s)
		return
	}

	if err := w.deps.Sessions.Close(ctx, s); err != nil {
		w.log.Error("Failed to save session", "conn", s.ID(), "error", err)
	}
	if !s.Retired() && s.Token() != "" {
		w.armTimer(s.Token())
	}

	w.log.Info("Client disconnected", "conn", s.ID(), "identity", s.IdentityID())
	w.deps.Bus.Emit(ctx, events.UserDisconnected, s)
}

// Logout deletes the session record; the client cannot resume it.
func (w *Worker) Logout(ctx context.Context, s *session.Session) error {
	return w.deps.Sessions.Retire(ctx, s)
}

func (w *Worker) index(s *session.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conns[s.ID()] = s
	if token := s.Token(); token != "" {
		w.holders[token] = s.ID()
	}
	if !s.IsAuthorized() {
		return
	}
	byConn := w.identities[s.IdentityID()]
	if byConn == nil {
		byConn = make(map[string]*session.Session)
		w.identities[s.IdentityID()] = byConn
	}
	byConn[s.ID()] = s
}

// unindex reports whether s still held its token.
func (w *Worker) unindex(s *session.Session) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, s.ID())
	holder := false
	if token := s.Token(); token != "" && w.holders[token] == s.ID() {
		delete(w.holders, token)
		holder = true
	}
	if byConn := w.identities[s.IdentityID()]; byConn != nil {
		delete(byConn, s.ID())
		if len(byConn) == 0 {
			delete(w.identities, s.IdentityID())
		}
	}
	return holder
}

// Sessions returns the local sessions of identityID.
func (w *Worker) Sessions(identityID string) []*session.Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*session.Session, 0, len(w.identities[identityID]))
	for _, s := range w.identities[identityID] {
		out = append(out, s)
	}
	return out
}

// IsIdentityConnected reports whether identityID has a session on this
// worker.
func (w *Worker) IsIdentityConnected(identityID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.identities[identityID]) > 0
}

// ConnectionCount returns the number of admitted local connections.
func (w *Worker) ConnectionCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.conns)
}

func (w *Worker) armTimer(token string) {
	w.armTimerFor(token, w.opts.ReconnectTimeout)
}

// armTimerFor expires token after grace unless the timer is cancelled first.
func (w *Worker) armTimerFor(token string, grace time.Duration) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if old, ok := w.timers[token]; ok {
		old.t.Stop()
	}
	gt := &graceTimer{due: time.Now().Add(grace)}
	gt.t = time.AfterFunc(grace, func() {
		w.timersMu.Lock()
		if w.timers[token] != gt {
			w.timersMu.Unlock()
			return
		}
		delete(w.timers, token)
		w.timersMu.Unlock()

		if err := w.deps.Sessions.Expire(context.Background(), token); err != nil {
			w.log.Error("Failed to expire session", "error", err)
			return
		}
		w.log.Debug("Session grace period elapsed")
	})
	w.timers[token] = gt
}

// cancelTimer stops the grace timer for token and returns the time it had
// left.
func (w *Worker) cancelTimer(token string) (time.Duration, bool) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	gt, ok := w.timers[token]
	if !ok {
		return 0, false
	}
	gt.t.Stop()
	delete(w.timers, token)
	return time.Until(gt.due), true
}

// timerDue returns when the grace timer for token fires.
func (w *Worker) timerDue(token string) (time.Time, bool) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	gt, ok := w.timers[token]
	if !ok {
		return time.Time{}, false
	}
	return gt.due, true
}

// pendingTimers returns the number of armed grace timers.
func (w *Worker) pendingTimers() int {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	return len(w.timers)
}
