// Package misc bundles small worker utilities: online status queries,
// logout, system announcements over the relay and identity notifications
// fed from the durable queue.
package misc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
)

const ID = "misc"

const (
	EventOnlineStatus = "misc:onlineStatus"
	EventLogout       = "misc:logout"
	EventAnnouncement = "system:announce"

	BroadcastChannel = "system:broadcast"
	relayAnnounce    = "announce"

	NotificationsQueue = "notifications"
	queueNotify        = "user:notify"
)

// StatusSource describes the local worker.
type StatusSource interface {
	worker.Router
	ConnectionCount() int
	Modules() []string
}

type OnlineStatusReader interface {
	OnlineStatus(ctx context.Context, identityIDs []string) (map[string]bool, error)
}

type Publisher interface {
	NotifyAll(ctx context.Context, channel, event string, data any)
}

type QueuePublisher interface {
	PublishEvent(ctx context.Context, queue, event string, data any) error
}

// Deps are the collaborators of the module. Queue may be nil.
type Deps struct {
	Worker StatusSource
	Online OnlineStatusReader
	Relay  Publisher
	Queue  QueuePublisher
}

type Module struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps, log *slog.Logger) *Module {
	return &Module{deps: deps, log: log}
}

func (m *Module) ID() string { return ID }

func (m *Module) Bindings() worker.Bindings {
	b := worker.Bindings{
		Socket: map[string]worker.SocketHandler{
			EventOnlineStatus: m.onOnlineStatus,
			EventLogout:       m.onLogout,
		},
		Process: map[string]events.Handler{
			events.UserConnected:   m.onUserConnected,
			events.UserReconnected: m.onUserConnected,
		},
		Relay: map[string]map[string]worker.RelayHandler{
			BroadcastChannel: {relayAnnounce: m.onAnnounce},
		},
		Routes: []worker.Route{
			{Method: http.MethodGet, Path: "/status", Handler: m.statusHandler},
			{Method: http.MethodPost, Path: "/announce", Handler: m.announceHandler},
		},
		ACL: map[string]string{
			EventOnlineStatus: "all",
			EventLogout:       "all",
		},
		CheckACL: true,
	}
	if m.deps.Queue != nil {
		b.Queue = map[string]map[string]worker.QueueHandler{
			NotificationsQueue: {queueNotify: m.onNotify},
		}
		b.Routes = append(b.Routes, worker.Route{Method: http.MethodPost, Path: "/notify", Handler: m.notifyHandler})
	}
	return b
}

func (m *Module) Initialize(context.Context) error { return nil }

func (m *Module) onUserConnected(_ context.Context, ev events.Event) error {
	if s, ok := ev.Payload.(*session.Session); ok {
		s.SetAccess(ID, "all", true)
	}
	return nil
}

type onlineStatusRequest struct {
	UIDs []string `json:"uids"`
}

func (m *Module) onOnlineStatus(ctx context.Context, req *worker.Request) error {
	var in onlineStatusRequest
	if err := req.Payload.Decode(&in); err != nil || len(in.UIDs) == 0 {
		return req.Reply.Send(errs.ErrInvalidInput, nil)
	}
	status, err := m.deps.Online.OnlineStatus(ctx, in.UIDs)
	if err != nil {
		return err
	}
	return req.Reply.Send(nil, status)
}

func (m *Module) onLogout(ctx context.Context, req *worker.Request) error {
	if err := m.deps.Worker.Logout(ctx, req.Session); err != nil {
		return err
	}
	return req.Reply.Send(nil, true)
}

func (m *Module) onAnnounce(_ context.Context, _ string, payload protocol.Payload) error {
	sent := m.deps.Worker.Broadcast(EventAnnouncement, payload)
	m.log.Info("Announcement delivered", "sessions", sent)
	return nil
}

// Notification asks the workers to deliver Event to the sessions of IDs.
type Notification struct {
	IDs   []string         `json:"ids"`
	Event string           `json:"event"`
	Data  protocol.Payload `json:"data,omitempty"`
}

func (n Notification) validate() error {
	if len(n.IDs) == 0 || n.Event == "" {
		return errs.ErrInvalidInput
	}
	return nil
}

// onNotify delivers locally and relays to sibling workers: the queue hands
// each message to a single consumer.
func (m *Module) onNotify(ctx context.Context, msg *queue.Message) error {
	var n Notification
	if err := msg.Payload.Decode(&n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if err := n.validate(); err != nil {
		return err
	}
	m.deps.Worker.RouteIdentityMessage(ctx, n.IDs, n.Event, n.Data, true)
	return nil
}

type status struct {
	Worker      string   `json:"worker"`
	Connections int      `json:"connections"`
	Modules     []string `json:"modules"`
}

func (m *Module) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Worker:      m.deps.Worker.ID(),
		Connections: m.deps.Worker.ConnectionCount(),
		Modules:     m.deps.Worker.Modules(),
	})
}

type announceRequest struct {
	Text string `json:"text"`
}

func (m *Module) announceHandler(w http.ResponseWriter, r *http.Request) {
	var in announceRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Text == "" {
		http.Error(w, errs.ErrInvalidInput.Error(), http.StatusBadRequest)
		return
	}
	m.deps.Relay.NotifyAll(r.Context(), BroadcastChannel, relayAnnounce, in)
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) notifyHandler(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.validate() != nil {
		http.Error(w, errs.ErrInvalidInput.Error(), http.StatusBadRequest)
		return
	}
	if err := m.deps.Queue.PublishEvent(r.Context(), NotificationsQueue, queueNotify, n); err != nil {
		m.log.Error("Failed to queue notification", "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
