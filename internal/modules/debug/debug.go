// Package debug answers diagnostic commands sent on the "debug" event.
package debug

import (
	"context"
	"log/slog"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
)

const (
	ID    = "debug"
	Event = "debug"
)

// Info is the reply to the info command.
type Info struct {
	WorkerID    string `json:"workerID"`
	Environment string `json:"environment"`
	Port        string `json:"port"`
}

type Module struct {
	info     Info
	commands map[string]worker.SocketHandler
	log      *slog.Logger
}

func New(info Info, log *slog.Logger) *Module {
	m := &Module{info: info, log: log}
	m.commands = map[string]worker.SocketHandler{
		"ping":          m.ping,
		"info":          m.infoCommand,
		"exceptionTest": m.exceptionTest,
		"session":       m.sessionCommand,
	}
	return m
}

func (m *Module) ID() string { return ID }

func (m *Module) Bindings() worker.Bindings {
	return worker.Bindings{
		Socket: map[string]worker.SocketHandler{Event: m.onCommand},
		Process: map[string]events.Handler{
			events.UserConnected:   m.onUserConnected,
			events.UserReconnected: m.onUserConnected,
		},
		ACL: map[string]string{Event: "all"},
	}
}

func (m *Module) Initialize(context.Context) error { return nil }

func (m *Module) onUserConnected(_ context.Context, ev events.Event) error {
	if s, ok := ev.Payload.(*session.Session); ok {
		s.SetAccess(ID, "all", true)
	}
	return nil
}

func (m *Module) onCommand(ctx context.Context, req *worker.Request) error {
	name := req.Payload.String("c")
	m.log.Info("Debug command", "conn", req.Session.ID(), "command", name)

	cmd, ok := m.commands[name]
	if !ok {
		return nil
	}
	return cmd(ctx, req)
}

func (m *Module) ping(_ context.Context, req *worker.Request) error {
	return req.Reply.Send(nil, req.Payload)
}

func (m *Module) infoCommand(_ context.Context, req *worker.Request) error {
	return req.Reply.Send(nil, m.info)
}

type sessionInfo struct {
	Conn     string `json:"conn"`
	IP       string `json:"ip"`
	Origin   string `json:"origin"`
	Identity string `json:"identity"`
	Cookie   string `json:"cookie,omitempty"`
}

// sessionCommand describes the caller's connection. Field "cookie" names a
// handshake cookie to echo back.
func (m *Module) sessionCommand(_ context.Context, req *worker.Request) error {
	s := req.Session
	return req.Reply.Send(nil, sessionInfo{
		Conn:     s.ID(),
		IP:       s.IP(),
		Origin:   s.Origin(),
		Identity: s.IdentityID(),
		Cookie:   s.Cookie(req.Payload.String("cookie")),
	})
}

func (m *Module) exceptionTest(_ context.Context, req *worker.Request) error {
	return req.Reply.Send(errs.ErrTest.WithParams(map[string]any{"foo": "bar"}), nil)
}
