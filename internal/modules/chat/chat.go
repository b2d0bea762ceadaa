// Package chat is an example module: registered identities join named
// channels, talk in them and whisper to each other. Every event reaches all
// sessions of the recipients on every worker.
package chat

import (
	"context"
	"log/slog"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
)

const ID = "chat"

// Client events.
const (
	EventChannelsList = "chat:getChannelsList"
	EventJoin         = "chat:joinChannel"
	EventLeave        = "chat:leaveChannel"
	EventWhisper      = "chat:whisper"
	EventMessage      = "chat:message"
	EventUserJoined   = "chat:userJoined"
	EventUserLeft     = "chat:userLeft"
)

const (
	grantAll        = "all"
	grantRegistered = "registered"
)

var ErrNotInChannel = errs.New("ChatError", "NotInChannel", "user is not in channel")

type Module struct {
	router  worker.Router
	members membership
	log     *slog.Logger
}

func New(router worker.Router, store *kv.Store, log *slog.Logger) *Module {
	return &Module{router: router, members: membership{kv: store}, log: log}
}

func (m *Module) ID() string { return ID }

func (m *Module) Bindings() worker.Bindings {
	return worker.Bindings{
		Socket: map[string]worker.SocketHandler{
			EventChannelsList: m.onChannelsList,
			EventJoin:         m.onJoin,
			EventLeave:        m.onLeave,
			EventWhisper:      m.onWhisper,
			EventMessage:      m.onMessage,
		},
		Process: map[string]events.Handler{
			events.UserConnected:   m.onUserConnected,
			events.UserReconnected: m.onUserConnected,
		},
		ACL: map[string]string{
			EventChannelsList: grantRegistered,
			EventJoin:         grantRegistered,
			EventLeave:        grantRegistered,
			EventWhisper:      grantRegistered,
			EventMessage:      grantRegistered,
		},
		CheckACL: true,
	}
}

func (m *Module) Initialize(context.Context) error { return nil }

func (m *Module) onUserConnected(_ context.Context, ev events.Event) error {
	s, ok := ev.Payload.(*session.Session)
	if !ok {
		return nil
	}
	s.SetAccess(ID, grantAll, true)
	if s.IsAuthorized() {
		s.SetAccess(ID, grantRegistered, true)
	}
	return nil
}

type channelRequest struct {
	Channel string `json:"channel"`
}

type whisperRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type membershipEvent struct {
	Channel string `json:"channel"`
	UID     string `json:"uid"`
}

type whisperEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type messageEvent struct {
	Channel string `json:"channel"`
	UID     string `json:"uid"`
	Message string `json:"message"`
}

func (m *Module) onChannelsList(ctx context.Context, req *worker.Request) error {
	channels, err := m.members.channels(ctx, req.Session.IdentityID())
	if err != nil {
		return err
	}
	return req.Reply.Send(nil, channels)
}

func (m *Module) onJoin(ctx context.Context, req *worker.Request) error {
	var in channelRequest
	if err := req.Payload.Decode(&in); err != nil || in.Channel == "" {
		return req.Reply.Send(errs.ErrInvalidInput, nil)
	}
	uid := req.Session.IdentityID()

	if err := m.members.join(ctx, uid, in.Channel); err != nil {
		return err
	}
	users, err := m.members.users(ctx, in.Channel)
	if err != nil {
		return err
	}
	m.router.RouteIdentityMessage(ctx, users, EventUserJoined, membershipEvent{Channel: in.Channel, UID: uid}, true)
	m.log.Info("User joined channel", "identity", uid, "channel", in.Channel)
	return req.Reply.Send(nil, users)
}

func (m *Module) onLeave(ctx context.Context, req *worker.Request) error {
	var in channelRequest
	if err := req.Payload.Decode(&in); err != nil || in.Channel == "" {
		return req.Reply.Send(errs.ErrInvalidInput, nil)
	}
	uid := req.Session.IdentityID()

	if err := m.members.leave(ctx, uid, in.Channel); err != nil {
		return err
	}
	users, err := m.members.users(ctx, in.Channel)
	if err != nil {
		return err
	}
	// The leaver is told too so all of its sessions drop the channel.
	notify := append(users, uid)
	m.router.RouteIdentityMessage(ctx, notify, EventUserLeft, membershipEvent{Channel: in.Channel, UID: uid}, true)
	return req.Reply.Send(nil, true)
}

func (m *Module) onWhisper(ctx context.Context, req *worker.Request) error {
	var in whisperRequest
	if err := req.Payload.Decode(&in); err != nil || in.To == "" || in.Message == "" {
		return req.Reply.Send(errs.ErrInvalidInput, nil)
	}
	from := req.Session.IdentityID()

	m.router.RouteIdentityMessage(ctx, []string{from, in.To}, EventWhisper,
		whisperEvent{From: from, To: in.To, Message: in.Message}, true)
	return req.Reply.Send(nil, true)
}

func (m *Module) onMessage(ctx context.Context, req *worker.Request) error {
	var in whisperRequest
	if err := req.Payload.Decode(&in); err != nil || in.To == "" || in.Message == "" {
		return req.Reply.Send(errs.ErrInvalidInput, nil)
	}
	uid := req.Session.IdentityID()

	member, err := m.members.isMember(ctx, uid, in.To)
	if err != nil {
		return err
	}
	if !member {
		return req.Reply.Send(ErrNotInChannel.WithParams(map[string]any{"channel": in.To}), nil)
	}
	users, err := m.members.users(ctx, in.To)
	if err != nil {
		return err
	}
	m.router.RouteIdentityMessage(ctx, users, EventMessage,
		messageEvent{Channel: in.To, UID: uid, Message: in.Message}, true)
	return req.Reply.Send(nil, true)
}
