package worker

import (
	"context"
	"net/http"

	"github.com/Tyrowin/gocomet/internal/events"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/queue"
	"github.com/Tyrowin/gocomet/internal/session"
)

// Request is one inbound socket event routed to a module handler.
type Request struct {
	Event   string
	Session *session.Session
	Payload protocol.Payload
	Reply   protocol.Reply
}

// SocketHandler handles a client event. A returned error fails the
// dispatch: the client gets a failure reply if one is owed and the
// remaining handlers for the event are skipped.
type SocketHandler func(ctx context.Context, req *Request) error

// RelayHandler handles an event received on a relay channel.
type RelayHandler func(ctx context.Context, channel string, payload protocol.Payload) error

// QueueHandler handles a queue message. See queue.Worker for settlement.
type QueueHandler func(ctx context.Context, msg *queue.Message) error

// Route is an HTTP endpoint contributed by a module.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Bindings are the static event tables a module contributes.
type Bindings struct {
	// Socket maps client event names to handlers.
	Socket map[string]SocketHandler
	// Process maps bus event names to handlers.
	Process map[string]events.Handler
	// Relay maps channel, then event name, to handlers.
	Relay map[string]map[string]RelayHandler
	// Queue maps queue name, then event name, to handlers.
	Queue  map[string]map[string]QueueHandler
	Routes []Route
	// ACL maps socket event names to the grant they require when CheckACL
	// is set. Events missing from ACL are denied.
	ACL      map[string]string
	CheckACL bool
}

// Module is a unit of business logic plugged into the worker.
type Module interface {
	ID() string
	Bindings() Bindings
	Initialize(ctx context.Context) error
}

// Router is the part of the worker modules call back into.
type Router interface {
	ID() string
	RouteIdentityMessage(ctx context.Context, identityIDs []string, event string, data any, relay bool)
	Broadcast(event string, data any) int
	IsIdentityConnected(identityID string) bool
	Logout(ctx context.Context, s *session.Session) error
}

// UnauthorizedHandler lets a module answer denied socket events itself.
type UnauthorizedHandler interface {
	HandleUnauthorized(ctx context.Context, req *Request) error
}
