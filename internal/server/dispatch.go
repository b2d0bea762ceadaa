package server

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/worker"
)

// handlerPanic carries a recovered handler panic and its stack.
type handlerPanic struct {
	value any
	stack []byte
}

func (p *handlerPanic) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

// dispatch decodes one inbound frame and runs the handlers bound to its
// event in order. The first failing handler stops the chain.
func (s *Server) dispatch(ctx context.Context, c *Client, raw []byte) {
	metrics.MessagesReceived.Inc()

	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn("Dropping invalid frame", "error", err)
		return
	}

	handlers := s.backend.SocketHandlers(env.Event)
	if len(handlers) == 0 {
		c.log.Debug("No handlers for event", "event", env.Event)
		return
	}

	reply := protocol.NewReply(c, env.QueryID, len(handlers), c.log)
	req := &worker.Request{
		Event:   env.Event,
		Session: c.session,
		Payload: env.Payload,
		Reply:   reply,
	}

	for _, h := range handlers {
		err := invoke(ctx, h, req)
		if err == nil {
			continue
		}
		metrics.HandlerFailures.WithLabelValues(env.Event).Inc()
		reply.Fail(err)
		if s.opts.HaltOnHandlerErrors {
			panic(err)
		}
		if p, ok := err.(*handlerPanic); ok {
			c.log.Error("Socket handler panicked", "event", env.Event, "panic", p.value, "stack", string(p.stack))
		} else {
			c.log.Error("Socket handler failed", "event", env.Event, "error", err, "stack", string(debug.Stack()))
		}
		return
	}
}

func invoke(ctx context.Context, h worker.SocketHandler, req *worker.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, req)
}
