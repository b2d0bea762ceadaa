package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/protocol"
	"github.com/Tyrowin/gocomet/internal/session"
)

const writeWait = 10 * time.Second

// Handshake query parameters.
const (
	claimToken    = "t_pci"
	claimIdentity = "t_uid"
	claimSecret   = "t_sid"
)

var (
	ErrClientGone     = errors.New("client connection is closed")
	ErrSendBufferFull = errors.New("client send buffer is full")
)

type sendResult int

const (
	sendOK sendResult = iota
	sendGone
	sendFull
)

// Client is one WebSocket connection. It implements protocol.Writer.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	server  *Server
	addr    string
	ip      string
	origin  string
	cookies map[string]string
	claims  session.Claims
	closed  bool
	limiter *rate.Limiter
	session *session.Session
	log     *slog.Logger
}

func newClient(conn *websocket.Conn, srv *Server, r *http.Request) *Client {
	opts := srv.opts
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     srv.hub,
		server:  srv,
		addr:    r.RemoteAddr,
		ip:      remoteIP(r),
		origin:  r.Header.Get("Origin"),
		cookies: requestCookies(r),
		claims:  requestClaims(r),
		limiter: newLimiter(opts),
		log:     srv.log.With("conn", id),
	}
}

func newLimiter(opts Options) *rate.Limiter {
	perSecond := float64(opts.RateLimit.Burst) / opts.RateLimit.RefillInterval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), opts.RateLimit.Burst)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestCookies(r *http.Request) map[string]string {
	cookies := r.Cookies()
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func requestClaims(r *http.Request) session.Claims {
	q := r.URL.Query()
	return session.Claims{
		Token:      q.Get(claimToken),
		IdentityID: q.Get(claimIdentity),
		Secret:     q.Get(claimSecret),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send encodes an event frame and queues it for the write pump.
func (c *Client) Send(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	switch c.hub.safeSend(c, frame) {
	case sendGone:
		return ErrClientGone
	case sendFull:
		c.hub.dropSlow(c)
		return ErrSendBufferFull
	}
	metrics.MessagesSent.Inc()
	return nil
}

func (c *Client) setupReadConnection() {
	pongWait := c.server.opts.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs why the read loop is ending.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "limit", c.server.opts.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket error", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

// admit runs admission and answers with ready or a rejection frame.
func (c *Client) admit(ctx context.Context) bool {
	s, err := c.server.backend.Admit(ctx, session.Params{
		ConnID:  c.id,
		IP:      c.ip,
		Origin:  c.origin,
		Cookies: c.cookies,
		Claims:  c.claims,
		Conn:    c,
	})
	if err != nil {
		_ = c.Send(protocol.EventError, rejection{
			Type:    "CONNECTION_REJECTED",
			Code:    "REAUTHORIZE",
			Message: err.Error(),
		})
		return false
	}
	c.session = s
	if err := c.Send(protocol.EventReady, nil); err != nil {
		c.log.Warn("Failed to send ready", "error", err)
	}
	return true
}

type rejection struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// readPump admits the connection and then dispatches inbound frames until
// the socket fails.
func (c *Client) readPump() {
	ctx := context.Background()
	// The write pump closes the socket once the hub closes the send channel.
	defer c.hub.Unregister(c)

	c.setupReadConnection()
	if !c.admit(ctx) {
		return
	}
	defer c.server.backend.Disconnect(ctx, c.session)

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.Allow() {
			c.log.Warn("Rate limit exceeded; discarding message",
				"burst", c.server.opts.RateLimit.Burst,
				"interval", c.server.opts.RateLimit.RefillInterval)
			continue
		}

		c.server.dispatch(ctx, c, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error closing connection in writePump", "error", err)
	}
}

// handleMessage writes one frame and returns false if the connection should
// be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "error", err)
	}
	return false
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
