package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gocomet/internal/metrics"
	"github.com/Tyrowin/gocomet/internal/session"
	"github.com/Tyrowin/gocomet/internal/worker"
)

// Backend admits connections and resolves socket handlers.
type Backend interface {
	ID() string
	Admit(ctx context.Context, p session.Params) (*session.Session, error)
	Disconnect(ctx context.Context, s *session.Session)
	SocketHandlers(event string) []worker.SocketHandler
	Handler() http.Handler
}

// Server is the HTTP and WebSocket front of one worker.
type Server struct {
	opts     Options
	backend  Backend
	workerID string
	hub      *Hub
	upgrader websocket.Upgrader
	http     *http.Server
	log      *slog.Logger
}

func New(opts Options, backend Backend, log *slog.Logger) *Server {
	opts = sanitizeOptions(opts)
	s := &Server{
		opts:     opts,
		backend:  backend,
		workerID: backend.ID(),
		hub:      NewHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked during admission so the client gets a
			// rejection frame instead of a failed handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
	s.http = CreateServer(opts.Addr, s.Routes())
	return s
}

// Routes builds the HTTP mux: health, WebSocket, metrics and module routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	if s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, metrics.Handler())
	}
	mux.Handle("/", s.backend.Handler())
	return mux
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub { return s.hub }

// CreateServer creates an HTTP server with production timeouts.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartHub runs the hub loop in its own goroutine.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// ListenAndServe blocks until the HTTP server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("Server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests, then closes every client.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("HTTP server shutdown error", "error", err)
		return err
	}
	s.log.Info("HTTP server shutdown completed")

	return s.hub.Shutdown(timeout)
}
