package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zde37/chordring/pkg"
)

// Server exposes the ring event stream on /ws and the node collectors on
// /metrics.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	gatherer   prometheus.Gatherer
	logger     *pkg.Logger
	mu         sync.Mutex
	serveErr   chan error
}

// NewServer creates an HTTP server around hub. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(hub *WebSocketHub, gatherer prometheus.Gatherer, logger *pkg.Logger) (*Server, error) {
	if hub == nil {
		return nil, fmt.Errorf("websocket hub cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		wsHub:    hub,
		gatherer: gatherer,
		logger:   logger.WithComponent("http_api"),
	}, nil
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHub.HandleWebSocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", s.healthHandler)
	return corsMiddleware(mux)
}

// Start binds addr and serves in the background. The hub is started too.
// Addr returns the bound address, which matters when addr uses port 0.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.wsHub.Start()

	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the hub and gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info().Msg("Stopping HTTP API server")
	s.wsHub.Stop()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := <-s.serveErr; err != nil {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
