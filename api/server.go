// Package api provides the REST and SSE server for process values, alarms
// and provider control.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"batchhmi/config"
	"batchhmi/metrics"
)

// Server is the REST API server. Routes live under /api; Prometheus
// metrics are served at /metrics.
type Server struct {
	engine   Engine
	config   *config.WebConfig
	server   *http.Server
	stopHub  func()
	listener net.Listener
	running  bool
	mu       sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(eng Engine, cfg *config.WebConfig) *Server {
	return &Server{
		engine: eng,
		config: cfg,
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler builds the complete HTTP handler. The returned func releases the
// event stream.
func (s *Server) Handler() (http.Handler, func()) {
	api, stop := NewRouter(s.engine)
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Mount("/api", api)
	r.Handle("/metrics", metrics.Handler())
	return r, stop
}

// Start begins the HTTP server. The listener is bound before Start returns
// so a busy port is reported to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	handler, stop := s.Handler()
	s.stopHub = stop
	s.listener = ln
	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	// Open event streams only end when the hub closes them.
	s.stopHub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// ListenAddr returns the bound address while running, which differs from
// Address when port 0 was configured.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
