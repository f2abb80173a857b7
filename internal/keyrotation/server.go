package keyrotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Klingon-tech/orignode/internal/log"
)

// Server publishes the manager's keys:
//
//	GET /rotation/current
//	GET /rotation/history
type Server struct {
	addr    string
	manager *Manager
	server  *http.Server

	mu       sync.Mutex
	ln       net.Listener
	stopOnce sync.Once
}

// NewServer creates a server for addr. Nothing listens until Start.
func NewServer(addr string, m *Manager) *Server {
	s := &Server{addr: addr, manager: m}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/rotation/current", s.handleCurrent)
	r.Get("/rotation/history", s.handleHistory)
	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("key rotation listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Security.Error().Err(err).Msg("Key rotation server error")
		}
	}()
	log.Security.Info().Str("addr", ln.Addr().String()).Msg("Key rotation endpoint listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down. Repeated calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.ln != nil
		s.mu.Unlock()
		if started {
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	key := s.manager.Current()
	if key == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no rotation key yet"})
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.History())
}
