package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const checkTimeout = 3 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Server exposes /healthz (process alive) and /readyz (every registered
// dependency answers) for the background processes.
type Server struct {
	port   int
	logger *logrus.Entry

	mu     sync.RWMutex
	checks map[string]Check
	server *http.Server
}

func New(port int, logger *logrus.Logger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("pkg", "health.Server"),
		checks: make(map[string]Check),
	}
}

func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	failures := make(map[string]string)
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		s.logger.WithField("failures", failures).Warn("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": false, "failures": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": true})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("health server shutdown error: %v", err)
		}
	}()

	s.logger.Infof("health probe server listening on :%d", s.port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}
