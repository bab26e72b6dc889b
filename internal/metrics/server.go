package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled,omitempty"`
	Host    string `mapstructure:"host" json:"host,omitempty"`
	Port    int    `mapstructure:"port" json:"port,omitempty"`
	// Token, when set, must be sent as "Authorization: Bearer <token>".
	Token string `mapstructure:"token" json:"token,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Host:    "0.0.0.0",
		Port:    8088,
	}
}

// Server exposes a prometheus registry on its own listener.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Entry
}

func NewServer(cfg Config, logger *logrus.Logger, registry *prometheus.Registry) *Server {
	log := logger.WithField("pkg", "metrics.Server")

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		gatherer = registry
	}
	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          log,
	})
	if cfg.Token != "" {
		handler = requireToken(handler, cfg.Token)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	if cfg.Port <= 0 {
		cfg.Port = DefaultConfig().Port
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: log,
	}
}

func requireToken(next http.Handler, token string) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="metrics"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves in the background. Listen failures are logged.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("serving metrics")
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("metrics listener stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartMetricsServer registers the services' collectors on a fresh registry
// and serves them. Returns nil when metrics are disabled.
func StartMetricsServer(cfg Config, services []string, logger *logrus.Logger) *Server {
	if !cfg.Enabled {
		logger.WithField("pkg", "metrics.Server").Info("metrics disabled")
		return nil
	}

	registry := prometheus.NewRegistry()
	RegisterMetrics(services, registry, logger)

	server := NewServer(cfg, logger, registry)
	server.Start()
	return server
}
