package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/byte4byte/b4b/internal/logger"
)

var ErrNoClientCA = errors.New("metrics: no certificates in client CA file")

// Config configures the ops server.
type Config struct {
	Enabled  bool
	Addr     string
	TLSCert  string
	TLSKey   string
	ClientCA string
}

func (c Config) tls() bool { return c.TLSCert != "" && c.TLSKey != "" }

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server serves /metrics, /healthz and /readyz.
type Server struct {
	server *http.Server
	config Config
	log    *slog.Logger
}

// NewServer builds the ops server. Every check must pass for /readyz to
// report ready.
func NewServer(cfg Config, g prometheus.Gatherer, log *slog.Logger, checks ...Check) (*Server, error) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Router(g, checks...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.tls() {
		tc := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.ClientCA != "" {
			pool, err := loadCertPool(cfg.ClientCA)
			if err != nil {
				return nil, err
			}
			tc.ClientCAs = pool
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		}
		srv.TLSConfig = tc
	}
	return &Server{server: srv, config: cfg, log: log.With(logger.Component("ops"))}, nil
}

// Router is the ops handler tree.
func Router(g prometheus.Gatherer, checks ...Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s not ready", c.Name), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("ops server disabled")
		return nil
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", slog.String("addr", s.config.Addr), slog.Bool("tls", s.config.tls()))
		var err error
		if s.config.tls() {
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			err = s.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops shutdown: %w", err)
	}
	return <-errc
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrNoClientCA
	}
	return pool, nil
}
