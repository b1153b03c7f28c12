// Package httpx is the gateway's HTTP surface: host routing, session
// verification, challenge delivery and the origin proxy.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/byte4byte/b4b/internal/logger"
)

// NewHandler wraps the host router with logging and panic recovery.
func NewHandler(rt *Router, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(log), Recover(log))
	r.Handle("/*", rt)
	return r
}

// Server is the public gateway listener.
type Server struct {
	server *http.Server
	log    *slog.Logger
}

// NewServer does not set a write timeout: origins may legitimately take
// up to the origin timeout to answer.
func NewServer(addr string, h http.Handler, log *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: log.With(logger.Component("gateway")),
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", slog.String("addr", s.server.Addr))
		err := s.server.ListenAndServe()
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return <-errc
}
