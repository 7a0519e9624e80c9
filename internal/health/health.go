// Package health exposes the liveness and metrics HTTP endpoints (spec §1
// "Out of scope", listed here purely as ambient infrastructure the core
// depends on but does not implement). The PID file is written and removed
// by the dispatcher package.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
	"github.com/mozilla-conduit/git-hg-sync/pkg/metrics"
)

// Server serves /healthz, /__lbheartbeat__, and /metrics.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a health/metrics server bound to addr. It does not
// start listening until Run is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/__lbheartbeat__", handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("health")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.httpServer.Addr).Msg("starting health endpoint")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
