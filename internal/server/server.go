package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fsseer/battle-sub000/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownGrace     = 5 * time.Second
)

// Server owns the HTTP listener lifecycle. It runs until the signal context is
// cancelled, then drains in-flight requests within the shutdown grace period.
type Server struct {
	logger *slog.Logger
	http   *http.Server

	shutdownOnce sync.Once
}

// New binds the handler to the configured listen address.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger: logger.With(slog.String("subsystem", "lifecycle")),
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}, nil
}

// Run serves until ctx is cancelled or the listener fails. On cancellation the
// listener is shut down gracefully and the context error is returned so the
// caller can distinguish an operator stop from a crash.
func (s *Server) Run(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- fmt.Errorf("server: listen: %w", err)
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.shutdown(drainCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("http listener shutting down")
		err = s.http.Shutdown(ctx)
	})
	return err
}
