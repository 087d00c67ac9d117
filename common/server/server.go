// Package server runs a service's HTTP listener with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
)

// DefaultShutdownTimeout bounds Shutdown when the config has no write timeout.
const DefaultShutdownTimeout = 15 * time.Second

// New builds an http.Server on the service's port. Timeouts left zero in
// svc fall back to the shared server settings.
func New(svc, shared config.ServerConfig, handler http.Handler) *http.Server {
	pick := func(a, b time.Duration) time.Duration {
		if a > 0 {
			return a
		}
		return b
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", svc.Port),
		Handler:           handler,
		ReadTimeout:       pick(svc.ReadTimeout, shared.ReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      pick(svc.WriteTimeout, shared.WriteTimeout),
		IdleTimeout:       pick(svc.IdleTimeout, shared.IdleTimeout),
	}
}

// Run serves until ctx is cancelled, then shuts down within the server's
// write timeout. It returns the listener error if serving fails first.
func Run(ctx context.Context, srv *http.Server, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	return Serve(ctx, srv, ln, logger)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	timeout := srv.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
