package poe

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultShutdownGrace = 10 * time.Second

// RunConfig tunes Run. The zero value listens on :8080 with a ten second
// shutdown grace period.
type RunConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string

	// ShutdownGrace bounds how long in-flight requests get to finish after
	// a shutdown signal.
	ShutdownGrace time.Duration

	// Logger overrides the server's logger for runner messages.
	Logger *zap.Logger
}

// Run serves s until SIGINT or SIGTERM, then notifies active streams and
// drains in-flight requests before returning. The result is the process
// exit code.
func Run(s *Server, cfg RunConfig) int {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = s.logger
	}

	httpServer := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("bot server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			return 1
		}
		return 0
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	// Let active streams write their interruption record before the
	// listener drains.
	s.NotifyShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		httpServer.Close()
		return 1
	}

	logger.Info("server stopped")
	return 0
}

// RunLocal serves s on addr, exiting the process when the server stops. It
// is the short form for local development mains.
func RunLocal(s *Server, addr string) {
	os.Exit(Run(s, RunConfig{Addr: addr}))
}
