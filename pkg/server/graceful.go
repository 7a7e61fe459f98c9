// Package server wraps net/http with graceful shutdown driven by OS signals.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-chainindex/pkg/logging"
)

// GracefulServer is an HTTP server that drains in-flight requests on
// SIGINT/SIGTERM before exiting.
type GracefulServer struct {
	server       *http.Server
	logger       *logging.Logger
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// OnShutdown runs after the listener closes, before Start returns. Used
	// to stop the engine behind the handler.
	OnShutdown func()
}

// NewGracefulServer creates a graceful HTTP server on addr.
func NewGracefulServer(addr string, handler http.Handler, logger *logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:           addr,
			Handler:        handler,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger:     logger.With(logging.Component("server")),
		shutdownCh: make(chan struct{}),
	}
}

// Start serves until a shutdown signal arrives or the listener fails.
func (gs *GracefulServer) Start() error {
	go gs.handleSignals()

	gs.logger.Info("http server listening", logging.String("addr", gs.server.Addr))
	err := gs.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-gs.shutdownCh
	if gs.OnShutdown != nil {
		gs.OnShutdown()
	}
	return nil
}

// Shutdown drains in-flight requests, waiting at most timeout.
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		gs.logger.Info("shutting down", logging.Duration("timeout", timeout))
		err = gs.server.Shutdown(ctx)
		close(gs.shutdownCh)
	})
	return err
}

func (gs *GracefulServer) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	gs.logger.Info("signal received", logging.String("signal", sig.String()))
	if err := gs.Shutdown(30 * time.Second); err != nil {
		gs.logger.Error("shutdown failed", logging.Error(err))
	}
}
