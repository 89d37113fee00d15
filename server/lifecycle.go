package server

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the hub, the relay and the job update
// broadcaster. Safe to call more than once.
func (s *Server) startBackgroundServices() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	if s.relay != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.Run(s.ctx, s.hub.deliver)
		}()
	}

	s.startJobUpdateBroadcaster()
}

// Start serves HTTP on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.startBackgroundServices()

	if s.relay != nil {
		pingCtx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
		if err := s.relay.Ping(pingCtx); err != nil {
			s.logger.Warnw("Event relay unreachable, events stay local until it recovers", logger.FieldError, err)
		}
		cancel()
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Infow("HTTP server listening", logger.FieldAddress, addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return nil
}

// Stop gracefully shuts down the server. The worker pool is owned by the
// caller and must be stopped separately.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "http shutdown")
		}
	}

	// Hijacked WebSocket connections are not covered by Shutdown
	if n := s.hub.closeAll(); n > 0 {
		s.logger.Infow("Closed client connections", logger.FieldCount, n)
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.logger.Warnw("Failed to close event relay", logger.FieldError, err)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.hub.Drops())
	return shutdownErr
}
