package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/emprops/relay/errors"
)

// ServerState is the atomic run state
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// ShutdownTimeout bounds how long Stop waits for goroutines to drain
const ShutdownTimeout = 10 * time.Second

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

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

// Start brings the server up: store ping, keyspace mask, bus, fan-out loop,
// then the HTTP listener. Any failure before the listener aborts startup.
// Start blocks until the listener exits.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	if err := s.store.Ping(s.ctx); err != nil {
		return errors.Wrap(err, "store unreachable")
	}
	// The bus is blind to worker hash writes without the notification mask;
	// refuse to start degraded.
	if err := s.store.ConfigureKeyspaceNotifications(s.ctx); err != nil {
		return errors.Wrap(err, "keyspace notification mask rejected")
	}

	s.wg.Add(1)
	go s.runFanout()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bus.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Errorw("Event bus exited", "error", err)
		}
	}()

	s.wg.Add(1)
	go s.runStatsBroadcaster()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.setState(ServerStateRunning)
	s.logger.Infow("Server listening",
		"addr", addr,
		"redis_url", s.cfg.Redis.URL,
	)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the server: stop accepting, close connections with their
// final frames, cancel everything, and wait bounded for goroutines.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	// Closing registry entries wakes SSE loops and write pumps, which send
	// close frames (1000) before exiting.
	for _, c := range s.registry.sseSnapshot() {
		s.registry.removeSSE(c.id)
	}
	for _, c := range s.registry.duplexSnapshot() {
		s.registry.removeDuplex(c)
	}
	for _, m := range s.registry.monitorSnapshot() {
		s.registry.removeMonitor(m.id)
	}

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warnw("Store close failed", "error", err)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete",
		"events_routed", s.eventsRouted.Load(),
		"event_drops", s.eventDrops.Load(),
	)
	return nil
}
