// Package server is the ingress surface and fan-out engine: HTTP + WebSocket
// routing, the connection registry, monitor snapshots, and the single
// goroutine that routes lifecycle events to every attached connection.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/emprops/relay/bus"
	"github.com/emprops/relay/config"
	"github.com/emprops/relay/event"
	"github.com/emprops/relay/fleet"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/store"
)

// eventBufferSize bounds the fan-out channel. Producers drop rather than
// block when the loop falls behind.
const eventBufferSize = 256

// Server owns every long-lived component: the store, the bus, the admission
// queue, the reconciler, and the connection registry.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	queue      *job.Queue
	reconciler *fleet.Reconciler
	bus        *bus.Bus
	registry   *registry
	events     chan event.Event
	logger     *zap.SugaredLogger

	httpServer *http.Server

	// allowedOrigins is replaced wholesale on config reload
	originsMu      sync.RWMutex
	allowedOrigins []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state        atomic.Int32
	startedAt    time.Time
	eventsRouted atomic.Int64
	eventDrops   atomic.Int64
}

// New builds a server from its dependencies. Nothing starts until Start.
func New(cfg *config.Config, st *store.Store, logger *zap.SugaredLogger) *Server {
	events := make(chan event.Event, eventBufferSize)

	s := &Server{
		cfg:            cfg,
		store:          st,
		queue:          job.NewQueue(st, events, logger),
		reconciler:     fleet.NewReconciler(st, events, logger),
		registry:       newRegistry(),
		events:         events,
		logger:         logger,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}
	s.bus = bus.New(st, events, s.reconciler, logger)
	return s
}

// SetAllowedOrigins swaps the CORS allow-list, used by config hot reload
func (s *Server) SetAllowedOrigins(origins []string) {
	s.originsMu.Lock()
	s.allowedOrigins = origins
	s.originsMu.Unlock()
	s.logger.Infow("CORS allow-list updated", "origins", origins)
}

func (s *Server) originAllowed(origin string) bool {
	s.originsMu.RLock()
	defer s.originsMu.RUnlock()
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authorized validates a supplied token against the configured secret.
// A missing token is allowed; a wrong one is not.
func (s *Server) authorized(token string) bool {
	if token == "" {
		return true
	}
	return token == s.cfg.Server.AuthToken
}
