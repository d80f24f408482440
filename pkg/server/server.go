// Package server exposes the pool and event bus to remote clients:
// a WebSocket event stream with subscription management and a small
// HTTP API for leasing execution contexts.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/browserd/pkg/browser"
	"github.com/odvcencio/browserd/pkg/events"
	"github.com/odvcencio/browserd/pkg/logging"
	"github.com/odvcencio/browserd/pkg/pool"
	"github.com/odvcencio/browserd/pkg/storage"
)

// Config controls the server.
type Config struct {
	Bind            string
	AllowedOrigins  []string
	MaxEventClients int
	EventBufferSize int
	MessageInterval time.Duration

	// DefaultPolicy applies to acquires that omit policy fields.
	DefaultPolicy browser.Policy
}

// clientState tracks one connected event stream client and the
// execution contexts bound to it.
type clientState struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	contexts map[string]struct{}
}

func (c *clientState) bind(ctxID string) {
	c.mu.Lock()
	c.contexts[ctxID] = struct{}{}
	c.mu.Unlock()
}

func (c *clientState) unbind(ctxID string) {
	c.mu.Lock()
	delete(c.contexts, ctxID)
	c.mu.Unlock()
}

func (c *clientState) boundContexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.contexts))
	for id := range c.contexts {
		out = append(out, id)
	}
	return out
}

// Server wires the pool, bus, and optional history store behind HTTP.
type Server struct {
	cfg    Config
	pool   *pool.Pool
	bus    *events.Bus
	store  *storage.Store
	logger *logging.Logger

	connLimiter *connLimiter
	msgLimiter  *rateLimiter

	mu      sync.Mutex
	clients map[string]*clientState

	httpServer *http.Server
}

// New creates a Server. store and logger may be nil.
func New(cfg Config, p *pool.Pool, bus *events.Bus, store *storage.Store, logger *logging.Logger) *Server {
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 50 * time.Millisecond
	}

	s := &Server{
		cfg:         cfg,
		pool:        p,
		bus:         bus,
		store:       store,
		logger:      logger,
		connLimiter: newConnLimiter(cfg.MaxEventClients),
		msgLimiter:  newRateLimiter(cfg.MessageInterval),
		clients:     make(map[string]*clientState),
	}

	// A connection that cannot keep up with its event buffer gets
	// deregistered by the bus; close its socket too.
	bus.OnSlowConsumer(func(connID string) {
		s.disconnectClient(connID)
	})

	router := chi.NewRouter()
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws/browser/events", s.handleEventStream)
	router.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleAcquireSession)
		r.Get("/history", s.handleSessionHistory)
		r.Route("/{contextID}", func(r chi.Router) {
			r.Delete("/", s.handleReleaseSession)
			r.Post("/navigate", s.handleNavigate)
		})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryServer, "listening", "server started", map[string]any{
			"bind": s.cfg.Bind,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// disconnectClient cancels a client's connection context, which tears
// down its read/write loops and triggers the usual disconnect path.
func (s *Server) disconnectClient(connID string) {
	s.mu.Lock()
	state, ok := s.clients[connID]
	s.mu.Unlock()
	if ok {
		state.cancel()
	}
}

// registerClient records a connected client.
func (s *Server) registerClient(connID string, cancel context.CancelFunc) *clientState {
	state := &clientState{
		cancel:   cancel,
		contexts: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[connID] = state
	s.mu.Unlock()
	return state
}

// dropClient removes a client and releases every execution context
// bound to it. Called exactly once per connection, on disconnect.
func (s *Server) dropClient(connID string, state *clientState) {
	s.mu.Lock()
	delete(s.clients, connID)
	s.mu.Unlock()

	s.bus.Deregister(connID)
	s.msgLimiter.Forget(connID)

	for _, ctxID := range state.boundContexts() {
		if err := s.pool.Release(ctxID); err != nil {
			s.logger.Warn(logging.CategoryConnection, "release_failed", "failed to release bound context", map[string]any{
				"client_id":  connID,
				"context_id": ctxID,
				"error":      err.Error(),
			})
		}
	}

	s.logger.Info(logging.CategoryConnection, "disconnected", "client disconnected", map[string]any{
		"client_id": connID,
	})
}

// lookupClient returns the state for a connected client.
func (s *Server) lookupClient(connID string) (*clientState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.clients[connID]
	return state, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":    "ok",
		"instances": s.pool.InstanceCount(),
		"contexts":  s.pool.ContextCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
