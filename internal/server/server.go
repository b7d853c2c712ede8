package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/realtime"
)

// activeCanceller lets the REST cancel route abort an in-flight handler,
// which Queue.Cancel leaves running; satisfied by *processor.Processor.
type activeCanceller interface {
	CancelActive(jobID string) bool
}

// Server wires the REST and WebSocket surface (spec §6) on top of the
// durable Queue, the Agent Lock-guarded Processor, and the realtime Hub.
type Server struct {
	queue     interfaces.Queue
	active    activeCanceller
	hub       *realtime.Hub
	verify    TokenVerifier
	logger    *common.Logger
	intervals *syncIntervals

	server *http.Server
}

// Deps bundles the collaborators NewServer wires into the HTTP surface.
type Deps struct {
	Queue  interfaces.Queue
	Active activeCanceller
	Hub    *realtime.Hub
	Verify TokenVerifier
	Logger *common.Logger
	Host   string
	Port   int
}

// NewServer builds the Server and its underlying http.Server, but does not
// start listening; call Start for that.
func NewServer(d Deps) *Server {
	s := &Server{
		queue:     d.Queue,
		active:    d.Active,
		hub:       d.Hub,
		verify:    d.Verify,
		logger:    d.Logger,
		intervals: newSyncIntervals(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := applyMiddleware(mux, d.Logger, d.Verify)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.Host, d.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins listening; it blocks until the server stops or errors.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting operation queue API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
