package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/adalundhe/recall/core/config"
	"github.com/adalundhe/recall/core/memory"
)

// recallEndpoints name the endpoints whose memory context is a full hybrid
// retrieval rather than a lightweight session summary.
var recallEndpoints = map[string]bool{
	"historial-interacciones": true,
	"buscar-memoria":          true,
	"copiloto":                true,
}

// Server is the HTTP surface of the memory subsystem. Collaborator
// endpoints mount through Wrap; the built-in endpoints cover recall,
// history, health, and stats.
type Server struct {
	store     *memory.Store
	index     *memory.Index
	recorder  *memory.Recorder
	retriever *memory.Retriever
	counters  *memory.Counters
	logger    *slog.Logger

	mux  *http.ServeMux
	http *http.Server

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// Config wires the server's collaborators.
type Config struct {
	Server    config.ServerConfig
	Store     *memory.Store
	Index     *memory.Index // nil in store-only mode
	Recorder  *memory.Recorder
	Retriever *memory.Retriever
	Counters  *memory.Counters
	Logger    *slog.Logger

	SweepInterval time.Duration
}

// New assembles the server and registers the built-in endpoints.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counters == nil {
		cfg.Counters = &memory.Counters{}
	}

	s := &Server{
		store:         cfg.Store,
		index:         cfg.Index,
		recorder:      cfg.Recorder,
		retriever:     cfg.Retriever,
		counters:      cfg.Counters,
		logger:        cfg.Logger,
		mux:           http.NewServeMux(),
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
	}

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.registerRoutes()
	return s
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RegisterEndpoint mounts a collaborator endpoint behind the standard
// middleware. The endpoint name labels recorded events.
func (s *Server) RegisterEndpoint(pattern, endpoint string, handler HandlerFunc) {
	s.mux.HandleFunc(pattern, s.Wrap(endpoint, handler))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/salud", s.Wrap("salud", s.handleHealth))
	s.mux.HandleFunc("/buscar-memoria", s.Wrap("buscar-memoria", s.handleSearchMemory))
	s.mux.HandleFunc("/historial-interacciones", s.Wrap("historial-interacciones", s.handleHistory))
	s.mux.HandleFunc("/copiloto", s.Wrap("copiloto", s.handleCopilot))
	s.mux.HandleFunc("/stats", s.handleStats)
}

// Start runs the HTTP server and the TTL sweeper until the context is
// canceled, then drains connections within the shutdown timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	close(s.stopSweep)

	// Drain in-flight requests before closing the recorder: requests may
	// still be recording until Shutdown returns.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.recorder.Close()
	return err
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.store.SweepExpired(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("ttl sweep failed", "kind", "store_unavailable", "cause", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("ttl sweep removed events", "count", removed)
			}
		}
	}
}
