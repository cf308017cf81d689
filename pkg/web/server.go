package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/logger"
)

// Server represents the HTTP API server
type Server struct {
	config config.WebConfig
	logger *logger.Logger
	server *http.Server
	hub    *WebSocketHub
	api    *API
	addr   string
	mu     sync.RWMutex
}

// NewServer creates a new web server instance
func NewServer(cfg config.WebConfig, api *API, hub *WebSocketHub, log *logger.Logger) *Server {
	return &Server{
		config: cfg,
		logger: log,
		hub:    hub,
		api:    api,
	}
}

// Handler returns the router with all API routes mounted
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /api/packets", s.api.HandleAddPacket)
	mux.HandleFunc("POST /api/cells", s.api.HandleAddCell)
	mux.HandleFunc("POST /api/locations", s.api.HandleAddLocation)

	// Queries
	mux.HandleFunc("GET /api/cells", s.api.HandleListCells)
	mux.HandleFunc("GET /api/cells/{id}", s.api.HandleGetCell)
	mux.HandleFunc("POST /api/cells/{id}/reset", s.api.HandleResetCell)
	mux.HandleFunc("GET /api/events", s.api.HandleEvents)
	mux.HandleFunc("GET /api/health", s.api.HandleHealth)

	// WebSocket endpoint
	mux.Handle("/ws", s.hub.Handler())

	return mux
}

// Start starts the HTTP server and the WebSocket hub
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server is disabled")
		return nil
	}

	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start listener to get actual address (especially for port 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("Starting web server",
		logger.String("address", s.addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// GetAddr returns the address the server is listening on
func (s *Server) GetAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *WebSocketHub {
	return s.hub
}
