// Package api serves a read-only HTTP view over the indexed data: indexer
// status, active markets, market trades, and per-user PnL. It never writes;
// every endpoint is a thin JSON wrapper over a store query.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the status HTTP API.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server on the given port.
func NewServer(port int, queries Queries, logger *slog.Logger) *Server {
	handlers := NewHandlers(queries, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/stats", handlers.HandleStats)
	mux.HandleFunc("GET /api/markets", handlers.HandleMarkets)
	mux.HandleFunc("GET /api/markets/{conditionID}", handlers.HandleMarket)
	mux.HandleFunc("GET /api/markets/{conditionID}/trades", handlers.HandleMarketTrades)
	mux.HandleFunc("GET /api/markets/{conditionID}/positions", handlers.HandleTopPositions)
	mux.HandleFunc("GET /api/users/{address}/pnl", handlers.HandleUserPnL)
	mux.HandleFunc("GET /api/users/{address}/stats", handlers.HandleUserStats)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
