package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/server"
)

type ChatRelayApp struct {
	log            *logger.Logger
	store          database.Store
	srv            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
}

// NewChatRelayApp registers the API routes on mux, which may already
// carry other handlers such as /metrics.
func NewChatRelayApp(mux *http.ServeMux, l *logger.Logger, cs *server.ChatServer, store database.Store, cfg *config.Config) *ChatRelayApp {
	s := &ChatRelayApp{
		log:            l,
		store:          store,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /api/health", s.healthCheck)
	mux.HandleFunc("GET /api/rooms/{room}/users", s.getRoomUsers)
	mux.HandleFunc("GET /api/rooms/{room}/messages", s.getRoomMessages)
	mux.HandleFunc("GET /api/messages/private", s.getPrivateMessages)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatRelayApp) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *ChatRelayApp) Start() error {
	s.log.Info("starting server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ChatRelayApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
