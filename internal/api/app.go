package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/skillswap-chat/internal/auth"
	"github.com/npezzotti/skillswap-chat/internal/config"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/server"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

type Metrics interface {
	ObserveRequest(method, path string, status int, dur time.Duration)
	Handler() http.Handler
}

type ChatApp struct {
	log             zerolog.Logger
	db              database.ChatRepository
	cs              *server.ChatServer
	auth            Authenticator
	metrics         Metrics
	allowedOrigins  []string
	handler         http.Handler
	srv             *http.Server
	generateShortId func() (string, error)
}

func NewChatApp(logger zerolog.Logger, cs *server.ChatServer, db database.ChatRepository, authn Authenticator, metrics Metrics, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:             logger,
		db:              db,
		cs:              cs,
		auth:            authn,
		metrics:         metrics,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)

	r.Get("/healthz", s.healthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ws", s.serveWs)
		r.Post("/api/conversations", s.createConversation)
		r.Get("/api/conversations", s.listConversations)
		r.Get("/api/conversations/{id}/messages", s.getMessages)
		r.Get("/api/notifications", s.listNotifications)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)

	s.handler = s.errorHandler(h)
	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.handler
}

func (s *ChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
