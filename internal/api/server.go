package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/api/auth"
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
)

// Runtime is what the admin API inspects and publishes into.
type Runtime interface {
	Store() storage.Store
	Publish(ctx context.Context, envs ...messages.Envelope) error
	DeadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error)
}

// Options configures a Server.
type Options struct {
	Port int
	// JWTSecret enables bearer-token auth on /api/v1 when set.
	JWTSecret string
	// WebhookSecret verifies X-Mandate-Signature on provider webhooks.
	WebhookSecret string
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	port    int
	runtime Runtime
	tokens  *auth.TokenService
	webhook *MandateWebhookHandler
}

// NewServer creates a new API server
func NewServer(runtime Runtime, opts Options) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("api request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	server := &Server{
		echo:    e,
		port:    opts.Port,
		runtime: runtime,
		webhook: NewMandateWebhookHandler(runtime, opts.WebhookSecret),
	}
	if opts.JWTSecret != "" {
		tokens, err := auth.NewTokenService(opts.JWTSecret)
		if err != nil {
			return nil, err
		}
		server.tokens = tokens
	}

	// Setup routes
	server.setupRoutes()

	return server, nil
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// Provider webhooks authenticate with their own signature
	s.echo.POST("/webhooks/mandate", s.webhook.HandleWebhook)

	// API v1 group
	v1 := s.echo.Group("/api/v1")
	if s.tokens != nil {
		v1.Use(auth.RequireAuth(s.tokens))
	}

	v1.GET("/sagas/conversation/:id", s.getConversation)
	v1.GET("/sagas/mandate/:id", s.getMandate)
	v1.GET("/sessions/:phone", s.getSession)
	v1.GET("/dead-letters", s.getDeadLetters)
	v1.POST("/messages", s.publishMessage)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("api server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
