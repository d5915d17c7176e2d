// Package server exposes the chat, ticket and account use cases over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"busticket-agent/internal/auth"
	"busticket-agent/internal/domain"
	"busticket-agent/internal/usecase"
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	CreateThread(ctx context.Context, userID string) (string, error)
}

type TicketUseCase interface {
	ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error)
	CancelBooking(ctx context.Context, userID, bookingID string) (domain.BookingRecord, error)
}

type AccountUseCase interface {
	Register(ctx context.Context, in usecase.RegisterInput) (domain.User, error)
	Login(ctx context.Context, in usecase.LoginInput) (usecase.Token, error)
	Me(ctx context.Context, username string) (domain.User, error)
}

type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Deps are the use cases behind the routes. Accounts and Tokens may be nil,
// in which case the account routes are not registered.
type Deps struct {
	Chat     ChatUseCase
	Tickets  TicketUseCase
	Accounts AccountUseCase
	Tokens   TokenVerifier
}

type Options struct {
	Port            string
	AuthRequired    bool
	RateLimitPerMin int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type Server struct {
	deps   Deps
	opts   Options
	log    *zap.Logger
	engine *gin.Engine
}

func New(deps Deps, opts Options, log *zap.Logger) (*Server, error) {
	if deps.Chat == nil || deps.Tickets == nil {
		return nil, errors.New("server: chat and ticket use cases are required")
	}
	if opts.AuthRequired && deps.Tokens == nil {
		return nil, errors.New("server: auth required but no token verifier configured")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{deps: deps, opts: opts, log: log}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(correlationID())
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))
	r.Use(cors.New(corsConfig(s.opts.CORSOrigins)))
	r.Use(rateLimit(s.opts.RateLimitPerMin, s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("")
	api.Use(authenticate(s.deps.Tokens, s.opts.AuthRequired))
	{
		api.POST("/chat", s.handleChat)
		api.POST("/create-thread", s.handleCreateThread)
		api.GET("/bookings", s.handleListBookings)
		api.POST("/bookings/:id/cancel", s.handleCancelBooking)
	}

	if s.deps.Accounts != nil && s.deps.Tokens != nil {
		r.POST("/register", s.handleRegister)
		r.POST("/login", s.handleLogin)
		r.GET("/me", authenticate(s.deps.Tokens, true), s.handleMe)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", correlationHeader},
		ExposeHeaders: []string{"Content-Length", correlationHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.opts.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
