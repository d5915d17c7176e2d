// Package app builds the application graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"busticket-agent/internal/auth"
	"busticket-agent/internal/config"
	"busticket-agent/internal/dialogue"
	"busticket-agent/internal/domain"
	"busticket-agent/internal/repository"
	"busticket-agent/internal/usecase"
)

// Store is everything the use cases need from the persistence backend.
type Store interface {
	usecase.ConversationStore
	usecase.BookingStore
	usecase.AtomicCommitter
	usecase.CatalogReader
	usecase.UserStore
	PutRouteCatalog(ctx context.Context, catalog domain.RouteCatalog) error
}

// KnowledgeIndex stores and searches provider knowledge passages.
type KnowledgeIndex interface {
	usecase.KnowledgeSearcher
	Upsert(ctx context.Context, chunk domain.KnowledgeChunk, vector []float32) error
}

// Components are the infrastructure clients the use cases run on. Optional
// ones are left nil when not configured.
type Components struct {
	Store     Store
	LLM       usecase.TextGenerator
	Embedder  usecase.Embedder
	Moderator usecase.Moderator
	Knowledge KnowledgeIndex
	Locker    usecase.Locker
	Events    usecase.EventPublisher
}

type App struct {
	Config    config.Config
	Log       *zap.Logger
	Store     Store
	Catalog   *repository.CachedCatalog
	Knowledge KnowledgeIndex
	Embedder  usecase.Embedder
	Chat      *usecase.ChatService
	Tickets   *usecase.TicketService
	Accounts  *usecase.AuthService
	Tokens    *auth.JWT

	closers []func(context.Context) error
}

// Assemble wires the use cases on top of already built components.
func Assemble(cfg config.Config, log *zap.Logger, c Components) (*App, error) {
	if c.Store == nil || c.LLM == nil || c.Locker == nil {
		return nil, errors.New("app: store, llm and locker are required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	machine, err := dialogue.NewMachine(dialogue.Config{
		Fields:          dialogue.DefaultFields(),
		ConfirmKeywords: cfg.ConfirmKeywords,
		HistoryWindow:   cfg.HistoryWindow,
		DuplicateWindow: cfg.DuplicateConfirmWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("app: dialogue machine: %w", err)
	}

	timeout, backoff := cfg.DependencyTimeout, cfg.RetryBackoff
	catalog := repository.NewCachedCatalog(c.Store, cfg.CatalogCacheTTL)

	committer, err := usecase.NewCommitter(c.Store, c.Store, c.Events, log.Named("commit"), timeout)
	if err != nil {
		return nil, err
	}
	engine, err := usecase.NewBookingEngine(machine, c.LLM, c.Store, committer, log.Named("booking"), timeout, backoff)
	if err != nil {
		return nil, err
	}
	router, err := usecase.NewIntentRouter(c.LLM, log.Named("router"), timeout, backoff)
	if err != nil {
		return nil, err
	}

	var infoOpts []usecase.InfoOption
	if c.Knowledge != nil && c.Embedder != nil {
		infoOpts = append(infoOpts, usecase.WithKnowledge(c.Embedder, c.Knowledge, cfg.KnowledgeTopK))
	}
	info, err := usecase.NewInfoService(c.LLM, catalog, log.Named("info"), timeout, backoff, infoOpts...)
	if err != nil {
		return nil, err
	}
	tickets, err := usecase.NewTicketService(c.Store, log.Named("tickets"), timeout, backoff)
	if err != nil {
		return nil, err
	}

	var chatOpts []usecase.ChatOption
	if c.Moderator != nil {
		chatOpts = append(chatOpts, usecase.WithModeration(c.Moderator))
	}
	chat, err := usecase.NewChatService(c.Store, router, engine, info, tickets, c.Locker, log.Named("chat"), usecase.ChatConfig{
		MaxMessageLen: cfg.MaxMessageLength,
		RouterHistory: cfg.RouterHistory,
		HistoryWindow: cfg.HistoryWindow,
		CallTimeout:   timeout,
		RetryBackoff:  backoff,
	}, chatOpts...)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Log:       log,
		Store:     c.Store,
		Catalog:   catalog,
		Knowledge: c.Knowledge,
		Embedder:  c.Embedder,
		Chat:      chat,
		Tickets:   tickets,
	}

	if cfg.JWTSecret != "" {
		tokens, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL)
		if err != nil {
			return nil, err
		}
		accounts, err := usecase.NewAuthService(c.Store, auth.NewBcrypt(0), tokens, log.Named("auth"), timeout)
		if err != nil {
			return nil, err
		}
		a.Tokens, a.Accounts = tokens, accounts
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases clients in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
