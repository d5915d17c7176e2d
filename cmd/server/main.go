package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"busticket-agent/internal/app"
	"busticket-agent/internal/config"
	"busticket-agent/internal/logging"
	"busticket-agent/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(logging.Options{Production: cfg.IsProduction(), Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build application", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("shutdown close failed", zap.Error(err))
		}
	}()

	deps := server.Deps{Chat: a.Chat, Tickets: a.Tickets}
	if a.Accounts != nil && a.Tokens != nil {
		deps.Accounts, deps.Tokens = a.Accounts, a.Tokens
	}
	srv, err := server.New(deps, server.Options{
		Port:            cfg.HTTPPort,
		AuthRequired:    cfg.AuthRequired,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
	}, log.Named("http"))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
