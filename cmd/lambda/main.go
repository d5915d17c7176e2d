package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"busticket-agent/handler"
	"busticket-agent/internal/app"
	"busticket-agent/internal/config"
	"busticket-agent/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Options{Production: cfg.IsProduction(), Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// ---- Clients and use cases ----
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Chat, a.Tickets, log.Named("handler"))
	if err != nil {
		log.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}
