package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"busticket-agent/internal/app"
	"busticket-agent/internal/config"
	"busticket-agent/internal/logging"
	"busticket-agent/internal/seed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		catalogPath  string
		knowledgeDir string
		chunkSize    int
		chunkOverlap int
	)
	flagSet := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	flagSet.StringVarP(&catalogPath, "catalog", "c", "", "route catalog JSON file (districts and bus providers) to merge")
	flagSet.StringVarP(&knowledgeDir, "knowledge", "k", "", "directory of provider .txt files to embed and index")
	flagSet.IntVar(&chunkSize, "chunk-size", 1000, "maximum knowledge chunk size in bytes")
	flagSet.IntVar(&chunkOverlap, "chunk-overlap", 200, "bytes carried over between consecutive chunks")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if catalogPath == "" && knowledgeDir == "" {
		flagSet.Usage()
		return errors.New("nothing to seed: pass --catalog and/or --knowledge")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(logging.Options{Production: cfg.IsProduction(), Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if catalogPath != "" {
		f, err := os.Open(catalogPath)
		if err != nil {
			return err
		}
		incoming, err := seed.LoadCatalog(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		if _, err := seed.ImportCatalog(ctx, a.Store, incoming, log.Named("catalog")); err != nil {
			return err
		}
		a.Catalog.Invalidate()
	}

	if knowledgeDir != "" {
		if a.Knowledge == nil || a.Embedder == nil {
			return errors.New("knowledge ingestion needs PGVECTOR_DSN and an embedding model")
		}
		n, err := seed.IngestKnowledge(ctx, os.DirFS(knowledgeDir), a.Embedder, a.Knowledge,
			seed.ChunkOptions{Size: chunkSize, Overlap: chunkOverlap}, log.Named("knowledge"))
		if err != nil {
			return err
		}
		log.Info("knowledge seeded", zap.Int("chunks", n))
	}
	return nil
}
