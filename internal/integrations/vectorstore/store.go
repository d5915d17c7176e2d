// Package vectorstore keeps provider knowledge passages in Postgres with
// pgvector and answers nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"busticket-agent/internal/domain"
)

const table = "provider_knowledge"

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db   querier
	dims int
}

func New(db querier, dims int) (*Store, error) {
	if db == nil {
		return nil, errors.New("vectorstore: db must not be nil")
	}
	if dims <= 0 {
		return nil, errors.New("vectorstore: embedding dimensions must be positive")
	}
	return &Store{db: db, dims: dims}, nil
}

// EnsureSchema creates the extension and table if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, s.dims),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, chunk domain.KnowledgeChunk, vector []float32) error {
	if chunk.ID == "" {
		return errors.New("vectorstore: chunk id is required")
	}
	if len(vector) != s.dims {
		return fmt.Errorf("vectorstore: embedding has %d dimensions, want %d", len(vector), s.dims)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO `+table+` (id, source, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET source = EXCLUDED.source, content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding, updated_at = now()`,
		chunk.ID, chunk.Source, chunk.Content, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %s: %w", chunk.ID, err)
	}
	return nil
}

// Search returns the topK passages closest to vector by cosine distance.
// Score is the cosine similarity.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]domain.KnowledgeChunk, error) {
	if len(vector) != s.dims {
		return nil, fmt.Errorf("vectorstore: query has %d dimensions, want %d", len(vector), s.dims)
	}
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, source, content, 1 - (embedding <=> $1) AS score
		FROM `+table+`
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	var out []domain.KnowledgeChunk
	for rows.Next() {
		var c domain.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Content, &c.Score); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: rows: %w", err)
	}
	return out, nil
}
