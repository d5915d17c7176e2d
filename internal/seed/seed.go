// Package seed imports the route catalog and provider knowledge that the
// info answers are built from.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

var chunkNamespace = uuid.MustParse("9c1d5a52-7a3e-4f7e-8a51-2f0b6c3d4e71")

type CatalogStore interface {
	RouteCatalog(ctx context.Context) (domain.RouteCatalog, error)
	PutRouteCatalog(ctx context.Context, catalog domain.RouteCatalog) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type KnowledgeWriter interface {
	Upsert(ctx context.Context, chunk domain.KnowledgeChunk, vector []float32) error
}

// LoadCatalog decodes a data.json style document. Keys other than districts
// and bus_providers are ignored; a document with neither is an error.
func LoadCatalog(r io.Reader) (domain.RouteCatalog, error) {
	var c domain.RouteCatalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return domain.RouteCatalog{}, fmt.Errorf("seed: decode catalog: %w", err)
	}
	if c.Empty() {
		return domain.RouteCatalog{}, errors.New("seed: catalog has no districts or bus providers")
	}
	return c, nil
}

// ImportCatalog merges incoming into the stored catalog, skipping districts
// and providers whose names already exist. It returns how many entries were
// added; nothing is written when that is zero.
func ImportCatalog(ctx context.Context, store CatalogStore, incoming domain.RouteCatalog, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	current, err := store.RouteCatalog(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("seed: read catalog: %w", err)
	}
	merged, added := current.Merge(incoming)
	if added == 0 {
		log.Info("catalog already up to date")
		return 0, nil
	}
	if err := store.PutRouteCatalog(ctx, merged); err != nil {
		return 0, fmt.Errorf("seed: write catalog: %w", err)
	}
	log.Info("catalog imported",
		zap.Int("added", added), zap.Int("districts", len(merged.Districts)), zap.Int("providers", len(merged.BusProviders)))
	return added, nil
}

type ChunkOptions struct {
	Size    int
	Overlap int
}

func (o ChunkOptions) normalized() ChunkOptions {
	if o.Size <= 0 {
		o.Size = defaultChunkSize
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		o.Overlap = 0
	}
	return o
}

// Chunk splits text on word boundaries into pieces of at most opts.Size
// bytes, each starting with up to opts.Overlap bytes of the previous piece.
// A single word longer than Size becomes its own piece.
func Chunk(text string, opts ChunkOptions) []string {
	opts = opts.normalized()
	words := strings.Fields(text)
	var chunks []string
	for start := 0; start < len(words); {
		end, size := start, 0
		for end < len(words) {
			next := size + len(words[end])
			if end > start {
				next++
			}
			if end > start && next > opts.Size {
				break
			}
			size = next
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		back, carried := end, 0
		for back > start+1 && carried+len(words[back-1])+1 <= opts.Overlap {
			back--
			carried += len(words[back]) + 1
		}
		start = back
	}
	return chunks
}

// IngestKnowledge chunks every .txt file under fsys, embeds each chunk and
// upserts it. Chunk ids derive from the file path and position so repeated
// runs overwrite instead of duplicating.
func IngestKnowledge(ctx context.Context, fsys fs.FS, embed Embedder, index KnowledgeWriter, opts ChunkOptions, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	total := 0
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(path.Ext(p), ".txt") {
			return nil
		}
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("seed: read %s: %w", p, err)
		}
		pieces := Chunk(string(raw), opts)
		for i, content := range pieces {
			if err := ctx.Err(); err != nil {
				return err
			}
			vector, err := embed.Embed(ctx, content)
			if err != nil {
				return fmt.Errorf("seed: embed %s#%d: %w", p, i, err)
			}
			chunk := domain.KnowledgeChunk{
				ID:      uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", p, i))).String(),
				Source:  p,
				Content: content,
			}
			if err := index.Upsert(ctx, chunk, vector); err != nil {
				return fmt.Errorf("seed: upsert %s#%d: %w", p, i, err)
			}
		}
		log.Info("knowledge file ingested", zap.String("source", p), zap.Int("chunks", len(pieces)))
		total += len(pieces)
		return nil
	})
	return total, err
}
