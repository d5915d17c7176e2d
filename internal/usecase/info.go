package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

const (
	infoHistoryTurns     = 10
	defaultKnowledgeTopK = 5
	noProviderInfoReply  = "No relevant information found for this provider."
	providerInfoOffReply = "Sorry, I can't look up bus provider details right now."
	emptyCatalogReply    = "Sorry, I don't have any route information yet."
)

// InfoService answers read-only route and provider questions.
type InfoService struct {
	llm     TextGenerator
	catalog CatalogReader
	embed   Embedder
	search  KnowledgeSearcher
	topK    int
	policy  callPolicy
	log     *zap.Logger
}

type InfoOption func(*InfoService)

// WithKnowledge enables provider_info answers backed by vector search.
func WithKnowledge(embed Embedder, search KnowledgeSearcher, topK int) InfoOption {
	return func(s *InfoService) {
		s.embed = embed
		s.search = search
		if topK > 0 {
			s.topK = topK
		}
	}
}

func NewInfoService(llm TextGenerator, catalog CatalogReader, log *zap.Logger, timeout, backoff time.Duration, opts ...InfoOption) (*InfoService, error) {
	if llm == nil {
		return nil, errors.New("usecase: text generator must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("usecase: catalog reader must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &InfoService{
		llm:     llm,
		catalog: catalog,
		topK:    defaultKnowledgeTopK,
		policy:  newCallPolicy(timeout, backoff),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AskInfo answers route questions from the seeded route catalog.
func (s *InfoService) AskInfo(ctx context.Context, message string, history []domain.Turn) (string, error) {
	var catalog domain.RouteCatalog
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var readErr error
		catalog, readErr = s.catalog.RouteCatalog(ctx)
		return readErr
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", storageError("catalog_read_error", err)
	}
	if catalog.Empty() {
		return emptyCatalogReply, nil
	}

	if len(history) > infoHistoryTurns {
		history = history[len(history)-infoHistoryTurns:]
	}
	return s.generate(ctx, buildRouteInfoPrompt(message, history, catalog), "route_info_llm_error")
}

// ProviderInfo answers questions about a bus provider from retrieved
// knowledge passages only.
func (s *InfoService) ProviderInfo(ctx context.Context, message string) (string, error) {
	if s.embed == nil || s.search == nil {
		return providerInfoOffReply, nil
	}

	var vector []float32
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = s.embed.Embed(ctx, message)
		return embedErr
	})
	if err != nil {
		return "", llmError("embedding_error", err)
	}

	var chunks []domain.KnowledgeChunk
	err = s.policy.do(ctx, true, func(ctx context.Context) error {
		var searchErr error
		chunks, searchErr = s.search.Search(ctx, vector, s.topK)
		return searchErr
	})
	if err != nil {
		return "", storageError("knowledge_search_error", err)
	}
	if !hasContent(chunks) {
		return noProviderInfoReply, nil
	}
	s.log.Debug("knowledge retrieved", zap.Int("chunks", len(chunks)))
	return s.generate(ctx, buildProviderPrompt(message, chunks), "provider_info_llm_error")
}

func (s *InfoService) generate(ctx context.Context, prompt, reason string) (string, error) {
	var answer string
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var genErr error
		answer, genErr = s.llm.Generate(ctx, prompt, false)
		return genErr
	})
	if err != nil {
		return "", llmError(reason, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", newError(ErrorUpstream, reason, errors.New("empty answer"))
	}
	return answer, nil
}

func hasContent(chunks []domain.KnowledgeChunk) bool {
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			return true
		}
	}
	return false
}
