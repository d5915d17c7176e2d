package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"busticket-agent/internal/domain"
)

func testCatalog() domain.RouteCatalog {
	return domain.RouteCatalog{
		Districts: []domain.District{
			{Name: "Dhaka", DroppingPoints: []domain.DroppingPoint{{Name: "Gabtoli", Price: 0}}},
			{Name: "Sylhet", DroppingPoints: []domain.DroppingPoint{{Name: "Ambarkhana", Price: 700}}},
		},
		BusProviders: []domain.BusProvider{{Name: "Hanif", CoverageDistricts: []string{"Dhaka", "Sylhet"}}},
	}
}

func TestAskInfo_UsesCatalogAndHistory(t *testing.T) {
	llm := &fakeLLM{answer: "  Hanif runs Dhaka to Sylhet.  "}
	s, err := NewInfoService(llm, &fakeCatalog{catalog: testCatalog()}, nil, 0, 0)
	require.NoError(t, err)

	history := make([]domain.Turn, 12)
	for i := range history {
		history[i] = domain.Turn{User: "q", Assistant: "a"}
	}
	history[0].User = "oldest question"
	history[11].User = "latest question"

	answer, err := s.AskInfo(context.Background(), "which buses go to Sylhet?", history)
	require.NoError(t, err)
	require.Equal(t, "Hanif runs Dhaka to Sylhet.", answer)

	prompt := llm.lastPrompt()
	require.Contains(t, prompt, "Ambarkhana")
	require.Contains(t, prompt, "Hanif")
	require.Contains(t, prompt, "latest question")
	require.NotContains(t, prompt, "oldest question")
}

func TestAskInfo_EmptyCatalog(t *testing.T) {
	llm := &fakeLLM{answer: "x"}
	s, err := NewInfoService(llm, &fakeCatalog{err: domain.ErrNotFound}, nil, 0, 0)
	require.NoError(t, err)

	answer, err := s.AskInfo(context.Background(), "routes?", nil)
	require.NoError(t, err)
	require.Equal(t, emptyCatalogReply, answer)
	require.Zero(t, llm.count("answer"))
}

func TestAskInfo_Errors(t *testing.T) {
	s, err := NewInfoService(&fakeLLM{}, &fakeCatalog{err: errors.New("down")}, nil, 0, 0)
	require.NoError(t, err)
	_, err = s.AskInfo(context.Background(), "routes?", nil)
	require.Equal(t, ErrorStorageUnavailable, CodeOf(err))

	s, err = NewInfoService(&fakeLLM{answer: "   "}, &fakeCatalog{catalog: testCatalog()}, nil, 0, 0)
	require.NoError(t, err)
	_, err = s.AskInfo(context.Background(), "routes?", nil)
	require.Equal(t, ErrorUpstream, CodeOf(err))
}

func TestProviderInfo(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s, err := NewInfoService(&fakeLLM{}, &fakeCatalog{}, nil, 0, 0)
		require.NoError(t, err)
		answer, err := s.ProviderInfo(context.Background(), "tell me about Hanif")
		require.NoError(t, err)
		require.Equal(t, providerInfoOffReply, answer)
	})

	t.Run("no hits", func(t *testing.T) {
		llm := &fakeLLM{answer: "x"}
		search := &fakeSearcher{chunks: []domain.KnowledgeChunk{{Content: "  "}}}
		s, err := NewInfoService(llm, &fakeCatalog{}, nil, 0, 0, WithKnowledge(&fakeEmbedder{vector: []float32{1}}, search, 0))
		require.NoError(t, err)
		answer, err := s.ProviderInfo(context.Background(), "tell me about Hanif")
		require.NoError(t, err)
		require.Equal(t, "No relevant information found for this provider.", answer)
		require.Equal(t, defaultKnowledgeTopK, search.topK)
		require.Zero(t, llm.count("answer"))
	})

	t.Run("answers from context", func(t *testing.T) {
		llm := &fakeLLM{answer: "Hanif has AC buses."}
		embed := &fakeEmbedder{vector: []float32{0.1, 0.2}}
		search := &fakeSearcher{chunks: []domain.KnowledgeChunk{{Source: "hanif.txt", Content: "Hanif operates AC coaches."}}}
		s, err := NewInfoService(llm, &fakeCatalog{}, nil, 0, 0, WithKnowledge(embed, search, 3))
		require.NoError(t, err)

		answer, err := s.ProviderInfo(context.Background(), "does Hanif have AC?")
		require.NoError(t, err)
		require.Equal(t, "Hanif has AC buses.", answer)
		require.Equal(t, []string{"does Hanif have AC?"}, embed.inputs)
		require.Equal(t, 3, search.topK)
		require.Contains(t, llm.lastPrompt(), "Answer based only on the provided context.")
		require.Contains(t, llm.lastPrompt(), "Hanif operates AC coaches.")
	})

	t.Run("embedding rate limited", func(t *testing.T) {
		s, err := NewInfoService(&fakeLLM{}, &fakeCatalog{}, nil, 0, 0,
			WithKnowledge(&fakeEmbedder{err: statusErr{429}}, &fakeSearcher{}, 0))
		require.NoError(t, err)
		_, err = s.ProviderInfo(context.Background(), "Hanif?")
		require.Equal(t, ErrorRateLimited, CodeOf(err))
	})
}
