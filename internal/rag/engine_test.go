package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/processor"
	"papersynth/internal/providers"
	"papersynth/internal/util"
	"papersynth/internal/vector"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Name() string { return "mock-llm" }

func (m *mockLLM) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(providers.GenerateResponse), args.Error(1)
}

var testOpts = Options{
	SimilarityFloor:   0.05,
	PromptTokenBudget: 3000,
	MaxOutputTokens:   400,
	GenerationTimeout: time.Second,
	Retry:             config.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaximumAttempts: 2},
}

func repeat(sentence string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = sentence
	}
	return strings.Join(parts, " ")
}

func buildIndex(t *testing.T, embedder providers.EmbeddingProvider) *vector.Index {
	t.Helper()
	ix := vector.New(embedder.Model())
	docs := []*models.Document{
		{ID: "silva-2024", Title: "PCR diagnosis of canine leishmaniasis", Author: "Silva", Year: 2024, Pages: []models.Page{
			{Number: 1, Text: repeat("The PCR assay detected Leishmania DNA in canine blood samples with high sensitivity.", 60)},
		}},
		{ID: "santos-2025", Title: "Serological survey in urban dogs", Author: "Santos", Year: 2025, Pages: []models.Page{
			{Number: 1, Text: repeat("The serological survey used ELISA on urban dogs and reported seroprevalence by district.", 60)},
		}},
	}
	for _, d := range docs {
		chunks, err := processor.Process(d, 500, 50)
		require.NoError(t, err)
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := embedder.Embed(context.Background(), texts)
		require.NoError(t, err)
		require.NoError(t, ix.Add(chunks, vecs))
	}
	return ix
}

func TestAskRespectsAuthorFilter(t *testing.T) {
	embedder := providers.NewMockProvider(256)
	ix := buildIndex(t, embedder)
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req providers.GenerateRequest) bool {
		return req.Operation == "ask" && strings.Contains(req.Prompt, "Santos, 2025") && !strings.Contains(req.Prompt, "Silva")
	})).Return(providers.GenerateResponse{Text: "Santos (2025) used ELISA [1]."}, nil).Once()

	engine := NewEngine(ix, embedder, llm, testOpts, nil)
	filter := models.Filter{Author: "Santos"}
	answer, err := engine.Ask(context.Background(), "Which serological survey method was used on urban dogs?", filter, 5)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeConfident, answer.Outcome)
	require.Equal(t, filter, answer.UsedFilter)
	require.NotEmpty(t, answer.CitedChunkIDs)
	for _, c := range answer.Citations {
		require.Equal(t, "santos-2025", c.DocumentID)
	}
	llm.AssertExpectations(t)
}

func TestAskReportsInsufficientContextWithoutCallingLLM(t *testing.T) {
	embedder := providers.NewMockProvider(256)
	ix := buildIndex(t, embedder)
	llm := &mockLLM{}

	opts := testOpts
	opts.SimilarityFloor = 0.9
	engine := NewEngine(ix, embedder, llm, opts, nil)
	answer, err := engine.Ask(context.Background(), "quantum chromodynamics on a lattice", models.Filter{}, 5)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeInsufficientContext, answer.Outcome)
	require.Empty(t, answer.CitedChunkIDs)
	require.Equal(t, InsufficientContextText, answer.Text)
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestAskFilterWithNoMatchesIsInsufficient(t *testing.T) {
	embedder := providers.NewMockProvider(256)
	engine := NewEngine(buildIndex(t, embedder), embedder, &mockLLM{}, testOpts, nil)
	answer, err := engine.Ask(context.Background(), "PCR sensitivity", models.Filter{Author: "Costa"}, 5)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeInsufficientContext, answer.Outcome)
}

func TestAskGenerationFailureIsGenerationError(t *testing.T) {
	embedder := providers.NewMockProvider(256)
	ix := buildIndex(t, embedder)
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything).Return(providers.GenerateResponse{}, errors.New("503 service unavailable")).Times(2)

	engine := NewEngine(ix, embedder, llm, testOpts, nil)
	_, err := engine.Ask(context.Background(), "PCR sensitivity in canine blood", models.Filter{}, 3)
	require.ErrorIs(t, err, util.ErrGeneration)
	llm.AssertNumberOfCalls(t, "Generate", 2)
}

func TestAskRejectsMismatchedEmbedder(t *testing.T) {
	ix := buildIndex(t, providers.NewMockProvider(256))
	engine := NewEngine(ix, providers.NewMockProvider(128), &mockLLM{}, testOpts, nil)
	_, err := engine.Ask(context.Background(), "PCR", models.Filter{}, 3)
	require.ErrorIs(t, err, util.ErrConfiguration)
}

func TestAskRejectsBadK(t *testing.T) {
	embedder := providers.NewMockProvider(64)
	engine := NewEngine(vector.New(embedder.Model()), embedder, &mockLLM{}, testOpts, nil)
	_, err := engine.Ask(context.Background(), "PCR", models.Filter{}, 0)
	require.ErrorIs(t, err, util.ErrConfiguration)
}

func TestBuildPromptRespectsBudget(t *testing.T) {
	hits := []models.Hit{
		{Chunk: models.Chunk{ID: "a", Index: 0, Text: repeat("alpha beta gamma delta", 50), Metadata: models.Metadata{Title: "A", Author: "Silva", Year: 2024}}, Score: 0.9},
		{Chunk: models.Chunk{ID: "b", Index: 3, Text: repeat("epsilon zeta eta theta", 50), Metadata: models.Metadata{Title: "B", Author: "Santos", Year: 2025}}, Score: 0.8},
		{Chunk: models.Chunk{ID: "c", Index: 1, Text: repeat("iota kappa", 50), Metadata: models.Metadata{Title: "C"}}, Score: 0.7},
	}
	budget := util.CountTokens(systemPrompt) + 300
	p, ok := BuildPrompt("what differs?", hits, budget)
	require.True(t, ok)
	require.LessOrEqual(t, util.CountTokens(p.System)+util.CountTokens(p.User), budget)
	require.Len(t, p.Included, 2)
	require.Equal(t, "a", p.Included[0].Chunk.ID)
	require.Contains(t, p.User, "[1] A (Silva, 2024) chunk 0")
	require.Contains(t, p.User, "[2] B (Santos, 2025) chunk 3")
	require.NotContains(t, p.User, "iota")

	_, ok = BuildPrompt("what differs?", hits, 10)
	require.False(t, ok)
}
