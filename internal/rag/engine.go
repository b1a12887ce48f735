package rag

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/providers"
	"papersynth/internal/util"

	"github.com/m-mizutani/goerr/v2"
)

const InsufficientContextText = "The indexed papers do not contain passages relevant enough to answer this question. " +
	"Try rephrasing it, relaxing the author/year filter, or adding more documents."

const snippetRunes = 360

// Searcher is the read side of the vector index.
type Searcher interface {
	Model() providers.ModelInfo
	Search(query []float32, k int, filter models.Filter) (models.RetrievalResult, error)
}

type Options struct {
	SimilarityFloor   float64
	PromptTokenBudget int
	MaxOutputTokens   int
	GenerationTimeout time.Duration
	Retry             config.RetryPolicy
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SimilarityFloor:   cfg.SimilarityFloor,
		PromptTokenBudget: cfg.PromptTokenBudget,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		GenerationTimeout: cfg.GenerationTimeout,
		Retry:             cfg.Retry,
	}
}

type Engine struct {
	index    Searcher
	embedder providers.EmbeddingProvider
	llm      providers.LLMProvider
	opts     Options
	logger   *slog.Logger
}

func NewEngine(index Searcher, embedder providers.EmbeddingProvider, llm providers.LLMProvider, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{index: index, embedder: embedder, llm: llm, opts: opts, logger: logger}
}

// Ask answers question from the k most similar chunks that pass filter and the
// similarity floor. When nothing passes, the answer is an explicit
// insufficient-context outcome and the LLM is not called.
func (e *Engine) Ask(ctx context.Context, question string, filter models.Filter, k int) (models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Answer{}, goerr.Wrap(util.ErrConfiguration, "question is empty")
	}
	if k < 1 {
		return models.Answer{}, goerr.Wrap(util.ErrConfiguration, "k must be at least 1", goerr.V("k", k))
	}
	if em, im := e.embedder.Model(), e.index.Model(); em != im {
		return models.Answer{}, goerr.Wrap(util.ErrConfiguration, "query embedder does not match index model",
			goerr.V("embedder", em.String()), goerr.V("index", im.String()))
	}

	vectors, err := e.embedder.Embed(ctx, []string{question})
	if err != nil {
		return models.Answer{}, goerr.Wrap(util.ErrEmbedding, "embed question", goerr.V("cause", err.Error()))
	}
	if len(vectors) != 1 {
		return models.Answer{}, goerr.Wrap(util.ErrEmbedding, "embedder returned no vector for question")
	}

	res, err := e.index.Search(vectors[0], k, filter)
	if err != nil {
		return models.Answer{}, err
	}
	hits := make([]models.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if h.Score >= e.opts.SimilarityFloor {
			hits = append(hits, h)
		}
	}
	if len(hits) == 0 {
		e.logger.Info("no context above similarity floor", "retrieved", len(res.Hits), "floor", e.opts.SimilarityFloor)
		return insufficient(filter), nil
	}

	prompt, ok := BuildPrompt(question, hits, e.opts.PromptTokenBudget)
	if !ok {
		return models.Answer{}, goerr.Wrap(util.ErrConfiguration, "prompt token budget cannot hold any context",
			goerr.V("budget", e.opts.PromptTokenBudget))
	}

	var resp providers.GenerateResponse
	attempts, err := providers.Retry(ctx, e.opts.Retry, e.opts.GenerationTimeout, e.logger, "ask", func(actx context.Context) error {
		r, gerr := e.llm.Generate(actx, providers.GenerateRequest{
			Operation: "ask",
			System:    prompt.System,
			Prompt:    prompt.User,
			MaxTokens: e.opts.MaxOutputTokens,
		})
		resp = r
		return gerr
	})
	if err != nil {
		return models.Answer{}, goerr.Wrap(util.ErrGeneration, "answer generation failed",
			goerr.V("attempts", attempts), goerr.V("provider", e.llm.Name()), goerr.V("cause", err.Error()))
	}

	answer := models.Answer{
		Text:          strings.TrimSpace(resp.Text),
		Outcome:       models.OutcomeConfident,
		CitedChunkIDs: make([]string, 0, len(prompt.Included)),
		Citations:     make([]models.Citation, 0, len(prompt.Included)),
		UsedFilter:    filter,
	}
	for i, h := range prompt.Included {
		answer.CitedChunkIDs = append(answer.CitedChunkIDs, h.Chunk.ID)
		answer.Citations = append(answer.Citations, models.Citation{
			RefID:      blockRef(i + 1),
			ChunkID:    h.Chunk.ID,
			DocumentID: h.Chunk.DocumentID,
			Title:      h.Chunk.Metadata.Title,
			Label:      h.Chunk.Metadata.Label(),
			Snippet:    util.EvidenceSnippet(h.Chunk.Text, question, snippetRunes),
			Score:      h.Score,
		})
	}
	e.logger.Info("answered question", "cited", len(answer.CitedChunkIDs), "attempts", attempts, "prompt_tokens", prompt.Tokens)
	return answer, nil
}

func insufficient(filter models.Filter) models.Answer {
	return models.Answer{
		Text:          InsufficientContextText,
		Outcome:       models.OutcomeInsufficientContext,
		CitedChunkIDs: []string{},
		Citations:     []models.Citation{},
		UsedFilter:    filter,
	}
}

func blockRef(n int) string {
	return "[" + strconv.Itoa(n) + "]"
}
