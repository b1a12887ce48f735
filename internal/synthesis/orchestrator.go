package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/providers"
	"papersynth/internal/util"
	"papersynth/internal/vector"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

const OrderByYear = "by_year"

// Source is the read side of the index the orchestrator summarises from.
type Source interface {
	Documents() []vector.DocumentInfo
	Chunks(documentID string) []models.Chunk
	SearchDocument(query []float32, k int, documentID string) (models.RetrievalResult, error)
}

type Options struct {
	MapTokenBudget    int
	MaxOutputTokens   int
	Concurrency       int
	GenerationTimeout time.Duration
	Retry             config.RetryPolicy
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MapTokenBudget:    cfg.MapTokenBudget,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		Concurrency:       cfg.SynthesisConcurrency,
		GenerationTimeout: cfg.GenerationTimeout,
		Retry:             cfg.Retry,
	}
}

type Request struct {
	DocumentIDs []string
	Focus       models.Focus
	Order       string
	Format      models.ExportFormat
	OnState     func(models.SynthesisState)
}

type Orchestrator struct {
	source   Source
	embedder providers.EmbeddingProvider
	llm      providers.LLMProvider
	opts     Options
	logger   *slog.Logger
}

func NewOrchestrator(source Source, embedder providers.EmbeddingProvider, llm providers.LLMProvider, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{source: source, embedder: embedder, llm: llm, opts: opts, logger: logger}
}

// Synthesize summarises each requested document and folds the summaries into one
// narrative with a pairwise merge tree. On failure the returned report is in the
// Failed state and still lists the documents that were summarised.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (models.SynthesisReport, error) {
	report := models.SynthesisReport{
		ID:        uuid.NewString(),
		Focus:     req.Focus,
		Format:    req.Format,
		StartedAt: time.Now().UTC(),
		Succeeded: []string{},
		Omitted:   []string{},
	}
	if report.Focus == "" {
		report.Focus = models.FocusComplete
	}
	if report.Format == "" {
		report.Format = models.FormatMarkdown
	}
	logger := o.logger.With("synthesis_id", report.ID, "focus", report.Focus)

	transition := func(s models.SynthesisState) {
		report.State = s
		logger.Info("synthesis state", "state", s)
		if req.OnState != nil {
			req.OnState(s)
		}
	}
	fail := func(err error) (models.SynthesisReport, error) {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: cancelled: %w", util.ErrSynthesis, ctx.Err())
		}
		report.CompletedAt = time.Now().UTC()
		transition(models.StateFailed)
		logger.Warn("synthesis failed", "error", err, "succeeded", len(report.Succeeded))
		return report, err
	}

	transition(models.StateCollecting)
	docs, err := o.Collect(req)
	if err != nil {
		return fail(err)
	}

	transition(models.StateMapping)
	report.Summaries, err = o.mapPhase(ctx, report.Focus, docs, logger)
	if err != nil {
		return fail(err)
	}
	parts := make([]Part, 0, len(report.Summaries))
	for _, s := range report.Summaries {
		if s.Available {
			report.Succeeded = append(report.Succeeded, s.DocumentID)
			parts = append(parts, SummaryPart(s))
		} else {
			report.Omitted = append(report.Omitted, s.DocumentID)
		}
	}
	if len(parts) == 0 {
		return fail(goerr.Wrap(util.ErrSynthesis, "no document could be summarised", goerr.V("documents", len(docs))))
	}

	transition(models.StateReducing)
	narrative, calls, err := o.reducePhase(ctx, report.Focus, parts, logger)
	report.MergeCalls = calls
	if err != nil {
		return fail(err)
	}
	report.Narrative = narrative
	report.CompletedAt = time.Now().UTC()
	transition(models.StateDone)
	return report, nil
}

// Collect resolves the documents a request covers, in synthesis order.
func (o *Orchestrator) Collect(req Request) ([]vector.DocumentInfo, error) {
	all := o.source.Documents()
	var docs []vector.DocumentInfo
	if len(req.DocumentIDs) == 0 {
		docs = all
	} else {
		byID := make(map[string]vector.DocumentInfo, len(all))
		for _, d := range all {
			byID[d.DocumentID] = d
		}
		seen := map[string]bool{}
		for _, id := range req.DocumentIDs {
			d, ok := byID[id]
			if !ok {
				return nil, goerr.Wrap(util.ErrSynthesis, "document is not indexed", goerr.V("document_id", id))
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			docs = append(docs, d)
		}
	}
	if len(docs) == 0 {
		return nil, goerr.Wrap(util.ErrSynthesis, "no documents to synthesise")
	}
	if req.Order == OrderByYear {
		sort.SliceStable(docs, func(i, j int) bool {
			yi, yj := docs[i].Metadata.Year, docs[j].Metadata.Year
			if yi == 0 || yj == 0 {
				return yi != 0 && yj == 0
			}
			return yi < yj
		})
	}
	return docs, nil
}

func (o *Orchestrator) mapPhase(ctx context.Context, focus models.Focus, docs []vector.DocumentInfo, logger *slog.Logger) ([]models.PaperSummary, error) {
	summaries := make([]models.PaperSummary, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, d := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			summaries[i] = o.summarise(gctx, focus, d, logger)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (o *Orchestrator) summarise(ctx context.Context, focus models.Focus, d vector.DocumentInfo, logger *slog.Logger) models.PaperSummary {
	text, ids := o.selectText(ctx, focus, d, logger)
	if strings.TrimSpace(text) == "" {
		return models.Unavailable(d.DocumentID, d.Metadata, focus, 0, "document has no indexed text")
	}
	var summary models.PaperSummary
	attempts, err := providers.Retry(ctx, o.opts.Retry, o.opts.GenerationTimeout, logger, "summarize", func(actx context.Context) error {
		s, gerr := o.generateSummary(actx, focus, d, text, ids)
		summary = s
		return gerr
	})
	if err != nil {
		logger.Warn("paper summary unavailable", "document_id", d.DocumentID, "attempts", attempts, "error", err)
		return models.Unavailable(d.DocumentID, d.Metadata, focus, attempts, err.Error())
	}
	summary.Attempts = attempts
	logger.Info("paper summarised", "document_id", d.DocumentID, "attempts", attempts, "chunks", len(ids))
	return summary
}

// SummarizeDocument makes a single summary attempt for one document. Retrying is
// left to the caller.
func (o *Orchestrator) SummarizeDocument(ctx context.Context, focus models.Focus, d vector.DocumentInfo) (models.PaperSummary, error) {
	text, ids := o.selectText(ctx, focus, d, o.logger)
	if strings.TrimSpace(text) == "" {
		return models.PaperSummary{}, goerr.Wrap(util.ErrSynthesis, "document has no indexed text", goerr.V("document_id", d.DocumentID))
	}
	s, err := o.generateSummary(ctx, focus, d, text, ids)
	if err != nil {
		return models.PaperSummary{}, err
	}
	s.Attempts = 1
	return s, nil
}

func (o *Orchestrator) generateSummary(ctx context.Context, focus models.Focus, d vector.DocumentInfo, text string, ids []string) (models.PaperSummary, error) {
	system, user := SummaryPrompt(focus, d.Metadata, text)
	resp, err := o.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "summarize",
		System:    system,
		Prompt:    user,
		MaxTokens: o.opts.MaxOutputTokens,
	})
	if err != nil {
		return models.PaperSummary{}, err
	}
	summaryText := strings.TrimSpace(resp.Text)
	if summaryText == "" {
		return models.PaperSummary{}, providers.ErrEmptyResponse
	}
	return models.PaperSummary{
		DocumentID: d.DocumentID,
		Metadata:   d.Metadata,
		Focus:      focus,
		Text:       summaryText,
		Fields:     ParseFields(summaryText),
		ChunkIDs:   ids,
		Available:  true,
	}, nil
}

// selectText returns the whole document when it fits the map budget. Otherwise
// it keeps the chunks closest to the focus query that fit, in document order.
func (o *Orchestrator) selectText(ctx context.Context, focus models.Focus, d vector.DocumentInfo, logger *slog.Logger) (string, []string) {
	chunks := o.source.Chunks(d.DocumentID)
	if len(chunks) == 0 {
		return "", nil
	}
	total := 0
	for _, c := range chunks {
		total += c.TokenCount - c.Overlap
	}
	budget := o.opts.MapTokenBudget
	if budget <= 0 || total <= budget {
		return fullText(chunks), chunkIDs(chunks)
	}

	ranked := chunks
	if o.embedder != nil {
		vecs, err := o.embedder.Embed(ctx, []string{FocusQuery(focus)})
		if err == nil && len(vecs) == 1 {
			res, serr := o.source.SearchDocument(vecs[0], len(chunks), d.DocumentID)
			if serr == nil {
				ranked = make([]models.Chunk, 0, len(res.Hits))
				for _, h := range res.Hits {
					ranked = append(ranked, h.Chunk)
				}
			} else {
				logger.Warn("focus search failed, using leading chunks", "document_id", d.DocumentID, "error", serr)
			}
		} else if err != nil {
			logger.Warn("focus query embedding failed, using leading chunks", "document_id", d.DocumentID, "error", err)
		}
	}

	selected := make([]models.Chunk, 0)
	used := 0
	for _, c := range ranked {
		if used+c.TokenCount > budget {
			continue
		}
		selected = append(selected, c)
		used += c.TokenCount
	}
	if len(selected) == 0 {
		first := ranked[0]
		first.Text = util.TruncateTokens(first.Text, budget)
		selected = append(selected, first)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Index < selected[j].Index })

	texts := make([]string, 0, len(selected))
	for _, c := range selected {
		texts = append(texts, strings.TrimSpace(c.Text))
	}
	return strings.Join(texts, "\n\n[...]\n\n"), chunkIDs(selected)
}

// SummaryPart is the reduce input for a successful summary.
func SummaryPart(s models.PaperSummary) Part {
	return Part{Text: s.Text, Labels: []string{s.Metadata.Label()}}
}

func fullText(chunks []models.Chunk) string {
	texts := make([]string, len(chunks))
	overlaps := make([]int, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		overlaps[i] = c.Overlap
	}
	return util.Reassemble(texts, overlaps)
}

func chunkIDs(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func (o *Orchestrator) reducePhase(ctx context.Context, focus models.Focus, parts []Part, logger *slog.Logger) (string, int, error) {
	if len(parts) == 1 {
		return parts[0].Text, 0, nil
	}
	var (
		mu    sync.Mutex
		calls int
	)
	for r, round := range PlanRounds(len(parts)) {
		next := make([]Part, len(round))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Concurrency)
		for i, step := range round {
			if step.Carried() {
				next[i] = parts[step.Left]
				continue
			}
			left, right := parts[step.Left], parts[step.Right]
			g.Go(func() error {
				merged, err := o.merge(gctx, focus, left, right, logger)
				mu.Lock()
				calls++
				mu.Unlock()
				if err != nil {
					return err
				}
				next[i] = merged
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return "", calls, err
		}
		logger.Info("reduce round complete", "round", r+1, "items", len(next))
		parts = next
	}
	return parts[0].Text, calls, nil
}

func (o *Orchestrator) merge(ctx context.Context, focus models.Focus, left, right Part, logger *slog.Logger) (Part, error) {
	var merged Part
	attempts, err := providers.Retry(ctx, o.opts.Retry, o.opts.GenerationTimeout, logger, "merge", func(actx context.Context) error {
		p, gerr := o.Merge(actx, focus, left, right)
		merged = p
		return gerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return Part{}, ctx.Err()
		}
		return Part{}, goerr.Wrap(util.ErrGeneration, "merge failed",
			goerr.V("covers", left.Covers()+"; "+right.Covers()), goerr.V("attempts", attempts), goerr.V("cause", err.Error()))
	}
	return merged, nil
}

// Merge makes a single merge call combining left and right.
func (o *Orchestrator) Merge(ctx context.Context, focus models.Focus, left, right Part) (Part, error) {
	system, user := MergePrompt(focus, left, right)
	resp, err := o.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "merge",
		System:    system,
		Prompt:    user,
		MaxTokens: o.opts.MaxOutputTokens,
	})
	if err != nil {
		return Part{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Part{}, providers.ErrEmptyResponse
	}
	labels := make([]string, 0, len(left.Labels)+len(right.Labels))
	labels = append(labels, left.Labels...)
	labels = append(labels, right.Labels...)
	return Part{Text: text, Labels: labels}, nil
}
