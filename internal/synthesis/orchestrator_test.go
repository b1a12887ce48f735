package synthesis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/processor"
	"papersynth/internal/providers"
	"papersynth/internal/util"
	"papersynth/internal/vector"

	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(ctx context.Context, req providers.GenerateRequest) (string, error)
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[req.Operation]++
	s.mu.Unlock()
	text, err := s.handle(ctx, req)
	return providers.GenerateResponse{Text: text, Model: "scripted"}, err
}

func (s *scriptedLLM) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

var paperLine = regexp.MustCompile(`Paper: (P\d+),`)

func paperOf(req providers.GenerateRequest) string {
	m := paperLine.FindStringSubmatch(req.Prompt)
	if m == nil {
		return ""
	}
	return m[1]
}

// echo summarises paper Pn as "S(Pn)" and merges as "M(left+right)".
func echo(ctx context.Context, req providers.GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch req.Operation {
	case "summarize":
		return "S(" + paperOf(req) + ")", nil
	case "merge":
		parts := regexp.MustCompile(`(?s)\*\*Part A, covering [^:]*:\*\*\n(.*?)\n\n\*\*Part B, covering [^:]*:\*\*\n(.*?)\n\n`).FindStringSubmatch(req.Prompt)
		return "M(" + parts[1] + "+" + parts[2] + ")", nil
	}
	return "", errors.New("unexpected operation")
}

var fastOpts = Options{
	MapTokenBudget:    10000,
	MaxOutputTokens:   200,
	Concurrency:       3,
	GenerationTimeout: time.Second,
	Retry:             config.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaximumAttempts: 2},
}

func buildSource(t *testing.T, n int) (*vector.Index, providers.EmbeddingProvider) {
	t.Helper()
	embedder := providers.NewMockProvider(64)
	ix := vector.New(embedder.Model())
	for i := 1; i <= n; i++ {
		doc := &models.Document{
			ID:     fmt.Sprintf("doc-%d", i),
			Title:  fmt.Sprintf("P%d", i),
			Author: fmt.Sprintf("Author%d", i),
			Year:   2020 + (n - i),
			Pages:  []models.Page{{Number: 1, Text: strings.Repeat(fmt.Sprintf("finding %d about methods and results. ", i), 40)}},
		}
		chunks, err := processor.Process(doc, 50, 10)
		require.NoError(t, err)
		texts := make([]string, len(chunks))
		for j, c := range chunks {
			texts[j] = c.Text
		}
		vecs, err := embedder.Embed(context.Background(), texts)
		require.NoError(t, err)
		require.NoError(t, ix.Add(chunks, vecs))
	}
	return ix, embedder
}

func TestSingleSummaryIsNarrativeUnchanged(t *testing.T) {
	ix, embedder := buildSource(t, 1)
	llm := &scriptedLLM{handle: echo}
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)

	report, err := o.Synthesize(context.Background(), Request{Focus: models.FocusResults})
	require.NoError(t, err)
	require.Equal(t, models.StateDone, report.State)
	require.Equal(t, "S(P1)", report.Narrative)
	require.Equal(t, report.Summaries[0].Text, report.Narrative)
	require.Equal(t, 0, report.MergeCalls)
	require.Equal(t, 0, llm.count("merge"))
}

func TestReduceTreeIsDeterministic(t *testing.T) {
	ix, embedder := buildSource(t, 5)
	for run := 0; run < 3; run++ {
		llm := &scriptedLLM{handle: echo}
		o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)
		report, err := o.Synthesize(context.Background(), Request{})
		require.NoError(t, err)
		require.Equal(t, "M(M(M(S(P1)+S(P2))+M(S(P3)+S(P4)))+S(P5))", report.Narrative)
		require.Equal(t, 4, report.MergeCalls)
		require.Equal(t, []string{"doc-1", "doc-2", "doc-3", "doc-4", "doc-5"}, report.Succeeded)
	}
}

func TestOneOfThreeSummariesFails(t *testing.T) {
	ix, embedder := buildSource(t, 3)
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		if req.Operation == "summarize" && paperOf(req) == "P2" {
			return "", errors.New("503 service unavailable")
		}
		return echo(ctx, req)
	}}
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)

	report, err := o.Synthesize(context.Background(), Request{Format: models.FormatMarkdown})
	require.NoError(t, err)
	require.Equal(t, models.StateDone, report.State)
	require.Equal(t, []string{"doc-1", "doc-3"}, report.Succeeded)
	require.Equal(t, []string{"doc-2"}, report.Omitted)
	require.Equal(t, "M(S(P1)+S(P3))", report.Narrative)
	require.Equal(t, 1, report.MergeCalls)

	omitted := report.Summaries[1]
	require.False(t, omitted.Available)
	require.Equal(t, 2, omitted.Attempts)
	require.Contains(t, omitted.FailReason, "503")

	md := Render(report, models.FormatMarkdown)
	require.Contains(t, md, "## Omitted papers")
	require.Contains(t, md, "P2, Author2")
}

func TestAllSummariesFailing(t *testing.T) {
	ix, embedder := buildSource(t, 3)
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		return "", errors.New("invalid request")
	}}
	var states []models.SynthesisState
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)
	report, err := o.Synthesize(context.Background(), Request{OnState: func(s models.SynthesisState) { states = append(states, s) }})
	require.ErrorIs(t, err, util.ErrSynthesis)
	require.Equal(t, models.StateFailed, report.State)
	require.Equal(t, 0, llm.count("merge"))
	require.Equal(t, 3, llm.count("summarize"))
	require.Equal(t, []models.SynthesisState{models.StateCollecting, models.StateMapping, models.StateFailed}, states)
}

func TestMergeFailureFailsRequest(t *testing.T) {
	ix, embedder := buildSource(t, 2)
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		if req.Operation == "merge" {
			return "", errors.New("502 bad gateway")
		}
		return echo(ctx, req)
	}}
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)
	report, err := o.Synthesize(context.Background(), Request{})
	require.ErrorIs(t, err, util.ErrGeneration)
	require.Equal(t, models.StateFailed, report.State)
	require.Equal(t, []string{"doc-1", "doc-2"}, report.Succeeded)
	require.Equal(t, 2, llm.count("merge"))
}

func TestCancellationResolvesToFailed(t *testing.T) {
	ix, embedder := buildSource(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	llm := &scriptedLLM{handle: func(cctx context.Context, req providers.GenerateRequest) (string, error) {
		cancel()
		<-cctx.Done()
		return "", cctx.Err()
	}}
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)
	report, err := o.Synthesize(ctx, Request{})
	require.ErrorIs(t, err, util.ErrSynthesis)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, models.StateFailed, report.State)
	require.Empty(t, report.Narrative)
}

func TestCollectOrdersByYearAndRejectsUnknownIDs(t *testing.T) {
	ix, embedder := buildSource(t, 3)
	o := NewOrchestrator(ix, embedder, &scriptedLLM{handle: echo}, fastOpts, nil)

	report, err := o.Synthesize(context.Background(), Request{Order: OrderByYear})
	require.NoError(t, err)
	require.Equal(t, []string{"doc-3", "doc-2", "doc-1"}, report.Succeeded)

	report, err = o.Synthesize(context.Background(), Request{DocumentIDs: []string{"doc-2", "doc-1"}})
	require.NoError(t, err)
	require.Equal(t, "M(S(P2)+S(P1))", report.Narrative)

	_, err = o.Synthesize(context.Background(), Request{DocumentIDs: []string{"doc-9"}})
	require.ErrorIs(t, err, util.ErrSynthesis)
}

func TestMapSelectsChunksWithinBudget(t *testing.T) {
	ix, embedder := buildSource(t, 1)
	opts := fastOpts
	opts.MapTokenBudget = 100
	var prompt string
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		prompt = req.Prompt
		return "S", nil
	}}
	o := NewOrchestrator(ix, embedder, llm, opts, nil)
	report, err := o.Synthesize(context.Background(), Request{})
	require.NoError(t, err)

	s := report.Summaries[0]
	require.Len(t, s.ChunkIDs, 2)
	all := ix.Chunks("doc-1")
	pos := map[string]int{}
	for _, c := range all {
		pos[c.ID] = c.Index
	}
	require.Less(t, pos[s.ChunkIDs[0]], pos[s.ChunkIDs[1]])
	require.Contains(t, prompt, "[...]")
}

func TestPlanRounds(t *testing.T) {
	require.Empty(t, PlanRounds(0))
	require.Empty(t, PlanRounds(1))
	require.Equal(t, [][]Step{{{0, 1}}}, PlanRounds(2))
	require.Equal(t, [][]Step{{{0, 1}, {2, -1}}, {{0, 1}}}, PlanRounds(3))
	require.Equal(t, [][]Step{{{0, 1}, {2, 3}, {4, -1}}, {{0, 1}, {2, -1}}, {{0, 1}}}, PlanRounds(5))

	for n := 0; n < 20; n++ {
		merges := 0
		for _, round := range PlanRounds(n) {
			for _, s := range round {
				if !s.Carried() {
					merges++
				}
			}
		}
		require.Equal(t, MergeCount(n), merges)
	}
}

func TestParseFields(t *testing.T) {
	text := "1. **Study type**: cross-sectional\n2. **Sample**: 312 dogs\nfrom three districts\n**Data analysis** logistic regression"
	fields := ParseFields(text)
	require.Equal(t, []models.SummaryField{
		{Name: "Study type", Text: "cross-sectional"},
		{Name: "Sample", Text: "312 dogs\nfrom three districts"},
		{Name: "Data analysis", Text: "logistic regression"},
	}, fields)
	require.Empty(t, ParseFields("no structure here"))
}

func TestRenderText(t *testing.T) {
	report := models.SynthesisReport{
		Focus:     models.FocusMethodology,
		Narrative: "## Comparison\n**Both** used PCR.",
		Summaries: []models.PaperSummary{
			{DocumentID: "a", Metadata: models.Metadata{Title: "A", Author: "Silva", Year: 2024}, Available: true, Text: "**Sample**: 40 dogs", Fields: []models.SummaryField{{Name: "Sample", Text: "40 dogs"}}},
		},
		Succeeded: []string{"a"},
	}
	out := Render(report, models.FormatText)
	require.Contains(t, out, "LITERATURE SYNTHESIS: METHODOLOGY")
	require.Contains(t, out, "Both used PCR.")
	require.NotContains(t, out, "**")
	require.Contains(t, out, "Sample: 40 dogs")
}

func TestConnectionResetIsRetried(t *testing.T) {
	ix, embedder := buildSource(t, 3)
	var failed atomic.Bool
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		if req.Operation == "summarize" && paperOf(req) == "P2" && failed.CompareAndSwap(false, true) {
			return "", errors.New("read tcp 10.0.0.2:443: connection reset by peer")
		}
		return echo(ctx, req)
	}}
	o := NewOrchestrator(ix, embedder, llm, fastOpts, nil)
	report, err := o.Synthesize(context.Background(), Request{})
	require.NoError(t, err)
	require.Empty(t, report.Omitted)
	require.True(t, report.Summaries[1].Available)
	require.Equal(t, 2, report.Summaries[1].Attempts)
	require.Equal(t, 4, llm.count("summarize"))
}

// peakGauge records the highest number of concurrent Generate calls per operation.
type peakGauge struct {
	mu       sync.Mutex
	inflight map[string]int
	peak     map[string]int
}

func (g *peakGauge) enter(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight[op]++
	if g.inflight[op] > g.peak[op] {
		g.peak[op] = g.inflight[op]
	}
}

func (g *peakGauge) leave(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight[op]--
}

func (g *peakGauge) highest(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak[op]
}

func TestWorkerPoolBoundsInflightCalls(t *testing.T) {
	ix, embedder := buildSource(t, 8)
	gauge := &peakGauge{inflight: map[string]int{}, peak: map[string]int{}}
	llm := &scriptedLLM{handle: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		gauge.enter(req.Operation)
		defer gauge.leave(req.Operation)
		time.Sleep(15 * time.Millisecond)
		return echo(ctx, req)
	}}
	opts := fastOpts
	opts.Concurrency = 3
	o := NewOrchestrator(ix, embedder, llm, opts, nil)
	report, err := o.Synthesize(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 7, report.MergeCalls)

	require.LessOrEqual(t, gauge.highest("summarize"), 3)
	require.GreaterOrEqual(t, gauge.highest("summarize"), 2)
	// the first reduce round has four merges
	require.LessOrEqual(t, gauge.highest("merge"), 3)
	require.GreaterOrEqual(t, gauge.highest("merge"), 2)
}
