package session

import (
	"context"
	"log/slog"
	"sync"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/processor"
	"papersynth/internal/providers"
	"papersynth/internal/rag"
	"papersynth/internal/synthesis"
	"papersynth/internal/util"
	"papersynth/internal/vector"

	"github.com/m-mizutani/goerr/v2"
)

// IndexStore persists index snapshots outside the process.
type IndexStore interface {
	SaveSnapshot(ctx context.Context, s vector.Snapshot) error
	LoadSnapshot(ctx context.Context) (vector.Snapshot, error)
}

// Session owns the active index and provider variants for one workspace.
// Every operation goes through it; there is no package-level state.
type Session struct {
	cfg       config.Config
	llm       providers.LLMProvider
	index     *vector.Index
	processor *processor.Processor
	extractor processor.Extractor
	store     IndexStore
	logger    *slog.Logger

	// gate serialises index rebuilds and loads against readers. Readers hold
	// it shared for a whole operation, so none observes a half-built index.
	gate sync.RWMutex

	mu        sync.RWMutex
	embedder  providers.EmbeddingProvider
	documents map[string]models.Document
	order     []string
}

type Option func(*Session)

func WithStore(store IndexStore) Option {
	return func(s *Session) { s.store = store }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithExtractor(e processor.Extractor) Option {
	return func(s *Session) { s.extractor = e }
}

func New(cfg config.Config, embedder providers.EmbeddingProvider, llm providers.LLMProvider, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:       cfg,
		embedder:  embedder,
		llm:       llm,
		index:     vector.New(embedder.Model()),
		extractor: processor.PDFExtractor{},
		logger:    slog.Default(),
		documents: map[string]models.Document{},
	}
	for _, opt := range opts {
		opt(s)
	}
	p, err := processor.New(s.extractor, cfg.ChunkSize, cfg.ChunkOverlap,
		processor.WithConcurrency(cfg.SynthesisConcurrency), processor.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.processor = p
	return s, nil
}

func (s *Session) Index() *vector.Index {
	return s.index
}

func (s *Session) Config() config.Config {
	return s.cfg
}

func (s *Session) LLM() providers.LLMProvider {
	return s.llm
}

// Document returns a processed document known to this session.
func (s *Session) Document(id string) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	return d, ok
}

func (s *Session) Embedder() providers.EmbeddingProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder
}

// ProcessDocuments extracts and chunks a batch. Failed documents are reported,
// not fatal.
func (s *Session) ProcessDocuments(ctx context.Context, inputs []processor.Input) ([]models.Document, []processor.Failure, error) {
	docs, fails, err := s.processor.ProcessDocuments(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}
	s.Remember(docs...)
	return docs, fails, nil
}

// Remember records processed documents so a later rebuild can re-embed them.
func (s *Session) Remember(docs ...models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if _, ok := s.documents[d.ID]; !ok {
			s.order = append(s.order, d.ID)
		}
		s.documents[d.ID] = d
	}
}

func (s *Session) Documents() []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.documents[id])
	}
	return out
}

// BuildIndex embeds the chunks of docs and appends them to the index. The
// session embedder must match the index model.
func (s *Session) BuildIndex(ctx context.Context, docs []models.Document) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	embedder := s.Embedder()
	if em, im := embedder.Model(), s.index.Model(); em != im {
		return goerr.Wrap(util.ErrConfiguration, "embedder differs from index model; rebuild required",
			goerr.V("embedder", em.String()), goerr.V("index", im.String()))
	}
	return s.embedInto(ctx, s.index, embedder, docs)
}

func (s *Session) embedInto(ctx context.Context, ix *vector.Index, embedder providers.EmbeddingProvider, docs []models.Document) error {
	for _, d := range docs {
		if len(d.Chunks) == 0 {
			continue
		}
		texts := make([]string, len(d.Chunks))
		for i, c := range d.Chunks {
			texts[i] = c.Text
		}
		var vectors [][]float32
		_, err := providers.Retry(ctx, s.cfg.Retry, s.cfg.GenerationTimeout, s.logger, "embed", func(actx context.Context) error {
			v, err := embedder.Embed(actx, texts)
			vectors = v
			return err
		})
		if err != nil {
			return goerr.Wrap(util.ErrEmbedding, "embed document chunks",
				goerr.V("document_id", d.ID), goerr.V("cause", err.Error()))
		}
		if err := ix.Add(d.Chunks, vectors); err != nil {
			return err
		}
		s.logger.Info("document indexed", "document_id", d.ID, "chunks", len(d.Chunks))
	}
	return nil
}

// Rebuild re-embeds every known document with embedder into a fresh index and
// swaps it in together with the embedder. Asks and syntheses wait for it. On
// failure the active index and embedder are left as they were.
func (s *Session) Rebuild(ctx context.Context, embedder providers.EmbeddingProvider) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	model := embedder.Model()
	next := vector.New(model)
	if err := s.embedInto(ctx, next, embedder, s.rebuildSet()); err != nil {
		return err
	}
	if err := s.index.Restore(next.Snapshot(), model); err != nil {
		return err
	}
	s.mu.Lock()
	s.embedder = embedder
	s.mu.Unlock()
	s.logger.Info("index rebuilt", "model", model.String(), "entries", next.Len())
	return nil
}

// rebuildSet is every remembered document plus any document known only from a
// loaded index, reconstructed from its chunks.
func (s *Session) rebuildSet() []models.Document {
	docs := s.Documents()
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.ID] = true
	}
	for _, info := range s.index.Documents() {
		if seen[info.DocumentID] {
			continue
		}
		chunks := s.index.Chunks(info.DocumentID)
		for i := range chunks {
			chunks[i].Embedding = nil
		}
		docs = append(docs, models.Document{
			ID:     info.DocumentID,
			Title:  info.Metadata.Title,
			Author: info.Metadata.Author,
			Year:   info.Metadata.Year,
			Chunks: chunks,
		})
	}
	return docs
}

// Ask answers a question from the index. k of zero uses the configured default.
func (s *Session) Ask(ctx context.Context, question string, filter models.Filter, k int) (models.Answer, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if k == 0 {
		k = s.cfg.RetrievalK
	}
	engine := rag.NewEngine(s.index, s.Embedder(), s.llm, rag.OptionsFromConfig(s.cfg), s.logger)
	return engine.Ask(ctx, question, filter, k)
}

func (s *Session) Synthesize(ctx context.Context, req synthesis.Request) (models.SynthesisReport, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	o := synthesis.NewOrchestrator(s.index, s.Embedder(), s.llm, synthesis.OptionsFromConfig(s.cfg), s.logger)
	return o.Synthesize(ctx, req)
}

// SaveIndex writes the index to path and, when a store is configured, to it too.
func (s *Session) SaveIndex(ctx context.Context, path string) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if path != "" {
		if err := s.index.SaveFile(path); err != nil {
			return err
		}
	}
	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, s.index.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

// LoadIndex restores from path, or from the store when path is empty. The
// snapshot must have been built with the session embedder.
func (s *Session) LoadIndex(ctx context.Context, path string) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	expected := s.Embedder().Model()
	if path != "" {
		return s.index.LoadFile(path, expected)
	}
	if s.store == nil {
		return goerr.Wrap(util.ErrConfiguration, "no index path and no index store configured")
	}
	snap, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	return s.index.Restore(snap, expected)
}
