package processor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"papersynth/internal/models"
	"papersynth/internal/util"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

const pageSeparator = "\n\n"

// Extractor turns a source file into ordered page texts.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]models.Page, error)
}

// Input describes one document to process. Pages, when set, are used as-is and
// Path is only consulted for the content hash and filename.
type Input struct {
	Path     string
	Filename string
	Pages    []models.Page
	Metadata models.Metadata
}

type Failure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

type Processor struct {
	extractor   Extractor
	chunkSize   int
	overlap     int
	concurrency int
	logger      *slog.Logger
}

type Option func(*Processor)

func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(extractor Extractor, chunkSize, overlap int, opts ...Option) (*Processor, error) {
	if err := validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	p := &Processor{
		extractor:   extractor,
		chunkSize:   chunkSize,
		overlap:     overlap,
		concurrency: 2,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func validate(chunkSize, overlap int) error {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return goerr.Wrap(util.ErrConfiguration, "invalid chunking parameters",
			goerr.V("chunk_size", chunkSize), goerr.V("overlap", overlap))
	}
	return nil
}

// Process splits the document's page text into overlapping, metadata-tagged chunks.
// The document's own Chunks field is replaced with the result.
func Process(doc *models.Document, chunkSize, overlap int) ([]models.Chunk, error) {
	if err := validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	text, pageStarts := joinPages(doc.Pages)
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(util.ErrExtraction, "document has no text",
			goerr.V("document_id", doc.ID), goerr.V("filename", doc.Filename))
	}
	windows, err := util.ChunkText(text, chunkSize, overlap)
	if err != nil {
		return nil, goerr.Wrap(err, "chunk document", goerr.V("document_id", doc.ID))
	}

	meta := doc.Metadata()
	chunks := make([]models.Chunk, 0, len(windows))
	for _, w := range windows {
		chunks = append(chunks, models.Chunk{
			ID:         util.ContentID(doc.ID, strconv.Itoa(w.Index), w.Text),
			DocumentID: doc.ID,
			Index:      w.Index,
			Text:       w.Text,
			TokenCount: w.TokenCount(),
			Overlap:    w.Overlap,
			PageStart:  pageAt(doc.Pages, pageStarts, w.ByteStart),
			PageEnd:    pageAt(doc.Pages, pageStarts, w.ByteEnd-1),
			Metadata:   meta,
		})
	}
	doc.Chunks = chunks
	return chunks, nil
}

// JoinedText is the exact text that chunk reassembly reproduces.
func JoinedText(doc models.Document) string {
	text, _ := joinPages(doc.Pages)
	return text
}

func joinPages(pages []models.Page) (string, []int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	for i, p := range pages {
		if i > 0 {
			b.WriteString(pageSeparator)
		}
		starts[i] = b.Len()
		b.WriteString(p.Text)
	}
	return b.String(), starts
}

func pageAt(pages []models.Page, starts []int, offset int) int {
	if len(pages) == 0 {
		return 0
	}
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	if pages[i].Number > 0 {
		return pages[i].Number
	}
	return i + 1
}

// ProcessDocuments handles a batch with per-document isolation: a document that
// cannot be read or has no text is reported in the failure list and the rest
// carry on. Only a cancelled context aborts the batch.
func (p *Processor) ProcessDocuments(ctx context.Context, inputs []Input) ([]models.Document, []Failure, error) {
	docs := make([]*models.Document, len(inputs))
	fails := make([]*Failure, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := p.processOne(gctx, in)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				name := displayName(in)
				p.logger.Warn("document processing failed", "filename", name, "error", err)
				fails[i] = &Failure{Filename: name, Reason: err.Error(), Err: err}
				return nil
			}
			p.logger.Info("document processed", "document_id", doc.ID, "title", doc.Title, "chunks", len(doc.Chunks))
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	outDocs := make([]models.Document, 0, len(inputs))
	outFails := make([]Failure, 0)
	for i := range inputs {
		if docs[i] != nil {
			outDocs = append(outDocs, *docs[i])
		}
		if fails[i] != nil {
			outFails = append(outFails, *fails[i])
		}
	}
	return outDocs, outFails, nil
}

func (p *Processor) processOne(ctx context.Context, in Input) (*models.Document, error) {
	pages := in.Pages
	if len(pages) == 0 {
		if p.extractor == nil || in.Path == "" {
			return nil, goerr.Wrap(util.ErrExtraction, "no pages and no source file", goerr.V("filename", in.Filename))
		}
		extracted, err := p.extractor.Extract(ctx, in.Path)
		if err != nil {
			return nil, err
		}
		pages = extracted
	}

	id, err := documentID(in, pages)
	if err != nil {
		return nil, err
	}
	doc := &models.Document{
		ID:         id,
		Title:      resolveTitle(in, pages),
		Author:     strings.TrimSpace(in.Metadata.Author),
		Year:       in.Metadata.Year,
		Filename:   displayName(in),
		SourcePath: in.Path,
		Pages:      pages,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := Process(doc, p.chunkSize, p.overlap); err != nil {
		return nil, err
	}
	return doc, nil
}

// documentID hashes the source file when one exists, otherwise the page text.
func documentID(in Input, pages []models.Page) (string, error) {
	if in.Path != "" {
		return util.FileID(in.Path)
	}
	text, _ := joinPages(pages)
	return util.ContentID(displayName(in), text), nil
}

func resolveTitle(in Input, pages []models.Page) string {
	if t := strings.TrimSpace(in.Metadata.Title); t != "" {
		return t
	}
	if len(pages) > 0 {
		for _, line := range strings.Split(pages[0].Text, "\n") {
			line = strings.TrimSpace(line)
			if len([]rune(line)) > 20 {
				return line
			}
		}
	}
	name := displayName(in)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func displayName(in Input) string {
	if in.Filename != "" {
		return in.Filename
	}
	if in.Path != "" {
		return filepath.Base(in.Path)
	}
	return "untitled"
}
