package models

import (
	"fmt"
	"strings"
	"time"
)

// Metadata is duplicated from the Document onto every Chunk so filters can be
// evaluated without a document lookup.
type Metadata struct {
	Author string `json:"author"`
	Year   int    `json:"year"`
	Title  string `json:"title"`
}

type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Year       int       `json:"year"`
	Filename   string    `json:"filename,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
	Pages      []Page    `json:"pages"`
	Chunks     []Chunk   `json:"chunks"`
	CreatedAt  time.Time `json:"created_at"`
}

func (d Document) Metadata() Metadata {
	return Metadata{Author: d.Author, Year: d.Year, Title: d.Title}
}

// Label renders "Author (Year)" with placeholders for unknown values.
func (d Document) Label() string {
	return d.Metadata().Label()
}

func (m Metadata) Label() string {
	author := strings.TrimSpace(m.Author)
	if author == "" {
		author = "Unknown author"
	}
	year := "n.d."
	if m.Year > 0 {
		year = fmt.Sprintf("%d", m.Year)
	}
	return author + " (" + year + ")"
}

type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Overlap    int       `json:"overlap"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Metadata   Metadata  `json:"metadata"`
}

// Filter is conjunctive; zero-valued fields are unconstrained.
type Filter struct {
	Author string `json:"author,omitempty"`
	Year   int    `json:"year,omitempty"`
}

func (f Filter) IsZero() bool {
	return strings.TrimSpace(f.Author) == "" && f.Year == 0
}

func (f Filter) Matches(m Metadata) bool {
	if a := strings.TrimSpace(f.Author); a != "" && a != m.Author {
		return false
	}
	if f.Year != 0 && f.Year != m.Year {
		return false
	}
	return true
}

type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalResult holds hits ordered by non-increasing score.
type RetrievalResult struct {
	Hits []Hit `json:"hits"`
}

type AnswerOutcome string

const (
	OutcomeConfident           AnswerOutcome = "confident"
	OutcomeInsufficientContext AnswerOutcome = "insufficient_context"
)

type Citation struct {
	RefID      string  `json:"ref_id"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Label      string  `json:"label"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

type Answer struct {
	Text          string        `json:"text"`
	Outcome       AnswerOutcome `json:"outcome"`
	CitedChunkIDs []string      `json:"cited_chunk_ids"`
	Citations     []Citation    `json:"citations"`
	UsedFilter    Filter        `json:"used_filter"`
}

type Focus string

const (
	FocusMethodology Focus = "methodology"
	FocusResults     Focus = "results"
	FocusLimitations Focus = "limitations"
	FocusComplete    Focus = "complete"
)

// ParseFocus accepts English and Portuguese focus names; empty means complete.
func ParseFocus(s string) (Focus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "methodology", "metodologia":
		return FocusMethodology, nil
	case "results", "resultados":
		return FocusResults, nil
	case "limitations", "limitacoes", "limitações":
		return FocusLimitations, nil
	case "", "complete", "completo":
		return FocusComplete, nil
	default:
		return "", fmt.Errorf("unknown focus %q", s)
	}
}

func (f Focus) Title() string {
	switch f {
	case FocusMethodology:
		return "Methodology"
	case FocusResults:
		return "Results"
	case FocusLimitations:
		return "Limitations"
	default:
		return "Complete"
	}
}

type SummaryField struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type PaperSummary struct {
	DocumentID string         `json:"document_id"`
	Metadata   Metadata       `json:"metadata"`
	Focus      Focus          `json:"focus"`
	Text       string         `json:"text,omitempty"`
	Fields     []SummaryField `json:"fields,omitempty"`
	ChunkIDs   []string       `json:"chunk_ids,omitempty"`
	Available  bool           `json:"available"`
	FailReason string         `json:"fail_reason,omitempty"`
	Attempts   int            `json:"attempts"`
}

func Unavailable(docID string, meta Metadata, focus Focus, attempts int, reason string) PaperSummary {
	return PaperSummary{
		DocumentID: docID,
		Metadata:   meta,
		Focus:      focus,
		Available:  false,
		FailReason: reason,
		Attempts:   attempts,
	}
}

type SynthesisState string

const (
	StateCollecting SynthesisState = "collecting"
	StateMapping    SynthesisState = "mapping"
	StateReducing   SynthesisState = "reducing"
	StateDone       SynthesisState = "done"
	StateFailed     SynthesisState = "failed"
)

type ExportFormat string

const (
	FormatMarkdown ExportFormat = "markdown"
	FormatText     ExportFormat = "text"
)

func ParseExportFormat(s string) ExportFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "txt", "plain":
		return FormatText
	default:
		return FormatMarkdown
	}
}

type SynthesisReport struct {
	ID          string         `json:"id"`
	Focus       Focus          `json:"focus"`
	State       SynthesisState `json:"state"`
	Summaries   []PaperSummary `json:"summaries"`
	Narrative   string         `json:"narrative"`
	Format      ExportFormat   `json:"format"`
	Succeeded   []string       `json:"succeeded"`
	Omitted     []string       `json:"omitted"`
	MergeCalls  int            `json:"merge_calls"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}
