package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"papersynth/internal/models"
	"papersynth/internal/processor"
	"papersynth/internal/providers"
	"papersynth/internal/session"
	"papersynth/internal/storage"
	"papersynth/internal/synthesis"
	"papersynth/internal/util"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
)

// Activities run against the worker's session. The repos are optional so the
// worker can run without Postgres.
type Activities struct {
	sess   *session.Session
	docs   *storage.DocumentRepo
	runs   *storage.SynthesisRunRepo
	logger *slog.Logger
}

func New(sess *session.Session, db *storage.DB, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Activities{sess: sess, logger: logger}
	if db != nil {
		a.docs = storage.NewDocumentRepo(db)
		a.runs = storage.NewSynthesisRunRepo(db)
	}
	return a
}

func (a *Activities) orchestrator() *synthesis.Orchestrator {
	cfg := a.sess.Config()
	return synthesis.NewOrchestrator(a.sess.Index(), a.sess.Embedder(), a.sess.LLM(), synthesis.OptionsFromConfig(cfg), a.logger)
}

func (a *Activities) ListPDFsActivity(ctx context.Context, in ListPDFsInput) (ListPDFsOutput, error) {
	_ = ctx
	entries, err := os.ReadDir(in.InputDir)
	if err != nil {
		return ListPDFsOutput{}, fmt.Errorf("read input dir: %w", err)
	}
	paths := make([]string, 0)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), ".pdf") {
			paths = append(paths, filepath.Join(in.InputDir, name))
		}
	}
	sort.Strings(paths)
	return ListPDFsOutput{Paths: paths}, nil
}

// ProcessDocumentActivity extracts and chunks one PDF. A document that cannot be
// processed is reported as failed rather than failing the activity.
func (a *Activities) ProcessDocumentActivity(ctx context.Context, in ProcessDocumentInput) (ProcessDocumentOutput, error) {
	docs, fails, err := a.sess.ProcessDocuments(ctx, []processor.Input{{Path: in.Path, Metadata: in.Metadata}})
	if err != nil {
		return ProcessDocumentOutput{}, err
	}
	if len(fails) > 0 {
		f := fails[0]
		if a.docs != nil {
			if rerr := a.docs.RecordFailure(ctx, util.ContentID(in.Path), f.Filename, f.Reason); rerr != nil {
				a.logger.Warn("record document failure", "path", in.Path, "error", rerr)
			}
		}
		return ProcessDocumentOutput{Failed: true, FailReason: f.Reason}, nil
	}
	d := docs[0]
	if a.docs != nil {
		if err := a.docs.UpsertDocument(ctx, d); err != nil {
			return ProcessDocumentOutput{}, err
		}
	}
	return ProcessDocumentOutput{DocumentID: d.ID, Title: d.Title, Chunks: len(d.Chunks)}, nil
}

// IndexDocumentActivity embeds a processed document and appends it to the index.
// Re-running it for the same document replaces vectors in place.
func (a *Activities) IndexDocumentActivity(ctx context.Context, in IndexDocumentInput) error {
	d, ok := a.sess.Document(in.DocumentID)
	if !ok {
		if a.docs == nil {
			return temporal.NewNonRetryableApplicationError("document not found in worker session", "not_found", nil, in.DocumentID)
		}
		loaded, err := a.docs.GetDocument(ctx, in.DocumentID)
		if err != nil {
			return err
		}
		a.sess.Remember(loaded)
		d = loaded
	}
	activity.RecordHeartbeat(ctx, in.DocumentID)
	return classify(a.sess.BuildIndex(ctx, []models.Document{d}))
}

func (a *Activities) SaveIndexActivity(ctx context.Context) (SaveIndexOutput, error) {
	path := a.sess.Config().IndexSnapshotPath
	if err := a.sess.SaveIndex(ctx, path); err != nil {
		return SaveIndexOutput{}, err
	}
	return SaveIndexOutput{Path: path, Entries: a.sess.Index().Len()}, nil
}

func (a *Activities) ResolveDocumentsActivity(ctx context.Context, in ResolveDocumentsInput) (ResolveDocumentsOutput, error) {
	_ = ctx
	docs, err := a.orchestrator().Collect(synthesis.Request{DocumentIDs: in.DocumentIDs, Order: in.Order})
	if err != nil {
		return ResolveDocumentsOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "synthesis", err)
	}
	return ResolveDocumentsOutput{Documents: docs}, nil
}

// SummarizeDocumentActivity makes one summary attempt; Temporal owns the retries.
func (a *Activities) SummarizeDocumentActivity(ctx context.Context, in SummarizeDocumentInput) (models.PaperSummary, error) {
	s, err := a.orchestrator().SummarizeDocument(ctx, in.Focus, in.Document)
	if err != nil {
		return models.PaperSummary{}, classify(err)
	}
	return s, nil
}

func (a *Activities) MergeSummariesActivity(ctx context.Context, in MergeSummariesInput) (synthesis.Part, error) {
	p, err := a.orchestrator().Merge(ctx, in.Focus, in.Left, in.Right)
	if err != nil {
		return synthesis.Part{}, classify(err)
	}
	return p, nil
}

func (a *Activities) UpdateSynthesisRunActivity(ctx context.Context, in UpdateSynthesisRunInput) error {
	if a.runs == nil {
		return nil
	}
	return a.runs.UpdateState(ctx, in.RunID, in.Status, in.State, in.Error)
}

// WriteSynthesisReportActivity renders the report in its format, writes it under
// the output root and stores it on the run row.
func (a *Activities) WriteSynthesisReportActivity(ctx context.Context, in WriteSynthesisReportInput) (WriteSynthesisReportOutput, error) {
	ext := "md"
	if in.Report.Format == models.FormatText {
		ext = "txt"
	}
	outPath := filepath.Join(a.sess.Config().DataOutRoot, "synthesis", in.Report.ID, "report."+ext)
	if err := util.WriteTextAtomic(outPath, synthesis.Render(in.Report, in.Report.Format)); err != nil {
		return WriteSynthesisReportOutput{}, err
	}
	if err := util.WriteJSONAtomic(filepath.Join(filepath.Dir(outPath), "report.json"), in.Report); err != nil {
		return WriteSynthesisReportOutput{}, err
	}
	if a.runs != nil {
		if err := a.runs.Complete(ctx, in.Report.ID, outPath, in.Report); err != nil {
			return WriteSynthesisReportOutput{}, err
		}
	}
	return WriteSynthesisReportOutput{OutPath: outPath}, nil
}

// classify marks errors that another attempt cannot fix as non-retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, util.ErrConfiguration) || errors.Is(err, util.ErrSynthesis) || !providers.Retryable(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(providers.ClassifyError(err)), err)
	}
	return err
}
