package workflows

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"papersynth/internal/activities"
	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/synthesis"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	QueryGetIngestProgress    = "GetIngestProgress"
	QueryGetSynthesisProgress = "GetSynthesisProgress"
)

const (
	statusIndexed = "indexed"
	statusFailed  = "failed"
)

func retryPolicy(p config.RetryPolicy) *temporal.RetryPolicy {
	if p.MaximumAttempts <= 0 {
		p = config.DefaultRetryPolicy()
	}
	return &temporal.RetryPolicy{
		InitialInterval:    p.InitialInterval,
		BackoffCoefficient: p.BackoffCoefficient,
		MaximumInterval:    p.MaximumInterval,
		MaximumAttempts:    int32(p.MaximumAttempts),
	}
}

// IngestWorkflow processes every PDF in a directory through DocumentIngestWorkflow
// children, BatchSize at a time, then persists the index.
func IngestWorkflow(ctx workflow.Context, input IngestInput) (IngestResult, error) {
	progress := IngestProgress{PerDocument: map[string]string{}}
	if err := workflow.SetQueryHandler(ctx, QueryGetIngestProgress, func() (IngestProgress, error) {
		return progress, nil
	}); err != nil {
		return IngestResult{}, err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         retryPolicy(input.Retry),
	})
	var listOut activities.ListPDFsOutput
	if err := workflow.ExecuteActivity(ctx, "ListPDFsActivity", activities.ListPDFsInput{InputDir: input.InputDir}).Get(ctx, &listOut); err != nil {
		return IngestResult{}, err
	}
	paths := listOut.Paths
	progress.Total = len(paths)
	batch := input.BatchSize
	if batch <= 0 {
		batch = 3
	}

	parent := workflow.GetInfo(ctx).WorkflowExecution.ID
	for i := 0; i < len(paths); i += batch {
		end := min(i+batch, len(paths))
		futures := make([]workflow.ChildWorkflowFuture, 0, end-i)
		for _, path := range paths[i:end] {
			progress.PerDocument[path] = "processing"
			childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
				WorkflowID: parent + "-" + sanitizeID(filepath.Base(path)),
			})
			futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, DocumentIngestWorkflow, DocumentIngestInput{
				Path:     path,
				Metadata: input.Metadata[filepath.Base(path)],
				Retry:    input.Retry,
			}))
		}
		for idx, f := range futures {
			path := paths[i+idx]
			var res DocumentIngestResult
			if err := f.Get(ctx, &res); err != nil {
				progress.Failed++
				progress.PerDocument[path] = statusFailed
				workflow.GetLogger(ctx).Warn("document ingest failed", "path", path, "error", err)
				continue
			}
			progress.PerDocument[path] = res.Status
			if res.Status == statusIndexed {
				progress.Done++
				progress.DocumentIDs = append(progress.DocumentIDs, res.DocumentID)
			} else {
				progress.Failed++
			}
		}
	}

	var saveOut activities.SaveIndexOutput
	if err := workflow.ExecuteActivity(ctx, "SaveIndexActivity").Get(ctx, &saveOut); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{
		Total:        progress.Total,
		Indexed:      progress.Done,
		Failed:       progress.Failed,
		DocumentIDs:  progress.DocumentIDs,
		IndexEntries: saveOut.Entries,
	}, nil
}

// DocumentIngestWorkflow extracts, chunks and indexes one PDF. A document with
// no usable text ends as failed without failing the workflow.
func DocumentIngestWorkflow(ctx workflow.Context, input DocumentIngestInput) (DocumentIngestResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy:         retryPolicy(input.Retry),
	})
	var procOut activities.ProcessDocumentOutput
	if err := workflow.ExecuteActivity(ctx, "ProcessDocumentActivity", activities.ProcessDocumentInput{
		Path:     input.Path,
		Metadata: input.Metadata,
	}).Get(ctx, &procOut); err != nil {
		return DocumentIngestResult{}, err
	}
	if procOut.Failed {
		return DocumentIngestResult{Status: statusFailed, FailReason: procOut.FailReason}, nil
	}
	if err := workflow.ExecuteActivity(ctx, "IndexDocumentActivity", activities.IndexDocumentInput{DocumentID: procOut.DocumentID}).Get(ctx, nil); err != nil {
		return DocumentIngestResult{DocumentID: procOut.DocumentID, Status: statusFailed, FailReason: err.Error()}, nil
	}
	return DocumentIngestResult{DocumentID: procOut.DocumentID, Status: statusIndexed}, nil
}

// SynthesisWorkflow runs the map phase as one summary activity per document and
// the reduce phase as the pairwise merge tree, each merge its own activity.
// Temporal owns the retries; a summary that exhausts them is omitted.
func SynthesisWorkflow(ctx workflow.Context, input SynthesisInput) (SynthesisResult, error) {
	runID := input.RunID
	if runID == "" {
		runID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	focus := input.Focus
	if focus == "" {
		focus = models.FocusComplete
	}
	progress := SynthesisProgress{RunID: runID, State: models.StateCollecting}
	if err := workflow.SetQueryHandler(ctx, QueryGetSynthesisProgress, func() (SynthesisProgress, error) {
		return progress, nil
	}); err != nil {
		return SynthesisResult{}, err
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	policy := retryPolicy(input.Retry)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         policy,
	})
	bookkeepingOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	bookkeeping := workflow.WithActivityOptions(ctx, bookkeepingOpts)
	record := func(c workflow.Context, state models.SynthesisState, status, msg string) {
		progress.State = state
		err := workflow.ExecuteActivity(workflow.WithActivityOptions(c, bookkeepingOpts), "UpdateSynthesisRunActivity", activities.UpdateSynthesisRunInput{
			RunID: runID, Status: status, State: state, Error: msg,
		}).Get(c, nil)
		if err != nil {
			workflow.GetLogger(ctx).Warn("record synthesis state failed", "run_id", runID, "state", state, "error", err)
		}
	}
	setState := func(state models.SynthesisState, status, msg string) {
		record(ctx, state, status, msg)
	}
	// The failed state must land even after cancellation, so it is
	// recorded on a context the cancellation does not reach.
	fail := func(err error) (SynthesisResult, error) {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		record(dctx, models.StateFailed, statusFailed, err.Error())
		return SynthesisResult{RunID: runID, State: models.StateFailed}, err
	}

	format := input.Format
	if format == "" {
		format = models.FormatMarkdown
	}
	report := models.SynthesisReport{
		ID:        runID,
		Focus:     focus,
		Format:    format,
		StartedAt: workflow.Now(ctx).UTC(),
	}
	setState(models.StateCollecting, "running", "")
	var resolved activities.ResolveDocumentsOutput
	if err := workflow.ExecuteActivity(ctx, "ResolveDocumentsActivity", activities.ResolveDocumentsInput{
		DocumentIDs: input.DocumentIDs,
		Order:       input.Order,
	}).Get(ctx, &resolved); err != nil {
		return fail(err)
	}
	docs := resolved.Documents
	progress.Total = len(docs)

	setState(models.StateMapping, "running", "")
	concurrency := input.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	summaries := make([]models.PaperSummary, len(docs))
	for i := 0; i < len(docs); i += concurrency {
		end := min(i+concurrency, len(docs))
		futures := make([]workflow.Future, 0, end-i)
		for _, d := range docs[i:end] {
			futures = append(futures, workflow.ExecuteActivity(ctx, "SummarizeDocumentActivity", activities.SummarizeDocumentInput{
				Focus: focus, Document: d,
			}))
		}
		for idx, f := range futures {
			d := docs[i+idx]
			var s models.PaperSummary
			if err := f.Get(ctx, &s); err != nil {
				if ctx.Err() != nil {
					return fail(err)
				}
				s = models.Unavailable(d.DocumentID, d.Metadata, focus, attemptsFor(err, policy), err.Error())
				progress.Omitted++
				report.Omitted = append(report.Omitted, d.DocumentID)
				workflow.GetLogger(ctx).Warn("summary unavailable", "document_id", d.DocumentID, "error", err)
			} else {
				progress.Summarized++
				report.Succeeded = append(report.Succeeded, d.DocumentID)
			}
			summaries[i+idx] = s
		}
	}
	report.Summaries = summaries
	if len(report.Succeeded) == 0 {
		return fail(temporal.NewNonRetryableApplicationError("no document could be summarised", "synthesis", nil))
	}

	setState(models.StateReducing, "running", "")
	parts := make([]synthesis.Part, 0, len(report.Succeeded))
	for _, s := range summaries {
		if s.Available {
			parts = append(parts, synthesis.SummaryPart(s))
		}
	}
	for r, round := range synthesis.PlanRounds(len(parts)) {
		progress.Round = r + 1
		next := make([]synthesis.Part, len(round))
		futures := make([]workflow.Future, len(round))
		for i, step := range round {
			if step.Carried() {
				next[i] = parts[step.Left]
				continue
			}
			futures[i] = workflow.ExecuteActivity(ctx, "MergeSummariesActivity", activities.MergeSummariesInput{
				Focus: focus, Left: parts[step.Left], Right: parts[step.Right],
			})
		}
		for i, f := range futures {
			if f == nil {
				continue
			}
			progress.MergeCalls++
			if err := f.Get(ctx, &next[i]); err != nil {
				return fail(err)
			}
		}
		parts = next
	}
	report.Narrative = parts[0].Text
	report.MergeCalls = progress.MergeCalls
	report.State = models.StateDone
	report.CompletedAt = workflow.Now(ctx).UTC()

	var written activities.WriteSynthesisReportOutput
	if err := workflow.ExecuteActivity(bookkeeping, "WriteSynthesisReportActivity", activities.WriteSynthesisReportInput{Report: report}).Get(ctx, &written); err != nil {
		return fail(err)
	}
	progress.State = models.StateDone
	return SynthesisResult{
		RunID:     runID,
		State:     models.StateDone,
		OutPath:   written.OutPath,
		Succeeded: report.Succeeded,
		Omitted:   report.Omitted,
	}, nil
}

// attemptsFor reports how many attempts an activity error consumed.
// Non-retryable failures stop after the first.
func attemptsFor(err error, p *temporal.RetryPolicy) int {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return 1
	}
	return int(p.MaximumAttempts)
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}
