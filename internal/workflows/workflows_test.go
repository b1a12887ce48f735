package workflows

import (
	"context"
	"testing"
	"time"

	"papersynth/internal/activities"
	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/synthesis"
	"papersynth/internal/vector"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func registerActivityName[T any](env *testsuite.TestWorkflowEnvironment, name string, fn T) {
	env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func testRetry() config.RetryPolicy {
	return config.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second, MaximumAttempts: 2}
}

func registerSynthesisActivities(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterWorkflow(SynthesisWorkflow)
	registerActivityName(env, "UpdateSynthesisRunActivity", func(context.Context, activities.UpdateSynthesisRunInput) error { return nil })
	registerActivityName(env, "ResolveDocumentsActivity", func(context.Context, activities.ResolveDocumentsInput) (activities.ResolveDocumentsOutput, error) {
		return activities.ResolveDocumentsOutput{}, nil
	})
	registerActivityName(env, "SummarizeDocumentActivity", func(context.Context, activities.SummarizeDocumentInput) (models.PaperSummary, error) {
		return models.PaperSummary{}, nil
	})
	registerActivityName(env, "MergeSummariesActivity", func(context.Context, activities.MergeSummariesInput) (synthesis.Part, error) {
		return synthesis.Part{}, nil
	})
	registerActivityName(env, "WriteSynthesisReportActivity", func(context.Context, activities.WriteSynthesisReportInput) (activities.WriteSynthesisReportOutput, error) {
		return activities.WriteSynthesisReportOutput{}, nil
	})
}

func acceptRunUpdates(env *testsuite.TestWorkflowEnvironment) {
	env.OnActivity("UpdateSynthesisRunActivity", mock.Anything, mock.Anything).Return(nil)
}

func threeDocs() []vector.DocumentInfo {
	return []vector.DocumentInfo{
		{DocumentID: "d1", Metadata: models.Metadata{Author: "Silva", Year: 2024}, Chunks: 2},
		{DocumentID: "d2", Metadata: models.Metadata{Author: "Santos", Year: 2025}, Chunks: 1},
		{DocumentID: "d3", Metadata: models.Metadata{Author: "Costa", Year: 2023}, Chunks: 3},
	}
}

func summarize(_ context.Context, in activities.SummarizeDocumentInput) (models.PaperSummary, error) {
	return models.PaperSummary{
		DocumentID: in.Document.DocumentID,
		Metadata:   in.Document.Metadata,
		Focus:      in.Focus,
		Text:       "S(" + in.Document.DocumentID + ")",
		Available:  true,
		Attempts:   1,
	}, nil
}

func merge(_ context.Context, in activities.MergeSummariesInput) (synthesis.Part, error) {
	return synthesis.Part{
		Text:   "M(" + in.Left.Text + "+" + in.Right.Text + ")",
		Labels: append(append([]string{}, in.Left.Labels...), in.Right.Labels...),
	}, nil
}

func TestSynthesisWorkflowBuildsMergeTree(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)
	acceptRunUpdates(env)

	var written models.SynthesisReport
	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).Return(summarize)
	env.OnActivity("MergeSummariesActivity", mock.Anything, mock.Anything).Return(merge)
	env.OnActivity("WriteSynthesisReportActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.WriteSynthesisReportInput) (activities.WriteSynthesisReportOutput, error) {
			written = in.Report
			return activities.WriteSynthesisReportOutput{OutPath: "/tmp/run-1/report.md"}, nil
		})

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-1", Focus: models.FocusMethodology, Concurrency: 2, Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out SynthesisResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, models.StateDone, out.State)
	require.Equal(t, []string{"d1", "d2", "d3"}, out.Succeeded)
	require.Empty(t, out.Omitted)
	require.Equal(t, "/tmp/run-1/report.md", out.OutPath)

	require.Equal(t, "M(M(S(d1)+S(d2))+S(d3))", written.Narrative)
	require.Equal(t, 2, written.MergeCalls)
	require.Equal(t, models.FocusMethodology, written.Focus)
	require.Len(t, written.Summaries, 3)
}

func TestSynthesisWorkflowOmitsFailedSummary(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)
	acceptRunUpdates(env)

	var written models.SynthesisReport
	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.MatchedBy(func(in activities.SummarizeDocumentInput) bool {
		return in.Document.DocumentID == "d2"
	})).Return(models.PaperSummary{}, temporal.NewNonRetryableApplicationError("invalid api key", "permanent", nil))
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).Return(summarize)
	env.OnActivity("MergeSummariesActivity", mock.Anything, mock.Anything).Return(merge)
	env.OnActivity("WriteSynthesisReportActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.WriteSynthesisReportInput) (activities.WriteSynthesisReportOutput, error) {
			written = in.Report
			return activities.WriteSynthesisReportOutput{OutPath: "out"}, nil
		})

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-2", Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out SynthesisResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, []string{"d1", "d3"}, out.Succeeded)
	require.Equal(t, []string{"d2"}, out.Omitted)

	require.Equal(t, "M(S(d1)+S(d3))", written.Narrative)
	require.False(t, written.Summaries[1].Available)
	require.Equal(t, 1, written.Summaries[1].Attempts)
	require.Contains(t, written.Summaries[1].FailReason, "invalid api key")
	require.Equal(t, models.FocusComplete, written.Focus)
}

func TestSynthesisWorkflowFailsWhenNothingSummarized(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)

	var states []models.SynthesisState
	env.OnActivity("UpdateSynthesisRunActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.UpdateSynthesisRunInput) error {
			states = append(states, in.State)
			return nil
		})
	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()[:2]}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).Return(models.PaperSummary{}, temporal.NewNonRetryableApplicationError("model unavailable", "permanent", nil))

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-3", Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, models.StateFailed, states[len(states)-1])
	env.AssertNotCalled(t, "MergeSummariesActivity", mock.Anything, mock.Anything)
}

func TestSynthesisWorkflowRecordsFailureWhenCancelled(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)

	var updates []activities.UpdateSynthesisRunInput
	env.OnActivity("UpdateSynthesisRunActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.UpdateSynthesisRunInput) error {
			updates = append(updates, in)
			return nil
		})
	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).After(10 * time.Second).Return(summarize)
	env.RegisterDelayedCallback(env.CancelWorkflow, time.Second)

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-6", Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.Equal(t, models.StateFailed, last.State)
	require.Equal(t, statusFailed, last.Status)
	require.Equal(t, "run-6", last.RunID)
	env.AssertNotCalled(t, "MergeSummariesActivity", mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "WriteSynthesisReportActivity", mock.Anything, mock.Anything)
}

func TestSynthesisWorkflowMergeFailureFailsRun(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)
	acceptRunUpdates(env)

	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).Return(summarize)
	env.OnActivity("MergeSummariesActivity", mock.Anything, mock.Anything).Return(synthesis.Part{}, temporal.NewNonRetryableApplicationError("context length exceeded", "context", nil))

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-4", Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.ErrorContains(t, env.GetWorkflowError(), "context length exceeded")
	env.AssertNotCalled(t, "WriteSynthesisReportActivity", mock.Anything, mock.Anything)
}

func TestSynthesisWorkflowSingleDocumentSkipsMerge(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerSynthesisActivities(env)
	acceptRunUpdates(env)

	var written models.SynthesisReport
	env.OnActivity("ResolveDocumentsActivity", mock.Anything, mock.Anything).Return(activities.ResolveDocumentsOutput{Documents: threeDocs()[:1]}, nil)
	env.OnActivity("SummarizeDocumentActivity", mock.Anything, mock.Anything).Return(summarize)
	env.OnActivity("WriteSynthesisReportActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.WriteSynthesisReportInput) (activities.WriteSynthesisReportOutput, error) {
			written = in.Report
			return activities.WriteSynthesisReportOutput{}, nil
		})

	env.ExecuteWorkflow(SynthesisWorkflow, SynthesisInput{RunID: "run-5", Retry: testRetry()})
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, "S(d1)", written.Narrative)
	require.Equal(t, 0, written.MergeCalls)
}

func registerIngestActivities(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterWorkflow(IngestWorkflow)
	env.RegisterWorkflow(DocumentIngestWorkflow)
	registerActivityName(env, "ListPDFsActivity", func(context.Context, activities.ListPDFsInput) (activities.ListPDFsOutput, error) {
		return activities.ListPDFsOutput{}, nil
	})
	registerActivityName(env, "ProcessDocumentActivity", func(context.Context, activities.ProcessDocumentInput) (activities.ProcessDocumentOutput, error) {
		return activities.ProcessDocumentOutput{}, nil
	})
	registerActivityName(env, "IndexDocumentActivity", func(context.Context, activities.IndexDocumentInput) error { return nil })
	registerActivityName(env, "SaveIndexActivity", func(context.Context) (activities.SaveIndexOutput, error) {
		return activities.SaveIndexOutput{}, nil
	})
}

func TestIngestWorkflowIsolatesFailedDocuments(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerIngestActivities(env)

	env.OnActivity("ListPDFsActivity", mock.Anything, activities.ListPDFsInput{InputDir: "/in"}).
		Return(activities.ListPDFsOutput{Paths: []string{"/in/a.pdf", "/in/blank.pdf", "/in/c.pdf"}}, nil)
	env.OnActivity("ProcessDocumentActivity", mock.Anything, activities.ProcessDocumentInput{Path: "/in/blank.pdf"}).
		Return(activities.ProcessDocumentOutput{Failed: true, FailReason: "no extractable text"}, nil)
	env.OnActivity("ProcessDocumentActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.ProcessDocumentInput) (activities.ProcessDocumentOutput, error) {
			return activities.ProcessDocumentOutput{DocumentID: "id-" + in.Path[len("/in/"):], Chunks: 2}, nil
		})
	env.OnActivity("IndexDocumentActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("SaveIndexActivity", mock.Anything).Return(activities.SaveIndexOutput{Path: "index.json", Entries: 4}, nil)

	env.ExecuteWorkflow(IngestWorkflow, IngestInput{InputDir: "/in", BatchSize: 2, Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out IngestResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 3, out.Total)
	require.Equal(t, 2, out.Indexed)
	require.Equal(t, 1, out.Failed)
	require.Equal(t, []string{"id-a.pdf", "id-c.pdf"}, out.DocumentIDs)
	require.Equal(t, 4, out.IndexEntries)
}

func TestDocumentIngestWorkflowReportsIndexFailure(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	registerIngestActivities(env)

	env.OnActivity("ProcessDocumentActivity", mock.Anything, mock.Anything).Return(activities.ProcessDocumentOutput{DocumentID: "doc-1", Chunks: 1}, nil)
	env.OnActivity("IndexDocumentActivity", mock.Anything, activities.IndexDocumentInput{DocumentID: "doc-1"}).
		Return(temporal.NewNonRetryableApplicationError("embedder differs from index model", "permanent", nil))

	env.ExecuteWorkflow(DocumentIngestWorkflow, DocumentIngestInput{Path: "/in/a.pdf", Retry: testRetry()})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out DocumentIngestResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, statusFailed, out.Status)
	require.Equal(t, "doc-1", out.DocumentID)
	require.Contains(t, out.FailReason, "embedder differs")
}
