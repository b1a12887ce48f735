package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type CallRecord struct {
	CallID    string
	Operation string
	Provider  string
	Model     string
	Status    string
	ErrorType ErrorType
	Duration  time.Duration
}

// CallRecorder persists one row per LLM call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

type auditedLLM struct {
	inner    LLMProvider
	recorder CallRecorder
	logger   *slog.Logger
}

// WithAudit wraps llm so every Generate call is recorded. Recording failures are
// logged and never fail the call.
func WithAudit(llm LLMProvider, recorder CallRecorder, logger *slog.Logger) LLMProvider {
	if recorder == nil {
		return llm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &auditedLLM{inner: llm, recorder: recorder, logger: logger}
}

func (a *auditedLLM) Name() string {
	return a.inner.Name()
}

func (a *auditedLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	started := time.Now()
	resp, err := a.inner.Generate(ctx, req)
	rec := CallRecord{
		CallID:    uuid.NewString(),
		Operation: req.Operation,
		Provider:  a.inner.Name(),
		Model:     resp.Model,
		Status:    "ok",
		Duration:  time.Since(started),
	}
	if err != nil {
		rec.Status = "error"
		rec.ErrorType = ClassifyError(err)
	}
	// the call context may already be done; the audit row is still wanted
	if rerr := a.recorder.RecordCall(context.WithoutCancel(ctx), rec); rerr != nil {
		a.logger.Warn("record llm call failed", "call_id", rec.CallID, "error", rerr)
	}
	return resp, err
}
