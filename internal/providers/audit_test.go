package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	calls []CallRecord
	err   error
}

func (m *memRecorder) RecordCall(ctx context.Context, rec CallRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.calls = append(m.calls, rec)
	return m.err
}

type erroringLLM struct{}

func (erroringLLM) Name() string { return "erroring" }

func (erroringLLM) Generate(context.Context, GenerateRequest) (GenerateResponse, error) {
	return GenerateResponse{}, errors.New("429 too many requests")
}

func TestWithAuditRecordsEachCall(t *testing.T) {
	rec := &memRecorder{}
	llm := WithAudit(NewMockProvider(16), rec, nil)
	resp, err := llm.Generate(context.Background(), GenerateRequest{Operation: "ask", Prompt: "q"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Text)
	require.Equal(t, "mock", llm.Name())

	failing := WithAudit(erroringLLM{}, rec, nil)
	_, err = failing.Generate(context.Background(), GenerateRequest{Operation: "merge"})
	require.Error(t, err)

	require.Len(t, rec.calls, 2)
	require.Equal(t, "ok", rec.calls[0].Status)
	require.Equal(t, "mock-llm-v1", rec.calls[0].Model)
	require.Equal(t, "error", rec.calls[1].Status)
	require.Equal(t, ErrorRate, rec.calls[1].ErrorType)
	require.NotEqual(t, rec.calls[0].CallID, rec.calls[1].CallID)
}

func TestWithAuditRecordsAfterCancel(t *testing.T) {
	rec := &memRecorder{err: errors.New("db down")}
	llm := WithAudit(NewMockProvider(16), rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := llm.Generate(ctx, GenerateRequest{Operation: "ask"})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, rec.calls, 1)
	require.Equal(t, ErrorCanceled, rec.calls[0].ErrorType)
}

func TestWithAuditWithoutRecorder(t *testing.T) {
	inner := NewMockProvider(16)
	require.Same(t, LLMProvider(inner), WithAudit(inner, nil, nil))
}
