package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"insufficient_quota":                              ErrorQuota,
		"429 rate":                                        ErrorRate,
		"rate limit reached for gpt-4o-mini":              ErrorRate,
		"maximum context length exceeded":                 ErrorContext,
		"timeout":                                         ErrorTransient,
		"503 service unavailable":                         ErrorTransient,
		"read tcp 10.0.0.2:443: connection reset by peer": ErrorTransient,
		"dial tcp 127.0.0.1:11434: connection refused":    ErrorTransient,
		"model is overloaded, try again later":            ErrorTransient,
		"something odd happened":                          ErrorTransient,
		"bad request":                                     ErrorPermanent,
		"invalid request":                                 ErrorPermanent,
		"failed to generate embeddings: invalid api key":  ErrorPermanent,
		"moderate separate generate: 401 unauthorized":    ErrorPermanent,
		"model not found":                                 ErrorPermanent,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Fatalf("classify %q: got %s want %s", msg, got, want)
		}
	}
}

func TestClassifyStructuredErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"openai 429", fmt.Errorf("openai generate request failed: %w", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}), ErrorRate},
		{"openai 429 quota", &openai.APIError{HTTPStatusCode: 429, Message: "You exceeded your current quota"}, ErrorQuota},
		{"openai 400 context", &openai.APIError{HTTPStatusCode: 400, Message: "This model's maximum context length is 8192 tokens"}, ErrorContext},
		{"openai 401", &openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"}, ErrorPermanent},
		{"openai 500", &openai.RequestError{HTTPStatusCode: 500, Err: errors.New("upstream")}, ErrorTransient},
		{"ollama 404", fmt.Errorf("ollama generate: %w", &StatusError{Code: 404, Body: `{"error":"model \"llama3\" not found"}`}), ErrorPermanent},
		{"ollama 503", &StatusError{Code: 503, Body: "loading model"}, ErrorTransient},
		{"net op", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("i/o failure")}, ErrorTransient},
		{"reset", fmt.Errorf("request failed: %w", syscall.ECONNRESET), ErrorTransient},
		{"unexpected eof", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), ErrorTransient},
		{"missing key", fmt.Errorf("%w: openai key missing", ErrNotConfigured), ErrorPermanent},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if got := ClassifyError(fmt.Errorf("call: %w", context.DeadlineExceeded)); got != ErrorTransient {
		t.Fatalf("deadline exceeded: got %s", got)
	}
	if got := ClassifyError(fmt.Errorf("call: %w", context.Canceled)); got != ErrorCanceled {
		t.Fatalf("canceled: got %s", got)
	}
	if Retryable(context.Canceled) {
		t.Fatalf("canceled must not be retryable")
	}
	if !Retryable(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded must be retryable")
	}
	if Retryable(errors.New("failed to generate embeddings: invalid api key")) {
		t.Fatalf("invalid api key must not be retryable")
	}
	if !Retryable(errors.New("connection reset by peer")) {
		t.Fatalf("connection reset must be retryable")
	}
}
