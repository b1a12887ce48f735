package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestParseLevel(t *testing.T) {
	gt.Value(t, ParseLevel("DEBUG")).Equal(slog.LevelDebug)
	gt.Value(t, ParseLevel("warning")).Equal(slog.LevelWarn)
	gt.Value(t, ParseLevel("error")).Equal(slog.LevelError)
	gt.Value(t, ParseLevel("")).Equal(slog.LevelInfo)
	gt.Value(t, ParseLevel("verbose")).Equal(slog.LevelInfo)
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")
	logger.Info("document indexed", "document_id", "d1")
	gt.Value(t, buf.Len()).Equal(0)

	logger.Warn("summary unavailable", "document_id", "d2")
	gt.Bool(t, bytes.Contains(buf.Bytes(), []byte("summary unavailable"))).True()
}
