package util

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the processing, retrieval and synthesis layers.
// Callers classify failures with errors.Is.
var (
	ErrExtraction    = errors.New("extraction error")
	ErrConfiguration = errors.New("configuration error")
	ErrEmbedding     = errors.New("embedding error")
	ErrGeneration    = errors.New("generation error")
	ErrSynthesis     = errors.New("synthesis error")

	// ErrRetrievalEmpty is soft: an empty confident result is a valid outcome, not a failure.
	ErrRetrievalEmpty = errors.New("no retrieval result above similarity floor")

	ErrNoExtractableText = fmt.Errorf("%w: no extractable text found in PDF", ErrExtraction)
)
