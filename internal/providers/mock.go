package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// MockProvider is a deterministic offline provider. Embeddings are hashed
// bag-of-words vectors, so texts sharing words land close to each other.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 384
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Name() string {
	return "mock"
}

func (m *MockProvider) Model() ModelInfo {
	return ModelInfo{Provider: "mock", Name: fmt.Sprintf("mock-embed-%d", m.dim), Dimension: m.dim}
}

func (m *MockProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		vectors = append(vectors, deterministicVector(input, m.dim))
	}
	return vectors, nil
}

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}
	var text string
	op := strings.ToLower(req.Operation)
	switch {
	case strings.Contains(op, "ask"):
		text = "Deterministic answer based on the retrieved evidence [1]."
	case strings.Contains(op, "summarize"):
		text = "**Summary**: " + tailWords(req.Prompt, 40)
	case strings.Contains(op, "merge"):
		text = "## Comparative synthesis\n\n### Similarities\n- Deterministic merge output.\n\n### Differences\n- " + tailWords(req.Prompt, 20)
	default:
		text = "Mock response."
	}
	return GenerateResponse{Text: text, Model: "mock-llm-v1"}, nil
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{"empty"}
	}
	for _, w := range words {
		h := sha256.Sum256([]byte(w))
		bucket := binary.BigEndian.Uint32(h[:4]) % uint32(dim)
		sign := float32(1)
		if h[4]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func tailWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[len(f)-n:]
	}
	return strings.Join(f, " ")
}
