package providers

import (
	"context"
	"fmt"
)

// ModelInfo identifies an embedding model. Two embedders are interchangeable only
// when their ModelInfo values are equal.
type ModelInfo struct {
	Provider  string `json:"provider" yaml:"provider"`
	Name      string `json:"name" yaml:"name"`
	Dimension int    `json:"dimension" yaml:"dimension"`
}

func (m ModelInfo) String() string {
	return fmt.Sprintf("%s/%s@%d", m.Provider, m.Name, m.Dimension)
}

type GenerateRequest struct {
	Operation string `json:"operation"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type GenerateResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// LLMProvider never enforces its own deadline; callers bound each call with the context.
type LLMProvider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

type EmbeddingProvider interface {
	Model() ModelInfo
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}
