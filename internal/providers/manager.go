package providers

import (
	"fmt"
	"strings"

	"papersynth/internal/config"
)

// Manager holds the provider variants selected by configuration. Variants are
// chosen explicitly by name and never inferred from the data they produce.
type Manager struct {
	cfg      config.Config
	llm      LLMProvider
	llmRef   ProviderRef
	embed    EmbeddingProvider
	embedRef ProviderRef
}

func NewManager(cfg config.Config) (*Manager, error) {
	llmRef := firstRef(cfg.LLMProvider)
	embedRef := firstRef(cfg.EmbedProvider)

	llm, err := BuildLLM(llmRef, cfg)
	if err != nil {
		return nil, err
	}
	embed, err := BuildEmbedder(embedRef, cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, llm: llm, llmRef: llmRef, embed: embed, embedRef: embedRef}, nil
}

func (m *Manager) LLM() LLMProvider {
	return m.llm
}

func (m *Manager) Embedder() EmbeddingProvider {
	return m.embed
}

func (m *Manager) LLMRef() ProviderRef {
	return m.llmRef
}

func (m *Manager) EmbedRef() ProviderRef {
	return m.embedRef
}

// EmbedderFor builds another embedding variant, used when an index is rebuilt
// against a different model.
func (m *Manager) EmbedderFor(raw string) (EmbeddingProvider, error) {
	return BuildEmbedder(firstRef(raw), m.cfg)
}

func BuildLLM(ref ProviderRef, cfg config.Config) (LLMProvider, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(cfg.EmbedDim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias, cfg.LLMModel, cfg.EmbedModel, cfg.EmbedDim), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias, cfg.LLMModel), nil
	case "ollama":
		return NewOllamaProvider(ref.KeyAlias, cfg.LLMModel, cfg.EmbedDim), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", ref.Raw)
	}
}

func BuildEmbedder(ref ProviderRef, cfg config.Config) (EmbeddingProvider, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(cfg.EmbedDim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias, cfg.LLMModel, cfg.EmbedModel, cfg.EmbedDim), nil
	case "ollama":
		return NewOllamaProvider(ref.KeyAlias, cfg.LLMModel, cfg.EmbedDim), nil
	case "groq":
		return nil, fmt.Errorf("provider %s does not support embeddings", ref.Raw)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ref.Raw)
	}
}

func firstRef(raw string) ProviderRef {
	return ParseProviderRef(raw)
}
