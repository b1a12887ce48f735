package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIProvider talks to OpenAI or any OpenAI-compatible endpoint (Groq).
type OpenAIProvider struct {
	name       string
	keyName    string
	client     *openai.Client
	chatModel  string
	embedModel string
	dimension  int
	hasKey     bool
}

func NewOpenAIProvider(keyName, chatModel, embedModel string, dim int) *OpenAIProvider {
	apiKey := resolveKey("OPENAI", keyName)
	cfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); base != "" {
		cfg.BaseURL = base
	}
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return &OpenAIProvider{
		name:       "openai",
		keyName:    keyName,
		client:     openai.NewClientWithConfig(cfg),
		chatModel:  chatModel,
		embedModel: embedModel,
		dimension:  dim,
		hasKey:     apiKey != "",
	}
}

// NewGroqProvider supports generation only; Groq serves no embedding models.
func NewGroqProvider(keyName, chatModel string) *OpenAIProvider {
	apiKey := resolveKey("GROQ", keyName)
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = groqBaseURL
	if chatModel == "" {
		chatModel = "llama-3.3-70b-versatile"
	}
	return &OpenAIProvider{
		name:      "groq",
		keyName:   keyName,
		client:    openai.NewClientWithConfig(cfg),
		chatModel: chatModel,
		hasKey:    apiKey != "",
	}
}

func (o *OpenAIProvider) Name() string {
	return o.name + ":" + o.chatModel
}

func (o *OpenAIProvider) Model() ModelInfo {
	return ModelInfo{Provider: o.name, Name: o.embedModel, Dimension: o.dimension}
}

func (o *OpenAIProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if !o.hasKey {
		return nil, fmt.Errorf("%w: %s key missing for alias %q", ErrNotConfigured, o.name, o.keyName)
	}
	if o.embedModel == "" {
		return nil, fmt.Errorf("%w: %s provider has no embedding model", ErrNotConfigured, o.name)
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(o.embedModel),
		Input:      inputs,
		Dimensions: o.dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("%s embedding request failed: %w", o.name, err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (o *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if !o.hasKey {
		return GenerateResponse{}, fmt.Errorf("%w: %s key missing for alias %q", ErrNotConfigured, o.name, o.keyName)
	}
	system := req.System
	if system == "" {
		system = "You are an academic reviewer. Keep responses concise and grounded in the provided context."
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.chatModel,
		MaxTokens:   req.MaxTokens,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("%s generate request failed: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, fmt.Errorf("%s: %w", o.name, ErrEmptyResponse)
	}
	return GenerateResponse{Text: resp.Choices[0].Message.Content, Model: o.chatModel}, nil
}

func resolveKey(vendor, alias string) string {
	if alias != "" {
		if k := os.Getenv("PAPERSYNTH_" + vendor + "_KEY_" + sanitizeEnvToken(alias)); k != "" {
			return k
		}
	}
	return os.Getenv(vendor + "_API_KEY")
}
