package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// OllamaProvider supports local, free embeddings and generation via Ollama.
// Example embedding model: nomic-embed-text (Nomic Embed v1.5 family).
type OllamaProvider struct {
	alias      string
	baseURL    string
	embedModel string
	chatModel  string
	dimension  int
	client     *http.Client
}

func NewOllamaProvider(alias, chatModel string, dim int) *OllamaProvider {
	baseURL := strings.TrimSpace(os.Getenv("PAPERSYNTH_OLLAMA_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if chatModel == "" {
		chatModel = "llama3.1"
	}
	return &OllamaProvider{
		alias:      alias,
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: resolveOllamaEmbedModel(alias),
		chatModel:  chatModel,
		dimension:  dim,
		client:     &http.Client{},
	}
}

func (o *OllamaProvider) Name() string {
	return "ollama:" + o.chatModel
}

func (o *OllamaProvider) Model() ModelInfo {
	return ModelInfo{Provider: "ollama", Name: o.embedModel, Dimension: o.dimension}
}

func (o *OllamaProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no embedding inputs", ErrNotConfigured)
	}
	out := make([][]float32, 0, len(inputs))
	for _, text := range inputs {
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := o.post(ctx, "/api/embeddings", map[string]any{"model": o.embedModel, "prompt": text}, &parsed); err != nil {
			return nil, fmt.Errorf("ollama embedding: %w", err)
		}
		if len(parsed.Embedding) == 0 {
			return nil, fmt.Errorf("ollama embedding: %w", ErrEmptyResponse)
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

func (o *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	payload := map[string]any{
		"model":  o.chatModel,
		"prompt": req.Prompt,
		"stream": false,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.MaxTokens > 0 {
		payload["options"] = map[string]any{"num_predict": req.MaxTokens}
	}
	var parsed struct {
		Response string `json:"response"`
	}
	if err := o.post(ctx, "/api/generate", payload, &parsed); err != nil {
		return GenerateResponse{}, fmt.Errorf("ollama generate: %w", err)
	}
	return GenerateResponse{Text: parsed.Response, Model: o.chatModel}, nil
}

func (o *OllamaProvider) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func resolveOllamaEmbedModel(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias != "" {
		key := "PAPERSYNTH_OLLAMA_EMBED_MODEL_" + sanitizeEnvToken(alias)
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		switch strings.ToLower(alias) {
		case "nomic":
			return "nomic-embed-text"
		case "bge":
			return "bge-small-en-v1.5"
		case "minilm":
			return "all-minilm"
		}
		// Allow direct model in provider ref, e.g. ollama:nomic-embed-text
		if strings.ContainsAny(alias, "-/.") {
			return alias
		}
	}
	if v := strings.TrimSpace(os.Getenv("PAPERSYNTH_OLLAMA_EMBED_MODEL")); v != "" {
		return v
	}
	return "nomic-embed-text"
}

func sanitizeEnvToken(s string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(strings.ToUpper(s))
}
