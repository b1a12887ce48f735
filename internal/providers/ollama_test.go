package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveOllamaEmbedModel_Default(t *testing.T) {
	t.Setenv("PAPERSYNTH_OLLAMA_EMBED_MODEL", "")
	require.Equal(t, "nomic-embed-text", resolveOllamaEmbedModel(""))
	require.Equal(t, "bge-small-en-v1.5", resolveOllamaEmbedModel("bge"))
	require.Equal(t, "mxbai-embed-large", resolveOllamaEmbedModel("mxbai-embed-large"))
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, false, body["stream"])
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok from ollama"})
	}))
	defer srv.Close()
	t.Setenv("PAPERSYNTH_OLLAMA_BASE_URL", srv.URL)

	p := NewOllamaProvider("", "llama3.1", 768)
	resp, err := p.Generate(context.Background(), GenerateRequest{Operation: "ask", Prompt: "hi", MaxTokens: 16})
	require.NoError(t, err)
	require.Equal(t, "ok from ollama", resp.Text)
}

func TestOllamaEmbedErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	t.Setenv("PAPERSYNTH_OLLAMA_BASE_URL", srv.URL)

	p := NewOllamaProvider("nomic", "", 768)
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
