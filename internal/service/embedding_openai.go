package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAITextEmbedder calls any OpenAI-compatible embeddings endpoint
// (OpenAI, Ollama, vLLM, text-embeddings-inference).
type OpenAITextEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAITextEmbedder creates an OpenAI-compatible embedder.
func NewOpenAITextEmbedder(ep *ModelEndpoint) *OpenAITextEmbedder {
	cfg := openai.DefaultConfig(ep.APIKey)
	if ep.BaseURL != "" {
		cfg.BaseURL = ep.BaseURL
	}
	if ep.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: ep.Timeout}
	}
	return &OpenAITextEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      ep.Model,
		dimensions: ep.Dimensions,
	}
}

func (e *OpenAITextEmbedder) Model() string   { return e.model }
func (e *OpenAITextEmbedder) Dimensions() int { return e.dimensions }

func (e *OpenAITextEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.New("embedding response size mismatch")
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
