package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	jinaEmbeddingsURL = "https://api.jina.ai/v1/embeddings"
	jinaRerankURL     = "https://api.jina.ai/v1/rerank"
)

// TextEmbedder turns text into dense vectors.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// ImageEncoder embeds images and texts into one joint space (CLIP family).
type ImageEncoder interface {
	EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error)
	EncodeTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// CrossEncoder scores a query against documents by attending over both.
type CrossEncoder interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	// ReturnsLogits is true when scores are raw logits rather than
	// probabilities.
	ReturnsLogits() bool
	Model() string
}

// ModelEndpoint configures one remote model.
type ModelEndpoint struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

func newRestyClient(ep *ModelEndpoint) *resty.Client {
	client := resty.New()
	if ep.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+ep.APIKey)
	}
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	if ep.Timeout > 0 {
		client.SetTimeout(ep.Timeout)
	}
	return client
}

// Jina API request/response structures
type jinaRequest struct {
	Model         string      `json:"model"`
	Task          string      `json:"task,omitempty"`
	Dimensions    int         `json:"dimensions,omitempty"`
	Normalized    bool        `json:"normalized,omitempty"`
	Input         interface{} `json:"input"`
	EmbeddingType string      `json:"embedding_type,omitempty"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// postEmbeddings calls a Jina-style /v1/embeddings endpoint and returns
// vectors in input order.
func postEmbeddings(ctx context.Context, client *resty.Client, url string, req *jinaRequest, n int) ([][]float32, error) {
	var resp jinaResponse
	httpResp, err := client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		if resp.Detail != "" {
			return nil, fmt.Errorf("embedding API error: %s", resp.Detail)
		}
		return nil, fmt.Errorf("embedding API error: status %d", httpResp.StatusCode())
	}
	if len(resp.Data) != n {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), n)
	}

	out := make([][]float32, n)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= n {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}

// JinaTextEmbedder calls the Jina embeddings API.
type JinaTextEmbedder struct {
	client     *resty.Client
	url        string
	model      string
	dimensions int
}

// NewJinaTextEmbedder creates a text embedder for a Jina model.
func NewJinaTextEmbedder(ep *ModelEndpoint) *JinaTextEmbedder {
	url := ep.BaseURL
	if url == "" {
		url = jinaEmbeddingsURL
	}
	return &JinaTextEmbedder{
		client:     newRestyClient(ep),
		url:        url,
		model:      ep.Model,
		dimensions: ep.Dimensions,
	}
}

func (e *JinaTextEmbedder) Model() string   { return e.model }
func (e *JinaTextEmbedder) Dimensions() int { return e.dimensions }

// EmbedBatch embeds texts with the text-matching task, which suits
// symmetric report-to-report comparison.
func (e *JinaTextEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return postEmbeddings(ctx, e.client, e.url, &jinaRequest{
		Model:         e.model,
		Task:          "text-matching",
		Dimensions:    e.dimensions,
		Input:         texts,
		EmbeddingType: "float",
	}, len(texts))
}

// NewTextEmbedder builds the configured text embedding provider.
func NewTextEmbedder(ep *ModelEndpoint) (TextEmbedder, error) {
	switch ep.Provider {
	case "jina":
		return NewJinaTextEmbedder(ep), nil
	case "openai", "openai-compatible":
		return NewOpenAITextEmbedder(ep), nil
	default:
		return nil, fmt.Errorf("unknown text embedding provider %q", ep.Provider)
	}
}

// NewImageEncoder builds the configured joint image/text encoder.
func NewImageEncoder(ep *ModelEndpoint) (ImageEncoder, error) {
	switch ep.Provider {
	case "jina":
		return NewJinaCLIPEncoder(ep), nil
	default:
		return nil, fmt.Errorf("unknown image encoder provider %q", ep.Provider)
	}
}

// NewCrossEncoder builds the configured re-ranker. An empty or "none"
// provider returns nil, which makes the matcher fall back to cosine.
func NewCrossEncoder(ep *ModelEndpoint) (CrossEncoder, error) {
	switch ep.Provider {
	case "", "none":
		return nil, nil
	case "jina":
		return NewJinaReranker(ep), nil
	case "tei":
		if ep.BaseURL == "" {
			return nil, errors.New("tei reranker requires base_url")
		}
		return NewTEIReranker(ep), nil
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", ep.Provider)
	}
}
