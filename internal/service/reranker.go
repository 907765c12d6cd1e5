package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// JinaReranker calls the Jina rerank API. Its relevance scores are
// already in [0, 1].
type JinaReranker struct {
	client *resty.Client
	url    string
	model  string
}

// NewJinaReranker creates a Jina cross-encoder client.
func NewJinaReranker(ep *ModelEndpoint) *JinaReranker {
	url := ep.BaseURL
	if url == "" {
		url = jinaRerankURL
	}
	return &JinaReranker{client: newRestyClient(ep), url: url, model: ep.Model}
}

func (r *JinaReranker) Model() string       { return r.model }
func (r *JinaReranker) ReturnsLogits() bool { return false }

type jinaRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type jinaRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Detail string `json:"detail,omitempty"`
}

func (r *JinaReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	var resp jinaRerankResponse
	httpResp, err := r.client.R().
		SetContext(ctx).
		SetBody(&jinaRerankRequest{
			Model:     r.model,
			Query:     query,
			Documents: documents,
			TopN:      len(documents),
		}).
		SetResult(&resp).
		SetError(&resp).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to call rerank API: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("rerank API error: status %d %s", httpResp.StatusCode(), resp.Detail)
	}

	scores := make([]float64, len(documents))
	seen := 0
	for _, res := range resp.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
			seen++
		}
	}
	if seen != len(documents) {
		return nil, fmt.Errorf("rerank API returned %d of %d scores", seen, len(documents))
	}
	return scores, nil
}

// TEIReranker calls a text-embeddings-inference /rerank endpoint serving
// a cross-encoder such as ms-marco-MiniLM. It asks for raw logits.
type TEIReranker struct {
	client *resty.Client
	url    string
	model  string
}

// NewTEIReranker creates a TEI cross-encoder client.
func NewTEIReranker(ep *ModelEndpoint) *TEIReranker {
	return &TEIReranker{
		client: newRestyClient(ep),
		url:    strings.TrimSuffix(ep.BaseURL, "/") + "/rerank",
		model:  ep.Model,
	}
}

func (r *TEIReranker) Model() string       { return r.model }
func (r *TEIReranker) ReturnsLogits() bool { return true }

type teiRerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type teiRerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (r *TEIReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	var results []teiRerankResult
	httpResp, err := r.client.R().
		SetContext(ctx).
		SetBody(&teiRerankRequest{Query: query, Texts: documents, RawScores: true, Truncate: true}).
		SetResult(&results).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to call TEI rerank: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("TEI rerank error: status %d", httpResp.StatusCode())
	}
	if len(results) != len(documents) {
		return nil, fmt.Errorf("TEI rerank returned %d of %d scores", len(results), len(documents))
	}

	scores := make([]float64, len(documents))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(scores) {
			return nil, fmt.Errorf("TEI rerank index %d out of range", res.Index)
		}
		scores[res.Index] = res.Score
	}
	return scores, nil
}
