package service

import (
	"context"
	"encoding/base64"

	"github.com/go-resty/resty/v2"
)

// JinaCLIPEncoder embeds photos and label phrases with jina-clip.
type JinaCLIPEncoder struct {
	client     *resty.Client
	url        string
	model      string
	dimensions int
}

// NewJinaCLIPEncoder creates a joint image/text encoder.
func NewJinaCLIPEncoder(ep *ModelEndpoint) *JinaCLIPEncoder {
	url := ep.BaseURL
	if url == "" {
		url = jinaEmbeddingsURL
	}
	return &JinaCLIPEncoder{
		client:     newRestyClient(ep),
		url:        url,
		model:      ep.Model,
		dimensions: ep.Dimensions,
	}
}

func (e *JinaCLIPEncoder) Model() string { return e.model }

type clipInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// EncodeImages sends already-preprocessed image bytes as base64.
func (e *JinaCLIPEncoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	inputs := make([]clipInput, len(images))
	for i, img := range images {
		inputs[i] = clipInput{Image: base64.StdEncoding.EncodeToString(img)}
	}
	return e.encode(ctx, inputs)
}

func (e *JinaCLIPEncoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]clipInput, len(texts))
	for i, t := range texts {
		inputs[i] = clipInput{Text: t}
	}
	return e.encode(ctx, inputs)
}

func (e *JinaCLIPEncoder) encode(ctx context.Context, inputs []clipInput) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	return postEmbeddings(ctx, e.client, e.url, &jinaRequest{
		Model:         e.model,
		Dimensions:    e.dimensions,
		Normalized:    true,
		Input:         inputs,
		EmbeddingType: "float",
	}, len(inputs))
}
