package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/reclaim/internal/prompts"
)

// describeEdge is the photo size sent to the vision model.
const describeEdge = 512

// ErrUnidentifiable is returned when the model sees no item in a photo.
var ErrUnidentifiable = errors.New("no identifiable item in photo")

// ItemDescriber writes a text description of an item photo.
type ItemDescriber interface {
	Describe(ctx context.Context, photo []byte) (string, error)
	Model() string
}

// NewItemDescriber builds the configured describer. An empty or "none"
// provider returns nil.
func NewItemDescriber(ep *ModelEndpoint) (ItemDescriber, error) {
	switch ep.Provider {
	case "", "none":
		return nil, nil
	case "openai", "openai-compatible":
		if ep.Model == "" {
			return nil, errors.New("describer requires a model")
		}
		return NewPhotoDescriber(ep), nil
	default:
		return nil, fmt.Errorf("unknown describer provider %q", ep.Provider)
	}
}

// PhotoDescriber describes item photos with an OpenAI-compatible vision
// language model.
type PhotoDescriber struct {
	client   *resty.Client
	model    string
	endpoint string
}

// NewPhotoDescriber creates a new describer.
// Parameters:
//   - ep: endpoint with model, API key, and base URL.
//
// Returns:
//   - *PhotoDescriber: initialized client wrapper.
func NewPhotoDescriber(ep *ModelEndpoint) *PhotoDescriber {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetHeader("Authorization", "Bearer "+ep.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	baseURL := strings.TrimSuffix(ep.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &PhotoDescriber{
		client:   client,
		model:    ep.Model,
		endpoint: baseURL + "/chat/completions",
	}
}

// Model returns the model name being used.
func (d *PhotoDescriber) Model() string {
	return d.model
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} with an image
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImage struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Describe generates a description for an item photo. The photo is
// re-encoded as a small JPEG first.
func (d *PhotoDescriber) Describe(ctx context.Context, photo []byte) (string, error) {
	prepared, err := preprocessPhoto(photo, describeEdge)
	if err != nil {
		return "", err
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(prepared)

	req := chatRequest{
		Model: d.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.DescribeSystemPrompt},
			{
				Role: "user",
				Content: []interface{}{
					chatText{Type: "text", Text: prompts.DescribeUserPrompt},
					chatImage{Type: "image_url", ImageURL: chatImageURL{URL: dataURL, Detail: "auto"}},
				},
			},
		},
		MaxTokens: 120,
	}

	var resp chatResponse
	httpResp, err := d.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to call vision model: %w", err)
	}
	if httpResp.IsError() {
		if resp.Error != nil {
			return "", fmt.Errorf("vision model returned HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return "", fmt.Errorf("vision model returned HTTP %d: %s", httpResp.StatusCode(), httpResp.String())
	}
	if resp.Error != nil {
		return "", fmt.Errorf("vision model error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices (status %d)", httpResp.StatusCode())
	}

	text := normalizeWhitespace(resp.Choices[0].Message.Content)
	if text == "" || strings.EqualFold(strings.Trim(text, ". "), prompts.Unidentifiable) {
		return "", ErrUnidentifiable
	}
	return text, nil
}
