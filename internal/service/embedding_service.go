package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
	"github.com/timmy/reclaim/internal/storage"
)

// fallbackText is embedded when every text field is a placeholder, so
// that a text vector always exists.
const fallbackText = "unspecified item"

// ItemVectors are the embeddings computed for one report.
type ItemVectors struct {
	Text       []float32
	TextModel  string
	Image      []float32 // nil when there is no usable photo
	ImageModel string
}

// EmbeddingService turns report fields and photos into vectors.
type EmbeddingService struct {
	text      TextEmbedder
	image     ImageEncoder
	photos    storage.PhotoStore
	cache     *EmbeddingCache
	inputSize int
	maxBytes  int64
	metrics   *metrics.Recorder
}

// EmbeddingServiceConfig holds configuration for the embedding service.
type EmbeddingServiceConfig struct {
	InputSize     int   // photo edge fed to the image encoder
	MaxPhotoBytes int64 // photos above this size are skipped
	CacheSize     int
}

// NewEmbeddingService creates a new embedding service. image and photos
// may be nil, in which case every image vector is nil.
func NewEmbeddingService(text TextEmbedder, image ImageEncoder, photos storage.PhotoStore, rec *metrics.Recorder, cfg *EmbeddingServiceConfig) *EmbeddingService {
	inputSize := cfg.InputSize
	if inputSize <= 0 {
		inputSize = 224
	}
	return &EmbeddingService{
		text:      text,
		image:     image,
		photos:    photos,
		cache:     NewEmbeddingCache(cfg.CacheSize),
		inputSize: inputSize,
		maxBytes:  cfg.MaxPhotoBytes,
		metrics:   rec,
	}
}

// TextModel returns the version tag stored alongside text vectors.
func (s *EmbeddingService) TextModel() string {
	return s.text.Model()
}

// ImageModel returns the version tag stored alongside image vectors.
func (s *EmbeddingService) ImageModel() string {
	if s.image == nil {
		return ""
	}
	return s.image.Model()
}

// EmbedText embeds the canonical text of one report.
func (s *EmbeddingService) EmbedText(ctx context.Context, f ItemFields) ([]float32, error) {
	vecs, err := s.EmbedTexts(ctx, []ItemFields{f})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds many reports with one model call for the cache misses.
// Results are unit-length and in input order.
func (s *EmbeddingService) EmbedTexts(ctx context.Context, fields []ItemFields) ([][]float32, error) {
	model := s.text.Model()
	out := make([][]float32, len(fields))
	var (
		missTexts []string
		missIdx   = map[string][]int{}
	)
	for i, f := range fields {
		text := CanonicalText(f)
		if text == "" {
			text = fallbackText
		}
		if v, ok := s.cache.Get(model, text); ok {
			out[i] = v
			continue
		}
		if _, pending := missIdx[text]; !pending {
			missTexts = append(missTexts, text)
		}
		missIdx[text] = append(missIdx[text], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	start := time.Now()
	vecs, err := s.text.EmbedBatch(ctx, missTexts)
	s.metrics.ObserveEmbed("text", start, err)
	if err != nil {
		return nil, fmt.Errorf("text embedding failed: %w", err)
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("text embedding returned %d vectors for %d texts", len(vecs), len(missTexts))
	}

	for j, text := range missTexts {
		v := normalizeL2(vecs[j])
		s.cache.Set(model, text, v)
		for _, i := range missIdx[text] {
			out[i] = v
		}
	}
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      len(missTexts),
		logger.FieldModel:      model,
	}).Debug(ctx, "Embedded report texts")
	return out, nil
}

// EmbedImageBytes embeds a photo. Any failure is logged and yields nil.
func (s *EmbeddingService) EmbedImageBytes(ctx context.Context, data []byte) []float32 {
	if s.image == nil || len(data) == 0 {
		return nil
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		logger.CtxWarn(ctx, "Photo of %d bytes exceeds limit %d, skipping image embedding", len(data), s.maxBytes)
		return nil
	}

	prepared, err := preprocessPhoto(data, s.inputSize)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Photo could not be decoded, continuing without image embedding")
		s.metrics.ObserveEmbed("image_decode", time.Now(), err)
		return nil
	}

	start := time.Now()
	vecs, err := s.image.EncodeImages(ctx, [][]byte{prepared})
	s.metrics.ObserveEmbed("image", start, err)
	if err != nil || len(vecs) != 1 || len(vecs[0]) == 0 {
		if err == nil {
			err = errors.New("empty image embedding")
		}
		logger.FromContext(ctx).WithError(err).Warn("Image encoder failed, continuing without image embedding")
		return nil
	}
	return normalizeL2(vecs[0])
}

// EmbedImage loads a stored photo and embeds it. Missing or corrupt
// photos are logged and yield nil.
func (s *EmbeddingService) EmbedImage(ctx context.Context, photoKey string) []float32 {
	if photoKey == "" || s.photos == nil {
		return nil
	}
	data, err := s.photos.Load(ctx, photoKey, s.maxBytes)
	if err != nil {
		logger.FromContext(ctx).WithField("photo_key", photoKey).WithError(err).
			Warn("Photo could not be loaded, continuing without image embedding")
		return nil
	}
	return s.EmbedImageBytes(ctx, data)
}

// ComputeItemVectors computes the text vector and, when a photo is given,
// the image vector of a new report. Only a text failure is an error.
func (s *EmbeddingService) ComputeItemVectors(ctx context.Context, f ItemFields, photo []byte) (*ItemVectors, error) {
	text, err := s.EmbedText(ctx, f)
	if err != nil {
		return nil, err
	}
	out := &ItemVectors{Text: text, TextModel: s.TextModel()}
	if img := s.EmbedImageBytes(ctx, photo); img != nil {
		out.Image = img
		out.ImageModel = s.ImageModel()
	}
	return out, nil
}
