package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Models is the set of loaded model clients. It is read-only once built.
type Models struct {
	Text       TextEmbedder
	Image      ImageEncoder
	Classifier ImageEncoder // separate instance used by the photo validator
	Reranker   CrossEncoder // nil disables cross-encoder re-ranking
	Describer  ItemDescriber
}

// ModelLoader builds Models once per process. Concurrent first callers
// share a single load.
type ModelLoader struct {
	build  func(ctx context.Context) (*Models, error)
	group  singleflight.Group
	mu     sync.RWMutex
	models *Models
}

// NewModelLoader creates a loader that builds providers from cfg and
// warms up each one before handing it out.
func NewModelLoader(cfg *config.Config) *ModelLoader {
	return NewModelLoaderFunc(func(ctx context.Context) (*Models, error) {
		return buildModels(ctx, cfg)
	})
}

// NewModelLoaderFunc creates a loader around a custom build function.
func NewModelLoaderFunc(build func(ctx context.Context) (*Models, error)) *ModelLoader {
	return &ModelLoader{build: build}
}

// Get returns the loaded models, loading them on first use.
func (l *ModelLoader) Get(ctx context.Context) (*Models, error) {
	l.mu.RLock()
	m := l.models
	l.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	v, err, _ := l.group.Do("models", func() (interface{}, error) {
		l.mu.RLock()
		existing := l.models
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		start := time.Now()
		built, err := l.build(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.models = built
		l.mu.Unlock()
		logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Info(ctx, "Models loaded")
		return built, nil
	})
	if err != nil {
		return nil, fmt.Errorf("model load failed: %w", err)
	}
	return v.(*Models), nil
}

func endpointOf(c config.ModelConfig) *ModelEndpoint {
	return &ModelEndpoint{
		Provider:   c.Provider,
		Model:      c.Model,
		APIKey:     c.APIKey,
		BaseURL:    c.BaseURL,
		Dimensions: c.Dimensions,
		Timeout:    time.Duration(c.TimeoutSec) * time.Second,
	}
}

func buildModels(ctx context.Context, cfg *config.Config) (*Models, error) {
	text, err := NewTextEmbedder(endpointOf(cfg.Embedding))
	if err != nil {
		return nil, err
	}
	image, err := NewImageEncoder(endpointOf(cfg.Vision.ModelConfig))
	if err != nil {
		return nil, err
	}
	classifier, err := NewImageEncoder(endpointOf(cfg.Validator.Model))
	if err != nil {
		return nil, err
	}
	reranker, err := NewCrossEncoder(endpointOf(cfg.Reranker))
	if err != nil {
		return nil, err
	}

	describer, err := NewItemDescriber(endpointOf(cfg.Describer))
	if err != nil {
		return nil, err
	}

	m := &Models{Text: text, Image: image, Classifier: classifier, Reranker: reranker, Describer: describer}
	if err := WarmupModels(ctx, m, cfg.Embedding.Dimensions); err != nil {
		return nil, err
	}
	return m, nil
}

// WarmupModels makes one cheap call to every model and checks the text
// vector size against wantDim (when positive).
func WarmupModels(ctx context.Context, m *Models, wantDim int) error {
	vecs, err := m.Text.EmbedBatch(ctx, []string{"warmup"})
	if err != nil {
		return fmt.Errorf("text model %s unavailable: %w", m.Text.Model(), err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("text model %s returned %d vectors for one input", m.Text.Model(), len(vecs))
	}
	if wantDim > 0 && len(vecs[0]) != wantDim {
		return fmt.Errorf("text model %s returned %d dimensions, expected %d", m.Text.Model(), len(vecs[0]), wantDim)
	}
	logger.Info("Registered text model: model=%s, dim=%d", m.Text.Model(), len(vecs[0]))

	for name, enc := range map[string]ImageEncoder{"image": m.Image, "classifier": m.Classifier} {
		if enc == nil {
			continue
		}
		if _, err := enc.EncodeTexts(ctx, []string{"a photo"}); err != nil {
			return fmt.Errorf("%s model %s unavailable: %w", name, enc.Model(), err)
		}
		logger.Info("Registered %s model: model=%s", name, enc.Model())
	}

	if m.Reranker != nil {
		if _, err := m.Reranker.Rerank(ctx, "warmup", []string{"warmup"}); err != nil {
			return fmt.Errorf("reranker %s unavailable: %w", m.Reranker.Model(), err)
		}
		logger.Info("Registered reranker: model=%s, logits=%v", m.Reranker.Model(), m.Reranker.ReturnsLogits())
	}
	if m.Describer != nil {
		logger.Info("Registered photo describer: model=%s", m.Describer.Model())
	}
	return nil
}
