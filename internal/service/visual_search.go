package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
	"github.com/timmy/reclaim/internal/repository"
)

// ErrQueryImage is returned when the query photo cannot be embedded.
var ErrQueryImage = errors.New("query photo could not be embedded")

// VisualHit is one reverse image search result.
type VisualHit struct {
	ItemID     string            `json:"item_id"`
	Score      float64           `json:"score"`
	Confidence string            `json:"confidence"`
	Status     domain.ItemStatus `json:"status"`
	Category   string            `json:"category"`
	Brand      string            `json:"brand,omitempty"`
	Color      string            `json:"color,omitempty"`
	PhotoKey   string            `json:"photo_key,omitempty"`
}

// VectorIndex is the nearest neighbour index of stored photo vectors.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float32, filters *repository.SearchFilters) ([]repository.SearchResult, error)
}

// ItemLister loads candidate items from storage.
type ItemLister interface {
	GetByIDs(ctx context.Context, ids []string) ([]domain.Item, error)
	ListByTenantStatus(ctx context.Context, tenantID string, statuses ...domain.ItemStatus) ([]domain.Item, error)
}

// VisualSearchService ranks items by photo similarity to a query photo.
// No text is involved and nothing is persisted.
type VisualSearchService struct {
	embeddings *EmbeddingService
	index      VectorIndex // nil scans the tenant pool instead
	items      ItemLister
	metrics    *metrics.Recorder
	cfg        config.VisualSearchConfig
}

// NewVisualSearchService creates a new visual search service.
func NewVisualSearchService(embeddings *EmbeddingService, index VectorIndex, items ItemLister, rec *metrics.Recorder, cfg config.VisualSearchConfig) *VisualSearchService {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	return &VisualSearchService{
		embeddings: embeddings,
		index:      index,
		items:      items,
		metrics:    rec,
		cfg:        cfg,
	}
}

func (s *VisualSearchService) clampTopK(topK int) int {
	if topK <= 0 {
		return s.cfg.DefaultTopK
	}
	return min(topK, s.cfg.MaxTopK)
}

// VisualSearch embeds photo and returns the topK items of pool whose
// stored image vector is at least the similarity floor, best first.
// Items without an image vector from the current model are skipped.
func (s *VisualSearchService) VisualSearch(ctx context.Context, photo []byte, pool []domain.Item, topK int) ([]VisualHit, error) {
	query := s.embeddings.EmbedImageBytes(ctx, photo)
	if query == nil {
		return nil, ErrQueryImage
	}
	hits := s.rank(ctx, query, pool, s.clampTopK(topK))
	s.metrics.VisualSearch(len(hits))
	return hits, nil
}

func (s *VisualSearchService) rank(ctx context.Context, query []float32, pool []domain.Item, topK int) []VisualHit {
	model := s.embeddings.ImageModel()
	hits := make([]VisualHit, 0)
	for i := range pool {
		it := &pool[i]
		if !it.HasImage() || it.ImageModel != model {
			continue
		}
		score, err := cosine(query, it.ImageEmbedding)
		if err != nil {
			logger.With(logger.Fields{logger.FieldItemID: it.ID}).Warn(ctx, "Skipping item in visual search: %v", err)
			continue
		}
		if score < s.cfg.Floor {
			continue
		}
		hits = append(hits, newVisualHit(it, score))
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ItemID < hits[j].ItemID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func newVisualHit(it *domain.Item, score float64) VisualHit {
	score = round4(clamp01(score))
	return VisualHit{
		ItemID:     it.ID,
		Score:      score,
		Confidence: fmt.Sprintf("%.1f%%", score*100),
		Status:     it.Status,
		Category:   it.Category,
		Brand:      it.Brand,
		Color:      it.Color,
		PhotoKey:   it.PhotoKey,
	}
}

// SearchTenant runs a visual search over a tenant's items in status,
// using the vector index when one is configured.
func (s *VisualSearchService) SearchTenant(ctx context.Context, tenantID string, status domain.ItemStatus, photo []byte, topK int) ([]VisualHit, error) {
	start := time.Now()
	topK = s.clampTopK(topK)
	query := s.embeddings.EmbedImageBytes(ctx, photo)
	if query == nil {
		return nil, ErrQueryImage
	}

	var hits []VisualHit
	if s.index != nil {
		results, err := s.index.Search(ctx, query, topK, float32(s.cfg.Floor), &repository.SearchFilters{
			TenantID:   tenantID,
			Status:     string(status),
			ImageModel: s.embeddings.ImageModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		hits, err = s.hydrate(ctx, results)
		if err != nil {
			return nil, err
		}
	} else {
		pool, err := s.items.ListByTenantStatus(ctx, tenantID, status)
		if err != nil {
			return nil, fmt.Errorf("failed to load items: %w", err)
		}
		hits = s.rank(ctx, query, pool, topK)
	}

	s.metrics.VisualSearch(len(hits))
	logger.With(logger.Fields{
		logger.FieldTenantID:   tenantID,
		logger.FieldCount:      len(hits),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Visual search completed")
	return hits, nil
}

// hydrate joins index results with item records, keeping index order and
// dropping items that no longer exist.
func (s *VisualSearchService) hydrate(ctx context.Context, results []repository.SearchResult) ([]VisualHit, error) {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ItemID
	}
	items, err := s.items.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	byID := make(map[string]*domain.Item, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	hits := make([]VisualHit, 0, len(results))
	for _, r := range results {
		it, ok := byID[r.ItemID]
		if !ok {
			continue
		}
		hits = append(hits, newVisualHit(it, float64(r.Score)))
	}
	return hits, nil
}
