package service

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/repository"
)

type fakeIndex struct {
	results []repository.SearchResult
	filters *repository.SearchFilters
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, topK int, _ float32, filters *repository.SearchFilters) ([]repository.SearchResult, error) {
	f.filters = filters
	if len(f.results) > topK {
		return f.results[:topK], nil
	}
	return f.results, nil
}

type fakeLister struct {
	items []domain.Item
}

func (f *fakeLister) GetByIDs(_ context.Context, ids []string) ([]domain.Item, error) {
	var out []domain.Item
	for _, it := range f.items {
		for _, id := range ids {
			if it.ID == id {
				out = append(out, it)
			}
		}
	}
	return out, nil
}

func (f *fakeLister) ListByTenantStatus(_ context.Context, tenantID string, statuses ...domain.ItemStatus) ([]domain.Item, error) {
	var out []domain.Item
	for _, it := range f.items {
		for _, s := range statuses {
			if it.TenantID == tenantID && it.Status == s {
				out = append(out, it)
			}
		}
	}
	return out, nil
}

func visualPool() []domain.Item {
	mk := func(id string, vec domain.Vector, model string) domain.Item {
		it := testItem(id, domain.ItemStatusFound, "bag", "", "", "")
		it.ImageEmbedding, it.ImageModel = vec, model
		return it
	}
	return []domain.Item{
		mk("c", domain.Vector{0.5, 0.866, 0}, "clip-test"),
		mk("b", domain.Vector{0.8, 0.6, 0}, "clip-test"),
		mk("a", domain.Vector{1, 0, 0}, "clip-test"),
		mk("d", nil, ""),
		mk("e", domain.Vector{1, 0, 0}, "older-clip"),
		mk("f", domain.Vector{1, 0}, "clip-test"),
	}
}

func newTestVisualSearch(index VectorIndex, items ItemLister) *VisualSearchService {
	emb := newTestEmbeddings(nil, &stubImageEncoder{image: []float32{1, 0, 0}})
	return NewVisualSearchService(emb, index, items, nil, config.VisualSearchConfig{Floor: 0.62, DefaultTopK: 5, MaxTopK: 10})
}

func TestVisualSearch(t *testing.T) {
	photo := testPNG(t, 8, 8, func(int, int) color.Color { return color.White })
	svc := newTestVisualSearch(nil, nil)

	tests := []struct {
		name     string
		topK     int
		wantIDs  []string
		wantConf []string
	}{
		{"default top-k", 0, []string{"a", "b"}, []string{"100.0%", "80.0%"}},
		{"top-1", 1, []string{"a"}, []string{"100.0%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := svc.VisualSearch(context.Background(), photo, visualPool(), tt.topK)
			if err != nil {
				t.Fatalf("VisualSearch() error = %v", err)
			}
			if len(hits) != len(tt.wantIDs) {
				t.Fatalf("got %d hits %+v, want %v", len(hits), hits, tt.wantIDs)
			}
			for i, h := range hits {
				if h.ItemID != tt.wantIDs[i] || h.Confidence != tt.wantConf[i] {
					t.Errorf("hit %d = %s (%s), want %s (%s)", i, h.ItemID, h.Confidence, tt.wantIDs[i], tt.wantConf[i])
				}
			}
		})
	}

	if hits, err := svc.VisualSearch(context.Background(), photo, nil, 3); err != nil || len(hits) != 0 {
		t.Errorf("empty pool: %v, %v; want no hits", hits, err)
	}
	if _, err := svc.VisualSearch(context.Background(), []byte("text"), visualPool(), 3); !errors.Is(err, ErrQueryImage) {
		t.Errorf("undecodable query error = %v, want ErrQueryImage", err)
	}
}

func TestVisualSearch_SearchTenant(t *testing.T) {
	photo := testPNG(t, 8, 8, func(int, int) color.Color { return color.White })
	lister := &fakeLister{items: visualPool()}

	t.Run("vector index", func(t *testing.T) {
		index := &fakeIndex{results: []repository.SearchResult{
			{ItemID: "b", Score: 0.8},
			{ItemID: "deleted", Score: 0.7},
		}}
		hits, err := newTestVisualSearch(index, lister).SearchTenant(context.Background(), "tenant-1", domain.ItemStatusFound, photo, 3)
		if err != nil {
			t.Fatalf("SearchTenant() error = %v", err)
		}
		if len(hits) != 1 || hits[0].ItemID != "b" {
			t.Errorf("hits = %+v, want only b", hits)
		}
		if index.filters.TenantID != "tenant-1" || index.filters.Status != "FOUND" || index.filters.ImageModel != "clip-test" {
			t.Errorf("unexpected filters %+v", index.filters)
		}
	})

	t.Run("pool scan", func(t *testing.T) {
		hits, err := newTestVisualSearch(nil, lister).SearchTenant(context.Background(), "tenant-1", domain.ItemStatusFound, photo, 100)
		if err != nil {
			t.Fatalf("SearchTenant() error = %v", err)
		}
		if len(hits) != 2 || hits[0].ItemID != "a" {
			t.Errorf("hits = %+v, want a then b", hits)
		}
	})
}
