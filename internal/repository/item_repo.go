package repository

import (
	"context"

	"github.com/timmy/reclaim/internal/domain"
	"gorm.io/gorm"
)

// ItemRepository handles item report persistence.
type ItemRepository struct {
	db *gorm.DB
}

// NewItemRepository creates a new ItemRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ItemRepository: repository instance bound to db.
func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create inserts a new item.
func (r *ItemRepository) Create(ctx context.Context, item *domain.Item) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// Delete removes an item. Used to roll back a failed report.
func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Item{}, "id = ?", id).Error
}

// GetByID retrieves an item by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
// Returns:
//   - *domain.Item: item record if found.
//   - error: ErrNotFound if no item has this ID.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*domain.Item, error) {
	var item domain.Item
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

// GetByExternalRef retrieves a tenant's imported item by its source reference.
func (r *ItemRepository) GetByExternalRef(ctx context.Context, tenantID, ref string) (*domain.Item, error) {
	var item domain.Item
	if err := r.db.WithContext(ctx).First(&item, "tenant_id = ? AND external_ref = ?", tenantID, ref).Error; err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

// GetByIDs retrieves items by ID, preserving no particular order.
func (r *ItemRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Item
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error
	return items, err
}

// ListByTenantStatus lists a tenant's items in the given statuses, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant scope.
//   - statuses: statuses to include.
// Returns:
//   - []domain.Item: matching items.
//   - error: non-nil if the query fails.
func (r *ItemRepository) ListByTenantStatus(ctx context.Context, tenantID string, statuses ...domain.ItemStatus) ([]domain.Item, error) {
	var items []domain.Item
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, statuses).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ListOpen lists every LOST and FOUND item of a tenant.
func (r *ItemRepository) ListOpen(ctx context.Context, tenantID string) ([]domain.Item, error) {
	return r.ListByTenantStatus(ctx, tenantID, domain.ItemStatusLost, domain.ItemStatusFound)
}

// ListStale lists open items whose stored vectors were produced by a model
// other than textModel or imageModel (or are missing).
func (r *ItemRepository) ListStale(ctx context.Context, tenantID, textModel, imageModel string, limit int) ([]domain.Item, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ?", []domain.ItemStatus{domain.ItemStatusLost, domain.ItemStatusFound}).
		Where("text_model <> ? OR text_model IS NULL OR (photo_key <> '' AND (image_model <> ? OR image_model IS NULL))",
			textModel, imageModel)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var items []domain.Item
	err := q.Order("created_at ASC").Find(&items).Error
	return items, err
}

// ListTenants returns the distinct tenant IDs that have open items.
func (r *ItemRepository) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Model(&domain.Item{}).
		Where("status IN ?", []domain.ItemStatus{domain.ItemStatusLost, domain.ItemStatusFound}).
		Distinct().Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// UpdateVectors stores freshly computed embeddings and their model versions.
func (r *ItemRepository) UpdateVectors(ctx context.Context, item *domain.Item) error {
	return r.db.WithContext(ctx).Model(&domain.Item{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"text_embedding":  item.TextEmbedding,
			"text_model":      item.TextModel,
			"image_embedding": item.ImageEmbedding,
			"image_model":     item.ImageModel,
		}).Error
}

// MarkReclaimed moves the given items to RECLAIMED.
func (r *ItemRepository) MarkReclaimed(ctx context.Context, ids ...string) error {
	return markReclaimed(r.db.WithContext(ctx), ids...)
}

func markReclaimed(tx *gorm.DB, ids ...string) error {
	return tx.Model(&domain.Item{}).
		Where("id IN ?", ids).
		Update("status", domain.ItemStatusReclaimed).Error
}
