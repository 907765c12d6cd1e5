package repository

import (
	"context"

	"github.com/timmy/reclaim/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchRepository handles match record persistence.
type MatchRepository struct {
	db *gorm.DB
}

// NewMatchRepository creates a new MatchRepository.
func NewMatchRepository(db *gorm.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// Exists reports whether a record already exists for the pair.
func (r *MatchRepository) Exists(ctx context.Context, lostID, foundID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Match{}).
		Where("lost_item_id = ? AND found_item_id = ?", lostID, foundID).
		Count(&count).Error
	return count > 0, err
}

// CreateIfAbsent inserts m unless its pair is already recorded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - m: match to insert.
// Returns:
//   - bool: true if a new row was written.
//   - error: non-nil if the insert fails.
func (r *MatchRepository) CreateIfAbsent(ctx context.Context, m *domain.Match) (bool, error) {
	exists, err := r.Exists(ctx, m.LostItemID, m.FoundItemID)
	if err != nil || exists {
		return false, err
	}
	// The unique pair index resolves races between concurrent writers.
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lost_item_id"}, {Name: "found_item_id"}},
		DoNothing: true,
	}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetByID retrieves a match by its ID.
func (r *MatchRepository) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	var m domain.Match
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// ListForItem lists matches involving itemID, highest score first.
func (r *MatchRepository) ListForItem(ctx context.Context, itemID string) ([]domain.Match, error) {
	var matches []domain.Match
	err := r.db.WithContext(ctx).
		Where("lost_item_id = ? OR found_item_id = ?", itemID, itemID).
		Order("score DESC").
		Find(&matches).Error
	return matches, err
}

// ListByTenant lists a tenant's matches in status, highest score first.
// An empty status lists all.
func (r *MatchRepository) ListByTenant(ctx context.Context, tenantID string, status domain.MatchStatus, limit int) ([]domain.Match, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var matches []domain.Match
	err := q.Order("score DESC").Find(&matches).Error
	return matches, err
}

// UpdateStatus sets the review status of a match.
func (r *MatchRepository) UpdateStatus(ctx context.Context, id string, status domain.MatchStatus) error {
	res := r.db.WithContext(ctx).Model(&domain.Match{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reclaim marks the match RECLAIMED and both its items RECLAIMED in one
// transaction. Other pending matches touching either item are rejected.
func (r *MatchRepository) Reclaim(ctx context.Context, m *domain.Match) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Match{}).Where("id = ?", m.ID).
			Update("status", domain.MatchStatusReclaimed).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.Match{}).
			Where("id <> ? AND status = ?", m.ID, domain.MatchStatusPending).
			Where("lost_item_id IN ? OR found_item_id IN ?",
				[]string{m.LostItemID, m.FoundItemID}, []string{m.LostItemID, m.FoundItemID}).
			Update("status", domain.MatchStatusRejected).Error; err != nil {
			return err
		}
		return markReclaimed(tx, m.LostItemID, m.FoundItemID)
	})
}
