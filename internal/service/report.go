package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/events"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
	"github.com/timmy/reclaim/internal/repository"
	"github.com/timmy/reclaim/internal/storage"
)

var (
	// ErrNotFound is returned when an item or match does not exist.
	ErrNotFound = repository.ErrNotFound
	// ErrInvalidReport is returned for reports missing required fields.
	ErrInvalidReport = errors.New("invalid report")
	// ErrPhotoRejected is returned when the validator refuses the photo.
	ErrPhotoRejected = errors.New("photo rejected")
	// ErrInvalidTransition is returned for review actions not allowed in
	// the match's current status.
	ErrInvalidTransition = errors.New("invalid match status transition")
)

// PhotoIndex is the vector index of item photos.
type PhotoIndex interface {
	VectorIndex
	Upsert(ctx context.Context, vector []float32, payload *repository.ImagePayload) error
	SetStatus(ctx context.Context, itemID, status string) error
	Delete(ctx context.Context, itemID string) error
}

// ReportInput is a new lost or found report.
type ReportInput struct {
	TenantID    string `json:"tenant_id"`
	Status      string `json:"status"`
	Category    string `json:"category"`
	Brand       string `json:"brand"`
	Color       string `json:"color"`
	Description string `json:"description"`
	Location    string `json:"location"`
	ReporterID  string `json:"reporter_id"`
	PhotoKey    string `json:"photo_key"`
}

// ReportResult is what a report produced.
type ReportResult struct {
	Item       *domain.Item      `json:"item,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Matches    []domain.Match    `json:"matches"`
}

// MatchRunStats summarizes one matching pass.
type MatchRunStats struct {
	Items      int `json:"items"`
	Candidates int `json:"candidates"`
	Created    int `json:"created"`
}

// ReportDeps are the collaborators of ReportService. Index, Validator and
// Publisher may be nil.
type ReportDeps struct {
	Items      *repository.ItemRepository
	Matches    *repository.MatchRepository
	Index      PhotoIndex
	Photos     storage.PhotoStore
	Embeddings *EmbeddingService
	Validator  *CategoryValidator
	Matcher    *Matcher
	Publisher  events.Publisher
	Metrics    *metrics.Recorder
}

// ReportConfig holds configuration for the report service.
type ReportConfig struct {
	MaxPhotoBytes int64
	MatchTimeout  time.Duration
}

// ReportService runs a report through validation, embedding, persistence
// and matching, and applies review decisions to match records.
type ReportService struct {
	ReportDeps
	cfg   ReportConfig
	locks *tenantLocks
}

// NewReportService creates a new report service.
func NewReportService(deps ReportDeps, cfg ReportConfig) *ReportService {
	if deps.Publisher == nil {
		deps.Publisher = events.NewLogPublisher()
	}
	return &ReportService{ReportDeps: deps, cfg: cfg, locks: newTenantLocks()}
}

// tenantLocks serializes matching per tenant so that two reports cannot
// race to create the same match record. Entries are never evicted; there
// is one per tenant.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *tenantLocks) lock(tenantID string) func() {
	l.mu.Lock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (in *ReportInput) validate() (domain.ItemStatus, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return "", fmt.Errorf("%w: tenant_id is required", ErrInvalidReport)
	}
	status := domain.ItemStatus(strings.ToUpper(strings.TrimSpace(in.Status)))
	if status != domain.ItemStatusLost && status != domain.ItemStatusFound {
		return "", fmt.Errorf("%w: status must be LOST or FOUND", ErrInvalidReport)
	}
	if cleanField(in.Category) == "" {
		return "", fmt.Errorf("%w: category is required", ErrInvalidReport)
	}
	return status, nil
}

// Report registers a new item and matches it against the tenant's
// opposite-status items. A rejected photo is deleted from storage and the
// result carries the validator's verdict alongside ErrPhotoRejected.
func (s *ReportService) Report(ctx context.Context, in *ReportInput) (*ReportResult, error) {
	status, err := in.validate()
	if err != nil {
		return nil, err
	}
	ctx = logger.SetTenantID(ctx, in.TenantID)
	result := &ReportResult{Matches: []domain.Match{}}

	var photo []byte
	if in.PhotoKey != "" {
		photo, err = s.Photos.Load(ctx, in.PhotoKey, s.cfg.MaxPhotoBytes)
		if err != nil {
			logger.FromContext(ctx).WithField("photo_key", in.PhotoKey).WithError(err).
				Warn("Photo could not be loaded, continuing without it")
			photo = nil
		}
	}

	if photo != nil && s.Validator != nil {
		verdict := s.Validator.Validate(ctx, photo, in.Category)
		result.Validation = &verdict
		if !verdict.Accepted {
			if err := s.Photos.Delete(ctx, in.PhotoKey); err != nil {
				logger.FromContext(ctx).WithError(err).Warn("Failed to delete rejected photo")
			}
			return result, fmt.Errorf("%w: %s", ErrPhotoRejected, verdict.Message)
		}
	}

	vectors, err := s.Embeddings.ComputeItemVectors(ctx, ItemFields{
		Category:    in.Category,
		Brand:       in.Brand,
		Color:       in.Color,
		Description: in.Description,
	}, photo)
	if err != nil {
		return nil, err
	}

	item := &domain.Item{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		Status:         status,
		Category:       strings.TrimSpace(in.Category),
		Brand:          strings.TrimSpace(in.Brand),
		Color:          strings.TrimSpace(in.Color),
		Description:    strings.TrimSpace(in.Description),
		Location:       strings.TrimSpace(in.Location),
		ReporterID:     in.ReporterID,
		PhotoKey:       in.PhotoKey,
		TextEmbedding:  vectors.Text,
		TextModel:      vectors.TextModel,
		ImageEmbedding: vectors.Image,
		ImageModel:     vectors.ImageModel,
	}
	if err := s.Items.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save item: %w", err)
	}
	result.Item = item
	ctx = logger.WithField(ctx, logger.FieldItemID, item.ID)
	s.indexItem(ctx, item)

	matches, err := s.matchNew(ctx, item)
	if err != nil {
		// The item is stored; the next tenant rematch picks it up.
		logger.FromContext(ctx).WithError(err).Error("Matching failed for new item")
		return result, nil
	}
	result.Matches = matches
	logger.With(logger.Fields{logger.FieldCount: len(matches)}).Info(ctx, "Report registered")
	return result, nil
}

func (s *ReportService) indexItem(ctx context.Context, item *domain.Item) {
	if s.Index == nil || !item.HasImage() {
		return
	}
	err := s.Index.Upsert(ctx, item.ImageEmbedding, &repository.ImagePayload{
		ItemID:     item.ID,
		TenantID:   item.TenantID,
		Status:     string(item.Status),
		Category:   item.Category,
		ImageModel: item.ImageModel,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to index item photo")
	}
}

func (s *ReportService) matchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.MatchTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.MatchTimeout)
	}
	return context.WithCancel(ctx)
}

// matchNew matches one stored item against its tenant's pool.
func (s *ReportService) matchNew(ctx context.Context, item *domain.Item) ([]domain.Match, error) {
	unlock := s.locks.lock(item.TenantID)
	defer unlock()

	pool, err := s.Items.ListByTenantStatus(ctx, item.TenantID, item.Status.Opposite())
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate pool: %w", err)
	}
	mctx, cancel := s.matchContext(ctx)
	defer cancel()
	candidates, err := s.Matcher.FindMatches(mctx, []domain.Item{*item}, pool)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, candidates)
}

// RunTenantMatching matches every open LOST item of a tenant against every
// open FOUND item. Pairs already on record are left alone.
func (s *ReportService) RunTenantMatching(ctx context.Context, tenantID string) (*MatchRunStats, error) {
	unlock := s.locks.lock(tenantID)
	defer unlock()
	ctx = logger.SetTenantID(ctx, tenantID)

	lost, err := s.Items.ListByTenantStatus(ctx, tenantID, domain.ItemStatusLost)
	if err != nil {
		return nil, fmt.Errorf("failed to load lost items: %w", err)
	}
	found, err := s.Items.ListByTenantStatus(ctx, tenantID, domain.ItemStatusFound)
	if err != nil {
		return nil, fmt.Errorf("failed to load found items: %w", err)
	}

	mctx, cancel := s.matchContext(ctx)
	defer cancel()
	candidates, err := s.Matcher.FindMatches(mctx, lost, found)
	if err != nil {
		return nil, err
	}
	created, err := s.persist(ctx, candidates)
	if err != nil {
		return nil, err
	}

	stats := &MatchRunStats{Items: len(lost) + len(found), Candidates: len(candidates), Created: len(created)}
	logger.With(logger.Fields{
		"items":      stats.Items,
		"candidates": stats.Candidates,
		"created":    stats.Created,
	}).Info(ctx, "Tenant matching completed")
	return stats, nil
}

// persist stores candidates as PENDING matches, skipping pairs that are
// already recorded, and publishes an event per new match. It returns the
// new matches, best first.
func (s *ReportService) persist(ctx context.Context, candidates []MatchCandidate) ([]domain.Match, error) {
	SortCandidates(candidates)
	created := make([]domain.Match, 0, len(candidates))
	var evts []*events.MatchEvent
	for _, c := range candidates {
		m := domain.Match{
			ID:          uuid.New().String(),
			TenantID:    c.TenantID,
			LostItemID:  c.LostItemID,
			FoundItemID: c.FoundItemID,
			Score:       c.Score,
			Status:      domain.MatchStatusPending,
			Breakdown:   c.Breakdown,
		}
		ok, err := s.Matches.CreateIfAbsent(ctx, &m)
		if err != nil {
			return created, fmt.Errorf("failed to save match: %w", err)
		}
		s.Metrics.MatchPersisted(ok)
		if !ok {
			continue
		}
		created = append(created, m)
		evts = append(evts, events.NewMatchEvent(events.EventMatchFound, &m))
	}
	s.publish(ctx, evts...)
	return created, nil
}

func (s *ReportService) publish(ctx context.Context, evts ...*events.MatchEvent) {
	if len(evts) == 0 {
		return
	}
	if err := s.Publisher.Publish(ctx, evts...); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to publish match events")
	}
}

// GetItem returns one item.
func (s *ReportService) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	return s.Items.GetByID(ctx, id)
}

// MatchesForItem lists an item's matches, best first.
func (s *ReportService) MatchesForItem(ctx context.Context, itemID string) ([]domain.Match, error) {
	if _, err := s.Items.GetByID(ctx, itemID); err != nil {
		return nil, err
	}
	return s.Matches.ListForItem(ctx, itemID)
}

// ListMatches lists a tenant's matches, optionally filtered by status.
func (s *ReportService) ListMatches(ctx context.Context, tenantID string, status domain.MatchStatus, limit int) ([]domain.Match, error) {
	return s.Matches.ListByTenant(ctx, tenantID, status, limit)
}

// Approve marks a pending match as approved.
func (s *ReportService) Approve(ctx context.Context, matchID string) (*domain.Match, error) {
	return s.review(ctx, matchID, domain.MatchStatusApproved, events.EventMatchApproved)
}

// Reject marks a pending match as rejected.
func (s *ReportService) Reject(ctx context.Context, matchID string) (*domain.Match, error) {
	return s.review(ctx, matchID, domain.MatchStatusRejected, events.EventMatchRejected)
}

func (s *ReportService) review(ctx context.Context, matchID string, to domain.MatchStatus, eventType string) (*domain.Match, error) {
	m, err := s.Matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MatchStatusPending {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.Status, to)
	}
	if err := s.Matches.UpdateStatus(ctx, m.ID, to); err != nil {
		return nil, err
	}
	m.Status = to
	s.publish(ctx, events.NewMatchEvent(eventType, m))
	return m, nil
}

// Reclaim records that the owner collected the item. Both items leave the
// matching pool and competing pending matches are rejected.
func (s *ReportService) Reclaim(ctx context.Context, matchID string) (*domain.Match, error) {
	m, err := s.Matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MatchStatusPending && m.Status != domain.MatchStatusApproved {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.Status, domain.MatchStatusReclaimed)
	}
	if err := s.Matches.Reclaim(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to reclaim match: %w", err)
	}
	m.Status = domain.MatchStatusReclaimed

	if s.Index != nil {
		for _, id := range []string{m.LostItemID, m.FoundItemID} {
			if err := s.Index.SetStatus(ctx, id, string(domain.ItemStatusReclaimed)); err != nil {
				logger.FromContext(ctx).WithField(logger.FieldItemID, id).WithError(err).
					Warn("Failed to update indexed item status")
			}
		}
	}
	s.publish(ctx, events.NewMatchEvent(events.EventMatchReclaimed, m))
	return m, nil
}

// Reindex recomputes vectors of items embedded by another model version
// (or never embedded), up to limit items. It returns the number updated.
func (s *ReportService) Reindex(ctx context.Context, tenantID string, limit int) (int, error) {
	textModel, imageModel := s.Embeddings.TextModel(), s.Embeddings.ImageModel()
	stale, err := s.Items.ListStale(ctx, tenantID, textModel, imageModel, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale items: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	fields := make([]ItemFields, len(stale))
	for i := range stale {
		fields[i] = FieldsOf(&stale[i])
	}
	texts, err := s.Embeddings.EmbedTexts(ctx, fields)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		it := &stale[i]
		it.TextEmbedding, it.TextModel = texts[i], textModel
		if it.PhotoKey != "" && it.ImageModel != imageModel {
			it.ImageEmbedding, it.ImageModel = nil, ""
			if img := s.Embeddings.EmbedImage(ctx, it.PhotoKey); img != nil {
				it.ImageEmbedding, it.ImageModel = img, imageModel
			}
		}
		if err := s.Items.UpdateVectors(ctx, it); err != nil {
			logger.FromContext(ctx).WithField(logger.FieldItemID, it.ID).WithError(err).Error("Failed to store vectors")
			continue
		}
		s.indexItem(ctx, it)
		updated++
	}
	logger.With(logger.Fields{
		logger.FieldCount: updated,
		"stale":           len(stale),
	}).Info(ctx, "Reindex completed")
	return updated, nil
}
