package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/repository"
	"github.com/timmy/reclaim/internal/source"
	"github.com/timmy/reclaim/internal/storage"
)

// maxJobErrors bounds the error log kept on an import job.
const maxJobErrors = 20

// ImportService loads item reports from a bulk source. Imported photos are
// trusted and skip category validation.
type ImportService struct {
	items      *repository.ItemRepository
	jobs       *repository.JobRepository
	index      PhotoIndex
	photos     storage.PhotoStore
	embeddings *EmbeddingService
	reports    *ReportService
	describer  ItemDescriber
	workers    int
	batchSize  int
	maxBytes   int64
}

// ImportConfig holds configuration for the import service
type ImportConfig struct {
	Workers       int
	BatchSize     int
	MaxPhotoBytes int64
	// Describer fills blank descriptions of records with a photo. Nil
	// leaves them blank.
	Describer     ItemDescriber
}

// ImportOptions holds options for one import run
type ImportOptions struct {
	// Rematch runs tenant matching once the records are stored.
	Rematch bool
}

// NewImportService creates a new import service. index and reports may be
// nil; without reports, Rematch is ignored.
func NewImportService(
	items *repository.ItemRepository,
	jobs *repository.JobRepository,
	index PhotoIndex,
	photos storage.PhotoStore,
	embeddings *EmbeddingService,
	reports *ReportService,
	cfg *ImportConfig,
) *ImportService {
	workers, batchSize := cfg.Workers, cfg.BatchSize
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ImportService{
		items:      items,
		jobs:       jobs,
		index:      index,
		photos:     photos,
		embeddings: embeddings,
		reports:    reports,
		describer:  cfg.Describer,
		workers:    workers,
		batchSize:  batchSize,
		maxBytes:   cfg.MaxPhotoBytes,
	}
}

// importStats holds counters shared by the workers of one run
type importStats struct {
	total     int64
	processed int64
	skipped   int64
	failed    int64

	mu     sync.Mutex
	errors []string
}

func (s *importStats) recordError(ref string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) < maxJobErrors {
		s.errors = append(s.errors, fmt.Sprintf("%s: %v", ref, err))
	}
}

type importResult struct {
	ref     string
	skipped bool
	err     error
}

// errAlreadyImported marks a record whose external reference is stored.
var errAlreadyImported = errors.New("skipped: already imported")

// ImportFromSource imports up to limit records (all when limit <= 0) of
// tenantID from src and returns the finished job record.
func (s *ImportService) ImportFromSource(ctx context.Context, tenantID string, src source.Source, limit int, opts *ImportOptions) (*domain.ImportJob, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	ctx = logger.SetTenantID(ctx, tenantID)

	started := time.Now()
	job := &domain.ImportJob{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Source:    src.GetSourceID(),
		Status:    domain.JobStatusRunning,
		StartedAt: &started,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}
	ctx = logger.WithField(ctx, "job_id", job.ID)

	logger.FromContext(ctx).WithFields(logger.Fields{
		"source": src.GetSourceID(),
		"limit":  limit,
	}).Info("Starting import")

	stats := &importStats{}
	records := make(chan source.ItemRecord, s.workers*2)
	results := make(chan importResult, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, tenantID, src.GetSourceID(), records, results)
		}()
	}

	done := make(chan struct{})
	go func() {
		for r := range results {
			switch {
			case r.skipped:
				atomic.AddInt64(&stats.skipped, 1)
			case r.err != nil:
				atomic.AddInt64(&stats.failed, 1)
				stats.recordError(r.ref, r.err)
				logger.FromContext(ctx).WithField("external_ref", r.ref).WithError(r.err).Error("Failed to import record")
			default:
				atomic.AddInt64(&stats.processed, 1)
			}
		}
		close(done)
	}()

	fetchErr := s.feed(ctx, src, limit, stats, records)

	close(records)
	wg.Wait()
	close(results)
	<-done

	job.TotalItems = int(stats.total)
	job.ProcessedItems = int(stats.processed)
	job.SkippedItems = int(stats.skipped)
	job.FailedItems = int(stats.failed)
	job.ErrorLog = strings.Join(stats.errors, "\n")

	if opts.Rematch && s.reports != nil && job.ProcessedItems > 0 && ctx.Err() == nil {
		run, err := s.reports.RunTenantMatching(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Rematch after import failed")
		} else {
			job.MatchesCreated = run.Created
		}
	}

	job.Finish(time.Now(), fetchErr)
	// The run's context may be cancelled; the job record must still land.
	if err := s.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to save import job")
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		"total":     job.TotalItems,
		"processed": job.ProcessedItems,
		"skipped":   job.SkippedItems,
		"failed":    job.FailedItems,
		"matches":   job.MatchesCreated,
		"duration":  job.Duration().String(),
	}).Info("Import completed")

	if fetchErr != nil {
		return job, fetchErr
	}
	return job, ctx.Err()
}

// feed pages through src and hands records to the workers.
func (s *ImportService) feed(ctx context.Context, src source.Source, limit int, stats *importStats, out chan<- source.ItemRecord) error {
	cursor := ""
	fetched := 0
	for ctx.Err() == nil {
		batch := s.batchSize
		if limit > 0 {
			if fetched >= limit {
				return nil
			}
			batch = min(batch, limit-fetched)
		}

		records, next, err := src.FetchBatch(ctx, cursor, batch)
		if err != nil {
			return fmt.Errorf("failed to fetch batch: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		atomic.AddInt64(&stats.total, int64(len(records)))
		fetched += len(records)

		for _, rec := range records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return nil
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return nil
}

func (s *ImportService) worker(ctx context.Context, tenantID, sourceID string, records <-chan source.ItemRecord, results chan<- importResult) {
	for rec := range records {
		if ctx.Err() != nil {
			return
		}
		ref := sourceID + ":" + rec.ExternalID
		err := s.importRecord(ctx, tenantID, ref, &rec)
		results <- importResult{
			ref:     ref,
			skipped: errors.Is(err, errAlreadyImported),
			err:     err,
		}
	}
}

func (s *ImportService) importRecord(ctx context.Context, tenantID, ref string, rec *source.ItemRecord) error {
	_, err := s.items.GetByExternalRef(ctx, tenantID, ref)
	if err == nil {
		return errAlreadyImported
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to check existence: %w", err)
	}

	status := domain.ItemStatus(strings.ToUpper(strings.TrimSpace(rec.Status)))
	if status != domain.ItemStatusLost && status != domain.ItemStatusFound {
		return fmt.Errorf("%w: status %q", ErrInvalidReport, rec.Status)
	}

	photo, photoKey, uploaded, err := s.stagePhoto(ctx, rec)
	if err != nil {
		return err
	}
	rollbackPhoto := func() {
		if !uploaded {
			return
		}
		if delErr := s.photos.Delete(ctx, photoKey); delErr != nil {
			logger.FromContext(ctx).WithField("photo_key", photoKey).WithError(delErr).Error("Failed to rollback photo upload")
		}
	}

	description := strings.TrimSpace(rec.Description)
	if description == "" && photo != nil {
		description = s.describe(ctx, ref, photo)
	}

	// Vectors come from external models; compute them before anything
	// else is persisted.
	vectors, err := s.embeddings.ComputeItemVectors(ctx, ItemFields{
		Category:    rec.Category,
		Brand:       rec.Brand,
		Color:       rec.Color,
		Description: description,
	}, photo)
	if err != nil {
		rollbackPhoto()
		return fmt.Errorf("failed to compute vectors: %w", err)
	}

	item := &domain.Item{
		ID:             importItemID(tenantID, ref),
		TenantID:       tenantID,
		Status:         status,
		Category:       strings.TrimSpace(rec.Category),
		Brand:          strings.TrimSpace(rec.Brand),
		Color:          strings.TrimSpace(rec.Color),
		Description:    description,
		Location:       strings.TrimSpace(rec.Location),
		PhotoKey:       photoKey,
		ExternalRef:    ref,
		TextEmbedding:  vectors.Text,
		TextModel:      vectors.TextModel,
		ImageEmbedding: vectors.Image,
		ImageModel:     vectors.ImageModel,
	}

	indexed := false
	if s.index != nil && item.HasImage() {
		err := s.index.Upsert(ctx, item.ImageEmbedding, &repository.ImagePayload{
			ItemID:     item.ID,
			TenantID:   item.TenantID,
			Status:     string(item.Status),
			Category:   item.Category,
			ImageModel: item.ImageModel,
		})
		if err != nil {
			rollbackPhoto()
			return fmt.Errorf("failed to index photo: %w", err)
		}
		indexed = true
	}

	if err := s.items.Create(ctx, item); err != nil {
		if indexed {
			if delErr := s.index.Delete(ctx, item.ID); delErr != nil {
				logger.FromContext(ctx).WithField(logger.FieldItemID, item.ID).WithError(delErr).Error("Failed to rollback index upsert")
			}
		}
		rollbackPhoto()
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// describe asks the vision model for a description. Failures are logged
// and leave the description blank.
func (s *ImportService) describe(ctx context.Context, ref string, photo []byte) string {
	if s.describer == nil {
		return ""
	}
	start := time.Now()
	text, err := s.describer.Describe(ctx, photo)
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		"external_ref":         ref,
		logger.FieldModel:      s.describer.Model(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Warn("Photo description failed, importing without one")
		return ""
	}
	log.Debug("Described photo")
	return text
}

// stagePhoto returns the photo bytes and storage key of a record. Local
// photos are uploaded under a content-addressed key unless already stored.
// A missing or unreadable photo leaves the record text-only.
func (s *ImportService) stagePhoto(ctx context.Context, rec *source.ItemRecord) (data []byte, key string, uploaded bool, err error) {
	switch {
	case rec.PhotoPath != "":
		data, err = readPhotoFile(rec.PhotoPath, s.maxBytes)
		if err != nil {
			logger.FromContext(ctx).WithField("photo_path", rec.PhotoPath).WithError(err).Warn("Photo unreadable, importing without it")
			return nil, "", false, nil
		}
		var contentType string
		key, contentType, err = photoStorageKey(data)
		if err != nil {
			logger.FromContext(ctx).WithField("photo_path", rec.PhotoPath).WithError(err).Warn("Photo is not an image, importing without it")
			return nil, "", false, nil
		}
		exists, err := s.photos.Exists(ctx, key)
		if err != nil {
			return nil, "", false, fmt.Errorf("failed to check storage existence: %w", err)
		}
		if exists {
			logger.FromContext(ctx).WithField("photo_key", key).Debug("Photo already stored, skipping upload")
			return data, key, false, nil
		}
		if err := s.photos.Upload(ctx, key, data, contentType); err != nil {
			return nil, "", false, fmt.Errorf("failed to upload photo: %w", err)
		}
		return data, key, true, nil

	case rec.PhotoKey != "":
		data, err = s.photos.Load(ctx, rec.PhotoKey, s.maxBytes)
		if err != nil {
			logger.FromContext(ctx).WithField("photo_key", rec.PhotoKey).WithError(err).Warn("Stored photo unavailable, importing without it")
			return nil, rec.PhotoKey, false, nil
		}
		return data, rec.PhotoKey, false, nil
	}
	return nil, "", false, nil
}

func readPhotoFile(path string, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > maxBytes {
			return nil, fmt.Errorf("photo is %d bytes, limit %d", info.Size(), maxBytes)
		}
	}
	return os.ReadFile(path)
}

// photoStorageKey buckets photos by the first byte of their MD5 so that
// identical photos share one object.
func photoStorageKey(data []byte) (key, contentType string, err error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	if format == "jpeg" {
		format = "jpg"
	}
	return fmt.Sprintf("items/%s/%s.%s", hash[:2], hash, format), contentTypeOf(format), nil
}

func contentTypeOf(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// importItemID derives a stable item ID from the tenant and external
// reference, so re-running an import cannot create a second row.
func importItemID(tenantID, ref string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(tenantID+"/"+ref)).String()
}
