// Package app wires configuration into the services shared by the API
// server and the ingest command.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/events"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
	"github.com/timmy/reclaim/internal/repository"
	"github.com/timmy/reclaim/internal/service"
	"github.com/timmy/reclaim/internal/storage"
	"gorm.io/gorm"
)

// App holds the process-wide dependencies.
type App struct {
	Config *config.Config

	DB      *gorm.DB
	Items   *repository.ItemRepository
	Matches *repository.MatchRepository
	Jobs    *repository.JobRepository
	Qdrant  *repository.QdrantRepository // nil when qdrant.enabled is false
	Photos  storage.PhotoStore
	Metrics *metrics.Recorder
	Events  events.Publisher

	Embeddings *service.EmbeddingService
	Validator  *service.CategoryValidator
	Matcher    *service.Matcher
	Reports    *service.ReportService
	Visual     *service.VisualSearchService
	Imports    *service.ImportService
}

// New connects to every backing store and loads the models. Any failure
// is fatal to startup and returned as an error.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(metrics.DefaultConfig())}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	a.Items = repository.NewItemRepository(db)
	a.Matches = repository.NewMatchRepository(db)
	a.Jobs = repository.NewJobRepository(db)

	var index service.PhotoIndex
	if cfg.Qdrant.Enabled {
		a.Qdrant, err = repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Qdrant.Host,
			Port:            cfg.Qdrant.Port,
			Collection:      cfg.Qdrant.Collection,
			APIKey:          cfg.Qdrant.APIKey,
			UseTLS:          cfg.Qdrant.UseTLS,
			VectorDimension: cfg.Vision.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Qdrant repository: %w", err)
		}
		if err := a.Qdrant.EnsureCollection(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure Qdrant collection: %w", err)
		}
		index = a.Qdrant
	} else {
		logger.CtxWarn(ctx, "Qdrant disabled, visual search scans the database")
	}

	a.Photos, err = storage.NewPhotoStore(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.Events, err = events.NewPublisher(&cfg.Events)
	if err != nil {
		a.Close()
		return nil, err
	}

	models, err := service.NewModelLoader(cfg).Get(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	maxBytes := int64(cfg.Vision.MaxBytes)
	a.Embeddings = service.NewEmbeddingService(models.Text, models.Image, a.Photos, a.Metrics, &service.EmbeddingServiceConfig{
		InputSize:     cfg.Vision.InputSize,
		MaxPhotoBytes: maxBytes,
		CacheSize:     cfg.Embedding.CacheSize,
	})
	a.Validator = service.NewCategoryValidator(models.Classifier, a.Metrics, service.CategoryValidatorConfig{
		LowConfidence:  cfg.Validator.LowConfidence,
		HighConfidence: cfg.Validator.HighConfidence,
		LogitScale:     cfg.Validator.LogitScale,
		InputSize:      cfg.Vision.InputSize,
	})
	verifier := service.NewKeypointVerifier(a.Photos, maxBytes, cfg.Matcher.MinKeypointMatch)
	a.Matcher = service.NewMatcher(a.Embeddings, models.Reranker, verifier, a.Metrics, cfg.Matcher)

	a.Reports = service.NewReportService(service.ReportDeps{
		Items:      a.Items,
		Matches:    a.Matches,
		Index:      index,
		Photos:     a.Photos,
		Embeddings: a.Embeddings,
		Validator:  a.Validator,
		Matcher:    a.Matcher,
		Publisher:  a.Events,
		Metrics:    a.Metrics,
	}, service.ReportConfig{
		MaxPhotoBytes: maxBytes,
		MatchTimeout:  time.Duration(cfg.Matcher.TimeoutSec) * time.Second,
	})
	a.Visual = service.NewVisualSearchService(a.Embeddings, index, a.Items, a.Metrics, cfg.VisualSearch)
	a.Imports = service.NewImportService(a.Items, a.Jobs, index, a.Photos, a.Embeddings, a.Reports, &service.ImportConfig{
		Workers:       cfg.Import.Workers,
		MaxPhotoBytes: maxBytes,
		Describer:     models.Describer,
	})
	return a, nil
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			logger.Warn("Failed to close event publisher: %v", err)
		}
	}
	if a.Qdrant != nil {
		if err := a.Qdrant.Close(); err != nil {
			logger.Warn("Failed to close Qdrant connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
