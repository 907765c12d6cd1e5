package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/api/handler"
	"github.com/timmy/reclaim/internal/api/middleware"
	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/service"
)

// Services are the application services behind the HTTP API. Validator,
// Imports and Metrics may be nil.
type Services struct {
	Embeddings *service.EmbeddingService
	Reports    *service.ReportService
	Visual     *service.VisualSearchService
	Validator  *service.CategoryValidator
	Imports    *service.ImportService
	Metrics    http.Handler
}

// RouterConfig holds HTTP settings for SetupRouter.
type RouterConfig struct {
	Mode          string
	CORS          config.CORSConfig
	StagingPath   string
	MaxPhotoBytes int64
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc *Services, cfg RouterConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(svc.Embeddings)
	itemHandler := handler.NewItemHandler(svc.Reports)
	matchHandler := handler.NewMatchHandler(svc.Reports)
	photoHandler := handler.NewPhotoHandler(svc.Validator, svc.Visual, cfg.MaxPhotoBytes)

	r.GET("/health", healthHandler.Health)
	if svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/categories", photoHandler.Categories)

		// Reports
		v1.POST("/items", itemHandler.CreateItem)
		v1.GET("/items/:id", itemHandler.GetItem)
		v1.GET("/items/:id/matches", itemHandler.ListMatches)

		// Photos
		v1.POST("/photos/validate", photoHandler.Validate)
		v1.POST("/search/visual", photoHandler.VisualSearch)

		// Matching and review
		v1.POST("/tenants/:tenant/match", matchHandler.RunTenantMatching)
		v1.GET("/tenants/:tenant/matches", matchHandler.ListTenantMatches)
		v1.POST("/matches/:id/approve", matchHandler.Approve)
		v1.POST("/matches/:id/reject", matchHandler.Reject)
		v1.POST("/matches/:id/reclaim", matchHandler.Reclaim)

		if svc.Imports != nil {
			importHandler := handler.NewImportHandler(svc.Imports, cfg.StagingPath)
			v1.POST("/imports", importHandler.TriggerImport)
			v1.GET("/imports/status", importHandler.GetImportStatus)
		}
	}

	return r
}
