package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/service"
)

// PhotoHandler handles photo validation and visual search.
type PhotoHandler struct {
	validator *service.CategoryValidator
	visual    *service.VisualSearchService
	maxBytes  int64
}

// NewPhotoHandler creates a new photo handler. validator may be nil, in
// which case every photo is accepted unchecked.
func NewPhotoHandler(validator *service.CategoryValidator, visual *service.VisualSearchService, maxBytes int64) *PhotoHandler {
	return &PhotoHandler{validator: validator, visual: visual, maxBytes: maxBytes}
}

// Validate handles POST /api/v1/photos/validate?category=...
func (h *PhotoHandler) Validate(c *gin.Context) {
	category := c.Query("category")
	if category == "" {
		category = c.PostForm("category")
	}
	if strings.TrimSpace(category) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'category' is required"})
		return
	}
	photo, err := readPhoto(c, h.maxBytes)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.validator == nil {
		c.JSON(http.StatusOK, service.ValidationResult{
			Accepted: true,
			Outcome:  service.OutcomeSkipped,
		})
		return
	}
	c.JSON(http.StatusOK, h.validator.Validate(c.Request.Context(), photo, category))
}

// VisualSearch handles POST /api/v1/search/visual?tenant=...&status=...&top_k=...
// Status defaults to FOUND: the usual query is an owner's photo of what
// they lost.
func (h *PhotoHandler) VisualSearch(c *gin.Context) {
	tenantID := c.Query("tenant")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'tenant' is required"})
		return
	}
	status := domain.ItemStatus(strings.ToUpper(c.DefaultQuery("status", string(domain.ItemStatusFound))))
	if status != domain.ItemStatusLost && status != domain.ItemStatusFound {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be LOST or FOUND"})
		return
	}
	photo, err := readPhoto(c, h.maxBytes)
	if err != nil {
		respondError(c, err)
		return
	}

	hits, err := h.visual.SearchTenant(c.Request.Context(), tenantID, status, photo, queryInt(c, "top_k", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	if hits == nil {
		hits = []service.VisualHit{}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": hits,
		"total":   len(hits),
	})
}

// Categories handles GET /api/v1/categories.
func (h *PhotoHandler) Categories(c *gin.Context) {
	categories := service.Categories()
	c.JSON(http.StatusOK, gin.H{
		"categories": categories,
		"total":      len(categories),
	})
}
