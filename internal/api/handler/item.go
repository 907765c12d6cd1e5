package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/service"
)

// ItemHandler handles item report endpoints.
type ItemHandler struct {
	reports *service.ReportService
}

// NewItemHandler creates a new item handler.
func NewItemHandler(reports *service.ReportService) *ItemHandler {
	return &ItemHandler{reports: reports}
}

// CreateItem handles POST /api/v1/items.
// The photo, when any, must already be in storage under photo_key.
func (h *ItemHandler) CreateItem(c *gin.Context) {
	var req service.ReportInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	result, err := h.reports.Report(c.Request.Context(), &req)
	if errors.Is(err, service.ErrPhotoRejected) {
		logger.CtxInfo(c.Request.Context(), "Report photo rejected: tenant=%s, category=%s, outcome=%s",
			req.TenantID, req.Category, result.Validation.Outcome)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      result.Validation.Message,
			"validation": result.Validation,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetItem handles GET /api/v1/items/:id.
func (h *ItemHandler) GetItem(c *gin.Context) {
	item, err := h.reports.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListMatches handles GET /api/v1/items/:id/matches.
func (h *ItemHandler) ListMatches(c *gin.Context) {
	matches, err := h.reports.MatchesForItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"total":   len(matches),
	})
}
