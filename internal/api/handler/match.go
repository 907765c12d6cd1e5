package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/service"
)

// MatchHandler handles match listing and review endpoints.
type MatchHandler struct {
	reports *service.ReportService
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(reports *service.ReportService) *MatchHandler {
	return &MatchHandler{reports: reports}
}

// RunTenantMatching handles POST /api/v1/tenants/:tenant/match.
func (h *MatchHandler) RunTenantMatching(c *gin.Context) {
	tenantID := c.Param("tenant")
	stats, err := h.reports.RunTenantMatching(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListTenantMatches handles GET /api/v1/tenants/:tenant/matches.
func (h *MatchHandler) ListTenantMatches(c *gin.Context) {
	status := domain.MatchStatus(strings.ToUpper(c.Query("status")))
	matches, err := h.reports.ListMatches(c.Request.Context(), c.Param("tenant"), status, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"total":   len(matches),
	})
}

// Approve handles POST /api/v1/matches/:id/approve.
func (h *MatchHandler) Approve(c *gin.Context) {
	h.review(c, h.reports.Approve)
}

// Reject handles POST /api/v1/matches/:id/reject.
func (h *MatchHandler) Reject(c *gin.Context) {
	h.review(c, h.reports.Reject)
}

// Reclaim handles POST /api/v1/matches/:id/reclaim.
func (h *MatchHandler) Reclaim(c *gin.Context) {
	h.review(c, h.reports.Reclaim)
}

func (h *MatchHandler) review(c *gin.Context, action func(context.Context, string) (*domain.Match, error)) {
	ctx := logger.WithField(c.Request.Context(), logger.FieldMatchID, c.Param("id"))
	m, err := action(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	logger.CtxInfo(ctx, "Match %s is now %s", m.ID, m.Status)
	c.JSON(http.StatusOK, m)
}
