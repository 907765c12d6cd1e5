package handler

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/service"
	"github.com/timmy/reclaim/internal/source/staging"
)

// ImportHandler runs bulk imports from staging manifests.
type ImportHandler struct {
	imports     *service.ImportService
	stagingPath string

	// Import job state
	mu          sync.RWMutex
	isRunning   bool
	lastJob     *domain.ImportJob
	lastRunTime time.Time
	lastError   string
}

// NewImportHandler creates a new import handler.
// Parameters:
//   - imports: import service instance.
//   - stagingPath: directory holding one subdirectory per staging source.
// Returns:
//   - *ImportHandler: initialized handler.
func NewImportHandler(imports *service.ImportService, stagingPath string) *ImportHandler {
	return &ImportHandler{imports: imports, stagingPath: stagingPath}
}

// ImportRequest represents the import API request.
type ImportRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Source   string `json:"source" binding:"required"`
	Limit    int    `json:"limit" binding:"min=0,max=100000"`
	Rematch  bool   `json:"rematch"`
}

// ImportStatusResponse represents the import status.
type ImportStatusResponse struct {
	IsRunning   bool              `json:"is_running"`
	LastRunTime string            `json:"last_run_time,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	LastJob     *domain.ImportJob `json:"last_job,omitempty"`
}

// TriggerImport handles POST /api/v1/imports. The import runs to
// completion in the request.
func (h *ImportHandler) TriggerImport(c *gin.Context) {
	ctx := c.Request.Context()

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid import request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sources, err := staging.ListStagingSources(h.stagingPath)
	if err != nil {
		respondError(c, err)
		return
	}
	if !slices.Contains(sources, req.Source) {
		logger.CtxWarn(ctx, "Unknown staging source requested: source=%s, client_ip=%s", req.Source, c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown source: " + req.Source})
		return
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "An import is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting import: tenant=%s, source=%s, limit=%d, rematch=%v",
		req.TenantID, req.Source, req.Limit, req.Rematch)

	// Detached from the request so a client timeout does not abort the run.
	job, err := h.imports.ImportFromSource(context.WithoutCancel(ctx), req.TenantID,
		staging.NewAdapter(h.stagingPath, req.Source), req.Limit, &service.ImportOptions{Rematch: req.Rematch})

	h.mu.Lock()
	h.isRunning = false
	h.lastJob = job
	h.lastRunTime = time.Now()
	h.lastError = ""
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		if job == nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job": job})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetImportStatus handles GET /api/v1/imports/status.
func (h *ImportHandler) GetImportStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ImportStatusResponse{
		IsRunning: h.isRunning,
		LastError: h.lastError,
		LastJob:   h.lastJob,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
