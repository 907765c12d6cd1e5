package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/reclaim/internal/service"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	embeddings *service.EmbeddingService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(embeddings *service.EmbeddingService) *HealthHandler {
	return &HealthHandler{embeddings: embeddings}
}

// Health returns the health status of the service and the model versions
// new vectors are tagged with.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.embeddings != nil {
		resp["text_model"] = h.embeddings.TextModel()
		resp["image_model"] = h.embeddings.ImageModel()
	}
	c.JSON(http.StatusOK, resp)
}
