package verification

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/pkg/storage"
)

// EvidenceHandler stores raw evidence blobs and hands back
// content-addressed refs for use in records and requests.
type EvidenceHandler struct {
	store  storage.BlobStore
	logger *zap.Logger
}

func NewEvidenceHandler(store storage.BlobStore, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{store: store, logger: logger}
}

func (h *EvidenceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	evidence := rg.Group("/evidence")
	{
		evidence.POST("", h.Upload)
		evidence.GET("/:ref", h.Download)
	}
}

func (h *EvidenceHandler) Upload(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "evidence body is empty"})
		return
	}

	ref, err := h.store.Put(c.Request.Context(), data)
	if err != nil {
		h.logger.Warn("evidence store failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store evidence"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ref": ref, "size": len(data)})
}

func (h *EvidenceHandler) Download(c *gin.Context) {
	ref := c.Param("ref")
	exists, err := h.store.Exists(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check evidence"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "no evidence with that ref"})
		return
	}

	data, err := h.store.Get(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load evidence"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}
