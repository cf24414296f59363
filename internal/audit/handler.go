package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	sink   *PostgresSink
	logger *zap.Logger
}

func NewHandler(sink *PostgresSink, logger *zap.Logger) *Handler {
	return &Handler{sink: sink, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	audit := rg.Group("/audit")
	{
		audit.GET("/:entity/:id", h.ListByEntity)
		audit.GET("/actor/:actor", h.ListByActor)
	}
}

func (h *Handler) ListByEntity(c *gin.Context) {
	entityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	events, err := h.sink.ListByEntity(c.Request.Context(), c.Param("entity"), entityID)
	if err != nil {
		h.logger.Warn("audit query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handler) ListByActor(c *gin.Context) {
	actor, err := uuid.Parse(c.Param("actor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor must be a UUID"})
		return
	}
	since := time.Now().AddDate(0, -1, 0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	events, err := h.sink.ListByActor(c.Request.Context(), actor, since)
	if err != nil {
		h.logger.Warn("audit query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
