package reports

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	exporter *ExcelExporter
	logger   *zap.Logger
}

func NewHandler(exporter *ExcelExporter, logger *zap.Logger) *Handler {
	return &Handler{exporter: exporter, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/reports/:owner/export", h.ExportOwnerReport)
}

// ExportOwnerReport streams the owner's holdings and retirements as xlsx
func (h *Handler) ExportOwnerReport(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a UUID"})
		return
	}

	var buf bytes.Buffer
	if err := h.exporter.ExportOwnerReport(c.Request.Context(), owner, &buf); err != nil {
		h.logger.Warn("report export failed", zap.String("owner", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build report"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+Filename(owner, time.Now()))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}
