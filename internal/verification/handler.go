package verification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/auth"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
)

type Handler struct {
	service Service
	scorer  Scorer // nil when no external scorer is configured
	logger  *zap.Logger
}

func NewHandler(service Service, scorer Scorer, logger *zap.Logger) *Handler {
	return &Handler{service: service, scorer: scorer, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	records := rg.Group("/records")
	{
		records.POST("", h.SubmitRecord)
		records.GET("/:id", h.GetRecord)
	}
	requests := rg.Group("/requests")
	{
		requests.POST("", h.RequestVerification)
		requests.GET("/pending", h.PendingRequests)
		requests.GET("/project/:project", h.RequestsByProject)
		requests.POST("/:id/score", h.SubmitScore)
		requests.POST("/:id/analyze", h.Analyze)
		requests.POST("/:id/review", h.HumanReview)
	}
	rg.GET("/stats", h.Statistics)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	h.logger.Debug("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

func requestID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) SubmitRecord(c *gin.Context) {
	var req SubmitRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := h.service.SubmitEmissionRecord(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *Handler) GetRecord(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	record, err := h.service.GetRecord(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) RequestVerification(c *gin.Context) {
	var req SubmitVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	request, err := h.service.RequestVerification(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func (h *Handler) PendingRequests(c *gin.Context) {
	requests, err := h.service.PendingRequests(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

func (h *Handler) RequestsByProject(c *gin.Context) {
	requests, err := h.service.RequestsByProject(c.Request.Context(), c.Param("project"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

type scoreSubmission struct {
	Confidence  *int   `json:"confidence" binding:"required"`
	AnalysisRef string `json:"analysis_ref"`
}

func (h *Handler) SubmitScore(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	var req scoreSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	request, err := h.service.SubmitScore(c.Request.Context(), auth.FromContext(c), id, *req.Confidence, req.AnalysisRef)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// Analyze asks the configured external scorer for a verdict and feeds
// it straight into the workflow.
func (h *Handler) Analyze(c *gin.Context) {
	if h.scorer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no scorer configured"})
		return
	}
	if err := auth.FromContext(c).Require(authz.CapOracle); err != nil {
		h.respondError(c, err)
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	requests, err := h.service.PendingRequests(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	var target *VerificationRequest
	for i := range requests {
		if requests[i].ID == id {
			target = &requests[i]
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending request with that id"})
		return
	}

	result, err := h.scorer.Score(c.Request.Context(), ScoreRequest{
		RequestID:     target.ID,
		EvidenceRef:   target.EvidenceRef,
		CO2Equivalent: target.CO2Equivalent,
		Methodology:   target.Methodology,
	})
	if err != nil {
		h.logger.Warn("external scorer failed", zap.Int64("request_id", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "scorer unavailable"})
		return
	}

	request, err := h.service.SubmitScore(c.Request.Context(), auth.FromContext(c), id, result.Confidence, result.AnalysisRef)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

type reviewSubmission struct {
	ReviewerID uuid.UUID `json:"reviewer_id" binding:"required"`
	Approve    *bool     `json:"approve" binding:"required"`
	Note       string    `json:"note"`
}

func (h *Handler) HumanReview(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	var req reviewSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	request, err := h.service.HumanReview(c.Request.Context(), auth.FromContext(c), id, req.ReviewerID, *req.Approve, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (h *Handler) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Statistics(c.Request.Context()))
}
