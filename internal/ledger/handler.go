package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/auth"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/pdf"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	batches := rg.Group("/batches")
	{
		batches.POST("", h.Mint)
		batches.GET("", h.ListActive)
		batches.GET("/:id", h.GetBatch)
		batches.POST("/:id/verify", h.Verify)
		batches.POST("/:id/activate", h.Activate)
		batches.POST("/:id/transfer", h.Transfer)
		batches.POST("/:id/retire", h.Retire)
		batches.POST("/:id/cancel", h.Cancel)
		batches.GET("/:id/balance/:owner", h.GetBalance)
	}
	rg.GET("/holdings/:owner", h.ListHoldings)
	rg.GET("/certificates/:owner", h.ListCertificates)
	rg.GET("/certificates/:owner/:id/pdf", h.DownloadCertificate)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	h.logger.Debug("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

func (h *Handler) batchID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) Mint(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := h.service.Mint(c.Request.Context(), auth.FromContext(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) GetBatch(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	batch, err := h.service.GetBatch(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) ListActive(c *gin.Context) {
	batches, err := h.service.ListActiveBatches(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

type verifyRequest struct {
	VerifierID uuid.UUID `json:"verifier_id" binding:"required"`
}

func (h *Handler) Verify(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Verify(c.Request.Context(), auth.FromContext(c), id, req.VerifierID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(BatchStatusVerified)})
}

func (h *Handler) Activate(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	if err := h.service.Activate(c.Request.Context(), auth.FromContext(c), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(BatchStatusActive)})
}

type transferRequest struct {
	From     uuid.UUID `json:"from" binding:"required"`
	To       uuid.UUID `json:"to" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
}

func (h *Handler) Transfer(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Transfer(c.Request.Context(), id, req.From, req.To, req.Quantity); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transferred": req.Quantity})
}

type retireRequest struct {
	Owner    uuid.UUID `json:"owner" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
	Reason   string    `json:"reason"`
}

func (h *Handler) Retire(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	var req retireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cert, err := h.service.Retire(c.Request.Context(), id, req.Owner, req.Quantity, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Cancel(c.Request.Context(), auth.FromContext(c), id, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(BatchStatusCancelled)})
}

func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := h.batchID(c)
	if !ok {
		return
	}
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a UUID"})
		return
	}
	balance, err := h.service.GetBalance(c.Request.Context(), owner, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": id, "owner": owner, "balance": balance})
}

func (h *Handler) ListHoldings(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a UUID"})
		return
	}
	batches, err := h.service.ListBatchesForOwner(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

func (h *Handler) ListCertificates(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a UUID"})
		return
	}
	certs, err := h.service.ListCertificates(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs, "count": len(certs)})
}

// DownloadCertificate renders a retirement certificate as PDF
func (h *Handler) DownloadCertificate(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a UUID"})
		return
	}
	certID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "certificate id must be a UUID"})
		return
	}

	certs, err := h.service.ListCertificates(c.Request.Context(), owner)
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, cert := range certs {
		if cert.ID == certID {
			data, err := pdf.RenderCertificate(pdf.Certificate{
				ID:        cert.ID,
				BatchID:   cert.BatchID,
				ProjectID: cert.ProjectID,
				Owner:     cert.Owner,
				Quantity:  cert.Quantity,
				Reason:    cert.Reason,
				RetiredAt: cert.RetiredAt,
			})
			if err != nil {
				h.respondError(c, err)
				return
			}
			c.Header("Content-Disposition", "attachment; filename=certificate-"+certID.String()+".pdf")
			c.Data(http.StatusOK, "application/pdf", data)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
}
