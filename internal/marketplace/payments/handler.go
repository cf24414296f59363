package payments

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/pkg/apperrors"
)

type Handler struct {
	engine Engine
	logger *zap.Logger
}

func NewHandler(engine Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	funds := rg.Group("/funds")
	{
		funds.POST("/deposit", h.Deposit)
		funds.GET("/:account", h.Balance)
	}
}

type depositRequest struct {
	Account uuid.UUID `json:"account" binding:"required"`
	Amount  int64     `json:"amount" binding:"required"`
}

func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Deposit(c.Request.Context(), req.Account, req.Amount); err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	balance, err := h.engine.Balance(c.Request.Context(), req.Account)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": req.Account, "balance": balance})
}

func (h *Handler) Balance(c *gin.Context) {
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account must be a UUID"})
		return
	}
	balance, err := h.engine.Balance(c.Request.Context(), account)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "balance": balance})
}
