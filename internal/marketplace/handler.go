package marketplace

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/auth"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	listings := rg.Group("/listings")
	{
		listings.POST("", h.CreateListing)
		listings.GET("", h.ActiveListings)
		listings.GET("/seller/:seller", h.ListingsBySeller)
		listings.POST("/:id/purchase", h.Purchase)
		listings.POST("/:id/cancel", h.CancelListing)
		listings.POST("/:id/expire", h.ExpireListing)
	}
	auctions := rg.Group("/auctions")
	{
		auctions.POST("", h.CreateAuction)
		auctions.GET("", h.ActiveAuctions)
		auctions.POST("/:id/bids", h.PlaceBid)
		auctions.POST("/:id/finalize", h.FinalizeAuction)
	}
	rg.GET("/fees", h.GetFeeRate)
	rg.PUT("/fees", h.SetFeeRate)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	h.logger.Debug("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

func entityID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}

type createListingRequest struct {
	BatchID         int64     `json:"batch_id" binding:"required"`
	Seller          uuid.UUID `json:"seller" binding:"required"`
	Quantity        int64     `json:"quantity" binding:"required"`
	UnitPrice       int64     `json:"unit_price" binding:"required"`
	DurationSeconds int64     `json:"duration_seconds" binding:"required"`
}

func (h *Handler) CreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	listing, err := h.service.CreateListing(c.Request.Context(), req.BatchID, req.Seller,
		req.Quantity, req.UnitPrice, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

func (h *Handler) ActiveListings(c *gin.Context) {
	listings, err := h.service.ActiveListings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

func (h *Handler) ListingsBySeller(c *gin.Context) {
	seller, err := uuid.Parse(c.Param("seller"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller must be a UUID"})
		return
	}
	listings, err := h.service.ListingsBySeller(c.Request.Context(), seller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

type purchaseRequest struct {
	Buyer         uuid.UUID `json:"buyer" binding:"required"`
	Quantity      int64     `json:"quantity" binding:"required"`
	PaymentAmount int64     `json:"payment_amount" binding:"required"`
}

func (h *Handler) Purchase(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := h.service.Purchase(c.Request.Context(), id, req.Buyer, req.Quantity, req.PaymentAmount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type cancelListingRequest struct {
	Caller uuid.UUID `json:"caller" binding:"required"`
}

func (h *Handler) CancelListing(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	var req cancelListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.CancelListing(c.Request.Context(), id, req.Caller); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (h *Handler) ExpireListing(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	if err := h.service.ExpireListing(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": id})
}

type createAuctionRequest struct {
	BatchID         int64     `json:"batch_id" binding:"required"`
	Seller          uuid.UUID `json:"seller" binding:"required"`
	Quantity        int64     `json:"quantity" binding:"required"`
	StartingPrice   int64     `json:"starting_price" binding:"required"`
	DurationSeconds int64     `json:"duration_seconds" binding:"required"`
}

func (h *Handler) CreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	auction, err := h.service.CreateAuction(c.Request.Context(), req.BatchID, req.Seller,
		req.Quantity, req.StartingPrice, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auction)
}

func (h *Handler) ActiveAuctions(c *gin.Context) {
	auctions, err := h.service.ActiveAuctions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auctions": auctions, "count": len(auctions)})
}

type bidRequest struct {
	Bidder uuid.UUID `json:"bidder" binding:"required"`
	Amount int64     `json:"amount" binding:"required"`
}

func (h *Handler) PlaceBid(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	var req bidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.PlaceBid(c.Request.Context(), id, req.Bidder, req.Amount); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction_id": id, "bid": req.Amount})
}

func (h *Handler) FinalizeAuction(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	settlement, err := h.service.FinalizeAuction(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func (h *Handler) GetFeeRate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fee_rate_bps": h.service.FeeRate()})
}

type feeRateRequest struct {
	RateBps int64 `json:"rate_bps"`
}

// SetFeeRate changes the platform fee for listings and auctions
// created after the change. Admin only.
func (h *Handler) SetFeeRate(c *gin.Context) {
	if err := auth.FromContext(c).Require(authz.CapAdmin); err != nil {
		h.respondError(c, err)
		return
	}
	var req feeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetFeeRate(req.RateBps); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee_rate_bps": req.RateBps})
}
