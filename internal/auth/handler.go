package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carbon-exchange/registry/registry-backend/pkg/authz"
)

type Handler struct {
	secret   string
	tokenTTL time.Duration
	// issuerCaps gates which capabilities the token endpoint may grant.
	issuerCaps map[authz.Capability]bool
}

func NewHandler(secret string, tokenTTL time.Duration) *Handler {
	return &Handler{
		secret:   secret,
		tokenTTL: tokenTTL,
		issuerCaps: map[authz.Capability]bool{
			authz.CapMint:   true,
			authz.CapVerify: true,
			authz.CapOracle: true,
			authz.CapAdmin:  true,
		},
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/auth")
	{
		group.POST("/token", h.IssueToken)
		group.GET("/ping", h.Ping)
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "auth service alive"})
}

type tokenRequest struct {
	Actor        string   `json:"actor" binding:"required"`
	Capabilities []string `json:"capabilities" binding:"required"`
}

// IssueToken mints a capability token for an actor. Only the admin
// context may grant capabilities to other actors.
func (h *Handler) IssueToken(c *gin.Context) {
	actx := FromContext(c)
	if err := actx.Require(authz.CapAdmin); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin capability required"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor must be a UUID"})
		return
	}

	caps := make([]authz.Capability, 0, len(req.Capabilities))
	for _, s := range req.Capabilities {
		cap := authz.Capability(s)
		if !h.issuerCaps[cap] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown capability: " + s})
			return
		}
		caps = append(caps, cap)
	}

	token, err := authz.IssueToken(actor, caps, h.secret, h.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": time.Now().Add(h.tokenTTL).UTC(),
	})
}
