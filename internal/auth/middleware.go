package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carbon-exchange/registry/registry-backend/pkg/authz"
)

const contextKey = "authz_context"

// Middleware parses a bearer token into an authorization context and
// stores it on the request. Requests without a token proceed with an
// empty context; privileged operations reject those downstream.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(contextKey, authz.Context{})
			c.Next()
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		actx, err := authz.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(contextKey, actx)
		c.Next()
	}
}

// FromContext retrieves the authorization context set by Middleware
func FromContext(c *gin.Context) authz.Context {
	if v, ok := c.Get(contextKey); ok {
		if actx, ok := v.(authz.Context); ok {
			return actx
		}
	}
	return authz.Context{}
}
