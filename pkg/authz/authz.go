package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carbon-exchange/registry/registry-backend/pkg/apperrors"
)

// Capability is a single permitted action class
type Capability string

const (
	CapMint   Capability = "mint"
	CapVerify Capability = "verify"
	CapOracle Capability = "oracle"
	CapAdmin  Capability = "admin"
)

// Context carries the caller identity and its granted capabilities
// into every privileged core operation.
type Context struct {
	Actor        uuid.UUID
	capabilities map[Capability]bool
}

// NewContext creates an authorization context for an actor
func NewContext(actor uuid.UUID, caps ...Capability) Context {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return Context{Actor: actor, capabilities: m}
}

// System returns a context holding every capability, for internal
// callers such as the verification workflow's mint path.
func System() Context {
	return NewContext(uuid.Nil, CapMint, CapVerify, CapOracle, CapAdmin)
}

// Has reports whether the context grants a capability. Admin implies
// all capabilities.
func (c Context) Has(cap Capability) bool {
	if c.capabilities == nil {
		return false
	}
	return c.capabilities[cap] || c.capabilities[CapAdmin]
}

// Require returns a NotAuthorized error unless the capability is held
func (c Context) Require(cap Capability) error {
	if !c.Has(cap) {
		return apperrors.NotAuthorized("actor %s lacks capability %q", c.Actor, cap)
	}
	return nil
}

// Claims is the JWT payload the facade issues for registry actors
type Claims struct {
	Actor        string   `json:"actor"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// ParseToken validates a signed token and converts its claims into an
// authorization context.
func ParseToken(tokenString, secret string) (Context, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Context{}, apperrors.NotAuthorized("invalid token").WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Context{}, apperrors.NotAuthorized("invalid token claims")
	}

	actor, err := uuid.Parse(claims.Actor)
	if err != nil {
		return Context{}, apperrors.NotAuthorized("malformed actor id in token")
	}

	caps := make([]Capability, 0, len(claims.Capabilities))
	for _, c := range claims.Capabilities {
		caps = append(caps, Capability(c))
	}
	return NewContext(actor, caps...), nil
}

// IssueToken signs a token granting the given capabilities
func IssueToken(actor uuid.UUID, caps []Capability, secret string, ttl time.Duration) (string, error) {
	capStrings := make([]string, 0, len(caps))
	for _, c := range caps {
		capStrings = append(capStrings, string(c))
	}
	claims := &Claims{
		Actor:        actor.String(),
		Capabilities: capStrings,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
