package jwt

import (
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserClaims are the claims carried by API bearer tokens.
type UserClaims struct {
	jwt.RegisteredClaims
	// Scope is a space separated scope list, like "snapshots:write runs:write".
	Scope string `json:"scope,omitempty"`
}

// UserID returns the token subject.
func (uc *UserClaims) UserID() string {
	return strings.TrimSpace(uc.Subject)
}

// Scopes splits the scope claim.
func (uc *UserClaims) Scopes() []string {
	return strings.Fields(uc.Scope)
}

// HasScope reports whether the token grants scope.
func (uc *UserClaims) HasScope(scope string) bool {
	return slices.Contains(uc.Scopes(), scope)
}
