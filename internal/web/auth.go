package web

import (
	"strings"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/library/jwt"
	"github.com/Laisky/repo-snapshot/library/log"
)

// Scopes a token must carry for mutating routes.
const (
	ScopeSnapshotsWrite = "snapshots:write"
	ScopeRunsWrite      = "runs:write"
	ScopePatchesWrite   = "patches:write"
)

const ctxKeyClaims = "repo_snapshot_claims"

// TokenParser verifies a bearer token.
type TokenParser interface {
	Parse(token string) (*jwt.UserClaims, error)
}

// authenticate rejects requests without a valid bearer token and stores the
// claims on the context.
func (s *Server) authenticate(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		renderError(c, apperr.New(apperr.ErrCodeUnauthorized, "bearer token required"), nil)
		return
	}

	claims, err := s.tokens.Parse(strings.TrimSpace(token))
	if err != nil {
		log.FromContext(c, nil).Debug("reject bearer token", zap.Error(err))
		renderError(c, apperr.New(apperr.ErrCodeUnauthorized, "invalid bearer token"), nil)
		return
	}
	if claims.UserID() == "" {
		renderError(c, apperr.New(apperr.ErrCodeUnauthorized, "token has no subject"), nil)
		return
	}

	c.Set(ctxKeyClaims, claims)
	c.Next()
}

// requireScope rejects tokens that do not grant scope.
func requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !claimsFrom(c).HasScope(scope) {
			renderError(c, apperr.Newf(apperr.ErrCodeForbidden, "token lacks scope %q", scope).
				WithDetails(map[string]any{"requiredScope": scope}), nil)
			return
		}
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *jwt.UserClaims {
	if v, ok := c.Get(ctxKeyClaims); ok {
		if claims, ok := v.(*jwt.UserClaims); ok {
			return claims
		}
	}
	return new(jwt.UserClaims)
}

func userID(c *gin.Context) string {
	return claimsFrom(c).UserID()
}
