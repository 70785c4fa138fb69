package web

import (
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/library/log"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code      apperr.ErrorCode `json:"code"`
	Category  apperr.Category  `json:"category"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
}

// renderError writes err as a structured error response. extra is merged
// into the top-level body, so a failed run can travel next to its error.
func renderError(c *gin.Context, err error, extra gin.H) {
	typed, ok := apperr.AsError(err)
	if !ok {
		log.FromContext(c, nil).Error("unhandled request error", zap.Error(err))
		typed = apperr.New(apperr.ErrCodeInternal, "internal server error")
	}

	body := gin.H{"error": errorBody{
		Code:      typed.Code,
		Category:  typed.Category(),
		Message:   typed.Message,
		Retryable: typed.Retryable,
		Details:   typed.Details,
	}}
	for k, v := range extra {
		body[k] = v
	}

	if typed.Code == apperr.ErrCodeRateLimited {
		if retry, ok := typed.Details["retryAfterSeconds"].(int64); ok {
			c.Header("Retry-After", formatSeconds(retry))
		}
	}
	c.AbortWithStatusJSON(typed.HTTPStatus(), body)
}

func badRequest(c *gin.Context, msg string) {
	renderError(c, apperr.New(apperr.ErrCodeValidation, msg), nil)
}

func tooLarge(c *gin.Context, limit int64) {
	renderError(c, apperr.Newf(apperr.ErrCodePayloadTooLarge, "request body exceeds %d bytes", limit), nil)
}

func notFoundRoute(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorBody{
		Code:     apperr.ErrCodeNotFound,
		Category: apperr.CategoryNotFound,
		Message:  "route not found",
	}})
}
