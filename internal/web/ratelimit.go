package web

import (
	"math"
	"strconv"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/library/log"
)

// rateLimit gates mutating routes, first by client IP then by user. A limiter
// outage is logged and the request is let through.
func (s *Server) rateLimit(c *gin.Context) {
	checks := []struct {
		key   string
		limit int
	}{
		{key: "ip:" + c.ClientIP(), limit: s.settings.IPLimit},
		{key: "user:" + userID(c), limit: s.settings.UserLimit},
	}

	for _, chk := range checks {
		decision, err := s.limiter.Allow(c, chk.key, chk.limit, s.settings.Window)
		if err != nil {
			log.FromContext(c, nil).Warn("rate limiter unavailable",
				zap.String("key", chk.key), zap.Error(err))
			continue
		}
		if decision.Allowed {
			continue
		}

		retry := int64(math.Ceil(decision.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		renderError(c, apperr.New(apperr.ErrCodeRateLimited, "too many requests, retry later").
			WithDetails(map[string]any{"retryAfterSeconds": retry}), nil)
		return
	}

	c.Next()
}

func formatSeconds(v int64) string {
	return strconv.FormatInt(v, 10)
}
