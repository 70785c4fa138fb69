package log

import (
	"context"

	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
)

// FromContext prefers the request-scoped logger injected by the gin logger middleware.
// It falls back to fallback, then to the shared Logger.
func FromContext(ctx context.Context, fallback logSDK.Logger) logSDK.Logger {
	if ctx != nil {
		if _, ok := gmw.GetGinCtxFromStdCtx(ctx); ok {
			if logger := gmw.GetLogger(ctx); logger != nil {
				return logger
			}
		}
	}
	if fallback != nil {
		return fallback
	}
	return Logger
}
