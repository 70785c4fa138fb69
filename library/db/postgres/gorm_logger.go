package postgres

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	gormLogger "gorm.io/gorm/logger"
)

const defaultMaxLoggedParamLength = 256

// truncatingParamsLogger filters oversized SQL parameters before GORM prints SQL logs.
// Blob bytes and patch bodies travel as parameters and must never reach the log verbatim.
type truncatingParamsLogger struct {
	gormLogger.Interface
	maxLoggedParamLength int
}

// ParamsFilter truncates oversized parameter values to keep SQL logs concise.
func (l *truncatingParamsLogger) ParamsFilter(_ context.Context, sql string, params ...any) (string, []any) {
	if len(params) == 0 {
		return sql, params
	}

	return sql, sanitizeLoggedSQLParams(l.maxLoggedParamLength, params...)
}

// LogMode keeps the truncation wrapper when gorm derives a session logger.
func (l *truncatingParamsLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	return &truncatingParamsLogger{
		Interface:            l.Interface.LogMode(level),
		maxLoggedParamLength: l.maxLoggedParamLength,
	}
}

// newTruncatingParamsLogger wraps a GORM logger with parameter truncation.
func newTruncatingParamsLogger(base gormLogger.Interface) gormLogger.Interface {
	return &truncatingParamsLogger{
		Interface:            base,
		maxLoggedParamLength: defaultMaxLoggedParamLength,
	}
}

func sanitizeLoggedSQLParams(maxLoggedParamLength int, params ...any) []any {
	filtered := make([]any, len(params))
	for idx, param := range params {
		filtered[idx] = sanitizeLoggedSQLParam(param, maxLoggedParamLength)
	}
	return filtered
}

// sanitizeLoggedSQLParam converts oversized parameter values into compact log-safe summaries.
func sanitizeLoggedSQLParam(param any, maxLoggedParamLength int) any {
	switch value := param.(type) {
	case string:
		if len(value) > maxLoggedParamLength {
			return fmt.Sprintf("<string:len=%d,truncated>", len(value))
		}
		return value
	case []byte:
		if len(value) > maxLoggedParamLength {
			return fmt.Sprintf("<bytes:len=%d,truncated>", len(value))
		}
		return value
	case datatypes.JSON:
		if len(value) > maxLoggedParamLength {
			return fmt.Sprintf("<json:len=%d,truncated>", len(value))
		}
		return value
	default:
		return param
	}
}
