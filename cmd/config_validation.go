package cmd

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"

	"github.com/Laisky/repo-snapshot/library/db/postgres"
)

// minAuthSecretLength is the shortest accepted HMAC secret.
const minAuthSecretLength = 16

// configGetter retrieves raw configuration values by dotted key path.
type configGetter func(key string) any

// validateStartupConfig validates startup configuration from the shared config source.
// It returns an error when any configured value is malformed or violates constraints.
func validateStartupConfig() error {
	return validateStartupConfigWithGetter(func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateStartupConfigWithGetter validates startup configuration via a key-value getter.
// It accepts a value getter and returns nil when all configured values are valid.
func validateStartupConfigWithGetter(get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	validationErrs := make([]string, 0)

	validateDBConfig(get, &validationErrs)
	validateRedisConfig(get, &validationErrs)
	validateObjectStoreConfig(get, &validationErrs)
	validateAuthConfig(get, &validationErrs)
	validateSnapshotsConfig(get, &validationErrs)
	validateRunsConfig(get, &validationErrs)
	validatePatchesConfig(get, &validationErrs)
	validateWebConfig(get, &validationErrs)
	validateRateLimitConfig(get, &validationErrs)

	if len(validationErrs) == 0 {
		return nil
	}

	return errors.Errorf("invalid configuration:\n - %s", strings.Join(validationErrs, "\n - "))
}

// validateDBConfig validates the relational store settings.
func validateDBConfig(get configGetter, errs *[]string) {
	dbType := postgres.TypePostgres
	if raw := get("settings.db.type"); raw != nil {
		value, parseErr := parseStrictString(raw)
		if parseErr != nil {
			appendValidationError(errs, "settings.db.type must be a string")
			return
		}
		dbType = strings.ToLower(strings.TrimSpace(value))
	}

	switch dbType {
	case postgres.TypeSQLite:
		validateRequiredString(get, "settings.db.dsn", errs)
	case postgres.TypePostgres:
		if get("settings.db.dsn") != nil {
			validateOptionalStringNonEmpty(get, "settings.db.dsn", errs)
			return
		}

		validateRequiredString(get, "settings.db.addr", errs)
		validateRequiredString(get, "settings.db.name", errs)
		validateRequiredString(get, "settings.db.user", errs)
		if raw := get("settings.db.addr"); raw != nil {
			if addr, err := parseStrictString(raw); err == nil && !isValidHost(addr) {
				appendValidationError(errs, "settings.db.addr must be host[:port] without scheme")
			}
		}
	default:
		appendValidationError(errs, "settings.db.type must be one of %s, %s",
			postgres.TypePostgres, postgres.TypeSQLite)
	}
}

// validateRedisConfig validates redis-related startup configuration values.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateRedisConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.redis.db", 0, errs)
	if raw := get("settings.redis.addr"); raw != nil {
		addr, parseErr := parseStrictString(raw)
		if parseErr != nil || !isValidHost(addr) {
			appendValidationError(errs, "settings.redis.addr must be host:port without scheme")
		}
	}
}

// validateObjectStoreConfig validates the optional S3-compatible blob backend.
func validateObjectStoreConfig(get configGetter, errs *[]string) {
	validateOptionalBool(get, "settings.objectstore.use_ssl", errs)

	raw := get("settings.objectstore.endpoint")
	if raw == nil {
		return
	}
	endpoint, parseErr := parseStrictString(raw)
	if parseErr != nil || !isValidHost(endpoint) {
		appendValidationError(errs, "settings.objectstore.endpoint must be host[:port] without scheme")
		return
	}

	validateRequiredString(get, "settings.objectstore.bucket", errs)
	validateRequiredString(get, "settings.objectstore.access_key", errs)
	validateRequiredString(get, "settings.objectstore.secret_key", errs)
}

// validateAuthConfig validates the bearer token secret.
func validateAuthConfig(get configGetter, errs *[]string) {
	raw := get("settings.auth.secret")
	if raw == nil {
		appendValidationError(errs, "settings.auth.secret is required")
		return
	}

	secret, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "settings.auth.secret must be a string")
		return
	}
	if len(strings.TrimSpace(secret)) < minAuthSecretLength {
		appendValidationError(errs, "settings.auth.secret must be at least %d characters", minAuthSecretLength)
	}
}

// validateSnapshotsConfig validates upload budgets and list limits.
func validateSnapshotsConfig(get configGetter, errs *[]string) {
	validateOptionalInt64Min(get, "settings.snapshots.max_file_bytes", 1, errs)
	validateOptionalInt64Min(get, "settings.snapshots.max_snapshot_bytes", 1, errs)
	validateOptionalIntMin(get, "settings.snapshots.max_files", 1, errs)
	validateOptionalIntMin(get, "settings.snapshots.max_path_length", 1, errs)
	validateOptionalIntMin(get, "settings.snapshots.max_metadata_bytes", 1, errs)
	validateOptionalInt64Min(get, "settings.snapshots.inline_max_bytes", 0, errs)
	validateOptionalIntMin(get, "settings.snapshots.list_limit_default", 1, errs)
	validateOptionalIntMin(get, "settings.snapshots.list_limit_max", 1, errs)

	validateIntNotGreater(get,
		"settings.snapshots.max_file_bytes", "settings.snapshots.max_snapshot_bytes", errs)
	validateIntNotGreater(get,
		"settings.snapshots.list_limit_default", "settings.snapshots.list_limit_max", errs)
}

// validateRunsConfig validates the worker endpoint and run timeouts.
func validateRunsConfig(get configGetter, errs *[]string) {
	validateOptionalURL(get, "settings.runs.worker_url", errs)
	validateOptionalIntMin(get, "settings.runs.default_timeout_ms", 1, errs)
	validateOptionalIntMin(get, "settings.runs.max_timeout_ms", 1, errs)
	validateOptionalIntMin(get, "settings.runs.max_input_bytes", 1, errs)
	validateOptionalStringNonEmpty(get, "settings.runs.event_queue", errs)

	validateIntNotGreater(get,
		"settings.runs.default_timeout_ms", "settings.runs.max_timeout_ms", errs)
}

// validatePatchesConfig validates patch ledger limits.
func validatePatchesConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.patches.max_body_bytes", 1, errs)
	validateOptionalIntMin(get, "settings.patches.list_limit_default", 1, errs)
	validateOptionalIntMin(get, "settings.patches.list_limit_max", 1, errs)

	validateIntNotGreater(get,
		"settings.patches.list_limit_default", "settings.patches.list_limit_max", errs)
}

// validateWebConfig validates HTTP surface settings.
func validateWebConfig(get configGetter, errs *[]string) {
	validateOptionalInt64Min(get, "settings.web.max_request_bytes", 1, errs)

	raw := get("settings.web.allowed_origins")
	if raw == nil {
		return
	}
	items, ok := raw.([]any)
	if !ok {
		if _, isStrings := raw.([]string); isStrings {
			return
		}
		appendValidationError(errs, "settings.web.allowed_origins must be a list of hosts")
		return
	}
	for i, item := range items {
		host, parseErr := parseStrictString(item)
		if parseErr != nil || !isValidHost(host) {
			appendValidationError(errs, "settings.web.allowed_origins[%d] must be a bare host", i)
		}
	}
}

// validateRateLimitConfig validates limiter backend and windows.
func validateRateLimitConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.ratelimit.ip_limit", 1, errs)
	validateOptionalIntMin(get, "settings.ratelimit.user_limit", 1, errs)
	validateOptionalIntMin(get, "settings.ratelimit.window_seconds", 1, errs)

	raw := get("settings.ratelimit.backend")
	if raw == nil {
		return
	}
	backend, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "settings.ratelimit.backend must be a string")
		return
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case rateLimitBackendMemory:
	case rateLimitBackendRedis:
		if get("settings.redis.addr") == nil {
			appendValidationError(errs, "settings.redis.addr is required when settings.ratelimit.backend is redis")
		}
	default:
		appendValidationError(errs, "settings.ratelimit.backend must be one of %s, %s",
			rateLimitBackendMemory, rateLimitBackendRedis)
	}
}

// validateIntNotGreater reports lowKey > highKey when both are configured integers.
func validateIntNotGreater(get configGetter, lowKey, highKey string, errs *[]string) {
	rawLow, rawHigh := get(lowKey), get(highKey)
	if rawLow == nil || rawHigh == nil {
		return
	}

	low, lowErr := parseStrictInt64(rawLow)
	high, highErr := parseStrictInt64(rawHigh)
	if lowErr != nil || highErr != nil {
		return
	}
	if low > high {
		appendValidationError(errs, "%s must be <= %s", lowKey, highKey)
	}
}

// validateOptionalBool validates an optionally configured boolean key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalBool(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	if _, ok := parseStrictBool(raw); !ok {
		appendValidationError(errs, "%s must be a boolean", key)
	}
}

// validateOptionalIntMin validates an optionally configured integer key with a minimum constraint.
// It accepts a getter, the key, a minimum value, and an error collector pointer and appends validation errors.
func validateOptionalIntMin(get configGetter, key string, min int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalInt64Min validates an optionally configured int64 key with a minimum constraint.
func validateOptionalInt64Min(get configGetter, key string, min int64, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt64(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalURL validates an optionally configured absolute URL key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalURL(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string URL", key)
		return
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		appendValidationError(errs, "%s must not be empty", key)
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		appendValidationError(errs, "%s must be a valid absolute URL", key)
	}
}

// validateOptionalStringNonEmpty validates an optionally configured non-empty string key.
func validateOptionalStringNonEmpty(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	if strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must not be empty", key)
	}
}

// validateRequiredString validates that key is configured as a non-empty string.
func validateRequiredString(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		appendValidationError(errs, "%s is required", key)
		return
	}

	text, parseErr := parseStrictString(raw)
	if parseErr != nil || strings.TrimSpace(text) == "" {
		appendValidationError(errs, "%s must be a non-empty string", key)
	}
}

// parseStrictBool parses a value as boolean using strict conversion rules.
// It accepts a raw value and returns the parsed boolean and whether parsing succeeded.
func parseStrictBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		if math.Trunc(v) != v {
			return false, false
		}
		return int64(v) != 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return false, false
		}
		switch strings.ToLower(trimmed) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

// parseStrictInt parses a value as a strict integer.
// It accepts a raw value and returns the parsed int and an error when parsing fails.
func parseStrictInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, errors.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty integer string")
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, errors.Wrap(err, "atoi")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported int type %T", value)
	}
}

// parseStrictInt64 parses a value as a strict int64.
func parseStrictInt64(value any) (int64, error) {
	parsed, err := parseStrictInt(value)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int64(parsed), nil
}

// parseStrictString parses a value as a strict string.
func parseStrictString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.Errorf("unsupported string type %T", value)
	}
}

// isValidHost validates a host string without scheme or path components.
// It accepts a host string and returns true when the host is syntactically acceptable.
func isValidHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") {
		return false
	}
	return true
}

// appendValidationError appends a formatted validation error to the collector.
func appendValidationError(errs *[]string, format string, args ...any) {
	if errs == nil {
		return
	}
	*errs = append(*errs, fmt.Sprintf(format, args...))
}
