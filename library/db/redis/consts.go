package redis

const (
	keyPrefix       = "repo-snapshot/"
	keyPrefixEvents = keyPrefix + "events/"

	// KeyPrefixRateLimit is the key prefix for sliding-window rate limit buckets
	KeyPrefixRateLimit = keyPrefix + "ratelimit/"
)
