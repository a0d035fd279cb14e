package rate

import "errors"

var (
	// ErrRateLimited indicates the fixed window for the identity is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable indicates the limiter backend is unreachable.
	// Callers decide whether to fail open.
	ErrRedisUnavailable = errors.New("rate limiter redis unavailable")
)
