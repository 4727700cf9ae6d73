// Package security provides security-related functionality for the relay's
// HTTP ingress: per-IP rate limiting, client IP extraction behind trusted
// proxies, and request ID generation for correlation.
//
// The RateLimiter uses a token bucket per identifier with a bounded table:
// idle limiters are reaped periodically and, at capacity, the stalest entry
// is evicted so a distributed scan cannot grow memory without limit.
package security
