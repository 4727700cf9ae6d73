package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxEntries bounds the number of tracked identifiers.
	defaultMaxEntries = 10000

	// cleanupInterval is how often idle limiters are reaped.
	cleanupInterval = 5 * time.Minute

	// maxIdleTime is how long a limiter may go unused before reaping.
	maxIdleTime = 30 * time.Minute
)

// limiterEntry tracks a rate limiter and its last access time
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-identifier rate limiting using a token bucket,
// with a bounded table so unknown identifiers cannot grow memory unbounded.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier, with automatic cleanup of idle entries.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom table bound.
// maxEntries <= 0 uses the default.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	rl := &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       requestsPerSecond,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[identifier]; ok {
		entry.lastSeen = now
		return entry.limiter.Allow()
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictStalest()
	}

	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastSeen: now,
	}
	rl.limiters[identifier] = entry
	return entry.limiter.Allow()
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// evictStalest drops the entry with the oldest lastSeen. Caller holds mu.
// Linear scan; only runs when the table is at capacity.
func (rl *RateLimiter) evictStalest() {
	var stalest string
	var stalestSeen time.Time
	for id, entry := range rl.limiters {
		if stalest == "" || entry.lastSeen.Before(stalestSeen) {
			stalest = id
			stalestSeen = entry.lastSeen
		}
	}
	if stalest != "" {
		delete(rl.limiters, stalest)
		rl.logger.Debug("rate limiter evicted stalest entry",
			"identifier", stalest,
			"entries", len(rl.limiters))
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(maxIdleTime)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes limiters that have been idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(rl.limiters, id)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
