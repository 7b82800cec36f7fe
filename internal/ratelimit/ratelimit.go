// Package ratelimit enforces the per-connection / per-device / global
// sliding-window caps on originated messages (spec §4.4).
package ratelimit

import (
	"sync"
	"time"

	"meshtalk/internal/config"
	"meshtalk/internal/meshtalkerr"
)

const window = 60 * time.Second

// Limiter guards originate attempts with three sliding-window buckets.
// Allow is a single critical section covering garbage-collection,
// evaluation, and update (spec §4.4, §5).
type Limiter struct {
	mu sync.Mutex

	enabled bool

	perConnectionCap int
	perDeviceCap     int
	globalCap        int

	byConnection map[string][]time.Time
	byDevice     map[string][]time.Time
	global       []time.Time
}

// New builds a Limiter from config.
func New(cfg *config.Config) *Limiter {
	return &Limiter{
		enabled:          cfg.RateLimit.Enabled,
		perConnectionCap: cfg.RateLimit.PerConnection,
		perDeviceCap:     cfg.RateLimit.PerDevice,
		globalCap:        cfg.RateLimit.Global,
		byConnection:     make(map[string][]time.Time),
		byDevice:         make(map[string][]time.Time),
	}
}

// Allow evaluates an originate attempt for (connectionID, deviceID) and
// either records it (returning nil) or refuses it with a
// *meshtalkerr.RateLimitError naming the first failing bucket in
// evaluation order global -> device -> connection (spec §4.4).
func (l *Limiter) Allow(connectionID, deviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	now := time.Now()

	l.global = gc(l.global, now)
	if connectionID != "" {
		l.byConnection[connectionID] = gc(l.byConnection[connectionID], now)
	}
	if deviceID != "" {
		l.byDevice[deviceID] = gc(l.byDevice[deviceID], now)
	}

	if len(l.global) >= l.globalCap {
		return rateLimitErr(meshtalkerr.LimitGlobal, l.global, now)
	}
	if deviceID != "" && len(l.byDevice[deviceID]) >= l.perDeviceCap {
		return rateLimitErr(meshtalkerr.LimitDevice, l.byDevice[deviceID], now)
	}
	if connectionID != "" && len(l.byConnection[connectionID]) >= l.perConnectionCap {
		return rateLimitErr(meshtalkerr.LimitConnection, l.byConnection[connectionID], now)
	}

	l.global = append(l.global, now)
	if connectionID != "" {
		l.byConnection[connectionID] = append(l.byConnection[connectionID], now)
	}
	if deviceID != "" {
		l.byDevice[deviceID] = append(l.byDevice[deviceID], now)
	}

	return nil
}

// gc drops timestamps older than now-window. Entries are appended in
// increasing time order, so the oldest-first prefix can be trimmed.
func gc(bucket []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(bucket) && bucket[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return bucket
	}
	out := make([]time.Time, len(bucket)-i)
	copy(out, bucket[i:])
	return out
}

func rateLimitErr(limitType meshtalkerr.LimitType, bucket []time.Time, now time.Time) error {
	retryAfter := window.Seconds()
	if len(bucket) > 0 {
		retryAfter = bucket[0].Add(window).Sub(now).Seconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return &meshtalkerr.RateLimitError{LimitType: limitType, RetryAfter: retryAfter}
}
