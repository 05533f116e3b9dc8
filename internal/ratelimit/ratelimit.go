// ratelimit.go — Per-client/per-operation dual sliding-window rate
// limiter. The windows are the source of truth: the count in a window
// equals the number of allowed requests whose timestamps lie in it. A
// golang.org/x/time/rate.Limiter additionally smooths bursts within a
// window so a client cannot spend its whole per-minute budget in a
// single instant.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Key identifies one bucket: a client and the operation class it called.
type Key struct {
	ClientID  string
	Operation string
}

// Config holds the dual-window thresholds plus the burst shaper's rate.
type Config struct {
	PerMinute   int
	PerHour     int
	BurstPerSec float64
	Burst       int
}

// DefaultConfig is deliberately permissive; production deployments set
// tighter caps in config.
func DefaultConfig() Config {
	return Config{PerMinute: 30, PerHour: 600, BurstPerSec: 5, Burst: 5}
}

type bucket struct {
	mu           sync.Mutex
	minuteStamps []time.Time
	hourStamps   []time.Time
	burst        *rate.Limiter
}

func newBucket(cfg Config) *bucket {
	return &bucket{burst: rate.NewLimiter(rate.Limit(cfg.BurstPerSec), cfg.Burst)}
}

// Limiter owns one bucket per Key, created lazily and never removed
// (keys are bounded by the number of distinct clients × operation
// classes, which is small relative to request volume).
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[Key]*bucket
}

// New constructs a process-wide rate limiter singleton.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[Key]*bucket)}
}

// Allow reports whether a request for key should proceed, and if so
// records its timestamp in both windows.
func (l *Limiter) Allow(key Key) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow with an injectable clock, for deterministic tests.
func (l *Limiter) AllowAt(key Key, now time.Time) bool {
	b := l.bucketFor(key)
	cfg := l.config()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.minuteStamps = pruneBefore(b.minuteStamps, now.Add(-time.Minute))
	b.hourStamps = pruneBefore(b.hourStamps, now.Add(-time.Hour))

	if len(b.minuteStamps) >= cfg.PerMinute || len(b.hourStamps) >= cfg.PerHour {
		return false
	}
	if !b.burst.AllowN(now, 1) {
		return false
	}

	b.minuteStamps = append(b.minuteStamps, now)
	b.hourStamps = append(b.hourStamps, now)
	return true
}

// CountInWindow returns the number of allowed requests currently recorded
// within the last `window` duration for key — used by tests to verify the
// window bookkeeping.
func (l *Limiter) CountInWindow(key Key, window time.Duration) int {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-window)
	n := 0
	stamps := b.hourStamps
	if window <= time.Minute {
		stamps = b.minuteStamps
	}
	for _, s := range stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

// UpdateConfig swaps the active thresholds for the config hot-reload
// path. Per-minute/per-hour caps apply to every bucket immediately since
// AllowAt reads l.cfg live; the burst shaper's rate is fixed per bucket at
// creation, so it only takes effect for buckets created after the update.
func (l *Limiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// config snapshots the active thresholds under the limiter lock, so a
// concurrent UpdateConfig never races an admission check.
func (l *Limiter) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Limiter) bucketFor(key Key) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.cfg)
		l.buckets[key] = b
	}
	return b
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time{}, stamps[i:]...)
}
