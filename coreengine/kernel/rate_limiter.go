package kernel

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig bounds how many requests one chat may submit.
// A zero limit disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `mapstructure:"requests_per_hour" json:"requests_per_hour"`
}

// DefaultRateLimitConfig returns limits suited to a classroom chat: a few requests a
// minute, generation being slow and billed per call.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 6,
		RequestsPerHour:   60,
	}
}

// RateLimitResult is the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Window     string        `json:"window,omitempty"` // "minute" or "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// Sliding Window
// =============================================================================

const bucketsPerWindow = 10

// SlidingWindow counts events over a trailing window using sub-buckets.
type SlidingWindow struct {
	window  time.Duration
	buckets map[int64]int
}

// NewSlidingWindow creates a window of the given length.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:  window,
		buckets: make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketSize() time.Duration {
	return w.window / bucketsPerWindow
}

func (w *SlidingWindow) bucketOf(at time.Time) int64 {
	return at.UnixNano() / int64(w.bucketSize())
}

// Record counts one event at the given time and returns the windowed count.
func (w *SlidingWindow) Record(at time.Time) int {
	w.prune(at)
	w.buckets[w.bucketOf(at)]++
	return w.Count(at)
}

// Count returns the number of events inside the window ending at the given time.
func (w *SlidingWindow) Count(at time.Time) int {
	minBucket := w.bucketOf(at) - bucketsPerWindow
	count := 0
	for b, c := range w.buckets {
		if b >= minBucket {
			count += c
		}
	}
	return count
}

// RetryAfter returns how long until the count drops below limit.
func (w *SlidingWindow) RetryAfter(at time.Time, limit int) time.Duration {
	current := w.Count(at)
	if current < limit {
		return 0
	}

	minBucket := w.bucketOf(at) - bucketsPerWindow
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= minBucket {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b leaves the window once the current bucket passes b+bucketsPerWindow.
			leaves := time.Unix(0, (b+bucketsPerWindow+1)*int64(w.bucketSize()))
			if d := leaves.Sub(at); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.window
}

// IsEmpty reports whether the window holds no events at the given time.
func (w *SlidingWindow) IsEmpty(at time.Time) bool {
	w.prune(at)
	return len(w.buckets) == 0
}

func (w *SlidingWindow) prune(at time.Time) {
	minBucket := w.bucketOf(at) - bucketsPerWindow
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

type windowKey struct {
	chatID string
	window string
}

// RateLimiter applies per-chat sliding window limits. Safe for concurrent use.
type RateLimiter struct {
	config    RateLimitConfig
	overrides map[string]RateLimitConfig
	windows   map[windowKey]*SlidingWindow
	now       func() time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a limiter with the given default limits.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:    config,
		overrides: make(map[string]RateLimitConfig),
		windows:   make(map[windowKey]*SlidingWindow),
		now:       time.Now,
	}
}

// WithClock replaces the limiter's time source.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// SetChatLimits overrides the limits for one chat.
func (r *RateLimiter) SetChatLimits(chatID string, config RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[chatID] = config
}

func (r *RateLimiter) configFor(chatID string) RateLimitConfig {
	if cfg, ok := r.overrides[chatID]; ok {
		return cfg
	}
	return r.config
}

// Check tests the chat against every window and, when allowed and record is set,
// counts the request.
func (r *RateLimiter) Check(chatID string, record bool) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cfg := r.configFor(chatID)
	checks := []struct {
		name   string
		length time.Duration
		limit  int
	}{
		{"minute", time.Minute, cfg.RequestsPerMinute},
		{"hour", time.Hour, cfg.RequestsPerHour},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := r.window(chatID, c.name, c.length)
		if current := w.Count(now); current >= c.limit {
			return RateLimitResult{
				Window:     c.name,
				Current:    current,
				Limit:      c.limit,
				RetryAfter: w.RetryAfter(now, c.limit),
			}
		}
	}

	if record {
		for _, c := range checks {
			if c.limit > 0 {
				r.window(chatID, c.name, c.length).Record(now)
			}
		}
	}

	remaining := -1
	if cfg.RequestsPerMinute > 0 {
		remaining = cfg.RequestsPerMinute - r.window(chatID, "minute", time.Minute).Count(now)
		if remaining < 0 {
			remaining = 0
		}
	}
	return RateLimitResult{Allowed: true, Remaining: remaining}
}

func (r *RateLimiter) window(chatID, name string, length time.Duration) *SlidingWindow {
	key := windowKey{chatID, name}
	w, ok := r.windows[key]
	if !ok {
		w = NewSlidingWindow(length)
		r.windows[key] = w
	}
	return w
}

// Reset drops every window of a chat and returns how many were removed.
func (r *RateLimiter) Reset(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key := range r.windows {
		if key.chatID == chatID {
			delete(r.windows, key)
			count++
		}
	}
	return count
}

// CleanupExpired drops windows with no events left. Called from the cleanup loop.
func (r *RateLimiter) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cleaned := 0
	for key, w := range r.windows {
		if w.IsEmpty(now) {
			delete(r.windows, key)
			cleaned++
		}
	}
	return cleaned
}

// Tracked returns the number of live windows.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
