package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCleanupLoop(t *testing.T) {
	logger := &testLogger{}
	var runs atomic.Int32

	stop := StartCleanupLoop(10*time.Millisecond, logger, CleanupTask{
		Name: "counter",
		Run: func() int {
			runs.Add(1)
			return 0
		},
	})
	require.NotNil(t, stop)

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return logger.has("cleanup_cycle_completed") }, time.Second, 5*time.Millisecond)
	stop()
}

// brokenDebugLogger panics when the cycle summary is logged.
type brokenDebugLogger struct{ testLogger }

func (l *brokenDebugLogger) Debug(string, ...any) { panic("log sink closed") }

func TestStartCleanupLoop_PanicIsRecovered(t *testing.T) {
	logger := &brokenDebugLogger{}
	var runs atomic.Int32

	stop := StartCleanupLoop(5*time.Millisecond, logger, CleanupTask{
		Name: "counter",
		Run: func() int {
			runs.Add(1)
			return 0
		},
	})

	assert.Eventually(t, func() bool { return logger.has("goroutine_panic_recovered") }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "the loop ends after the panic")
	stop()
}

func TestStartCleanupLoop_DefaultInterval(t *testing.T) {
	stop := StartCleanupLoop(0, nil)
	require.NotNil(t, stop)
	stop()
}

func TestRunCleanupCycle_PanickingTaskSkipped(t *testing.T) {
	logger := &testLogger{}

	removed := RunCleanupCycle(logger,
		CleanupTask{Name: "broken", Run: func() int { panic("sweep failed") }},
		CleanupTask{Name: "dedupe", Run: func() int { return 3 }},
	)

	assert.Equal(t, map[string]int{"dedupe": 3}, removed)
	assert.True(t, logger.has("panic_recovered"))
}

func TestRunCleanupCycle_RateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 5}).WithClock(func() time.Time { return now })
	limiter.Check("chat-1", true)
	require.Equal(t, 1, limiter.Tracked())

	now = now.Add(2 * time.Minute)
	removed := RunCleanupCycle(nil, CleanupTask{Name: "rate_limiter", Run: limiter.CleanupExpired})

	assert.Equal(t, 1, removed["rate_limiter"])
	assert.Equal(t, 0, limiter.Tracked())
}
