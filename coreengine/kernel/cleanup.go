package kernel

import (
	"time"
)

// DefaultCleanupInterval is how often in-memory state is swept when no interval is set.
const DefaultCleanupInterval = 5 * time.Minute

// CleanupTask is one sweep performed on every cycle. Run returns the number of items removed.
type CleanupTask struct {
	Name string
	Run  func() int
}

// StartCleanupLoop runs every task on each tick until the returned stop function is
// called. A panic outside the tasks ends the loop without taking the process down.
func StartCleanupLoop(interval time.Duration, logger Logger, tasks ...CleanupTask) func() {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	SafeGo(logger, "cleanup_loop", func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				RunCleanupCycle(logger, tasks...)
			case <-done:
				return
			}
		}
	}, nil)

	return func() { close(done) }
}

// RunCleanupCycle performs one sweep. A panicking task is logged and skipped.
func RunCleanupCycle(logger Logger, tasks ...CleanupTask) map[string]int {
	removed := make(map[string]int, len(tasks))
	for _, task := range tasks {
		n, err := SafeExecuteWithResult(logger, "cleanup_"+task.Name, func() (int, error) {
			return task.Run(), nil
		})
		if err != nil {
			continue
		}
		removed[task.Name] = n
	}
	if logger != nil {
		logger.Debug("cleanup_cycle_completed", "removed", removed)
	}
	return removed
}
