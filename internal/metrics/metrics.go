package metrics

import (
	"sync"
	"sync/atomic"
)

// Engine counters. Kept simple/thread-safe for use from services and the
// /metrics endpoint.
var (
	tasksCreated         uint64
	duplicatesSuppressed uint64
	degradedResolutions  uint64
	tasksOverdue         uint64
)

// IncTaskCreated counts a task accepted by the queue.
func IncTaskCreated() { atomic.AddUint64(&tasksCreated, 1) }

// IncDuplicateSuppressed counts an enqueue suppressed by the
// (rule, entity) de-duplication check.
func IncDuplicateSuppressed() { atomic.AddUint64(&duplicatesSuppressed, 1) }

// IncDegradedResolution counts an identity resolution that fell back to the
// raw external id.
func IncDegradedResolution() { atomic.AddUint64(&degradedResolutions, 1) }

// IncTaskOverdue counts an escalation-scan hit on an open task past due.
func IncTaskOverdue() { atomic.AddUint64(&tasksOverdue, 1) }

// EngineSnapshot returns a copy of the engine counters.
func EngineSnapshot() map[string]uint64 {
	return map[string]uint64{
		"tasks_created":         atomic.LoadUint64(&tasksCreated),
		"duplicates_suppressed": atomic.LoadUint64(&duplicatesSuppressed),
		"degraded_resolutions":  atomic.LoadUint64(&degradedResolutions),
		"tasks_overdue":         atomic.LoadUint64(&tasksOverdue),
	}
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
