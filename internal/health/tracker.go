package health

import "sync"

// Tracker turns a stream of check results into a status with a threshold of
// consecutive failures, so transient misses do not flip a service.
type Tracker struct {
	mu               sync.Mutex
	threshold        int
	status           Status
	consecutiveFails int
	last             Result
}

// NewTracker creates a tracker starting in the given status. A threshold
// below 1 is treated as 3.
func NewTracker(threshold int, initial Status) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Tracker{threshold: threshold, status: initial}
}

// Observe records a result and returns the status before and after it.
func (t *Tracker) Observe(r Result) (prev, next Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev = t.status
	t.last = r
	if r.Healthy() {
		t.consecutiveFails = 0
		t.status = StatusHealthy
	} else {
		t.consecutiveFails++
		if t.consecutiveFails >= t.threshold {
			t.status = StatusUnhealthy
		}
	}
	return prev, t.status
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ConsecutiveFails returns the current run of failed checks.
func (t *Tracker) ConsecutiveFails() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFails
}

// Last returns the most recent result.
func (t *Tracker) Last() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
