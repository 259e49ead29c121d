package monitoring

import "sync"

// DefaultEscalateAfter is how many consecutive failures in one component
// are tolerated before the streak is reported on the ops stream.
const DefaultEscalateAfter = 3

// FailureStreak counts consecutive tick failures for a named component.
// Failures are always logged on the diag stream; once the streak reaches
// the escalation threshold each further failure is also logged on ops.
type FailureStreak struct {
	mu        sync.Mutex
	component string
	threshold int
	count     int
	total     int
}

// NewFailureStreak returns a streak counter for component. A threshold <= 0
// uses DefaultEscalateAfter.
func NewFailureStreak(component string, threshold int) *FailureStreak {
	if threshold <= 0 {
		threshold = DefaultEscalateAfter
	}
	return &FailureStreak{component: component, threshold: threshold}
}

// Fail records a failure and reports whether it escalated.
func (f *FailureStreak) Fail(err error) bool {
	f.mu.Lock()
	f.count++
	f.total++
	n := f.count
	f.mu.Unlock()

	Diagf("%s: tick failed (%d in a row): %v", f.component, n, err)
	if n >= f.threshold {
		Opsf("WARNING %s: %d consecutive tick failures, last: %v", f.component, n, err)
		return true
	}
	return false
}

// Succeed resets the streak.
func (f *FailureStreak) Succeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count >= f.threshold {
		Opsf("%s: recovered after %d consecutive failures", f.component, f.count)
	}
	f.count = 0
}

// Count returns the current streak length.
func (f *FailureStreak) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Total returns the number of failures recorded over the streak's lifetime.
func (f *FailureStreak) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
