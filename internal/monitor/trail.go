// Package monitor keeps a short history of control ticks and renders it for
// operators: PNG plots for offline runs and tsweb debug pages for a live
// turret.
package monitor

import (
	"sync"

	"github.com/banshee-data/turret/internal/control"
)

// DefaultTrailLength is one minute of ticks at the default control period.
const DefaultTrailLength = 600

// Trail is a fixed-size ring of recent control samples. It implements
// control.Recorder.
type Trail struct {
	mu    sync.Mutex
	buf   []control.Sample
	next  int
	full  bool
	total uint64
}

// NewTrail returns a trail holding the last n samples. n <= 0 uses
// DefaultTrailLength.
func NewTrail(n int) *Trail {
	if n <= 0 {
		n = DefaultTrailLength
	}
	return &Trail{buf: make([]control.Sample, n)}
}

// Record appends s, evicting the oldest sample when full.
func (t *Trail) Record(s control.Sample) {
	if s.Observed != nil {
		p := *s.Observed
		s.Observed = &p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = s
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
	t.total++
}

// Samples returns the retained samples, oldest first.
func (t *Trail) Samples() []control.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]control.Sample(nil), t.buf[:t.next]...)
	}
	out := make([]control.Sample, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// Len returns the number of retained samples.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.next
}

// Total returns how many samples were ever recorded.
func (t *Trail) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
