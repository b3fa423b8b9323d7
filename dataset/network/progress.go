package network

import (
	"sync"
)

// ProgressFunc receives byte-level progress of a transfer. total is 0 when the size is
// not known, callers must not derive a completion percentage from it in that case.
type ProgressFunc func(soFar, total int64, hint string)

// Progress sums the bytes moved by many concurrent transfers. Updates and callback
// invocations are serialised, so the callback never sees the total going backwards.
type Progress struct {
	mu       sync.Mutex
	done     int64
	total    int64
	callback ProgressFunc
}

// NewProgress creates a Progress for a batch of total bytes. callback may be nil.
func NewProgress(total int64, callback ProgressFunc) *Progress {
	return &Progress{total: total, callback: callback}
}

// Add records delta more bytes for the transfer described by hint.
func (p *Progress) Add(delta int64, hint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += delta
	if p.callback != nil {
		p.callback(p.done, p.total, hint)
	}
}

// Done returns the bytes recorded so far.
func (p *Progress) Done() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Tracker returns a ProgressFunc for a single item that feeds its cumulative counts
// into p as deltas. A restarted attempt only counts bytes beyond the furthest point
// already reported for that item.
func (p *Progress) Tracker() ProgressFunc {
	var mu sync.Mutex
	var last int64
	return func(soFar, _ int64, hint string) {
		mu.Lock()
		defer mu.Unlock()
		if soFar <= last {
			return
		}
		delta := soFar - last
		last = soFar
		p.Add(delta, hint)
	}
}
