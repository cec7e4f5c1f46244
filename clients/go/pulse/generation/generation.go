// Package generation provides a monotonically increasing generation counter
// for detecting and discarding responses to superseded async operations.
//
// Usage pattern: tag every operation with the generation active at issue time
// (Next or Current), then compare with IsCurrent at completion time. A bump
// in between means the operation was superseded and its result must be
// discarded without mutating state.
package generation

import "sync/atomic"

// Counter is a monotonically increasing generation counter.
// The zero value is ready to use.
type Counter struct {
	n atomic.Uint64
}

// Next advances the counter and returns the new generation.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Current returns the current generation without advancing it.
func (c *Counter) Current() uint64 {
	return c.n.Load()
}

// IsCurrent reports whether gen is still the active generation.
func (c *Counter) IsCurrent(gen uint64) bool {
	return c.n.Load() == gen
}
