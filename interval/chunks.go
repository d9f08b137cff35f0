package interval

import (
	"v.io/x/lib/vlog"
)

// Chunks is a lazy sequence of half-open windows of width at most chunkSize
// covering [start, limit).  The windows are contiguous, non-overlapping, and
// produced in ascending order; only the final window may be narrower than
// chunkSize.  A Chunks value is restartable via Reset and is not safe for
// concurrent use.
type Chunks struct {
	start, limit, chunkSize int
	cur                     int
}

// NewChunks returns the window sequence for [start, limit) with the given
// width.  chunkSize must be positive and start must not exceed limit; both
// are programmer errors.
func NewChunks(start, limit, chunkSize int) *Chunks {
	if chunkSize <= 0 {
		vlog.Fatalf("interval.NewChunks: nonpositive chunkSize %d", chunkSize)
	}
	if start > limit {
		vlog.Fatalf("interval.NewChunks: start %d > limit %d", start, limit)
	}
	return &Chunks{start: start, limit: limit, chunkSize: chunkSize, cur: start}
}

// Next returns the next window.  ok is false once the sequence is exhausted.
func (c *Chunks) Next() (start, end int, ok bool) {
	if c.cur >= c.limit {
		return 0, 0, false
	}
	start = c.cur
	end = start + c.chunkSize
	if end > c.limit {
		end = c.limit
	}
	c.cur = end
	return start, end, true
}

// Reset restarts the sequence from the beginning.
func (c *Chunks) Reset() {
	c.cur = c.start
}

// Len returns the total number of windows, ceil((limit-start)/chunkSize).
func (c *Chunks) Len() int {
	span := c.limit - c.start
	return (span + c.chunkSize - 1) / c.chunkSize
}
