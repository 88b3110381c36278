package video

import (
	"time"
)

// DefaultMinFrameInterval caps analysis to 10 frames per second.
const DefaultMinFrameInterval = 100 * time.Millisecond

// Admit reports whether a frame arriving at now may be processed when the
// previous admitted frame arrived at lastAcceptedAt. All values are monotonic
// milliseconds.
func Admit(now, lastAcceptedAt, minInterval int64) bool {
	return now-lastAcceptedAt >= minInterval
}

// Clock returns a monotonic offset.
type Clock func() time.Duration

// MonotonicClock returns a Clock counting from its creation.
func MonotonicClock() Clock {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Gate drops frames to achieve given minimum interval between admitted frames.
// Rejected frames are discarded, never queued. The first frame is always
// admitted. Gate is not safe for concurrent use.
type Gate struct {
	minInterval time.Duration
	clock       Clock
	last        time.Duration
	admitted    bool
}

// NewGate creates a Gate. A nil clock means MonotonicClock.
func NewGate(minInterval time.Duration, clock Clock) *Gate {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &Gate{
		minInterval: minInterval,
		clock:       clock,
	}
}

// Allow admits the current frame and records its arrival time, or rejects it
// leaving the gate untouched.
func (g *Gate) Allow() bool {
	now := g.clock()
	if g.admitted && !Admit(now.Milliseconds(), g.last.Milliseconds(), g.minInterval.Milliseconds()) {
		return false
	}

	g.last = now
	g.admitted = true
	return true
}

// Reset forgets the last admitted frame.
func (g *Gate) Reset() {
	g.admitted = false
	g.last = 0
}

// MinInterval returns the configured minimum interval.
func (g *Gate) MinInterval() time.Duration {
	return g.minInterval
}
