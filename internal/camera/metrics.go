package camera

import (
	"sync/atomic"
	"time"
)

// StreamMetrics tracks health counters for one camera stream. All fields
// are atomics: written by the capture goroutine, read by the orchestrator's
// metrics report.
type StreamMetrics struct {
	framesDecoded atomic.Int64
	grabs         atomic.Int64
	openFailures  atomic.Int64
	readFailures  atomic.Int64
	connects      atomic.Int64
	lastFrameTime atomic.Int64
}

// FramesDecoded returns the number of fully decoded frames.
func (m *StreamMetrics) FramesDecoded() int64 { return m.framesDecoded.Load() }

// Grabs returns the number of decode-skipped position advances.
func (m *StreamMetrics) Grabs() int64 { return m.grabs.Load() }

// OpenFailures returns the number of failed connection attempts.
func (m *StreamMetrics) OpenFailures() int64 { return m.openFailures.Load() }

// ReadFailures returns the number of mid-stream decode failures.
func (m *StreamMetrics) ReadFailures() int64 { return m.readFailures.Load() }

// Connects returns the number of successful connections.
func (m *StreamMetrics) Connects() int64 { return m.connects.Load() }

// LastFrameAge returns how long ago the last frame was decoded, or zero if
// no frame has been decoded yet.
func (m *StreamMetrics) LastFrameAge() time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}
