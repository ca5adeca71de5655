// Package camera provides the per-gate frame source: a background reader
// that keeps exactly one frame — the most recently decoded one — available
// to the processing loop. Old frames are discarded, never queued, so the
// pipeline always works on the freshest image regardless of how far behind
// it is.
package camera

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// videoSource is the slice of gocv.VideoCapture the read loop needs.
// Injecting it keeps the reconnect and throttle logic testable without a
// live network stream.
type videoSource interface {
	IsOpened() bool
	Grab(skip int)
	Read(m *gocv.Mat) bool
	Close() error
}

// OpenFunc opens a video source by URL.
type OpenFunc func(url string) (videoSource, error)

func openCapture(url string) (videoSource, error) {
	cap, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("capture not opened: %s", url)
	}
	return cap, nil
}

// Config tunes one stream. Zero-value fields fall back to defaults.
type Config struct {
	GateID    string
	URL       string
	TargetFPS int

	// Reconnect backoff. Delay for the k-th consecutive open failure is
	// min(BaseDelay×k, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Stream reads one network video source in a background goroutine and
// exposes the latest decoded frame. Start once, Stop once.
type Stream struct {
	cfg    Config
	logger *slog.Logger
	open   OpenFunc
	now    func() time.Time

	mu       sync.Mutex
	frame    gocv.Mat
	hasFrame bool

	stopCh chan struct{}
	done   chan struct{}

	metrics StreamMetrics
}

// NewStream creates a stream for one gate. It does not connect until Start.
func NewStream(cfg Config, logger *slog.Logger) *Stream {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	return &Stream{
		cfg:    cfg,
		logger: logger,
		open:   openCapture,
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the background read loop. Call exactly once.
func (s *Stream) Start() {
	go s.readLoop()
	s.logger.Info("Camera stream started", "gate_id", s.cfg.GateID, "url", s.cfg.URL)
}

// Stop signals the read loop to exit and waits for it, bounded to five
// seconds. The stored frame is released once the loop has finished.
func (s *Stream) Stop() {
	close(s.stopCh)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Camera stream did not stop in time", "gate_id", s.cfg.GateID)
		return
	}
	s.mu.Lock()
	if s.hasFrame {
		s.frame.Close()
		s.hasFrame = false
	}
	s.mu.Unlock()
	s.logger.Info("Camera stream stopped", "gate_id", s.cfg.GateID)
}

// Latest returns a copy of the most recent decoded frame, or false if no
// frame has been captured yet. Never blocks on the capture loop; the lock
// is held only for the duration of the clone. The caller owns the returned
// Mat and must close it.
func (s *Stream) Latest() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFrame {
		return gocv.Mat{}, false
	}
	return s.frame.Clone(), true
}

// Metrics returns the stream's counters for periodic reporting.
func (s *Stream) Metrics() *StreamMetrics {
	return &s.metrics
}

// GateID returns the gate this stream belongs to.
func (s *Stream) GateID() string {
	return s.cfg.GateID
}

// reconnectDelay computes the backoff before the k-th consecutive failed
// open: min(base×k, max).
func reconnectDelay(base, max time.Duration, failures int) time.Duration {
	d := base * time.Duration(failures)
	if d > max {
		d = max
	}
	return d
}

// wait sleeps for d but returns early (false) when the stream is stopping.
func (s *Stream) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Stream) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// readLoop connects to the source and reads frames until Stop. Failures
// never terminate the loop: a failed open backs off and retries, a failed
// decode forces a reconnect.
func (s *Stream) readLoop() {
	defer close(s.done)

	consecutiveFailures := 0
	for !s.stopping() {
		src, err := s.open(s.cfg.URL)
		if err != nil {
			s.metrics.openFailures.Add(1)
			consecutiveFailures++
			delay := reconnectDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, consecutiveFailures)
			s.logger.Warn("Failed to open stream",
				"gate_id", s.cfg.GateID,
				"url", s.cfg.URL,
				"attempt", consecutiveFailures,
				"retry_in", delay,
				"error", err)
			if !s.wait(delay) {
				return
			}
			continue
		}

		consecutiveFailures = 0
		s.metrics.connects.Add(1)
		s.logger.Info("Connected to camera stream", "gate_id", s.cfg.GateID)

		s.readFrames(src)
		src.Close()

		// Mid-stream drop: pause briefly before reconnecting.
		if !s.stopping() {
			if !s.wait(s.cfg.BaseDelay) {
				return
			}
		}
	}
}

// readFrames runs the throttled read cycle on one open source. Returns when
// the stream drops or the stream is stopping.
func (s *Stream) readFrames(src videoSource) {
	interval := time.Second / time.Duration(s.cfg.TargetFPS)
	var lastRead time.Time

	img := gocv.NewMat()
	defer img.Close()

	for !s.stopping() {
		now := s.now()
		if now.Sub(lastRead) < interval {
			// Advance the source position without the decode cost so its
			// internal buffer stays current.
			src.Grab(1)
			s.metrics.grabs.Add(1)
			if !s.wait(time.Millisecond) {
				return
			}
			continue
		}

		if !src.Read(&img) || img.Empty() {
			s.metrics.readFailures.Add(1)
			s.logger.Warn("Lost camera stream, reconnecting", "gate_id", s.cfg.GateID)
			return
		}

		s.storeFrame(img)
		lastRead = now
	}
}

// storeFrame swaps the latest frame under the lock. The previous frame is
// closed outside the critical section.
func (s *Stream) storeFrame(img gocv.Mat) {
	clone := img.Clone()

	s.mu.Lock()
	old := s.frame
	hadFrame := s.hasFrame
	s.frame = clone
	s.hasFrame = true
	s.mu.Unlock()

	if hadFrame {
		old.Close()
	}

	s.metrics.framesDecoded.Add(1)
	s.metrics.lastFrameTime.Store(s.now().UnixNano())
}
