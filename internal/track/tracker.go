// Package track assigns persistent identities to per-frame bag detections.
// It wraps the mot-go ByteTrack implementation behind the small capability
// the session aggregator needs: feed one tick's detections, get back the
// identities visible this tick, reset when a visit ends.
package track

import (
	"fmt"

	mot "github.com/LdDl/mot-go/mot"
	"github.com/google/uuid"

	"github.com/coldstore/gate-vision/internal/vision"
)

// TrackedDetection is one tracked object present in the current tick. The
// box is the tracker's smoothed estimate, not the raw detection box.
type TrackedDetection struct {
	TrackID int64
	Box     vision.BBox
}

// Tracker is the multi-object tracking capability. Stateful per camera;
// identities are unique only within one tracker instance between resets.
type Tracker interface {
	// Update feeds one tick's detections of a single class and returns the
	// objects the tracker considers present this tick. Unconfirmed
	// low-confidence detections may be suppressed, so the result can be
	// shorter than the input.
	Update(dets []vision.Detection) ([]TrackedDetection, error)

	// Reset discards all track state. Called when a visit ends so no stale
	// identity leaks into the next visit.
	Reset()
}

// Config holds ByteTrack tuning parameters.
type Config struct {
	// LostTrackBuffer is how many ticks a track survives without a match.
	LostTrackBuffer int
	// MinIoU is the minimum overlap for a detection-to-track match.
	MinIoU float64
	// HighThresh and LowThresh split detections into the two ByteTrack
	// association stages. Detections below LowThresh are ignored.
	HighThresh float64
	LowThresh  float64
	// FrameInterval is the expected time between ticks in seconds, used by
	// the per-track motion model.
	FrameInterval float64
}

// DefaultConfig mirrors the tuning the service has always run with:
// a 60-tick lost-track buffer (~6s at 10 ticks/s) and a 0.3 activation
// threshold.
func DefaultConfig() Config {
	return Config{
		LostTrackBuffer: 60,
		MinIoU:          0.3,
		HighThresh:      0.5,
		LowThresh:       0.3,
		FrameInterval:   0.1,
	}
}

// ByteTracker adapts mot-go's ByteTrack to the Tracker capability. The
// library keys tracks by UUID; this wrapper maps each UUID to a small
// monotonically increasing integer identity, which is what the visit
// record stores and deduplicates on.
type ByteTracker struct {
	cfg     Config
	tracker *mot.ByteTracker[*mot.SimpleBlob]
	ids     map[uuid.UUID]int64
	nextID  int64
}

// NewByteTracker creates a tracker with the given tuning.
func NewByteTracker(cfg Config) *ByteTracker {
	return &ByteTracker{
		cfg:     cfg,
		tracker: newInner(cfg),
		ids:     make(map[uuid.UUID]int64),
		nextID:  1,
	}
}

func newInner(cfg Config) *mot.ByteTracker[*mot.SimpleBlob] {
	return mot.NewByteTracker[*mot.SimpleBlob](
		cfg.LostTrackBuffer, cfg.MinIoU, cfg.HighThresh, cfg.LowThresh,
		mot.MatchingAlgorithmHungarian)
}

// Update runs one ByteTrack association cycle. A track counts as present
// this tick when it either matched a detection (its no-match counter was
// just reset) or was newly registered from an unmatched high-confidence
// detection.
func (t *ByteTracker) Update(dets []vision.Detection) ([]TrackedDetection, error) {
	if len(dets) == 0 {
		return nil, nil
	}

	blobs := make([]*mot.SimpleBlob, len(dets))
	confidences := make([]float64, len(dets))
	for i, d := range dets {
		rect := mot.Rectangle{
			X:      d.Box.X1,
			Y:      d.Box.Y1,
			Width:  d.Box.X2 - d.Box.X1,
			Height: d.Box.Y2 - d.Box.Y1,
		}
		blobs[i] = mot.NewSimpleBlobWithTime(rect, t.cfg.FrameInterval)
		confidences[i] = d.Confidence
	}

	known := make(map[uuid.UUID]struct{}, len(t.tracker.Objects))
	for id := range t.tracker.Objects {
		known[id] = struct{}{}
	}

	if err := t.tracker.MatchObjects(blobs, confidences); err != nil {
		return nil, fmt.Errorf("bytetrack association failed: %w", err)
	}

	var present []TrackedDetection
	for id, obj := range t.tracker.Objects {
		_, existed := known[id]
		if existed && obj.GetNoMatchTimes() != 0 {
			continue
		}
		box := obj.GetBBox()
		present = append(present, TrackedDetection{
			TrackID: t.intID(id),
			Box: vision.BBox{
				X1: box.X,
				Y1: box.Y,
				X2: box.X + box.Width,
				Y2: box.Y + box.Height,
			},
		})
	}
	return present, nil
}

// Reset drops all tracks and their identity mappings. The integer counter
// keeps climbing so identities from different visits can never collide.
func (t *ByteTracker) Reset() {
	t.tracker = newInner(t.cfg)
	t.ids = make(map[uuid.UUID]int64)
}

func (t *ByteTracker) intID(id uuid.UUID) int64 {
	if n, ok := t.ids[id]; ok {
		return n
	}
	n := t.nextID
	t.nextID++
	t.ids[id] = n
	return n
}
