package session

import (
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/coldstore/gate-vision/internal/track"
	"github.com/coldstore/gate-vision/internal/vision"
)

// Aggregator reduces one gate's per-tick detection lists into completed
// visit records. It holds at most one live visit; a visit starts the tick
// a vehicle first appears and ends the first tick the vehicle has been
// absent longer than the absence timeout. Called from a single goroutine.
type Aggregator struct {
	gateID         string
	absenceTimeout time.Duration
	tracker        track.Tracker
	recorder       *Recorder
	logger         *slog.Logger
	now            func() time.Time

	visit *Visit
}

// NewAggregator creates a per-gate aggregator. recorder may be nil to
// disable video recording entirely.
func NewAggregator(gateID string, absenceTimeout time.Duration, tracker track.Tracker, recorder *Recorder, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		gateID:         gateID,
		absenceTimeout: absenceTimeout,
		tracker:        tracker,
		recorder:       recorder,
		logger:         logger,
		now:            time.Now,
	}
}

// Live reports whether a visit is currently in progress.
func (a *Aggregator) Live() bool {
	return a.visit != nil
}

// Process consumes one tick's detections and optionally the raw frame for
// recording. It returns a completed record exactly once per visit, on the
// tick the vehicle's absence first exceeds the timeout; otherwise nil.
func (a *Aggregator) Process(dets []vision.Detection, frame *gocv.Mat) *Record {
	bags, clusters, vehicles := vision.ByClass(dets)
	now := a.now()

	if len(vehicles) > 0 {
		if a.visit == nil {
			a.startVisit(now, frame)
		}
		a.visit.LastVehicleSeen = now
		a.visit.ObserveVehicle(maxConfidence(vehicles))
	} else if a.visit != nil {
		elapsed := now.Sub(a.visit.LastVehicleSeen)
		if elapsed > a.absenceTimeout {
			return a.finalize()
		}
	}

	if a.visit == nil {
		return nil
	}

	if frame != nil {
		a.visit.recording.Append(*frame)
	}

	a.visit.TotalTicks++

	if len(bags) > 0 {
		tracked, err := a.tracker.Update(bags)
		if err != nil {
			a.logger.Warn("Bag tracking failed for tick",
				"gate_id", a.gateID,
				"bags", len(bags),
				"error", err)
		}
		for _, t := range tracked {
			a.visit.AddBagID(t.TrackID)
		}
		for _, b := range bags {
			a.visit.ObserveBagConfidence(b.Confidence)
		}
		if len(bags) > a.visit.PeakBagsInFrame {
			a.visit.PeakBagsInFrame = len(bags)
		}
	}

	if len(clusters) > a.visit.ClusterHighWater {
		a.visit.ClusterHighWater = len(clusters)
	}

	return nil
}

func (a *Aggregator) startVisit(now time.Time, frame *gocv.Mat) {
	a.visit = NewVisit(a.gateID, now)
	a.logger.Info("Vehicle detected, starting visit",
		"gate_id", a.gateID,
		"visit_id", a.visit.ID)
	if frame != nil && a.recorder != nil {
		a.visit.recording = a.recorder.Begin(a.gateID, now, frame.Cols(), frame.Rows())
	}
}

// finalize ends the live visit: close the video artifact, build the
// record, reset the tracker so no identity leaks into the next visit, and
// detach. The visit is never touched again after this returns.
func (a *Aggregator) finalize() *Record {
	v := a.visit
	v.Ended = true

	videoPath, videoSize := v.recording.Finish()
	rec := v.buildRecord(videoPath, videoSize)

	a.logger.Info("Visit ended",
		"gate_id", a.gateID,
		"visit_id", v.ID,
		"estimated_total", rec.EstimatedTotal,
		"unique_bags", rec.UniqueBagCount,
		"clusters", rec.BagClusterCount,
		"duration_s", rec.DurationSeconds)

	a.visit = nil
	a.tracker.Reset()
	return rec
}

func maxConfidence(dets []vision.Detection) float64 {
	best := 0.0
	for _, d := range dets {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}
