// Package session turns a per-tick stream of detections into completed
// visit records: one bounded vehicle-presence episode per gate, with a
// deduplicated bag count and an optional video artifact.
package session

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Visit is the live aggregation state for one vehicle presence at a gate.
// At most one Visit is live per gate at any instant and it is mutated only
// by the single orchestrator goroutine, so it carries no locking.
type Visit struct {
	ID              uuid.UUID
	GateID          string
	StartedAt       time.Time
	LastVehicleSeen time.Time

	// uniqueBagIDs only grows while the visit is live.
	uniqueBagIDs map[int64]struct{}

	// ClusterHighWater is the maximum cluster-class count seen in any
	// single tick. Clusters are not individually trackable, so a running
	// sum would count the same physical pile once per tick; the high-water
	// mark does not.
	ClusterHighWater int

	PeakBagsInFrame int
	TotalTicks      int

	vehicleConfSum   float64
	vehicleConfTicks int
	bagConfSum       float64
	bagConfCount     int

	Ended bool

	recording *Recording
}

// NewVisit starts a visit at the given instant.
func NewVisit(gateID string, now time.Time) *Visit {
	return &Visit{
		ID:              uuid.New(),
		GateID:          gateID,
		StartedAt:       now,
		LastVehicleSeen: now,
		uniqueBagIDs:    make(map[int64]struct{}),
	}
}

// AddBagID records one tracked bag identity. Duplicates are free.
func (v *Visit) AddBagID(id int64) {
	v.uniqueBagIDs[id] = struct{}{}
}

// ObserveVehicle accumulates vehicle presence for the confidence average.
func (v *Visit) ObserveVehicle(confidence float64) {
	v.vehicleConfSum += confidence
	v.vehicleConfTicks++
}

// ObserveBagConfidence accumulates per-detection bag confidence.
func (v *Visit) ObserveBagConfidence(confidence float64) {
	v.bagConfSum += confidence
	v.bagConfCount++
}

// BagCount is the number of distinct tracked bag identities.
func (v *Visit) BagCount() int {
	return len(v.uniqueBagIDs)
}

// EstimatedTotal is individually tracked bags plus the cluster estimate.
func (v *Visit) EstimatedTotal() int {
	return v.BagCount() + v.ClusterHighWater
}

// AvgVehicleConfidence is the mean of the per-tick maximum vehicle
// confidence, zero when the vehicle was never observed.
func (v *Visit) AvgVehicleConfidence() float64 {
	if v.vehicleConfTicks == 0 {
		return 0
	}
	return v.vehicleConfSum / float64(v.vehicleConfTicks)
}

// AvgBagConfidence is the mean confidence across all bag detections.
func (v *Visit) AvgBagConfidence() float64 {
	if v.bagConfCount == 0 {
		return 0
	}
	return v.bagConfSum / float64(v.bagConfCount)
}

// Duration is the visit length: up to now while live, up to the last
// vehicle sighting once ended.
func (v *Visit) Duration(now time.Time) time.Duration {
	if v.Ended {
		return v.LastVehicleSeen.Sub(v.StartedAt)
	}
	return now.Sub(v.StartedAt)
}

// Record is the immutable completed-visit payload handed to the reporter.
// Field names follow the backend's detection-session API.
type Record struct {
	GateID            string    `json:"gate_id"`
	VisitID           string    `json:"visit_id"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationSeconds   float64   `json:"duration_seconds"`
	UniqueBagCount    int       `json:"unique_bag_count"`
	BagClusterCount   int       `json:"bag_cluster_count"`
	EstimatedTotal    int       `json:"estimated_total"`
	PeakBagsInFrame   int       `json:"peak_bags_in_frame"`
	TotalTicks        int       `json:"total_ticks"`
	VehicleConfidence float64   `json:"vehicle_confidence"`
	AvgBagConfidence  float64   `json:"avg_bag_confidence"`
	VideoPath         string    `json:"video_path,omitempty"`
	VideoSizeBytes    int64     `json:"video_size_bytes,omitempty"`
}

// buildRecord snapshots a finalized visit. Must be called after the
// recording has been finished so the video stats are final.
func (v *Visit) buildRecord(videoPath string, videoSize int64) *Record {
	return &Record{
		GateID:            v.GateID,
		VisitID:           v.ID.String(),
		StartedAt:         v.StartedAt,
		EndedAt:           v.LastVehicleSeen,
		DurationSeconds:   round1(v.LastVehicleSeen.Sub(v.StartedAt).Seconds()),
		UniqueBagCount:    v.BagCount(),
		BagClusterCount:   v.ClusterHighWater,
		EstimatedTotal:    v.EstimatedTotal(),
		PeakBagsInFrame:   v.PeakBagsInFrame,
		TotalTicks:        v.TotalTicks,
		VehicleConfidence: round3(v.AvgVehicleConfidence()),
		AvgBagConfidence:  round3(v.AvgBagConfidence()),
		VideoPath:         videoPath,
		VideoSizeBytes:    videoSize,
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
