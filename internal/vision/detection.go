// Package vision defines the detection data model and the Detector
// capability used by the processing pipeline. Detections are ephemeral:
// produced once per tick, consumed once, never retained.
package vision

import "math"

// Class IDs must match the training data.yaml of the deployed model.
const (
	ClassBag = iota
	ClassBagCluster
	ClassVehicle
)

// ClassNames maps class IDs to their human-readable labels.
var ClassNames = map[int]string{
	ClassBag:        "potato_bag",
	ClassBagCluster: "bag_cluster",
	ClassVehicle:    "vehicle",
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// NormBox is a bounding box in normalized YOLO format:
// center-x, center-y, width, height, all in [0,1].
type NormBox struct {
	CX, CY, W, H float64
}

// Detection is one detected object in a single frame.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	Box        BBox
	Norm       NormBox
}

// NewDetection builds a Detection from a pixel-space box inside a frame of
// the given dimensions, rounding values the way they are reported:
// confidence to 3 decimals, pixel coordinates to 1, normalized to 4.
func NewDetection(classID int, confidence, x1, y1, x2, y2 float64, frameW, frameH int) Detection {
	name, ok := ClassNames[classID]
	if !ok {
		name = "unknown"
	}
	w := float64(frameW)
	h := float64(frameH)
	return Detection{
		ClassID:    classID,
		ClassName:  name,
		Confidence: round(confidence, 3),
		Box: BBox{
			X1: round(x1, 1),
			Y1: round(y1, 1),
			X2: round(x2, 1),
			Y2: round(y2, 1),
		},
		Norm: NormBox{
			CX: round((x1+x2)/2/w, 4),
			CY: round((y1+y2)/2/h, 4),
			W:  round((x2-x1)/w, 4),
			H:  round((y2-y1)/h, 4),
		},
	}
}

// ByClass splits a tick's detections into bag, cluster and vehicle groups.
func ByClass(dets []Detection) (bags, clusters, vehicles []Detection) {
	for _, d := range dets {
		switch d.ClassID {
		case ClassBag:
			bags = append(bags, d)
		case ClassBagCluster:
			clusters = append(clusters, d)
		case ClassVehicle:
			vehicles = append(vehicles, d)
		}
	}
	return bags, clusters, vehicles
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
