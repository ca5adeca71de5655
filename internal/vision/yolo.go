package vision

import (
	"fmt"
	"image"
	"log/slog"

	"gocv.io/x/gocv"
)

// Detector runs object detection on a single decoded frame. Implementations
// keep no per-call state: the same instance is reused for every camera, but
// only ever from one goroutine at a time.
type Detector interface {
	Detect(frame gocv.Mat) ([]Detection, error)
	Close() error
}

// YOLOConfig holds model loading and inference parameters.
type YOLOConfig struct {
	ModelPath    string
	Confidence   float64
	IoUThreshold float64
	InputSize    int
}

// YOLODetector wraps an ONNX-exported YOLO model loaded through the OpenCV
// DNN module. The network is loaded once at startup and reused for every
// inference call. Not safe for concurrent use.
type YOLODetector struct {
	net    gocv.Net
	cfg    YOLOConfig
	logger *slog.Logger
}

// NewYOLODetector loads the model from cfg.ModelPath. A missing or broken
// model file is a startup failure, not something to retry.
func NewYOLODetector(cfg YOLOConfig, logger *slog.Logger) (*YOLODetector, error) {
	logger.Info("Loading detection model", "model_path", cfg.ModelPath)

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("Detection model loaded",
		"model_path", cfg.ModelPath,
		"input_size", cfg.InputSize,
		"confidence", cfg.Confidence,
		"iou_threshold", cfg.IoUThreshold)

	return &YOLODetector{net: net, cfg: cfg, logger: logger}, nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	return d.net.Close()
}

// Detect runs one forward pass and decodes the output into detections with
// pixel and normalized boxes relative to the original frame dimensions.
func (d *YOLODetector) Detect(frame gocv.Mat) ([]Detection, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	frameW := frame.Cols()
	frameH := frame.Rows()

	blob := gocv.BlobFromImage(frame, 1.0/255.0,
		image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.decode(output, frameW, frameH)
}

// decode parses a YOLOv8-style output tensor of shape [1, 4+numClasses, N]:
// rows 0-3 are cx, cy, w, h in input-image coordinates, the remaining rows
// are per-class scores. Class-wise NMS collapses overlapping boxes.
func (d *YOLODetector) decode(output gocv.Mat, frameW, frameH int) ([]Detection, error) {
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected model output rank %d", len(dims))
	}
	channels := dims[1]
	anchors := dims[2]
	numClasses := channels - 4
	if numClasses < 1 {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}

	scaleX := float64(frameW) / float64(d.cfg.InputSize)
	scaleY := float64(frameH) / float64(d.cfg.InputSize)

	// Candidates per class, NMS applied per class below.
	type candidate struct {
		rect  image.Rectangle
		score float32
		box   [4]float64 // x1, y1, x2, y2 in frame pixels
	}
	perClass := make(map[int][]candidate)

	for i := 0; i < anchors; i++ {
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			score := output.GetFloatAt3(0, 4+c, i)
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || float64(bestScore) < d.cfg.Confidence {
			continue
		}

		cx := float64(output.GetFloatAt3(0, 0, i))
		cy := float64(output.GetFloatAt3(0, 1, i))
		w := float64(output.GetFloatAt3(0, 2, i))
		h := float64(output.GetFloatAt3(0, 3, i))

		x1 := clamp((cx-w/2)*scaleX, 0, float64(frameW))
		y1 := clamp((cy-h/2)*scaleY, 0, float64(frameH))
		x2 := clamp((cx+w/2)*scaleX, 0, float64(frameW))
		y2 := clamp((cy+h/2)*scaleY, 0, float64(frameH))

		perClass[bestClass] = append(perClass[bestClass], candidate{
			rect:  image.Rect(int(x1), int(y1), int(x2), int(y2)),
			score: bestScore,
			box:   [4]float64{x1, y1, x2, y2},
		})
	}

	var detections []Detection
	for classID, cands := range perClass {
		rects := make([]image.Rectangle, len(cands))
		scores := make([]float32, len(cands))
		for i, c := range cands {
			rects[i] = c.rect
			scores[i] = c.score
		}
		keep := gocv.NMSBoxes(rects, scores, float32(d.cfg.Confidence), float32(d.cfg.IoUThreshold))
		for _, idx := range keep {
			c := cands[idx]
			detections = append(detections, NewDetection(classID, float64(c.score),
				c.box[0], c.box[1], c.box[2], c.box[3], frameW, frameH))
		}
	}

	return detections, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
