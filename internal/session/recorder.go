package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"
)

// frameSink is the slice of gocv.VideoWriter the recorder needs. Injected
// so aggregator tests can run without a codec backend.
type frameSink interface {
	Write(img gocv.Mat) error
	Close() error
}

// SinkFactory opens a video sink at path with the given rate and frame
// dimensions.
type SinkFactory func(path string, fps float64, width, height int) (frameSink, error)

func openVideoWriter(path string, fps float64, width, height int) (frameSink, error) {
	w, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("video writer not opened: %s", path)
	}
	return w, nil
}

// Recorder creates per-visit video recordings under a common directory.
// Recording is best-effort: a sink that cannot be opened degrades the
// visit to no-video instead of failing it.
type Recorder struct {
	dir    string
	fps    float64
	open   SinkFactory
	logger *slog.Logger
}

// NewRecorder creates a recorder writing MP4 files into dir at the given
// recording rate. The directory is created if missing.
func NewRecorder(dir string, fps float64, logger *slog.Logger) *Recorder {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("Could not create video directory", "dir", dir, "error", err)
	}
	return &Recorder{dir: dir, fps: fps, open: openVideoWriter, logger: logger}
}

// Begin opens the video artifact for a new visit. Returns nil when the
// sink cannot be opened; all Recording methods tolerate a nil receiver so
// the caller does not branch on the soft-failure path.
func (r *Recorder) Begin(gateID string, start time.Time, width, height int) *Recording {
	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s.mp4", gateID, start.Format("20060102_150405")))
	sink, err := r.open(path, r.fps, width, height)
	if err != nil {
		r.logger.Warn("Could not open video sink, recording disabled for this visit",
			"gate_id", gateID,
			"path", path,
			"error", err)
		return nil
	}
	r.logger.Info("Recording visit video",
		"gate_id", gateID,
		"path", path,
		"width", width,
		"height", height,
		"fps", r.fps)
	return &Recording{sink: sink, path: path, logger: r.logger}
}

// Recording is the video artifact owned by exactly one live visit.
type Recording struct {
	sink   frameSink
	path   string
	closed bool
	logger *slog.Logger

	writeFailed bool
}

// Append writes one frame. Append failures are logged once and the
// recording keeps accepting (and dropping) frames.
func (rec *Recording) Append(img gocv.Mat) {
	if rec == nil || rec.closed || img.Empty() {
		return
	}
	if err := rec.sink.Write(img); err != nil && !rec.writeFailed {
		rec.writeFailed = true
		rec.logger.Warn("Video frame write failed", "path", rec.path, "error", err)
	}
}

// Finish closes the sink exactly once and returns the artifact path and
// its size in bytes. Safe on a nil receiver (sink never opened).
func (rec *Recording) Finish() (string, int64) {
	if rec == nil {
		return "", 0
	}
	if !rec.closed {
		rec.closed = true
		if err := rec.sink.Close(); err != nil {
			rec.logger.Warn("Video sink close failed", "path", rec.path, "error", err)
		}
	}
	var size int64
	if info, err := os.Stat(rec.path); err == nil {
		size = info.Size()
	}
	rec.logger.Info("Video saved",
		"path", rec.path,
		"size_bytes", size)
	return rec.path, size
}
