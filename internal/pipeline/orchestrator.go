// Package pipeline ties the per-gate camera streams, the shared detector
// and the per-gate aggregators together under one fixed-rate loop, and
// forwards completed visits to the reporter.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/coldstore/gate-vision/internal/camera"
	"github.com/coldstore/gate-vision/internal/config"
	"github.com/coldstore/gate-vision/internal/report"
	"github.com/coldstore/gate-vision/internal/session"
	"github.com/coldstore/gate-vision/internal/track"
	"github.com/coldstore/gate-vision/internal/vision"
)

// FrameSource is the camera capability the orchestrator drives.
type FrameSource interface {
	Start()
	Stop()
	Latest() (gocv.Mat, bool)
	GateID() string
	Metrics() *camera.StreamMetrics
}

// VisitReporter receives completed visit records.
type VisitReporter interface {
	Send(ctx context.Context, rec *session.Record)
	Stats() (sent, skipped, failed int64)
}

// Gate is one camera pipeline: a frame source feeding an aggregator.
type Gate struct {
	Source     FrameSource
	Aggregator *session.Aggregator
}

// Orchestrator runs N independent gate pipelines at a shared tick rate.
// Detection and all aggregator mutation happen on the loop goroutine; the
// only concurrency is inside each frame source.
type Orchestrator struct {
	gates        []Gate
	detector     vision.Detector
	reporter     VisitReporter
	tickInterval time.Duration
	logger       *slog.Logger

	metricsInterval time.Duration

	ticks           int64
	detectErrors    int64
	visitsCompleted int64
}

// New assembles an orchestrator from pre-built gates. The gates are
// visited in the given order every tick.
func New(gates []Gate, detector vision.Detector, reporter VisitReporter, tickRate int, logger *slog.Logger) *Orchestrator {
	if tickRate <= 0 {
		tickRate = 10
	}
	return &Orchestrator{
		gates:           gates,
		detector:        detector,
		reporter:        reporter,
		tickInterval:    time.Second / time.Duration(tickRate),
		metricsInterval: 30 * time.Second,
		logger:          logger,
	}
}

// Build wires the full pipeline from configuration: one camera stream and
// one aggregator (with its own tracker and recorder) per configured gate.
func Build(cfg *config.Config, detector vision.Detector, logger *slog.Logger) *Orchestrator {
	reporter := report.NewReporter(report.Config{
		BackendURL: cfg.BackendURL,
		APIKey:     cfg.BackendAPIKey,
		MinCount:   cfg.MinBagCountToReport,
	}, logger)

	recorder := session.NewRecorder(cfg.VideoDir, float64(cfg.InferenceFPS), logger)

	trackCfg := track.DefaultConfig()
	trackCfg.FrameInterval = 1.0 / float64(cfg.InferenceFPS)

	gates := make([]Gate, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		stream := camera.NewStream(camera.Config{
			GateID:    cam.GateID,
			URL:       cam.URL,
			TargetFPS: cfg.InferenceFPS,
		}, logger)
		agg := session.NewAggregator(cam.GateID, cfg.VehicleAbsenceTimeout,
			track.NewByteTracker(trackCfg), recorder, logger)
		gates = append(gates, Gate{Source: stream, Aggregator: agg})
	}

	return New(gates, detector, reporter, cfg.InferenceFPS, logger)
}

// Run starts all frame sources and drives the tick loop until ctx is
// cancelled, then stops the sources. A visit still in progress at
// shutdown is dropped, never reported.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, g := range o.gates {
		g.Source.Start()
	}

	o.logger.Info("Detection pipeline running",
		"gates", len(o.gates),
		"tick_interval", o.tickInterval)

	lastMetrics := time.Now()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		default:
		}

		cycleStart := time.Now()
		for _, g := range o.gates {
			o.tickGate(ctx, g)
		}
		o.ticks++

		if time.Since(lastMetrics) >= o.metricsInterval {
			o.logMetrics()
			lastMetrics = time.Now()
		}

		// Sleep the remaining tick budget. An overrun starts the next
		// tick immediately; the frame sources already discard whatever
		// we were too slow for.
		if remaining := o.tickInterval - time.Since(cycleStart); remaining > 0 {
			select {
			case <-ctx.Done():
				o.shutdown()
				return nil
			case <-time.After(remaining):
			}
		}
	}
}

// tickGate runs one gate's slice of the tick. Errors are isolated to this
// gate and this tick.
func (o *Orchestrator) tickGate(ctx context.Context, g Gate) {
	frame, ok := g.Source.Latest()
	if !ok {
		return
	}
	defer frame.Close()

	dets, err := o.detector.Detect(frame)
	if err != nil {
		o.detectErrors++
		o.logger.Warn("Detection failed, skipping tick",
			"gate_id", g.Source.GateID(),
			"error", err)
		return
	}

	if rec := g.Aggregator.Process(dets, &frame); rec != nil {
		o.visitsCompleted++
		o.reporter.Send(ctx, rec)
	}
}

func (o *Orchestrator) shutdown() {
	dropped := 0
	for _, g := range o.gates {
		if g.Aggregator.Live() {
			dropped++
		}
	}
	if dropped > 0 {
		o.logger.Warn("Shutting down with visits in progress, dropping them",
			"in_flight_visits", dropped)
	}

	o.logger.Info("Stopping camera streams")
	for _, g := range o.gates {
		g.Source.Stop()
	}
	o.logger.Info("Detection pipeline stopped",
		"ticks", o.ticks,
		"visits_completed", o.visitsCompleted)
}

func (o *Orchestrator) logMetrics() {
	sent, skipped, failed := o.reporter.Stats()
	o.logger.Debug("Pipeline metrics",
		"ticks", o.ticks,
		"visits_completed", o.visitsCompleted,
		"detect_errors", o.detectErrors,
		"reports_sent", sent,
		"reports_skipped", skipped,
		"reports_failed", failed)

	for _, g := range o.gates {
		m := g.Source.Metrics()
		o.logger.Debug("Stream metrics",
			"gate_id", g.Source.GateID(),
			"frames_decoded", m.FramesDecoded(),
			"grabs", m.Grabs(),
			"connects", m.Connects(),
			"open_failures", m.OpenFailures(),
			"read_failures", m.ReadFailures(),
			"last_frame_age_ms", m.LastFrameAge().Milliseconds())
	}
}
