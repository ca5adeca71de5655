package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/coldstore/gate-vision/internal/camera"
	"github.com/coldstore/gate-vision/internal/session"
	"github.com/coldstore/gate-vision/internal/track"
	"github.com/coldstore/gate-vision/internal/vision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource hands out clones of one fixed frame. Started and stopped are
// only read after Run has returned, so plain fields are safe.
type fakeSource struct {
	gateID   string
	frame    gocv.Mat
	hasFrame bool
	metrics  camera.StreamMetrics

	started bool
	stopped bool
}

func newFakeSource(gateID string, withFrame bool) *fakeSource {
	f := &fakeSource{gateID: gateID, hasFrame: withFrame}
	if withFrame {
		f.frame = gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	}
	return f
}

func (f *fakeSource) Start() { f.started = true }

func (f *fakeSource) Stop() {
	f.stopped = true
	if f.hasFrame {
		f.frame.Close()
		f.hasFrame = false
	}
}

func (f *fakeSource) Latest() (gocv.Mat, bool) {
	if !f.hasFrame {
		return gocv.Mat{}, false
	}
	return f.frame.Clone(), true
}

func (f *fakeSource) GateID() string                 { return f.gateID }
func (f *fakeSource) Metrics() *camera.StreamMetrics { return &f.metrics }

// scriptDetector replays a fixed sequence of per-tick detections, holding
// the last entry once the script runs out.
type scriptDetector struct {
	mu     sync.Mutex
	script [][]vision.Detection
	err    error
	calls  int
}

func (d *scriptDetector) Detect(frame gocv.Mat) ([]vision.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.script) == 0 {
		return nil, nil
	}
	i := d.calls - 1
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	return d.script[i], nil
}

func (d *scriptDetector) Close() error { return nil }

func (d *scriptDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type captureReporter struct {
	mu      sync.Mutex
	records []*session.Record
}

func (r *captureReporter) Send(_ context.Context, rec *session.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *captureReporter) Stats() (sent, skipped, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), 0, 0
}

func (r *captureReporter) received() []*session.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*session.Record(nil), r.records...)
}

// stubTracker hands every detection a fresh identity.
type stubTracker struct{ next int64 }

func (t *stubTracker) Update(dets []vision.Detection) ([]track.TrackedDetection, error) {
	out := make([]track.TrackedDetection, len(dets))
	for i, d := range dets {
		t.next++
		out[i] = track.TrackedDetection{TrackID: t.next, Box: d.Box}
	}
	return out, nil
}

func (t *stubTracker) Reset() {}

func newTestGate(src FrameSource, timeout time.Duration) Gate {
	agg := session.NewAggregator(src.GateID(), timeout, &stubTracker{}, nil, testLogger())
	return Gate{Source: src, Aggregator: agg}
}

func runUntil(t *testing.T, o *Orchestrator, ctx context.Context, cancel context.CancelFunc, cond func() bool) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func vehicleDet(conf float64) vision.Detection {
	return vision.Detection{ClassID: vision.ClassVehicle, Confidence: conf,
		Box: vision.BBox{X1: 0, Y1: 0, X2: 200, Y2: 200}}
}

func bagDet(x float64) vision.Detection {
	return vision.Detection{ClassID: vision.ClassBag, Confidence: 0.8,
		Box: vision.BBox{X1: x, Y1: 10, X2: x + 40, Y2: 50}}
}

func TestRunStopsSourcesOnCancel(t *testing.T) {
	src := newFakeSource("gate1", false)
	o := New([]Gate{newTestGate(src, time.Second)}, &scriptDetector{}, &captureReporter{}, 100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !src.started || !src.stopped {
		t.Errorf("source started=%v stopped=%v, want both true", src.started, src.stopped)
	}
}

func TestGateWithoutFrameIsSkipped(t *testing.T) {
	det := &scriptDetector{}
	src := newFakeSource("gate1", false)
	o := New([]Gate{newTestGate(src, time.Second)}, det, &captureReporter{}, 100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if det.callCount() != 0 {
		t.Errorf("detector called %d times for a frameless gate, want 0", det.callCount())
	}
}

func TestDetectorErrorDoesNotStopLoop(t *testing.T) {
	det := &scriptDetector{err: errors.New("inference failed")}
	src := newFakeSource("gate1", true)
	rep := &captureReporter{}
	o := New([]Gate{newTestGate(src, time.Second)}, det, rep, 100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runUntil(t, o, ctx, cancel, func() bool { return det.callCount() >= 5 })

	if got := rep.received(); len(got) != 0 {
		t.Errorf("reporter received %d records despite detector errors, want 0", len(got))
	}
}

func TestCompletedVisitIsReported(t *testing.T) {
	// Three ticks of a vehicle unloading two bags, then an empty gate.
	// The visit finalizes once the vehicle has been absent longer than the
	// timeout and the record reaches the reporter.
	script := [][]vision.Detection{
		{vehicleDet(0.9), bagDet(10), bagDet(100)},
		{vehicleDet(0.92), bagDet(12), bagDet(102)},
		{vehicleDet(0.88), bagDet(14)},
		{},
	}
	det := &scriptDetector{script: script}
	src := newFakeSource("gate1", true)
	rep := &captureReporter{}
	o := New([]Gate{newTestGate(src, 30*time.Millisecond)}, det, rep, 100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runUntil(t, o, ctx, cancel, func() bool { return len(rep.received()) >= 1 })

	records := rep.received()
	if len(records) != 1 {
		t.Fatalf("reporter received %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.GateID != "gate1" {
		t.Errorf("record gate = %q, want gate1", rec.GateID)
	}
	if rec.UniqueBagCount != 5 {
		t.Errorf("unique bag count = %d, want 5 (stub tracker never rematches)", rec.UniqueBagCount)
	}
	if rec.VisitID == "" {
		t.Error("record has no visit id")
	}
	if !rec.EndedAt.After(rec.StartedAt) {
		t.Errorf("ended %v not after started %v", rec.EndedAt, rec.StartedAt)
	}
}

func TestTicksRoundRobinAcrossGates(t *testing.T) {
	det := &scriptDetector{}
	a := newFakeSource("gate1", true)
	b := newFakeSource("gate2", true)
	o := New([]Gate{newTestGate(a, time.Second), newTestGate(b, time.Second)},
		det, &captureReporter{}, 100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	// Two gates share each tick, so the detector call count is even after
	// every full cycle and at least two once the loop has run.
	runUntil(t, o, ctx, cancel, func() bool { return det.callCount() >= 10 })

	if !a.stopped || !b.stopped {
		t.Error("not all sources stopped on shutdown")
	}
}
