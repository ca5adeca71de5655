package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coldstore/gate-vision/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(estimated int) *session.Record {
	started := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	return &session.Record{
		GateID:            "gate1",
		VisitID:           "f7c3bc1d-8f5e-4b2a-9c0e-000000000001",
		StartedAt:         started,
		EndedAt:           started.Add(90 * time.Second),
		DurationSeconds:   90,
		UniqueBagCount:    estimated,
		EstimatedTotal:    estimated,
		PeakBagsInFrame:   3,
		TotalTicks:        900,
		VehicleConfidence: 0.91,
		AvgBagConfidence:  0.84,
	}
}

func TestSendPostsRecord(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotCT   string
		gotBody session.Record
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := NewReporter(Config{
		BackendURL: srv.URL,
		APIKey:     "secret-key",
		MinCount:   1,
	}, testLogger())

	r.Send(context.Background(), testRecord(12))

	if gotPath != "/api/detections" {
		t.Errorf("posted to %q, want /api/detections", gotPath)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("authorization header = %q, want bearer credential", gotAuth)
	}
	if gotCT != "application/json" {
		t.Errorf("content type = %q, want application/json", gotCT)
	}
	if gotBody.GateID != "gate1" || gotBody.EstimatedTotal != 12 {
		t.Errorf("body = %+v, want gate1 record with estimated total 12", gotBody)
	}

	sent, skipped, failed := r.Stats()
	if sent != 1 || skipped != 0 || failed != 0 {
		t.Errorf("stats = (%d, %d, %d), want (1, 0, 0)", sent, skipped, failed)
	}
}

func TestSendOmitsAuthorizationWithoutKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	r := NewReporter(Config{BackendURL: srv.URL, MinCount: 1}, testLogger())
	r.Send(context.Background(), testRecord(5))

	if gotAuth != "" {
		t.Errorf("authorization header = %q, want empty", gotAuth)
	}
}

func TestSendSkipsBelowThreshold(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	r := NewReporter(Config{BackendURL: srv.URL, MinCount: 5}, testLogger())

	// Below the threshold: skipped without touching the backend.
	r.Send(context.Background(), testRecord(4))
	// At the threshold: delivered.
	r.Send(context.Background(), testRecord(5))

	if requests != 1 {
		t.Errorf("backend received %d requests, want 1", requests)
	}
	sent, skipped, failed := r.Stats()
	if sent != 1 || skipped != 1 || failed != 0 {
		t.Errorf("stats = (%d, %d, %d), want (1, 1, 0)", sent, skipped, failed)
	}
}

func TestSendDropsOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReporter(Config{BackendURL: srv.URL, MinCount: 1}, testLogger())
	r.Send(context.Background(), testRecord(8))

	sent, skipped, failed := r.Stats()
	if sent != 0 || skipped != 0 || failed != 1 {
		t.Errorf("stats = (%d, %d, %d), want (0, 0, 1)", sent, skipped, failed)
	}
}

func TestSendDropsOnUnreachableBackend(t *testing.T) {
	// Closed server: every attempt fails at the transport level.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	r := NewReporter(Config{BackendURL: srv.URL, MinCount: 1, Timeout: time.Second}, testLogger())
	r.Send(context.Background(), testRecord(8))
	r.Send(context.Background(), testRecord(9))

	sent, _, failed := r.Stats()
	if sent != 0 || failed != 2 {
		t.Errorf("stats sent=%d failed=%d, want sent=0 failed=2", sent, failed)
	}
}
