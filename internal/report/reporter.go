// Package report delivers completed visit records to the backend.
// Delivery is best-effort by design: a failed report is logged and
// dropped, never queued or retried.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldstore/gate-vision/internal/session"
)

// Config holds reporter settings.
type Config struct {
	// BackendURL is the base URL of the backend, e.g. http://cold-backend:8080.
	BackendURL string
	// APIKey, when set, is sent as a bearer credential.
	APIKey string
	// MinCount is the minimum estimated total worth reporting. Visits
	// below it are noise (a vehicle passing through without unloading).
	MinCount int
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
}

// Reporter posts completed visit records to the backend detections API.
type Reporter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	sent    int64
	skipped int64
	failed  int64
}

// NewReporter creates a reporter with its own bounded-timeout client.
func NewReporter(cfg Config, logger *slog.Logger) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Reporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Send delivers one record. Records under the minimum count are skipped
// and logged. A transport error or non-2xx response is logged and the
// record is dropped.
func (r *Reporter) Send(ctx context.Context, rec *session.Record) {
	if rec.EstimatedTotal < r.cfg.MinCount {
		r.skipped++
		r.logger.Info("Visit below report threshold, skipping",
			"gate_id", rec.GateID,
			"estimated_total", rec.EstimatedTotal,
			"min_count", r.cfg.MinCount)
		return
	}

	if err := r.post(ctx, rec); err != nil {
		r.failed++
		r.logger.Error("Failed to report visit",
			"gate_id", rec.GateID,
			"visit_id", rec.VisitID,
			"error", err)
		return
	}

	r.sent++
	r.logger.Info("Reported visit to backend",
		"gate_id", rec.GateID,
		"visit_id", rec.VisitID,
		"estimated_total", rec.EstimatedTotal)
}

func (r *Reporter) post(ctx context.Context, rec *session.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	url := r.cfg.BackendURL + "/api/detections"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("backend rejected report: %d %s", resp.StatusCode, snippet)
	}
	return nil
}

// Stats returns how many records were sent, skipped and failed.
func (r *Reporter) Stats() (sent, skipped, failed int64) {
	return r.sent, r.skipped, r.failed
}
