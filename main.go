// Command gate-vision monitors warehouse gate cameras: it reads each
// camera stream continuously, detects vehicles and bags per frame, reduces
// each vehicle presence into one counted visit, and reports completed
// visits to the backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldstore/gate-vision/internal/config"
	"github.com/coldstore/gate-vision/internal/pipeline"
	"github.com/coldstore/gate-vision/internal/vision"
)

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting gate detection service",
		"cameras", len(cfg.Cameras),
		"inference_fps", cfg.InferenceFPS,
		"absence_timeout", cfg.VehicleAbsenceTimeout,
		"min_count_to_report", cfg.MinBagCountToReport,
		"backend_url", cfg.BackendURL)
	for _, cam := range cfg.Cameras {
		logger.Info("Configured camera", "gate_id", cam.GateID, "url", cam.URL)
	}

	detector, err := vision.NewYOLODetector(vision.YOLOConfig{
		ModelPath:    cfg.ModelPath,
		Confidence:   cfg.ModelConfidence,
		IoUThreshold: cfg.ModelIoU,
		InputSize:    cfg.ModelInputSize,
	}, logger)
	if err != nil {
		logger.Error("Failed to load detection model", "error", err)
		os.Exit(1)
	}
	defer detector.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	orch := pipeline.Build(cfg, detector, logger)
	if err := orch.Run(ctx); err != nil {
		logger.Error("Pipeline failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Gate detection service stopped")
}
