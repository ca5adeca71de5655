// Package config loads the service configuration from environment
// variables once at startup. The resulting Config is passed down the
// component tree explicitly; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Camera maps one gate to its stream source.
type Camera struct {
	GateID string
	URL    string
}

// Config is the full startup configuration.
type Config struct {
	// Model
	ModelPath       string
	ModelConfidence float64
	ModelIoU        float64
	ModelInputSize  int

	// Cameras
	Cameras []Camera

	// Backend
	BackendURL    string
	BackendAPIKey string

	// Processing
	InferenceFPS          int
	VehicleAbsenceTimeout time.Duration
	MinBagCountToReport   int

	// Recording
	VideoDir string

	// Logging
	LogFormat string
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through the given lookup. Split out so
// tests can feed their own environment.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ModelPath:     envStr(getenv, "MODEL_PATH", "/models/best.onnx"),
		BackendURL:    envStr(getenv, "BACKEND_URL", "http://cold-backend:8080"),
		BackendAPIKey: getenv("BACKEND_API_KEY"),
		VideoDir:      envStr(getenv, "VIDEO_DIR", "/tmp/detection_videos"),
		LogFormat:     envStr(getenv, "LOG_FORMAT", "json"),
	}

	var err error
	if cfg.ModelConfidence, err = envFloat(getenv, "MODEL_CONFIDENCE", 0.35); err != nil {
		return nil, err
	}
	if cfg.ModelIoU, err = envFloat(getenv, "MODEL_IOU_THRESHOLD", 0.45); err != nil {
		return nil, err
	}
	if cfg.ModelInputSize, err = envInt(getenv, "MODEL_IMG_SIZE", 640); err != nil {
		return nil, err
	}
	if cfg.InferenceFPS, err = envInt(getenv, "INFERENCE_FPS", 10); err != nil {
		return nil, err
	}
	if cfg.MinBagCountToReport, err = envInt(getenv, "MIN_BAG_COUNT_TO_REPORT", 1); err != nil {
		return nil, err
	}
	timeoutSec, err := envInt(getenv, "VEHICLE_ABSENCE_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}
	cfg.VehicleAbsenceTimeout = time.Duration(timeoutSec) * time.Second

	if cfg.LogFormat != "json" && cfg.LogFormat != "kv" {
		return nil, fmt.Errorf("LOG_FORMAT must be 'json' or 'kv', got %q", cfg.LogFormat)
	}
	if cfg.InferenceFPS <= 0 {
		return nil, fmt.Errorf("INFERENCE_FPS must be positive, got %d", cfg.InferenceFPS)
	}

	cfg.Cameras = ParseCameraURLs(getenv("CAMERA_URLS"))
	if len(cfg.Cameras) == 0 {
		return nil, fmt.Errorf("no cameras configured: set CAMERA_URLS (format: gate1:rtsp://ip:554/stream,gate2:rtsp://ip:554/stream)")
	}

	return cfg, nil
}

// ParseCameraURLs parses "gate1:rtsp://...,gate2:rtsp://..." into gate/URL
// pairs. An entry without a gate prefix gets a positional gateN name.
func ParseCameraURLs(raw string) []Camera {
	var cameras []Camera
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		gate, url, found := strings.Cut(entry, ":")
		if found && !strings.HasPrefix(url, "//") {
			cameras = append(cameras, Camera{GateID: strings.TrimSpace(gate), URL: strings.TrimSpace(url)})
		} else {
			cameras = append(cameras, Camera{GateID: fmt.Sprintf("gate%d", len(cameras)+1), URL: entry})
		}
	}
	return cameras
}

func envStr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envFloat(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}
