package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/llm"
	"github.com/raine/biocount/internal/session"
)

const (
	AppName     = "biocount"
	EnvFileName = "config.env"
)

// CameraSource selects where frames come from.
type CameraSource string

const (
	// CameraClient streams frames pushed by the visitor's browser.
	CameraClient CameraSource = "client"
	// CameraSnapshot polls a network camera's snapshot URL.
	CameraSnapshot CameraSource = "snapshot"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultAnalysisTimeout = 60 * time.Second
	DefaultMaxFrameBytes   = 10 << 20
)

// RequiredEnvVars must be set for the service to start.
var RequiredEnvVars = []string{"GEMINI_API_KEY"}

type Config struct {
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	ListenAddr string

	CameraSource CameraSource
	SnapshotURL  string
	CameraFacing capture.Facing
	CameraWidth  int
	CameraHeight int
	JPEGQuality  int

	AnalysisTimeout    time.Duration
	SessionIdleTimeout time.Duration
	MaxFrameBytes      int64

	LogLevel zerolog.Level
}

// Load reads the configuration from the environment, applying defaults for
// unset variables. Malformed values are reported together.
func Load() (*Config, error) {
	cfg := &Config{
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getenv("GEMINI_MODEL", llm.DefaultGeminiModel),
		GeminiBaseURL: os.Getenv("GEMINI_BASE_URL"),
		ListenAddr:    getenv("LISTEN_ADDR", DefaultListenAddr),
		CameraSource:  CameraSource(strings.ToLower(getenv("CAMERA_SOURCE", string(CameraClient)))),
		SnapshotURL:   os.Getenv("CAMERA_SNAPSHOT_URL"),
	}

	var errs []error
	parseInt := func(name string, def int) int {
		v, err := intEnv(name, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	parseDuration := func(name string, def time.Duration) time.Duration {
		v, err := durationEnv(name, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	facing, err := capture.ParseFacing(getenv("CAMERA_FACING", string(capture.FacingRear)))
	if err != nil {
		errs = append(errs, fmt.Errorf("CAMERA_FACING: %w", err))
	}
	cfg.CameraFacing = facing

	cfg.CameraWidth = parseInt("CAMERA_WIDTH", capture.DefaultWidth)
	cfg.CameraHeight = parseInt("CAMERA_HEIGHT", capture.DefaultHeight)
	cfg.JPEGQuality = parseInt("JPEG_QUALITY", capture.DefaultJPEGQuality)
	cfg.MaxFrameBytes = int64(parseInt("MAX_FRAME_BYTES", DefaultMaxFrameBytes))
	cfg.AnalysisTimeout = parseDuration("ANALYSIS_TIMEOUT", DefaultAnalysisTimeout)
	cfg.SessionIdleTimeout = parseDuration("SESSION_IDLE_TIMEOUT", session.DefaultIdleTimeout)

	level, err := zerolog.ParseLevel(strings.ToLower(getenv("LOG_LEVEL", "info")))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is not set"))
	}
	switch c.CameraSource {
	case CameraClient:
	case CameraSnapshot:
		if c.SnapshotURL == "" {
			errs = append(errs, errors.New("CAMERA_SNAPSHOT_URL is required when CAMERA_SOURCE=snapshot"))
		}
	default:
		errs = append(errs, fmt.Errorf("CAMERA_SOURCE must be %q or %q, got %q", CameraClient, CameraSnapshot, c.CameraSource))
	}
	if c.CameraWidth <= 0 || c.CameraHeight <= 0 {
		errs = append(errs, fmt.Errorf("camera resolution must be positive, got %dx%d", c.CameraWidth, c.CameraHeight))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.AnalysisTimeout <= 0 {
		errs = append(errs, errors.New("ANALYSIS_TIMEOUT must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("MAX_FRAME_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// Constraints returns the camera constraints for the configured facing and
// resolution.
func (c *Config) Constraints() capture.Constraints {
	facing := c.CameraFacing
	if facing == "" {
		facing = capture.FacingRear
	}
	return capture.Constraints{Facing: facing, Width: c.CameraWidth, Height: c.CameraHeight}
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer: %q", name, v)
	}
	return n, nil
}

// durationEnv accepts Go durations ("90s") or plain seconds ("90").
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration: %q", name, v)
	}
	return d, nil
}

// MissingRequired returns the names of required variables that are unset.
func MissingRequired() []string {
	var missing []string
	for _, v := range RequiredEnvVars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return missing
}

// configDir returns the application's config directory, creating it if
// needed.
func configDir() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	dir := filepath.Join(configBase, AppName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// FilePath returns the path of config.env.
func FilePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EnvFileName), nil
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Variables already set in the environment win. Errors are
// ignored since the file may not exist.
func LoadEnvFile() {
	path, err := FilePath()
	if err != nil {
		return
	}
	_ = godotenv.Load(path)
}
