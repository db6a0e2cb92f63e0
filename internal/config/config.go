// Package config provides configuration for go-yolocam commands.
// Values come from environment variables; flags in cmd/ may override them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultAddr          = ":5000"
	DefaultLogLevel      = "info"
	DefaultCameraDevice  = "0"
	DefaultModelPath     = "models/yolov8n.onnx"
	DefaultConfidence    = 0.5
	DefaultUploadDir     = "static/uploads"
	DefaultFrameDir      = "static/frames"
	DefaultMaxFrames     = 1000
	DefaultMaxUploadMB   = 16
	DefaultStopTimeout   = 5 * time.Second
	DefaultFailureBudget = 30
)

// DotEnvFile is read by Load when present. Real environment variables win.
const DotEnvFile = ".env"

// Config holds all configuration for the yolocam server.
// Flag parsing is done in cmd/yolocam/main.go; this struct is data only.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// CameraDevice is a device index ("0"), a video file, or an MJPEG URL.
	CameraDevice string

	// Detector selection. DetectorURL wins over ModelPath when set.
	ModelPath   string
	DetectorURL string
	Confidence  float64

	// Storage.
	UploadDir  string
	FrameDir   string
	SaveFrames bool // Persist every streamed frame
	MaxFrames  int  // Snapshot retention cap, 0 = unbounded

	// Limits.
	MaxUploadMB   int
	StopTimeout   time.Duration
	FailureBudget int // Consecutive detect/encode failures before a stream ends
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:          DefaultAddr,
		LogLevel:      DefaultLogLevel,
		CameraDevice:  DefaultCameraDevice,
		ModelPath:     DefaultModelPath,
		Confidence:    DefaultConfidence,
		UploadDir:     DefaultUploadDir,
		FrameDir:      DefaultFrameDir,
		MaxFrames:     DefaultMaxFrames,
		MaxUploadMB:   DefaultMaxUploadMB,
		StopTimeout:   DefaultStopTimeout,
		FailureBudget: DefaultFailureBudget,
	}
}

// Load returns the default configuration with .env and environment
// overrides applied.
func Load() (Config, error) {
	cfg := Default()
	if err := LoadDotEnv(DotEnvFile); err != nil {
		return cfg, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnv applies environment variable overrides.
func (c *Config) LoadEnv() error {
	c.Addr = envString("YOLOCAM_ADDR", c.Addr)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.CameraDevice = envString("CAMERA_DEVICE", c.CameraDevice)
	c.ModelPath = envString("MODEL_PATH", c.ModelPath)
	c.DetectorURL = envString("DETECTOR_URL", c.DetectorURL)
	c.UploadDir = envString("UPLOAD_DIR", c.UploadDir)
	c.FrameDir = envString("FRAME_DIR", c.FrameDir)

	var err error
	if c.Confidence, err = envFloat("CONFIDENCE", c.Confidence); err != nil {
		return err
	}
	if c.SaveFrames, err = envBool("SAVE_FRAMES", c.SaveFrames); err != nil {
		return err
	}
	if c.MaxFrames, err = envInt("MAX_FRAMES", c.MaxFrames); err != nil {
		return err
	}
	if c.MaxUploadMB, err = envInt("MAX_UPLOAD_MB", c.MaxUploadMB); err != nil {
		return err
	}
	if c.FailureBudget, err = envInt("FAILURE_BUDGET", c.FailureBudget); err != nil {
		return err
	}
	if c.StopTimeout, err = envDuration("STOP_TIMEOUT", c.StopTimeout); err != nil {
		return err
	}
	return nil
}

// LoadDotEnv exports the variables in path that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return &ConfigError{Field: "DotEnv", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return &ConfigError{Field: "Addr", Message: "listen address is required"}
	}
	if c.CameraDevice == "" {
		return &ConfigError{Field: "CameraDevice", Message: "CAMERA_DEVICE must not be empty"}
	}
	if c.ModelPath == "" && c.DetectorURL == "" {
		return &ConfigError{Field: "ModelPath", Message: "either MODEL_PATH or DETECTOR_URL is required"}
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		return &ConfigError{Field: "Confidence", Message: "CONFIDENCE must be in (0, 1]"}
	}
	if c.UploadDir == "" {
		return &ConfigError{Field: "UploadDir", Message: "UPLOAD_DIR must not be empty"}
	}
	if c.SaveFrames && c.FrameDir == "" {
		return &ConfigError{Field: "FrameDir", Message: "FRAME_DIR is required when SAVE_FRAMES is on"}
	}
	if c.MaxFrames < 0 {
		return &ConfigError{Field: "MaxFrames", Message: "MAX_FRAMES must be >= 0"}
	}
	if c.MaxUploadMB <= 0 {
		return &ConfigError{Field: "MaxUploadMB", Message: "MAX_UPLOAD_MB must be positive"}
	}
	if c.StopTimeout <= 0 {
		return &ConfigError{Field: "StopTimeout", Message: "STOP_TIMEOUT must be positive"}
	}
	if c.FailureBudget <= 0 {
		return &ConfigError{Field: "FailureBudget", Message: "FAILURE_BUDGET must be positive"}
	}
	return nil
}

// MaxUploadBytes returns the request body limit in bytes.
func (c *Config) MaxUploadBytes() int {
	return c.MaxUploadMB * 1024 * 1024
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, &ConfigError{Field: key, Message: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, &ConfigError{Field: key, Message: fmt.Sprintf("not a number: %q", v)}
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, &ConfigError{Field: key, Message: fmt.Sprintf("not a boolean: %q", v)}
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, &ConfigError{Field: key, Message: fmt.Sprintf("not a duration: %q", v)}
	}
	return d, nil
}
