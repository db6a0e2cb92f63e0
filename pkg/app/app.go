// Package app wires configuration into the detector, camera, stream
// controller, stores and web server, and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/teslashibe/go-yolocam/internal/config"
	"github.com/teslashibe/go-yolocam/internal/log"
	"github.com/teslashibe/go-yolocam/pkg/camera"
	"github.com/teslashibe/go-yolocam/pkg/camera/webcam"
	"github.com/teslashibe/go-yolocam/pkg/detection"
	"github.com/teslashibe/go-yolocam/pkg/detection/yolo"
	"github.com/teslashibe/go-yolocam/pkg/snapshot"
	"github.com/teslashibe/go-yolocam/pkg/stream"
	"github.com/teslashibe/go-yolocam/pkg/upload"
	"github.com/teslashibe/go-yolocam/pkg/web"
)

// App is the yolocam application.
type App struct {
	config config.Config
	log    *slog.Logger

	// Vision
	detector  detection.Detector
	annotator *detection.Overlay
	opener    camera.Opener
	camera    *camera.Manager

	// Storage
	uploads   *upload.Store
	snapshots *snapshot.Store

	// Streaming and web
	controller *stream.Controller
	server     *web.Server
}

// Option overrides a collaborator, mainly for tests.
type Option func(*App)

// WithDetector uses det instead of building one from the config.
func WithDetector(det detection.Detector) Option {
	return func(a *App) { a.detector = det }
}

// WithOpener uses o instead of opening CAMERA_DEVICE.
func WithOpener(o camera.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New validates cfg and returns an uninitialized App.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = log.L()
	}
	return a, nil
}

// NewDetector builds the detector selected by cfg: the remote service when
// DetectorURL is set, the local ONNX model otherwise.
func NewDetector(cfg config.Config, logger *slog.Logger) (detection.Detector, error) {
	if cfg.DetectorURL != "" {
		return detection.NewRemote(cfg.DetectorURL, detection.WithMinConfidence(cfg.Confidence))
	}

	ycfg := yolo.DefaultConfig()
	ycfg.ModelPath = cfg.ModelPath
	ycfg.ConfidenceThresh = float32(cfg.Confidence)
	return yolo.New(ycfg, logger)
}

// Init builds all components.
// Call this after New() and before Run().
func (a *App) Init() error {
	cfg := a.config

	if a.detector == nil {
		det, err := NewDetector(cfg, a.log.With("component", "detector"))
		if err != nil {
			return fmt.Errorf("detector: %w", err)
		}
		a.detector = det
	}
	a.annotator = detection.NewOverlay(a.detector)

	if a.opener == nil {
		a.opener = webcam.NewOpener(cfg.CameraDevice)
	}
	a.camera = camera.NewManager()
	a.camera.OnConfigChange = a.cameraChanged

	uploads, err := upload.NewStore(cfg.UploadDir, a.annotator, a.log.With("component", "upload"))
	if err != nil {
		return err
	}
	a.uploads = uploads

	opts := stream.Options{
		Opener:                 a.opener,
		Annotator:              a.annotator,
		Camera:                 a.camera,
		MaxConsecutiveFailures: cfg.FailureBudget,
		Logger:                 a.log.With("component", "stream"),
	}
	webOpts := web.Options{
		Uploads:        a.uploads,
		Camera:         a.camera,
		StopTimeout:    cfg.StopTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Debug:          log.ParseLevel(cfg.LogLevel) == slog.LevelDebug,
		Logger:         a.log.With("component", "web"),
	}

	if cfg.SaveFrames {
		snaps, err := snapshot.New(cfg.FrameDir, snapshot.Options{
			MaxFiles: cfg.MaxFrames,
			Logger:   a.log.With("component", "snapshot"),
		})
		if err != nil {
			return err
		}
		a.snapshots = snaps
		opts.Snapshots = snaps
		webOpts.Snapshots = snaps
	}

	a.controller, err = stream.NewController(opts)
	if err != nil {
		return err
	}

	webOpts.Controller = a.controller
	a.server, err = web.NewServer(webOpts)
	if err != nil {
		return err
	}

	a.log.Info("initialized",
		"camera", cfg.CameraDevice,
		"detector", detectorName(cfg),
		"uploads", cfg.UploadDir,
		"snapshots", cfg.SaveFrames)
	return nil
}

// cameraChanged logs capture setting updates. A running session keeps its
// resolution until restarted; JPEG quality applies from the next frame.
func (a *App) cameraChanged(cfg camera.Config) error {
	a.log.Info("camera config updated",
		"width", cfg.Width,
		"height", cfg.Height,
		"framerate", cfg.Framerate,
		"quality", cfg.Quality,
		"restart_required", a.controller != nil && a.controller.Running())
	return nil
}

func detectorName(cfg config.Config) string {
	if cfg.DetectorURL != "" {
		return cfg.DetectorURL
	}
	return cfg.ModelPath
}

// Server returns the web server. Nil before Init.
func (a *App) Server() *web.Server {
	return a.server
}

// Controller returns the stream controller. Nil before Init.
func (a *App) Controller() *stream.Controller {
	return a.controller
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- a.server.Listen(a.config.Addr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}
}

// Shutdown stops the stream, the web server and the detector.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = multierr.Append(err, a.server.Shutdown(ctx))
	}
	if a.detector != nil {
		err = multierr.Append(err, a.detector.Close())
	}
	a.log.Info("shutdown complete")
	return err
}
