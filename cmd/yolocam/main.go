// yolocam serves a browser UI for YOLO object detection on uploaded
// images and a live camera stream.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-yolocam/internal/config"
	"github.com/teslashibe/go-yolocam/internal/log"
	"github.com/teslashibe/go-yolocam/pkg/app"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		stdlog.Fatalf("❌ Configuration error: %v", err)
	}

	log.Init(cfg.LogLevel)

	a, err := app.New(cfg)
	if err != nil {
		stdlog.Fatalf("❌ Configuration error: %v", err)
	}

	if err := a.Init(); err != nil {
		stdlog.Fatalf("❌ Initialization failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := a.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 2*cfg.StopTimeout)
	defer done()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}

	if runErr != nil {
		stdlog.Fatalf("❌ Runtime error: %v", runErr)
	}
}

// parseFlags loads the environment configuration and applies flag overrides.
func parseFlags() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.CameraDevice, "camera", cfg.CameraDevice, "Camera index, video file or MJPEG URL")
	flag.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "YOLO ONNX model path")
	flag.StringVar(&cfg.DetectorURL, "detector-url", cfg.DetectorURL, "Remote inference endpoint (overrides -model)")
	flag.Float64Var(&cfg.Confidence, "confidence", cfg.Confidence, "Detection confidence threshold")
	flag.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "Directory for uploaded images")
	flag.StringVar(&cfg.FrameDir, "frame-dir", cfg.FrameDir, "Directory for frame snapshots")
	flag.BoolVar(&cfg.SaveFrames, "save-frames", cfg.SaveFrames, "Save every streamed frame")
	flag.IntVar(&cfg.MaxFrames, "max-frames", cfg.MaxFrames, "Snapshot retention cap, 0 keeps all")
	flag.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "How long stop waits for the stream loop")
	debug := flag.Bool("debug", false, "Shorthand for -log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
