// annotate runs object detection on image files and writes annotated
// copies next to the originals in an output directory.
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/teslashibe/go-yolocam/internal/config"
	"github.com/teslashibe/go-yolocam/internal/log"
	"github.com/teslashibe/go-yolocam/pkg/app"
	"github.com/teslashibe/go-yolocam/pkg/detection"
	"github.com/teslashibe/go-yolocam/pkg/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("❌ Configuration error: %v", err)
	}

	flag.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "YOLO ONNX model path")
	flag.StringVar(&cfg.DetectorURL, "detector-url", cfg.DetectorURL, "Remote inference endpoint (overrides -model)")
	flag.Float64Var(&cfg.Confidence, "confidence", cfg.Confidence, "Detection confidence threshold")
	flag.StringVar(&cfg.UploadDir, "out", cfg.UploadDir, "Output directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		stdlog.Fatalf("❌ Configuration error: %v", err)
	}

	log.Init(cfg.LogLevel)

	det, err := app.NewDetector(cfg, log.Component("detector"))
	if err != nil {
		stdlog.Fatalf("❌ Detector: %v", err)
	}
	defer det.Close()

	store, err := upload.NewStore(cfg.UploadDir, detection.NewOverlay(det), log.Component("upload"))
	if err != nil {
		stdlog.Fatalf("❌ Output: %v", err)
	}

	if err := annotateAll(store, flag.Args()); err != nil {
		det.Close()
		stdlog.Fatalf("❌ %v", err)
	}
}

func annotateAll(store *upload.Store, paths []string) error {
	var errs error
	for _, path := range paths {
		res, err := annotate(store, path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Printf("%s → %s (%s)\n", path, res.AnnotatedPath, detection.Summary(res.Objects))
	}
	return errs
}

func annotate(store *upload.Store, path string) (*upload.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.Save(filepath.Base(path), f)
}
