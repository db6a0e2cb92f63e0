// Package yolo runs YOLOv8 ONNX models through OpenCV's DNN module.
package yolo

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-yolocam/pkg/detection"
)

// Config holds YOLO detector configuration.
type Config struct {
	ModelPath        string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
	ClassNames       []string // Defaults to COCO-80
}

// DefaultConfig returns production defaults for YOLOv8n.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		ClassNames:       detection.COCOClasses,
	}
}

// Validate checks the configuration before any model is loaded.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("yolo: model path required")
	}
	if c.ConfidenceThresh <= 0 || c.ConfidenceThresh > 1 {
		return fmt.Errorf("yolo: confidence threshold %.2f out of range", c.ConfidenceThresh)
	}
	if c.NMSThresh <= 0 || c.NMSThresh > 1 {
		return fmt.Errorf("yolo: NMS threshold %.2f out of range", c.NMSThresh)
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return fmt.Errorf("yolo: invalid input size %dx%d", c.InputWidth, c.InputHeight)
	}
	return nil
}

// Detector uses a YOLOv8 network for general object detection.
// Inference is serialized; one Detector can be shared by the stream loop and uploads.
type Detector struct {
	net       gocv.Net
	config    Config
	inputSize image.Point
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New loads the model described by cfg.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.ClassNames) == 0 {
		cfg.ClassNames = detection.COCOClasses
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", detection.ErrModelNotFound, cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("yolo: failed to load model from %s", cfg.ModelPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("yolo: set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("yolo: set target: %w", err)
	}

	logger.Info("yolo model loaded", "path", cfg.ModelPath, "classes", len(cfg.ClassNames))

	return &Detector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		log:       logger,
	}, nil
}

// Detect finds objects in img.
func (d *Detector) Detect(img image.Image) ([]detection.Object, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, detection.ErrEmptyImage
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	return d.DetectMat(mat)
}

// DetectMat finds objects in a BGR Mat, skipping the image.Image conversion.
func (d *Detector) DetectMat(mat gocv.Mat) ([]detection.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, detection.ErrClosed
	}
	if mat.Empty() {
		return nil, detection.ErrEmptyImage
	}

	imgW := float32(mat.Cols())
	imgH := float32(mat.Rows())

	blob := gocv.BlobFromImage(mat, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")

	output := d.net.Forward("")
	defer output.Close()

	objs, err := d.parseOutput(output, imgW, imgH)
	if err != nil {
		return nil, err
	}

	if len(objs) > 0 {
		d.log.Debug("yolo detections", "count", len(objs), "summary", detection.Summary(objs))
	}
	return objs, nil
}

// parseOutput decodes the YOLOv8 output tensor.
// Shape [1, 4+classes, anchors]: rows 0-3 are cx, cy, w, h in input pixels,
// the remaining rows are per-class scores.
func (d *Detector) parseOutput(output gocv.Mat, imgW, imgH float32) ([]detection.Object, error) {
	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("yolo: unexpected output shape %v", dims)
	}
	features := dims[1]
	anchors := dims[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("yolo: read output: %w", err)
	}
	if len(data) < features*anchors {
		return nil, fmt.Errorf("yolo: output has %d values, want %d", len(data), features*anchors)
	}

	scaleX := imgW / float32(d.config.InputWidth)
	scaleY := imgH / float32(d.config.InputHeight)

	var boxes []image.Rectangle
	var confidences []float32
	var classIDs []int

	for i := 0; i < anchors; i++ {
		maxScore := float32(0)
		maxClassID := 0

		for c := 4; c < features; c++ {
			score := data[c*anchors+i]
			if score > maxScore {
				maxScore = score
				maxClassID = c - 4
			}
		}

		if maxScore < d.config.ConfidenceThresh {
			continue
		}

		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		x1 := int((cx - w/2) * scaleX)
		y1 := int((cy - h/2) * scaleY)
		x2 := int((cx + w/2) * scaleX)
		y2 := int((cy + h/2) * scaleY)

		boxes = append(boxes, image.Rect(x1, y1, x2, y2))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, maxClassID)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, d.config.ConfidenceThresh, d.config.NMSThresh)

	objs := make([]detection.Object, 0, len(indices))
	for _, idx := range indices {
		box := boxes[idx].Intersect(image.Rect(0, 0, int(imgW), int(imgH)))
		if box.Empty() {
			continue
		}
		objs = append(objs, detection.Object{
			X:          float64(box.Min.X) / float64(imgW),
			Y:          float64(box.Min.Y) / float64(imgH),
			W:          float64(box.Dx()) / float64(imgW),
			H:          float64(box.Dy()) / float64(imgH),
			Confidence: float64(confidences[idx]),
			ClassID:    classIDs[idx],
			ClassName:  d.className(classIDs[idx]),
		})
	}
	return objs, nil
}

func (d *Detector) className(id int) string {
	if id >= 0 && id < len(d.config.ClassNames) {
		return d.config.ClassNames[id]
	}
	return detection.ClassName(id)
}

// Close releases the network. Further Detect calls return detection.ErrClosed.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}
