// Package webcam opens local capture devices and video files through OpenCV.
package webcam

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-yolocam/pkg/camera"
)

// NewOpener returns the opener for a CAMERA_DEVICE value.
// HTTP(S) URLs are read as MJPEG streams, anything else goes to OpenCV.
func NewOpener(device string) camera.Opener {
	if camera.IsStreamURL(device) {
		return camera.MJPEGOpener{URL: device}
	}
	return Opener{Device: device}
}

// Opener opens an OpenCV capture device.
// Device is a numeric index ("0") or a path to a video file.
type Opener struct {
	Device string
}

// Open opens the device and requests the configured resolution and FPS.
// Devices may ignore the request.
func (o Opener) Open(_ context.Context, cfg camera.Config) (camera.Source, error) {
	vc, err := gocv.OpenVideoCapture(o.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", camera.ErrOpenFailed, o.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", camera.ErrOpenFailed, o.Device)
	}

	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}

	return &Webcam{
		vc:  vc,
		mat: gocv.NewMat(),
	}, nil
}

// Webcam is an open OpenCV capture.
type Webcam struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

// Read grabs the next frame.
func (w *Webcam) Read() (image.Image, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, camera.ErrReadFailed
	}
	if ok := w.vc.Read(&w.mat); !ok || w.mat.Empty() {
		return nil, camera.ErrReadFailed
	}

	img, err := w.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrReadFailed, err)
	}
	return img, nil
}

// Close releases the device. Safe to call more than once.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.mat.Close()
	return w.vc.Close()
}
