package camera

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrOpenFailed is returned when a device cannot be opened.
	ErrOpenFailed = errors.New("camera: open failed")

	// ErrReadFailed is returned when a frame cannot be acquired.
	ErrReadFailed = errors.New("camera: frame read failed")
)

// Source produces frames from an open device.
// A Source is owned by one goroutine at a time.
type Source interface {
	// Read blocks until the next frame is available.
	Read() (image.Image, error)

	// Close releases the device.
	Close() error
}

// Opener opens a device for exclusive use by one stream session.
type Opener interface {
	Open(ctx context.Context, cfg Config) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg Config) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg Config) (Source, error) {
	return f(ctx, cfg)
}
