package camera

import (
	"context"
	"fmt"
	"image"
	"mime"
	"net/http"
	"strings"

	"github.com/mattn/go-mjpeg"

	"github.com/teslashibe/go-yolocam/internal/httpc"
)

// MJPEGOpener reads frames from a network camera serving
// multipart/x-mixed-replace JPEG over HTTP.
type MJPEGOpener struct {
	URL string
}

// IsStreamURL reports whether device names a network MJPEG stream.
func IsStreamURL(device string) bool {
	return strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")
}

// Open connects to the camera. Cancelling ctx aborts a blocked Read.
// Resolution settings are the camera's business and are ignored here.
func (o MJPEGOpener) Open(ctx context.Context, _ Config) (Source, error) {
	resp, err := httpc.Get(ctx, httpc.Streaming, o.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, o.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: status %d", ErrOpenFailed, o.URL, resp.StatusCode)
	}

	boundary, err := boundaryOf(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, o.URL, err)
	}

	return &mjpegSource{
		resp: resp,
		dec:  mjpeg.NewDecoder(resp.Body, boundary),
	}, nil
}

type mjpegSource struct {
	resp *http.Response
	dec  *mjpeg.Decoder
}

func (s *mjpegSource) Read() (image.Image, error) {
	img, err := s.dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return img, nil
}

func (s *mjpegSource) Close() error {
	return s.resp.Body.Close()
}

// boundaryOf extracts the multipart boundary from a Content-Type header.
// Cameras commonly send "boundary=--frame"; the leading dashes are dropped.
func boundaryOf(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("not a multipart stream: %s", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", fmt.Errorf("missing boundary")
	}
	return boundary, nil
}
