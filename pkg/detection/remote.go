package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-yolocam/internal/httpc"
)

const (
	defaultRemoteTimeout = 10 * time.Second
	defaultRemoteQuality = 90
	maxErrorBody         = 4096
)

// Remote sends frames to an HTTP inference service.
//
// The service receives a JPEG body (Content-Type: image/jpeg) and answers
// with {"objects": [{"x":..,"y":..,"w":..,"h":..,"confidence":..,"class_id":..}]}
// in normalized coordinates.
type Remote struct {
	url     string
	timeout time.Duration
	quality int
	minConf float64
	closed  atomic.Bool
}

// RemoteOption configures a Remote detector.
type RemoteOption func(*Remote)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.timeout = d }
}

// WithMinConfidence drops objects scored below c.
func WithMinConfidence(c float64) RemoteOption {
	return func(r *Remote) { r.minConf = c }
}

// NewRemote creates a detector for the service at endpoint.
func NewRemote(endpoint string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse detector url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("detector url must be http(s): %q", endpoint)
	}

	r := &Remote{
		url:     endpoint,
		timeout: defaultRemoteTimeout,
		quality: defaultRemoteQuality,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Detect uploads img and decodes the returned objects.
func (r *Remote) Detect(img image.Image) ([]Object, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := httpc.Post(ctx, r.url, "image/jpeg", buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("post frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	var out struct {
		Objects []Object `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	objs := out.Objects[:0]
	for _, o := range out.Objects {
		if o.Confidence < r.minConf {
			continue
		}
		if o.ClassName == "" {
			o.ClassName = ClassName(o.ClassID)
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// Close marks the detector closed. Idle connections belong to the shared client.
func (r *Remote) Close() error {
	r.closed.Store(true)
	return nil
}
