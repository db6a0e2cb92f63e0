// Package stream runs the live capture, detect, encode and broadcast loop
// behind a start/stop control surface.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"github.com/teslashibe/go-yolocam/pkg/camera"
	"github.com/teslashibe/go-yolocam/pkg/detection"
	"github.com/teslashibe/go-yolocam/pkg/hub"
)

// DefaultMaxConsecutiveFailures ends a session after this many detect or
// encode failures in a row.
const DefaultMaxConsecutiveFailures = 30

// viewerBuffer is the per-viewer queue depth for /video_feed.
const viewerBuffer = 8

var (
	// ErrAlreadyRunning is returned by Start when a session is active.
	ErrAlreadyRunning = errors.New("stream: already running")

	// ErrNotRunning is returned by Subscribe when no session is active.
	ErrNotRunning = errors.New("stream: not running")

	// ErrTooManyFailures ends a session whose frames keep failing.
	ErrTooManyFailures = errors.New("stream: too many consecutive failures")
)

// Encoder turns an annotated frame into JPEG bytes.
type Encoder func(img image.Image, quality int) ([]byte, error)

// EncodeJPEG is the default Encoder.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameSaver persists encoded frames.
type FrameSaver interface {
	Save(jpeg []byte) (string, error)
}

// FrameInfo is broadcast as JSON after each frame.
type FrameInfo struct {
	Session string             `json:"session"`
	Seq     int64              `json:"seq"`
	Summary string             `json:"summary"`
	Objects []detection.Object `json:"objects"`
}

// Options configures a Controller.
type Options struct {
	Opener    camera.Opener       // Required
	Annotator detection.Annotator // Required
	Camera    *camera.Manager     // Capture settings, defaults to camera.NewManager()
	Encoder   Encoder             // Defaults to EncodeJPEG
	Snapshots FrameSaver          // Nil disables snapshots

	MaxConsecutiveFailures int // Defaults to DefaultMaxConsecutiveFailures

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller owns at most one running Session.
type Controller struct {
	opener      camera.Opener
	annotator   detection.Annotator
	camera      *camera.Manager
	encode      Encoder
	snapshots   FrameSaver
	maxFailures int
	clock       clock.Clock
	log         *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewController validates opts and returns an idle controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Opener == nil {
		return nil, errors.New("stream: opener is required")
	}
	if opts.Annotator == nil {
		return nil, errors.New("stream: annotator is required")
	}
	if opts.Camera == nil {
		opts.Camera = camera.NewManager()
	}
	if opts.Encoder == nil {
		opts.Encoder = EncodeJPEG
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Controller{
		opener:      opts.Opener,
		annotator:   opts.Annotator,
		camera:      opts.Camera,
		encode:      opts.Encoder,
		snapshots:   opts.Snapshots,
		maxFailures: opts.MaxConsecutiveFailures,
		clock:       opts.Clock,
		log:         opts.Logger,
	}, nil
}

// Start launches a new session. If one is already running it is returned
// with ErrAlreadyRunning and nothing new is launched. A stopped session
// still releasing the camera is waited for without holding the lock.
func (c *Controller) Start() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		prev := c.current
		if prev != nil && prev.Active() {
			return prev, ErrAlreadyRunning
		}
		if prev == nil || prev.finished() {
			break
		}
		c.mu.Unlock()
		<-prev.Done()
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New("video", c.log)
	s := newSession(cancel, h, c.clock.Now())
	c.current = s

	go h.Run(ctx)
	go c.run(ctx, s)

	c.log.Info("stream started", "session", s.ID)
	return s, nil
}

// Stop cancels the running session and returns it so the caller can Wait.
// Returns nil when nothing is running.
func (c *Controller) Stop() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current
	if s == nil || !s.Active() {
		return nil
	}
	s.stop()
	c.log.Info("stream stop requested", "session", s.ID)
	return s
}

// Running reports whether a session is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.Active()
}

// Current returns the most recent session, running or not.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe attaches a viewer to the running session.
func (c *Controller) Subscribe() (*hub.Subscription, error) {
	return c.subscribe(viewerBuffer)
}

// Hub returns the running session's hub for websocket viewers.
func (c *Controller) Hub() (*hub.Hub, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.current.Active() {
		return nil, ErrNotRunning
	}
	return c.current.hub, nil
}

func (c *Controller) subscribe(buffer int) (*hub.Subscription, error) {
	h, err := c.Hub()
	if err != nil {
		return nil, err
	}
	sub, err := h.Subscribe(buffer)
	if errors.Is(err, hub.ErrClosed) {
		return nil, ErrNotRunning
	}
	return sub, err
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running   bool       `json:"running"`
	SessionID string     `json:"session_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Frames    int64      `json:"frames"`
	Skipped   int64      `json:"skipped"`
	Dropped   int64      `json:"dropped"`
	Viewers   int        `json:"viewers"`
	LastError string     `json:"last_error,omitempty"`
}

// Status reports the state of the most recent session.
func (c *Controller) Status() Status {
	s := c.Current()
	if s == nil {
		return Status{}
	}

	started := s.StartedAt
	st := Status{
		Running:   s.Active(),
		SessionID: s.ID.String(),
		StartedAt: &started,
		Frames:    s.Frames(),
		Skipped:   s.Skipped(),
		Dropped:   s.Dropped(),
		Viewers:   s.Viewers(),
	}
	if err := s.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// run is the session loop. It exits when the session is cancelled, the
// camera fails, or too many frames in a row cannot be processed.
func (c *Controller) run(ctx context.Context, s *Session) {
	log := c.log.With("session", s.ID)

	var err error
	defer func() {
		s.finish(err)
		if err != nil {
			log.Error("stream ended", "error", err, "frames", s.Frames(), "skipped", s.Skipped())
		} else {
			log.Info("stream stopped", "frames", s.Frames(), "skipped", s.Skipped())
		}
	}()

	src, err := c.opener.Open(ctx, c.camera.GetConfig())
	if err != nil {
		err = fmt.Errorf("open camera: %w", err)
		return
	}
	defer src.Close()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		frame, readErr := src.Read()
		if readErr != nil {
			if ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("read frame: %w", readErr)
			return
		}

		data, objs, procErr := c.process(frame)
		if procErr != nil {
			s.skipped.Add(1)
			failures++
			log.Debug("frame skipped", "error", procErr, "consecutive", failures)
			if failures >= c.maxFailures {
				err = fmt.Errorf("%w: %v", ErrTooManyFailures, procErr)
				return
			}
			continue
		}
		failures = 0

		seq := s.frames.Add(1)
		s.hub.BroadcastBinary(data)
		if jsonErr := s.hub.BroadcastJSON(FrameInfo{
			Session: s.ID.String(),
			Seq:     seq,
			Summary: detection.Summary(objs),
			Objects: objs,
		}); jsonErr != nil {
			log.Debug("frame info not broadcast", "error", jsonErr)
		}

		if c.snapshots != nil {
			if _, saveErr := c.snapshots.Save(data); saveErr != nil {
				log.Warn("snapshot failed", "error", saveErr)
			}
		}
	}
}

func (c *Controller) process(frame image.Image) ([]byte, []detection.Object, error) {
	annotated, err := c.annotator.Annotate(frame)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.encode(annotated.Image, c.camera.Quality())
	if err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	return data, annotated.Objects, nil
}
