// Package web serves the detection UI, the live feed and the JSON API.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/teslashibe/go-yolocam/pkg/camera"
	"github.com/teslashibe/go-yolocam/pkg/stream"
	"github.com/teslashibe/go-yolocam/pkg/upload"
)

//go:embed templates/index.html
var templates embed.FS

// DefaultStopTimeout bounds how long a stop request waits for the loop.
const DefaultStopTimeout = 5 * time.Second

// Snapshots lists stored frame snapshots.
type Snapshots interface {
	Count() int
	List() []string
	Dir() string
}

// Options configures a Server.
type Options struct {
	Controller *stream.Controller // Required
	Uploads    *upload.Store      // Required
	Camera     *camera.Manager    // Defaults to camera.NewManager()
	Snapshots  Snapshots          // Optional

	StopTimeout    time.Duration
	MaxUploadBytes int

	// Debug enables the request logger.
	Debug  bool
	Logger *slog.Logger
}

// Server is the web server
type Server struct {
	app *fiber.App

	controller  *stream.Controller
	uploads     *upload.Store
	camera      *camera.Manager
	snapshots   Snapshots
	stopTimeout time.Duration

	sessions *session.Store
	index    *template.Template
	log      *slog.Logger
}

// NewServer creates the server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("web: controller is required")
	}
	if opts.Uploads == nil {
		return nil, errors.New("web: upload store is required")
	}
	if opts.Camera == nil {
		opts.Camera = camera.NewManager()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	index, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		controller:  opts.Controller,
		uploads:     opts.Uploads,
		camera:      opts.Camera,
		snapshots:   opts.Snapshots,
		stopTimeout: opts.StopTimeout,
		index:       index,
		log:         opts.Logger,
		sessions: session.New(session.Config{
			KeyGenerator:   uuid.NewString,
			CookieHTTPOnly: true,
			CookieSameSite: "Lax",
		}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "yolocam",
		DisableStartupMessage: true,
		BodyLimit:             opts.MaxUploadBytes,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if opts.Debug {
		app.Use(logger.New())
	}

	// Pages
	app.Get("/", s.handleIndex)
	app.Post("/start-realtime", s.handleStart)
	app.Post("/stop-realtime", s.handleStop)
	app.Get("/video_feed", s.handleVideoFeed)
	app.Post("/upload-image", s.handleUpload)

	// Uploaded originals and annotated copies
	app.Static("/uploads", s.uploads.Dir())

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)
	api.Get("/snapshots", s.handleSnapshots)

	if s.snapshots != nil {
		app.Static("/snapshots", s.snapshots.Dir())
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s, nil
}

// handleError turns an oversized upload into a flash message and leaves
// every other error to fiber's default handler.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	if errors.Is(err, fiber.ErrRequestEntityTooLarge) && c.Path() == "/upload-image" {
		s.log.Warn("upload rejected", "error", err)
		return s.redirect(c, msgTooLarge)
	}
	return fiber.DefaultErrorHandler(c, err)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("web server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the running stream so open feeds finish, then stops the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if sess := s.controller.Stop(); sess != nil {
		err = multierr.Append(err, sess.Wait(ctx))
	}
	return multierr.Append(err, s.app.ShutdownWithContext(ctx))
}
