package web

import (
	"bufio"
	"context"
	"errors"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-yolocam/pkg/camera"
	"github.com/teslashibe/go-yolocam/pkg/hub"
	"github.com/teslashibe/go-yolocam/pkg/stream"
	"github.com/teslashibe/go-yolocam/pkg/upload"
)

// Flash messages shown on the index page.
const (
	msgStarted        = "✅ Real-time detection started."
	msgAlreadyRunning = "ℹ️ Real-time detection is already running."
	msgStopped        = "🛑 Real-time detection stopped."
	msgUploaded       = "✅ Image uploaded and detected successfully."
	msgNoFile         = "No file part"
	msgNoSelection    = "No selected file"
	msgInvalidType    = "Invalid file type. Please upload a .jpg, .jpeg, .png, or .gif file."
	msgDetectFailed   = "Detection failed for this image."
	msgTooLarge       = "File is too large to upload."
)

const (
	flashKey    = "flashes"
	uploadedKey = "uploaded_image"
)

type indexData struct {
	Detecting     bool
	UploadedImage string
	Flashes       []string
}

// handleIndex renders the UI and consumes pending flash messages.
func (s *Server) handleIndex(c *fiber.Ctx) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}

	data := indexData{Detecting: s.controller.Running()}
	data.Flashes, _ = sess.Get(flashKey).([]string)
	data.UploadedImage, _ = sess.Get(uploadedKey).(string)

	if len(data.Flashes) > 0 {
		sess.Delete(flashKey)
		if err := sess.Save(); err != nil {
			return err
		}
	}

	c.Type("html", "utf-8")
	return s.index.Execute(c, data)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	msg := msgStarted
	sess, err := s.controller.Start()
	switch {
	case errors.Is(err, stream.ErrAlreadyRunning):
		msg = msgAlreadyRunning
	case err != nil:
		return err
	default:
		s.log.Info("real-time detection started", "session", sess.ID)
	}
	return s.redirect(c, msg)
}

// handleStop is idempotent: stopping an idle stream only flashes.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if sess := s.controller.Stop(); sess != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), s.stopTimeout)
		defer cancel()
		if err := sess.Wait(ctx); err != nil {
			s.log.Warn("stream did not stop in time", "session", sess.ID, "timeout", s.stopTimeout)
		}
	}
	return s.redirect(c, msgStopped)
}

// handleVideoFeed streams annotated frames as multipart JPEG. With no
// running session the body is empty.
func (s *Server) handleVideoFeed(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, stream.ContentType)
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store")
	c.Status(fiber.StatusOK)

	sub, err := s.controller.Subscribe()
	if err != nil {
		return nil
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if err := stream.Feed(sub, w, w.Flush); err != nil {
			s.log.Debug("viewer disconnected", "error", err)
		}
	})
	return nil
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := uploadedFile(c)
	if err != nil {
		return s.redirect(c, uploadMessage(err))
	}

	f, err := fh.Open()
	if err != nil {
		return s.redirect(c, msgNoFile)
	}
	defer f.Close()

	res, err := s.uploads.Save(fh.Filename, f)
	if err != nil {
		s.log.Warn("upload rejected", "file", fh.Filename, "error", err)
		return s.redirect(c, uploadMessage(err))
	}

	return s.redirect(c, msgUploaded, func(sess *session.Session) {
		sess.Set(uploadedKey, res.AnnotatedName)
	})
}

// uploadedFile returns the "image" file part.
func uploadedFile(c *fiber.Ctx) (*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, upload.ErrNoFile
	}
	if files := form.File["image"]; len(files) > 0 {
		if files[0].Filename == "" {
			return nil, upload.ErrEmptyFilename
		}
		return files[0], nil
	}
	// A file input submitted with nothing selected arrives as a plain value.
	if _, ok := form.Value["image"]; ok {
		return nil, upload.ErrEmptyFilename
	}
	return nil, upload.ErrNoFile
}

func uploadMessage(err error) string {
	switch {
	case errors.Is(err, upload.ErrNoFile):
		return msgNoFile
	case errors.Is(err, upload.ErrEmptyFilename):
		return msgNoSelection
	case errors.Is(err, upload.ErrInvalidType):
		return msgInvalidType
	default:
		return msgDetectFailed
	}
}

// redirect queues a flash message, applies extra session updates and
// sends the browser back to the index page.
func (s *Server) redirect(c *fiber.Ctx, msg string, updates ...func(*session.Session)) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}

	flashes, _ := sess.Get(flashKey).([]string)
	sess.Set(flashKey, append(flashes, msg))
	for _, update := range updates {
		update(sess)
	}
	if err := sess.Save(); err != nil {
		return err
	}

	return c.Redirect("/")
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	stream.Status
	Snapshots int `json:"snapshots"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{Status: s.controller.Status()}
	if s.snapshots != nil {
		resp.Snapshots = s.snapshots.Count()
	}
	return c.JSON(resp)
}

// SnapshotsResponse is returned by GET /api/snapshots.
type SnapshotsResponse struct {
	Enabled bool     `json:"enabled"`
	Count   int      `json:"count"`
	Files   []string `json:"files"`
}

// handleSnapshots lists stored snapshots, oldest first. Files are served
// under /snapshots/.
func (s *Server) handleSnapshots(c *fiber.Ctx) error {
	resp := SnapshotsResponse{Files: []string{}}
	if s.snapshots != nil {
		resp.Enabled = true
		resp.Files = s.snapshots.List()
		resp.Count = len(resp.Files)
	}
	return c.JSON(resp)
}

// CameraResponse is returned by the camera endpoints.
type CameraResponse struct {
	Config  camera.Config `json:"config"`
	Presets []string      `json:"presets"`
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(CameraResponse{
		Config:  s.camera.GetConfig(),
		Presets: camera.PresetNames(),
	})
}

// handleUpdateCamera applies a partial update. Resolution changes take
// effect when the next session starts.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON body",
		})
	}

	if err := s.camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return s.handleGetCamera(c)
}

// handleCameraWS streams the running session's frames as binary messages
// and per-frame detections as JSON text messages.
func (s *Server) handleCameraWS(conn *websocket.Conn) {
	h, err := s.controller.Hub()
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream not running"))
		return
	}

	client, err := hub.NewClient(h, conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
		return
	}
	client.Run()
}
