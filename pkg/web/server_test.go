package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/teslashibe/go-yolocam/internal/log"
	"github.com/teslashibe/go-yolocam/pkg/camera"
	"github.com/teslashibe/go-yolocam/pkg/detection"
	"github.com/teslashibe/go-yolocam/pkg/snapshot"
	"github.com/teslashibe/go-yolocam/pkg/stream"
	"github.com/teslashibe/go-yolocam/pkg/upload"
)

type testEnv struct {
	srv    *Server
	ctrl   *stream.Controller
	opener *camera.MockOpener
	dir    string
	cookie *http.Cookie
}

func frame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 48, 32))
	for x := 0; x < 48; x++ {
		img.Set(x, 16, color.White)
	}
	return img
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	f := frame()
	opener := &camera.MockOpener{Source: &camera.MockSource{
		ReadFunc: func() (image.Image, error) {
			time.Sleep(2 * time.Millisecond)
			return f, nil
		},
	}}
	annotator := detection.NewOverlay(detection.NewMock(detection.Object{
		X: 0.2, Y: 0.2, W: 0.4, H: 0.4, Confidence: 0.9, ClassName: "person",
	}))

	ctrl, err := stream.NewController(stream.Options{
		Opener:    opener,
		Annotator: annotator,
		Logger:    log.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	uploads, err := upload.NewStore(dir, annotator, log.Discard())
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Controller:  ctrl,
		Uploads:     uploads,
		StopTimeout: 2 * time.Second,
		Logger:      log.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if s := ctrl.Stop(); s != nil {
			<-s.Done()
		}
	})
	return &testEnv{srv: srv, ctrl: ctrl, opener: opener, dir: dir}
}

// do sends req through the app, carrying the session cookie across calls.
func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	resp, err := e.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			e.cookie = c
		}
	}
	return resp
}

func (e *testEnv) post(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodPost, path, nil))
}

func (e *testEnv) index(t *testing.T) string {
	t.Helper()
	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func expectRedirect(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("got %d Location=%q, want 302 to /", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestIndex_Stopped(t *testing.T) {
	e := newTestEnv(t)
	body := e.index(t)
	if !strings.Contains(body, `class="state off"`) {
		t.Error("index should show stopped state")
	}
	if strings.Contains(body, "/video_feed") {
		t.Error("feed image should not render while stopped")
	}
}

func TestStartStop(t *testing.T) {
	e := newTestEnv(t)

	expectRedirect(t, e.post(t, "/start-realtime"))
	if !e.ctrl.Running() {
		t.Fatal("controller not running after start")
	}
	body := e.index(t)
	if !strings.Contains(body, msgStarted) || !strings.Contains(body, `src="/video_feed"`) {
		t.Errorf("index after start missing flash or feed: %s", body)
	}

	// Flashes are shown once.
	if strings.Contains(e.index(t), msgStarted) {
		t.Error("flash message rendered twice")
	}

	expectRedirect(t, e.post(t, "/stop-realtime"))
	if e.ctrl.Running() {
		t.Fatal("controller still running after stop")
	}
	if !strings.Contains(e.index(t), msgStopped) {
		t.Error("stop flash missing")
	}
}

func TestStart_WhileRunning(t *testing.T) {
	e := newTestEnv(t)

	e.post(t, "/start-realtime")
	expectRedirect(t, e.post(t, "/start-realtime"))

	if !strings.Contains(e.index(t), msgAlreadyRunning) {
		t.Error("second start should flash already running")
	}
	if e.opener.Opens() != 1 {
		t.Errorf("camera opened %d times, want 1", e.opener.Opens())
	}
}

func TestStop_WhenStopped(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 2; i++ {
		expectRedirect(t, e.post(t, "/stop-realtime"))
	}
	if e.ctrl.Running() {
		t.Error("Running() = true")
	}
}

func TestVideoFeed_Stopped(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	if got := resp.Header.Get("Content-Type"); got != stream.ContentType {
		t.Errorf("Content-Type = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %d bytes, want empty", len(body))
	}
}

func TestVideoFeed_Running(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, "/start-realtime")

	go func() {
		time.Sleep(200 * time.Millisecond)
		e.ctrl.Stop()
	}()

	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	if got := resp.Header.Get("Content-Type"); got != stream.ContentType {
		t.Errorf("Content-Type = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)

	chunk := "--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8"
	if !bytes.HasPrefix(body, []byte(chunk)) {
		t.Fatalf("feed does not start with a JPEG chunk: %q", body[:min(len(body), 48)])
	}
	if n := bytes.Count(body, []byte(chunk)); n < 2 {
		t.Errorf("got %d chunks, want several", n)
	}
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()
	return &buf, w.FormDataContentType()
}

func pngData(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame()); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (e *testEnv) upload(t *testing.T, field, filename string, data []byte) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, field, filename, data)
	req := httptest.NewRequest(http.MethodPost, "/upload-image", body)
	req.Header.Set("Content-Type", ct)
	return e.do(t, req)
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name      string
		field     string
		filename  string
		wantFlash string
		wantFiles int
	}{
		{"valid", "image", "cat.png", msgUploaded, 2},
		{"wrong field", "photo", "cat.png", msgNoFile, 0},
		{"empty filename", "image", "", msgNoSelection, 0},
		{"bad extension", "image", "cat.bmp", msgInvalidType, 0},
		{"no extension", "image", "cat", msgInvalidType, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)

			expectRedirect(t, e.upload(t, tc.field, tc.filename, pngData(t)))

			body := e.index(t)
			if !strings.Contains(body, tc.wantFlash) {
				t.Errorf("flash %q missing", tc.wantFlash)
			}
			entries, _ := os.ReadDir(e.dir)
			if len(entries) != tc.wantFiles {
				t.Errorf("%d files written, want %d", len(entries), tc.wantFiles)
			}
			if tc.wantFiles == 2 && !strings.Contains(body, `src="/uploads/annotated_cat.png"`) {
				t.Error("annotated image not shown")
			}
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	e := newTestEnv(t)
	expectRedirect(t, e.post(t, "/upload-image"))
	if !strings.Contains(e.index(t), msgNoFile) {
		t.Error("missing file flash")
	}
}

func TestUploads_Served(t *testing.T) {
	e := newTestEnv(t)
	e.upload(t, "image", "cat.png", pngData(t))

	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/uploads/annotated_cat.png", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, err := png.Decode(resp.Body); err != nil {
		t.Errorf("served file is not a PNG: %v", err)
	}
}

func TestAPIStatus(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, "/start-realtime")

	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.SessionID == "" || st.StartedAt == nil {
		t.Errorf("status = %+v", st)
	}
}

func TestAPISnapshots(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := newTestEnv(t)
		resp := e.do(t, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))
		var got SnapshotsResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.Enabled || got.Count != 0 || got.Files == nil {
			t.Errorf("snapshots = %+v", got)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		snaps, err := snapshot.New(t.TempDir(), snapshot.Options{Logger: log.Discard()})
		if err != nil {
			t.Fatal(err)
		}
		name, err := snaps.Save([]byte{0xFF, 0xD8, 0xFF, 0xD9})
		if err != nil {
			t.Fatal(err)
		}
		e := newTestEnv(t, func(o *Options) { o.Snapshots = snaps })

		resp := e.do(t, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))
		var got SnapshotsResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		base := filepath.Base(name)
		if !got.Enabled || got.Count != 1 || got.Files[0] != base {
			t.Fatalf("snapshots = %+v", got)
		}

		resp = e.do(t, httptest.NewRequest(http.MethodGet, "/snapshots/"+base, nil))
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET /snapshots/%s status = %d", base, resp.StatusCode)
		}
	})
}

func TestUpload_TooLarge(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.MaxUploadBytes = 1024 })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go e.srv.Serve(ln)
	defer e.srv.App().ShutdownWithTimeout(time.Second)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// The body is never sent; the declared length alone exceeds the limit.
	req := httptest.NewRequest(http.MethodPost, "/upload-image", nil)
	fmt.Fprintf(conn, "POST /upload-image HTTP/1.1\r\nHost: %s\r\n"+
		"Content-Type: multipart/form-data; boundary=x\r\nContent-Length: 65536\r\n\r\n", ln.Addr())

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	resp.Body.Close()
	expectRedirect(t, resp)
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			e.cookie = c
		}
	}
	if e.cookie == nil {
		t.Fatal("no session cookie on redirect")
	}

	if body := e.index(t); !strings.Contains(body, msgTooLarge) {
		t.Error("too large flash missing")
	}
	if entries, _ := os.ReadDir(e.dir); len(entries) != 0 {
		t.Errorf("%d files written, want 0", len(entries))
	}
}

func TestAPICamera(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/api/camera", nil))
	var cam CameraResponse
	if err := json.NewDecoder(resp.Body).Decode(&cam); err != nil {
		t.Fatal(err)
	}
	if cam.Config != camera.DefaultConfig() || len(cam.Presets) != 4 {
		t.Errorf("GET /api/camera = %+v", cam)
	}

	put := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPut, "/api/camera", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return e.do(t, req)
	}

	resp = put(`{"preset":"low","quality":60}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	json.NewDecoder(resp.Body).Decode(&cam)
	if cam.Config.Width != 320 || cam.Config.Quality != 60 {
		t.Errorf("PUT result = %+v", cam.Config)
	}

	for _, body := range []string{`{"quality":0}`, `{"preset":"8k"}`, `not json`} {
		if resp := put(body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCameraWS(t *testing.T) {
	e := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go e.srv.Serve(ln)
	defer e.srv.App().ShutdownWithTimeout(time.Second)

	e.ctrl.Start()

	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/camera", nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var gotFrame bool
	for !gotFrame {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error: %v", err)
		}
		gotFrame = kind == gorilla.BinaryMessage && len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8
	}

	e.ctrl.Stop()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				t.Errorf("expected normal close, got %v", err)
			}
			break
		}
	}
}

func TestCameraWS_RequiresUpgrade(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/ws/camera", nil))
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}
