package detection

import (
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRemote_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host/detect", "::"} {
		if _, err := NewRemote(u); err == nil {
			t.Errorf("NewRemote(%q) should fail", u)
		}
	}
}

func TestRemote_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
		img, err := jpeg.Decode(r.Body)
		if err != nil {
			t.Errorf("body is not a JPEG: %v", err)
		} else if img.Bounds().Dx() != 32 {
			t.Errorf("width = %d", img.Bounds().Dx())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"objects":[
			{"x":0.1,"y":0.2,"w":0.3,"h":0.4,"confidence":0.9,"class_id":0},
			{"x":0.5,"y":0.5,"w":0.1,"h":0.1,"confidence":0.6,"class_id":16,"class_name":"doggo"}
		]}`))
	}))
	defer srv.Close()

	r, err := NewRemote(srv.URL)
	if err != nil {
		t.Fatalf("NewRemote() error: %v", err)
	}

	objs, err := r.Detect(blackImage(32, 24))
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}
	if objs[0].ClassName != "person" {
		t.Errorf("class name should default from COCO, got %q", objs[0].ClassName)
	}
	if objs[1].ClassName != "doggo" {
		t.Errorf("explicit class name overwritten: %q", objs[1].ClassName)
	}
	if objs[0].X != 0.1 || objs[0].H != 0.4 {
		t.Errorf("box = %+v", objs[0])
	}
}

func TestRemote_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, _ := NewRemote(srv.URL)
	_, err := r.Detect(blackImage(8, 8))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Detect() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || !apiErr.IsServerError() {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Message != "model warming up" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestRemote_Closed(t *testing.T) {
	r, _ := NewRemote("http://127.0.0.1:1/detect")
	r.Close()
	if _, err := r.Detect(blackImage(8, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("Detect() after Close = %v, want ErrClosed", err)
	}
}

func TestRemote_MinConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"objects":[
			{"confidence":0.9,"class_id":2},
			{"confidence":0.3,"class_id":3}
		]}`))
	}))
	defer srv.Close()

	r, err := NewRemote(srv.URL, WithMinConfidence(0.5))
	if err != nil {
		t.Fatal(err)
	}
	objs, err := r.Detect(blackImage(8, 8))
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 || objs[0].ClassName != "car" {
		t.Errorf("got %+v, want only the car", objs)
	}
}
