package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/teslashibe/go-yolocam/internal/log"
)

func TestName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC)
	if got, want := Name(ts), "frame_20240309_140507_123456.jpg"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestStore_SaveUsesClock(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC))

	s, err := New(dir, Options{Clock: mock, Logger: log.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	path, err := s.Save([]byte("jpeg"))
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if want := filepath.Join(dir, "frame_20240102_030405_000006.jpg"); path != want {
		t.Errorf("Save() = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "jpeg" {
		t.Errorf("file contents = %q, %v", data, err)
	}
}

func TestStore_Retention(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(dir, Options{MaxFiles: 3, Clock: mock, Logger: log.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	var saved []string
	for i := 0; i < 5; i++ {
		p, err := s.Save([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		saved = append(saved, filepath.Base(p))
		mock.Add(time.Millisecond)
	}

	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Errorf("%d files on disk, want 3", len(entries))
	}

	got := s.List()
	for i, name := range saved[2:] {
		if got[i] != name {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestNew_IndexesExisting(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"frame_20240101_000000_000001.jpg",
		"frame_20240101_000000_000002.jpg",
		"frame_20240101_000000_000003.jpg",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := New(dir, Options{MaxFiles: 2, Logger: log.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
	if _, err := os.Stat(filepath.Join(dir, "frame_20240101_000000_000001.jpg")); !os.IsNotExist(err) {
		t.Error("oldest snapshot should have been pruned on open")
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("non-snapshot files must be left alone")
	}
}

func TestNew_RejectsNegativeCap(t *testing.T) {
	if _, err := New(t.TempDir(), Options{MaxFiles: -1}); err == nil {
		t.Error("New() should reject negative MaxFiles")
	}
}
