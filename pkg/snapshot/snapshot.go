// Package snapshot persists streamed frames under timestamped names.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	prefix = "frame_"
	ext    = ".jpg"
)

// Name returns the snapshot filename for t:
// frame_YYYYMMDD_HHMMSS_ffffff.jpg with microsecond precision.
func Name(t time.Time) string {
	return prefix + t.Format("20060102_150405") + fmt.Sprintf("_%06d", t.Nanosecond()/1000) + ext
}

// Options configures a Store.
type Options struct {
	// MaxFiles caps how many snapshots are kept. Zero keeps everything.
	MaxFiles int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Store writes JPEG frames into a directory and prunes the oldest ones.
type Store struct {
	dir      string
	maxFiles int
	clock    clock.Clock
	log      *slog.Logger

	mu    sync.Mutex
	files []string // oldest first
}

// New opens dir, creating it if needed, and indexes existing snapshots.
func New(dir string, opts Options) (*Store, error) {
	if opts.MaxFiles < 0 {
		return nil, fmt.Errorf("snapshot: negative MaxFiles %d", opts.MaxFiles)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", dir, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, prefix+"*"+ext))
	if err != nil {
		return nil, fmt.Errorf("snapshot: index %s: %w", dir, err)
	}
	sort.Strings(files)

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		dir:      dir,
		maxFiles: opts.MaxFiles,
		clock:    opts.Clock,
		log:      opts.Logger,
		files:    files,
	}

	s.mu.Lock()
	s.pruneLocked()
	s.mu.Unlock()

	return s, nil
}

// Save writes one JPEG frame and returns its path.
func (s *Store) Save(jpeg []byte) (string, error) {
	path := filepath.Join(s.dir, Name(s.clock.Now()))

	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Two frames within one microsecond share a name; the file was overwritten.
	if n := len(s.files); n == 0 || s.files[n-1] != path {
		s.files = append(s.files, path)
	}
	s.pruneLocked()

	return path, nil
}

func (s *Store) pruneLocked() {
	if s.maxFiles == 0 {
		return
	}
	for len(s.files) > s.maxFiles {
		old := s.files[0]
		s.files = s.files[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to prune snapshot", "path", old, "error", err)
		}
	}
}

// Count returns how many snapshots are on disk.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// List returns snapshot base names, oldest first.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.files))
	for i, f := range s.files {
		names[i] = filepath.Base(f)
	}
	return names
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}
