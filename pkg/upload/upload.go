// Package upload validates, stores and annotates single uploaded images.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/teslashibe/go-yolocam/pkg/detection"
)

// AnnotatedPrefix is prepended to the original name for the annotated copy.
const AnnotatedPrefix = "annotated_"

var (
	// ErrNoFile means the request carried no file part.
	ErrNoFile = errors.New("upload: no file part")

	// ErrEmptyFilename means a file part was sent without a name.
	ErrEmptyFilename = errors.New("upload: no selected file")

	// ErrInvalidType means the extension is not an allowed image type.
	ErrInvalidType = errors.New("upload: invalid file type")
)

var allowed = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
}

// AllowedFile reports whether name has an allowed image extension.
// The comparison is case-insensitive.
func AllowedFile(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	return allowed[strings.ToLower(name[i+1:])]
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename strips directory components and unsafe characters.
// It returns "" when nothing usable is left.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base("/" + name)

	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")

	if name == "" || name == "." {
		return ""
	}
	return name
}

// Result describes a completed upload.
type Result struct {
	Name          string             // Sanitized original filename
	Path          string             // Where the original was written
	AnnotatedName string             // annotated_<Name>
	AnnotatedPath string             // Where the annotated copy was written
	Objects       []detection.Object // Detections drawn on the copy
}

// Store writes uploads into a directory and annotates them.
type Store struct {
	dir       string
	annotator detection.Annotator
	log       *slog.Logger
}

// NewStore creates dir if needed.
func NewStore(dir string, annotator detection.Annotator, logger *slog.Logger) (*Store, error) {
	if annotator == nil {
		return nil, errors.New("upload: annotator is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, annotator: annotator, log: logger}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save validates name, copies r into a temporary file, runs detection once
// and moves the original and the annotated copy into place. Files under the
// final names are only replaced once annotation succeeded, so a failed
// upload leaves the directory as it was.
func (s *Store) Save(name string, r io.Reader) (*Result, error) {
	if name == "" {
		return nil, ErrEmptyFilename
	}
	if !AllowedFile(name) {
		return nil, ErrInvalidType
	}
	safe := SecureFilename(name)
	if safe == "" || !AllowedFile(safe) {
		return nil, ErrInvalidType
	}

	res := &Result{
		Name:          safe,
		Path:          filepath.Join(s.dir, safe),
		AnnotatedName: AnnotatedPrefix + safe,
		AnnotatedPath: filepath.Join(s.dir, AnnotatedPrefix+safe),
	}

	orig, err := s.writeTemp(r)
	if err != nil {
		return nil, err
	}
	defer os.Remove(orig)

	annotated, err := s.annotate(res, orig)
	if err != nil {
		return nil, err
	}
	defer os.Remove(annotated)

	if err := os.Rename(annotated, res.AnnotatedPath); err != nil {
		return nil, fmt.Errorf("upload: move %s: %w", res.AnnotatedName, err)
	}
	if err := os.Rename(orig, res.Path); err != nil {
		os.Remove(res.AnnotatedPath)
		return nil, fmt.Errorf("upload: move %s: %w", res.Name, err)
	}

	s.log.Info("image annotated", "file", res.Name, "objects", detection.Summary(res.Objects))
	return res, nil
}

// annotate decodes the image at src and writes the annotated copy to a
// temporary file, returning its path.
func (s *Store) annotate(res *Result, src string) (string, error) {
	format, err := imaging.FormatFromFilename(res.Name)
	if err != nil {
		return "", ErrInvalidType
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("upload: decode %s: %w", res.Name, err)
	}

	annotated, err := s.annotator.Annotate(img)
	if err != nil {
		return "", fmt.Errorf("upload: annotate %s: %w", res.Name, err)
	}
	res.Objects = annotated.Objects

	f, err := os.CreateTemp(s.dir, ".annotated-*")
	if err != nil {
		return "", fmt.Errorf("upload: create: %w", err)
	}
	if err := imaging.Encode(f, annotated.Image, format); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("upload: save %s: %w", res.AnnotatedName, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("upload: close: %w", err)
	}
	return f.Name(), nil
}

// writeTemp copies r into a temporary file in the store directory.
func (s *Store) writeTemp(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("upload: create: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("upload: write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("upload: close: %w", err)
	}
	return f.Name(), nil
}
