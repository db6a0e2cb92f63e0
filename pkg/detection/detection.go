// Package detection provides object detection and annotation of frames.
//
// A Detector finds objects in an image; an Annotator turns an image into an
// annotated copy with boxes and labels drawn on it. Backends live in
// sub-packages (yolo) or next to the interfaces (Remote).
package detection

import (
	"fmt"
	"image"
	"strings"
)

// Object is a single detected object.
// Coordinates are normalized to 0-1 with a top-left origin.
type Object struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// Label is the text drawn next to the box, e.g. "person 0.87".
func (o Object) Label() string {
	name := o.ClassName
	if name == "" {
		name = ClassName(o.ClassID)
	}
	return fmt.Sprintf("%s %.2f", name, o.Confidence)
}

// Detector is the interface for object detection backends.
type Detector interface {
	// Detect finds objects in the image.
	Detect(img image.Image) ([]Object, error)

	// Close releases resources.
	Close() error
}

// Annotated is the output of an Annotator.
type Annotated struct {
	Image   image.Image
	Objects []Object
}

// Annotator returns an annotated copy of a frame.
type Annotator interface {
	Annotate(img image.Image) (*Annotated, error)
}

// Summary returns a short human readable description like "2 person, 1 dog".
func Summary(objs []Object) string {
	if len(objs) == 0 {
		return "no objects"
	}

	counts := make(map[string]int)
	var order []string
	for _, o := range objs {
		name := o.ClassName
		if name == "" {
			name = ClassName(o.ClassID)
		}
		if counts[name] == 0 {
			order = append(order, name)
		}
		counts[name]++
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[name], name))
	}
	return strings.Join(parts, ", ")
}
