package detection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// Style controls how detections are drawn.
type Style struct {
	LineWidth float64
	Labels    bool
	Palette   []color.Color
}

// DefaultStyle matches the familiar YOLO look: thick boxes with filled labels.
func DefaultStyle() Style {
	return Style{
		LineWidth: 2,
		Labels:    true,
		Palette: []color.Color{
			color.RGBA{255, 56, 56, 255},
			color.RGBA{255, 157, 151, 255},
			color.RGBA{255, 112, 31, 255},
			color.RGBA{255, 178, 29, 255},
			color.RGBA{207, 210, 49, 255},
			color.RGBA{72, 249, 10, 255},
			color.RGBA{146, 204, 23, 255},
			color.RGBA{61, 219, 134, 255},
			color.RGBA{26, 147, 52, 255},
			color.RGBA{0, 212, 187, 255},
			color.RGBA{44, 153, 168, 255},
			color.RGBA{0, 194, 255, 255},
			color.RGBA{52, 69, 147, 255},
			color.RGBA{100, 115, 255, 255},
			color.RGBA{0, 24, 236, 255},
			color.RGBA{132, 56, 255, 255},
		},
	}
}

func (s Style) color(classID int) color.Color {
	if len(s.Palette) == 0 {
		return color.RGBA{255, 56, 56, 255}
	}
	if classID < 0 {
		classID = -classID
	}
	return s.Palette[classID%len(s.Palette)]
}

// Draw returns a copy of img with a box and label for every object.
func Draw(img image.Image, objs []Object, style Style) image.Image {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	dc := gg.NewContextForImage(img)
	for _, o := range objs {
		x, y := o.X*w, o.Y*h
		bw, bh := o.W*w, o.H*h

		dc.SetColor(style.color(o.ClassID))
		dc.SetLineWidth(style.LineWidth)
		dc.DrawRectangle(x, y, bw, bh)
		dc.Stroke()

		if !style.Labels {
			continue
		}

		label := o.Label()
		tw, th := dc.MeasureString(label)
		ly := y - th - 4
		if ly < 0 {
			ly = y
		}
		dc.DrawRectangle(x, ly, tw+6, th+4)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(label, x+3, ly+th+1)
	}
	return dc.Image()
}

// Overlay is an Annotator that runs a Detector and draws its results.
type Overlay struct {
	det   Detector
	style Style
}

// NewOverlay wraps det with the default drawing style.
func NewOverlay(det Detector) *Overlay {
	return &Overlay{det: det, style: DefaultStyle()}
}

// Annotate detects objects in img and draws them onto a copy.
func (o *Overlay) Annotate(img image.Image) (*Annotated, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	objs, err := o.det.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	return &Annotated{
		Image:   Draw(img, objs, o.style),
		Objects: objs,
	}, nil
}

// Close releases the underlying detector.
func (o *Overlay) Close() error {
	return o.det.Close()
}
