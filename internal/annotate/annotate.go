// Package annotate draws detections over a captured image.
package annotate

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"edgecam/internal/pipeline"
)

var palette = []color.RGBA{
	{255, 0, 0, 255},
	{0, 200, 0, 255},
	{0, 120, 255, 255},
	{255, 165, 0, 255},
	{255, 0, 255, 255},
	{0, 220, 220, 255},
	{255, 255, 0, 255},
}

// Options tune the overlay
type Options struct {
	Thickness int
	Quality   int // JPEG quality
}

// Annotator draws every detection as a box with a "label (score)" caption and
// writes the result as JPEG
type Annotator struct {
	opts Options
}

// New creates an Annotator. Zero options fall back to 2px boxes and quality 85.
func New(opts Options) *Annotator {
	if opts.Thickness <= 0 {
		opts.Thickness = 2
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Annotator{opts: opts}
}

// Annotate implements pipeline.Annotator
func (a *Annotator) Annotate(img []byte, detections []pipeline.Detection, outputPath string) error {
	data, err := a.Render(img, detections)
	if err != nil {
		return err
	}
	return pipeline.WriteFileAtomic(outputPath, data)
}

// Render returns the annotated image as JPEG bytes
func (a *Annotator) Render(img []byte, detections []pipeline.Detection) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, src, bounds.Min, draw.Src)

	for _, det := range detections {
		c := LabelColor(det.Label)
		r := boxRect(det.Box, bounds, a.opts.Thickness)
		drawBox(rgba, r, c, a.opts.Thickness)
		drawLabel(rgba, r.Min.X, r.Min.Y-14, Caption(det), c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: a.opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Caption formats the text drawn next to a box, e.g. "person (0.87)"
func Caption(det pipeline.Detection) string {
	return fmt.Sprintf("%s (%.2f)", det.Label, det.Score)
}

// LabelColor picks a stable color for label
func LabelColor(label string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// boxRect converts a detection box to pixels, clamped to just outside bounds
// so edges beyond the frame stay invisible
func boxRect(box pipeline.BBox, bounds image.Rectangle, thickness int) image.Rectangle {
	margin := float64(thickness + 1)
	clamp := func(v float64, lo, hi int) int {
		v = math.Max(v, float64(lo)-margin)
		v = math.Min(v, float64(hi)+margin)
		return int(v)
	}
	x1 := clamp(box.X1, bounds.Min.X, bounds.Max.X)
	y1 := clamp(box.Y1, bounds.Min.Y, bounds.Max.Y)
	x2 := clamp(box.X1+box.Width(), bounds.Min.X, bounds.Max.X)
	y2 := clamp(box.Y1+box.Height(), bounds.Min.Y, bounds.Max.Y)
	return image.Rectangle{Min: image.Pt(x1, y1), Max: image.Pt(x2, y2)}
}

// drawBox outlines r inclusive of its max edge. Each edge is filled as a
// rectangle clipped to the image.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X+1, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness+1, r.Max.X+1, r.Max.Y+1),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y+1),
		image.Rect(r.Max.X-thickness+1, r.Min.Y, r.Max.X+1, r.Max.Y+1),
	}
	fill := image.NewUniform(c)
	for _, e := range edges {
		if clipped := e.Intersect(img.Bounds()); !clipped.Empty() {
			draw.Draw(img, clipped, fill, image.Point{}, draw.Src)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	// text background
	bg := image.Rect(x-2, y-2, x+len(label)*7+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

var _ pipeline.Annotator = (*Annotator)(nil)
