package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecam/internal/pipeline"
)

func grayJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func TestCaption(t *testing.T) {
	assert.Equal(t, "person (0.87)", Caption(pipeline.Detection{Label: "person", Score: 0.8749}))
}

func TestLabelColorStable(t *testing.T) {
	assert.Equal(t, LabelColor("dog"), LabelColor("dog"))
}

func TestAnnotateWritesJPEG(t *testing.T) {
	src := grayJPEG(t, 120, 80)
	out := filepath.Join(t.TempDir(), "markedup", "latest.jpg")
	dets := []pipeline.Detection{
		{Label: "cow", Score: 0.9, Box: pipeline.BBox{X1: 20, Y1: 30, X2: 80, Y2: 70}},
		// partially outside the frame
		{Label: "car", Score: 0.6, Box: pipeline.BBox{X1: -10, Y1: -10, X2: 500, Y2: 500}},
	}

	require.NoError(t, New(Options{}).Annotate(src, dets, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 80), img.Bounds())

	// box edge pixel is no longer plain gray
	r, g, b, _ := img.At(50, 30).RGBA()
	spread := max(r, g, b)>>8 - min(r, g, b)>>8
	assert.Greater(t, spread, uint32(40), "expected a colored box edge")
}

func TestAnnotateRejectsGarbage(t *testing.T) {
	err := New(Options{}).Annotate([]byte("not an image"), nil, filepath.Join(t.TempDir(), "x.jpg"))
	assert.Error(t, err)
}

func TestBoxRectClampsHugeCoordinates(t *testing.T) {
	bounds := image.Rect(0, 0, 120, 80)

	r := boxRect(pipeline.BBox{X1: -1e12, Y1: -1e12, X2: 1e12, Y2: 1e12}, bounds, 2)
	assert.Equal(t, image.Rect(-3, -3, 123, 83), r)

	r = boxRect(pipeline.BBox{X1: 20, Y1: 30, X2: 80, Y2: 70}, bounds, 2)
	assert.Equal(t, image.Rect(20, 30, 80, 70), r)
}

func TestAnnotateHugeBoxIsFast(t *testing.T) {
	src := grayJPEG(t, 64, 48)
	dets := []pipeline.Detection{
		{Label: "ghost", Score: 0.9, Box: pipeline.BBox{X1: -1e15, Y1: -1e15, X2: 1e15, Y2: 1e15}},
		{Label: "far", Score: 0.9, Box: pipeline.BBox{X1: 1e9, Y1: 1e9, X2: 2e9, Y2: 2e9}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := New(Options{}).Render(src, dets)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("render did not finish")
	}
}
