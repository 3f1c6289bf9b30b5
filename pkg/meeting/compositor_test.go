package meeting

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCompositorPassThrough(t *testing.T) {
	c := NewCompositor(CompositorOptions{})
	frame := solidFrame(32, 24, color.RGBA{10, 20, 30, 255})

	out := c.Process(frame)
	assert.Same(t, frame, out, "no background means no copy")
	assert.Equal(t, int64(1), c.GetStats().FramesPassed)
}

func TestCompositorBlurKeepsCenterSharp(t *testing.T) {
	c := NewCompositor(CompositorOptions{})
	c.SetBackground(BackgroundConfig{Mode: BackgroundBlur})

	// A frame with a sharp white square on black.
	frame := solidFrame(64, 48, color.RGBA{0, 0, 0, 255})
	for y := 20; y < 28; y++ {
		for x := 28; x < 36; x++ {
			frame.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	out := c.Process(frame)
	require.NotSame(t, frame, out)
	assert.Equal(t, frame.Bounds(), out.Bounds())

	// The center pixel keeps much of the original brightness through
	// the sharp redraw; a far corner is fully blurred and dimmed.
	center := out.RGBAAt(32, 24)
	corner := out.RGBAAt(1, 1)
	assert.Greater(t, center.R, uint8(100))
	assert.Less(t, corner.R, uint8(30))

	// The input frame is untouched.
	assert.Equal(t, uint8(255), frame.RGBAAt(32, 24).R)
}

func TestCompositorColorMode(t *testing.T) {
	c := NewCompositor(CompositorOptions{})
	c.SetBackground(BackgroundConfig{Mode: BackgroundColor, Color: color.RGBA{0, 128, 0, 255}})

	frame := solidFrame(16, 16, color.RGBA{200, 50, 50, 255})
	out := c.Process(frame)

	// An opaque frame covers the fill completely.
	assert.Equal(t, uint8(200), out.RGBAAt(8, 8).R)

	// Transparent frame regions show the fill.
	clear := image.NewRGBA(image.Rect(0, 0, 16, 16))
	out = c.Process(clear)
	assert.Equal(t, uint8(128), out.RGBAAt(8, 8).G)
}

func TestCompositorImageModeCachesByURL(t *testing.T) {
	var fetches atomic.Int64
	bg := solidFrame(8, 8, color.RGBA{0, 0, 200, 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(pngBytes(t, bg))
	}))
	defer srv.Close()

	c := NewCompositor(CompositorOptions{})
	c.SetBackground(BackgroundConfig{Mode: BackgroundImage, ImageURL: srv.URL + "/bg.png"})

	clear := image.NewRGBA(image.Rect(0, 0, 16, 16))
	out := c.Process(clear)
	assert.Equal(t, uint8(200), out.RGBAAt(8, 8).B, "backdrop shows through transparency")

	c.Process(clear)
	c.Process(clear)
	assert.Equal(t, int64(1), fetches.Load(), "image is fetched once per URL")

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(2), stats.CacheHits)
}

func TestCompositorImageFallbackToColor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewCompositor(CompositorOptions{})
	c.SetBackground(BackgroundConfig{
		Mode:     BackgroundImage,
		ImageURL: srv.URL + "/missing.png",
		Color:    color.RGBA{64, 0, 0, 255},
	})

	clear := image.NewRGBA(image.Rect(0, 0, 16, 16))
	out := c.Process(clear)
	assert.Equal(t, uint8(64), out.RGBAAt(4, 4).R)
	assert.Equal(t, int64(1), c.GetStats().FetchErrors)
}

func TestCompositorImageDecodeFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	c := NewCompositor(CompositorOptions{})
	c.SetBackground(BackgroundConfig{
		Mode:     BackgroundImage,
		ImageURL: srv.URL + "/broken.png",
		Color:    color.RGBA{0, 64, 0, 255},
	})

	clear := image.NewRGBA(image.Rect(0, 0, 16, 16))
	out := c.Process(clear)
	assert.Equal(t, uint8(64), out.RGBAAt(4, 4).G)
}

func TestDrawAspectFillCovers(t *testing.T) {
	// Wide source into a tall destination: scaling must cover the full
	// destination with centered horizontal cropping.
	src := solidFrame(100, 10, color.RGBA{255, 0, 0, 255})
	dst := image.NewRGBA(image.Rect(0, 0, 20, 40))

	drawAspectFill(dst, src)

	for _, p := range []image.Point{{0, 0}, {19, 0}, {0, 39}, {19, 39}, {10, 20}} {
		assert.Equal(t, uint8(255), dst.RGBAAt(p.X, p.Y).R, "pixel %v must be covered", p)
	}
}

func TestCompositorConfigSwap(t *testing.T) {
	c := NewCompositor(CompositorOptions{})
	assert.Equal(t, BackgroundNone, c.Config().Mode)

	c.SetBackground(BackgroundConfig{Mode: BackgroundBlur})
	assert.Equal(t, BackgroundBlur, c.Config().Mode)

	c.SetBackground(BackgroundConfig{})
	assert.Equal(t, BackgroundNone, c.Config().Mode, "empty mode normalizes to none")
}
