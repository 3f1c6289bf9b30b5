package meeting

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
)

// BackgroundMode selects the compositing applied to outgoing video frames.
type BackgroundMode string

const (
	// BackgroundNone passes frames through untouched.
	BackgroundNone BackgroundMode = "none"

	// BackgroundBlur softens and dims the frame edges, keeping the
	// center sharp through a radial mask.
	BackgroundBlur BackgroundMode = "blur"

	// BackgroundColor fills a solid backdrop behind the frame.
	BackgroundColor BackgroundMode = "color"

	// BackgroundImage fills a remote image behind the frame, scaled
	// aspect-fill and cached by URL.
	BackgroundImage BackgroundMode = "image"
)

const (
	// blurRadius approximates a 10px gaussian blur.
	blurRadius = 10

	// blurBrightness dims the blurred backdrop.
	blurBrightness = 0.9

	// sharpAlpha is the center opacity of the sharp redraw over the
	// blurred backdrop.
	sharpAlpha = 0.6
)

// BackgroundConfig describes the active background effect.
type BackgroundConfig struct {
	Mode     BackgroundMode
	Color    color.RGBA
	ImageURL string
}

// CompositorStats tracks frame processing activity.
type CompositorStats struct {
	FramesProcessed int64
	FramesPassed    int64
	CacheHits       int64
	CacheMisses     int64
	FetchErrors     int64
	LastFrameTime   time.Time
}

// CompositorOptions configures a Compositor.
type CompositorOptions struct {
	// HTTPClient fetches background images. Default: 10s timeout client.
	HTTPClient *http.Client

	Logger Logger
}

// Compositor applies the configured background effect to video frames
// before publication. Process is safe to call from a frame worker while
// SetBackground is called from the session.
type Compositor struct {
	mu  sync.RWMutex
	cfg BackgroundConfig

	cacheMu sync.Mutex
	cache   map[string]image.Image

	client *http.Client
	logger Logger

	statsMu sync.RWMutex
	stats   CompositorStats
}

// NewCompositor creates a compositor in pass-through mode.
func NewCompositor(opts CompositorOptions) *Compositor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	return &Compositor{
		cfg:    BackgroundConfig{Mode: BackgroundNone},
		cache:  make(map[string]image.Image),
		client: opts.HTTPClient,
		logger: opts.Logger,
	}
}

// SetBackground switches the active effect. Takes effect on the next
// processed frame.
func (c *Compositor) SetBackground(cfg BackgroundConfig) {
	if cfg.Mode == "" {
		cfg.Mode = BackgroundNone
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("background changed", "mode", cfg.Mode, "imageURL", cfg.ImageURL)
}

// Config returns the active background configuration.
func (c *Compositor) Config() BackgroundConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Process composites one frame according to the active configuration and
// returns the result. The input frame is not modified.
func (c *Compositor) Process(frame *image.RGBA) *image.RGBA {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	var out *image.RGBA
	switch cfg.Mode {
	case BackgroundBlur:
		out = c.processBlur(frame)
	case BackgroundColor:
		out = c.processColor(frame, cfg.Color)
	case BackgroundImage:
		out = c.processImage(frame, cfg)
	default:
		c.statsMu.Lock()
		c.stats.FramesPassed++
		c.stats.LastFrameTime = time.Now()
		c.statsMu.Unlock()
		return frame
	}

	c.statsMu.Lock()
	c.stats.FramesProcessed++
	c.stats.LastFrameTime = time.Now()
	c.statsMu.Unlock()
	return out
}

// GetStats returns a copy of the compositor counters.
func (c *Compositor) GetStats() CompositorStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// processBlur builds the blurred, dimmed backdrop and redraws the sharp
// frame through a radial alpha ramp: full sharpAlpha at the center,
// fading to zero at the corners.
func (c *Compositor) processBlur(frame *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	out := boxBlur(frame, blurRadius)
	dim(out, blurBrightness)

	cx := float64(b.Dx()) / 2
	cy := float64(b.Dy()) / 2
	maxDist := math.Hypot(cx, cy)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dist := math.Hypot(float64(x-b.Min.X)-cx, float64(y-b.Min.Y)-cy)
			a := sharpAlpha * (1 - dist/maxDist)
			if a <= 0 {
				continue
			}
			oi := out.PixOffset(x, y)
			fi := frame.PixOffset(x, y)
			for k := 0; k < 3; k++ {
				ov := float64(out.Pix[oi+k])
				fv := float64(frame.Pix[fi+k])
				out.Pix[oi+k] = uint8(ov + (fv-ov)*a)
			}
		}
	}
	return out
}

// processColor fills the backdrop and draws the frame over it unchanged.
// Without segmentation the frame covers the fill entirely; the fill
// still defines the backdrop wherever the frame carries transparency.
func (c *Compositor) processColor(frame *image.RGBA, fill color.RGBA) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	xdraw.Draw(out, b, image.NewUniform(fill), image.Point{}, xdraw.Src)
	xdraw.Draw(out, b, frame, b.Min, xdraw.Over)
	return out
}

// processImage fills the backdrop with the configured image, scaled
// aspect-fill and centered, then draws the frame over it. Fetch or
// decode failures fall back to the color backdrop.
func (c *Compositor) processImage(frame *image.RGBA, cfg BackgroundConfig) *image.RGBA {
	bg, err := c.backgroundImage(cfg.ImageURL)
	if err != nil {
		c.logger.Warn("background image unavailable, using color fallback",
			"url", cfg.ImageURL, "error", err)
		return c.processColor(frame, cfg.Color)
	}

	b := frame.Bounds()
	out := image.NewRGBA(b)
	drawAspectFill(out, bg)
	xdraw.Draw(out, b, frame, b.Min, xdraw.Over)
	return out
}

// backgroundImage returns the decoded image for a URL, fetching and
// caching it on first use.
func (c *Compositor) backgroundImage(url string) (image.Image, error) {
	c.cacheMu.Lock()
	img, ok := c.cache[url]
	c.cacheMu.Unlock()
	if ok {
		c.statsMu.Lock()
		c.stats.CacheHits++
		c.statsMu.Unlock()
		return img, nil
	}

	c.statsMu.Lock()
	c.stats.CacheMisses++
	c.statsMu.Unlock()

	resp, err := c.client.Get(url)
	if err != nil {
		c.statsMu.Lock()
		c.stats.FetchErrors++
		c.statsMu.Unlock()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.statsMu.Lock()
		c.stats.FetchErrors++
		c.statsMu.Unlock()
		return nil, &Error{Code: "BACKGROUND_FETCH_FAILED", Message: resp.Status}
	}

	img, _, err = image.Decode(resp.Body)
	if err != nil {
		c.statsMu.Lock()
		c.stats.FetchErrors++
		c.statsMu.Unlock()
		return nil, err
	}

	c.cacheMu.Lock()
	c.cache[url] = img
	c.cacheMu.Unlock()
	return img, nil
}

// drawAspectFill scales src to cover dst completely, cropping the
// overflow so the image stays centered.
func drawAspectFill(dst *image.RGBA, src image.Image) {
	db := dst.Bounds()
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return
	}

	scale := math.Max(
		float64(db.Dx())/float64(sb.Dx()),
		float64(db.Dy())/float64(sb.Dy()),
	)
	w := int(math.Round(float64(sb.Dx()) * scale))
	h := int(math.Round(float64(sb.Dy()) * scale))
	x0 := db.Min.X - (w-db.Dx())/2
	y0 := db.Min.Y - (h-db.Dy())/2

	target := image.Rect(x0, y0, x0+w, y0+h)
	xdraw.ApproxBiLinear.Scale(dst, target, src, sb, xdraw.Src, nil)
}

// boxBlur approximates a gaussian blur with a single box pass per axis.
func boxBlur(src *image.RGBA, radius int) *image.RGBA {
	b := src.Bounds()
	tmp := image.NewRGBA(b)
	out := image.NewRGBA(b)

	// Horizontal pass.
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl, n int
			for dx := -radius; dx <= radius; dx++ {
				xx := x + dx
				if xx < b.Min.X || xx >= b.Max.X {
					continue
				}
				i := src.PixOffset(xx, y)
				r += int(src.Pix[i])
				g += int(src.Pix[i+1])
				bl += int(src.Pix[i+2])
				n++
			}
			i := tmp.PixOffset(x, y)
			tmp.Pix[i] = uint8(r / n)
			tmp.Pix[i+1] = uint8(g / n)
			tmp.Pix[i+2] = uint8(bl / n)
			tmp.Pix[i+3] = src.Pix[src.PixOffset(x, y)+3]
		}
	}

	// Vertical pass.
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl, n int
			for dy := -radius; dy <= radius; dy++ {
				yy := y + dy
				if yy < b.Min.Y || yy >= b.Max.Y {
					continue
				}
				i := tmp.PixOffset(x, yy)
				r += int(tmp.Pix[i])
				g += int(tmp.Pix[i+1])
				bl += int(tmp.Pix[i+2])
				n++
			}
			i := out.PixOffset(x, y)
			out.Pix[i] = uint8(r / n)
			out.Pix[i+1] = uint8(g / n)
			out.Pix[i+2] = uint8(bl / n)
			out.Pix[i+3] = tmp.Pix[tmp.PixOffset(x, y)+3]
		}
	}
	return out
}

// dim multiplies RGB channels in place.
func dim(img *image.RGBA, factor float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(float64(img.Pix[i]) * factor)
		img.Pix[i+1] = uint8(float64(img.Pix[i+1]) * factor)
		img.Pix[i+2] = uint8(float64(img.Pix[i+2]) * factor)
	}
}
