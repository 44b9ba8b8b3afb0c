// Package projection resamples stitched composites into 2:1 equirectangular
// panoramas.
package projection

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"panocap/internal/fsutil"
	"panocap/internal/pano"
)

// Mode selects the resampling strategy.
type Mode string

const (
	// ModeAuto remaps when the composite carries a focal length and resizes otherwise.
	ModeAuto Mode = "auto"
	// ModeResize scales the composite to 2:1 without reprojection.
	ModeResize Mode = "resize"
	// ModeRemap reprojects a cylindrical composite onto longitude/latitude.
	ModeRemap Mode = "remap"
)

// ParseMode accepts the names above; the empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeResize, ModeRemap:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown projection mode %q (want auto, resize or remap)", s)
}

// Options configures a Converter.
type Options struct {
	Mode Mode `json:"mode" yaml:"mode"`
	// MaxPixels caps the output buffer. Zero derives a cap from available memory.
	MaxPixels int64 `json:"max_pixels" yaml:"max_pixels"`
	// MemoryShare is the fraction of available memory one output may use.
	MemoryShare float64 `json:"memory_share" yaml:"memory_share"`
}

// DefaultOptions returns auto mode with a quarter of available memory.
func DefaultOptions() Options {
	return Options{Mode: ModeAuto, MemoryShare: 0.25}
}

// Converter produces width x floor(width/2) panoramas.
type Converter struct {
	opts Options
	log  *slog.Logger
}

// NewConverter builds a converter.
func NewConverter(opts Options, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	return &Converter{opts: opts, log: logger}
}

// Mode returns the configured mode.
func (c *Converter) Mode() Mode { return c.opts.Mode }

func (c *Converter) budget() int64 {
	if c.opts.MaxPixels > 0 {
		return c.opts.MaxPixels
	}
	return fsutil.PixelBudget(c.opts.MemoryShare)
}

// outputSize validates img against the buffer budget.
func (c *Converter) outputSize(img *pano.Image) (int, int, error) {
	if img.Empty() {
		return 0, 0, pano.Errorf(pano.KindEncodingFailed, "projection", "empty composite")
	}
	w := img.Width()
	h := w / 2
	if h < 1 {
		return 0, 0, pano.Errorf(pano.KindEncodingFailed, "projection", "composite %dpx wide is too narrow for 2:1 output", w)
	}
	if limit := c.budget(); limit > 0 && int64(w)*int64(h) > limit {
		return 0, 0, pano.Errorf(pano.KindEncodingFailed, "projection",
			"%dx%d output exceeds the %d pixel budget", w, h, limit)
	}
	return w, h, nil
}

// Convert resizes img to width x floor(width/2).
func (c *Converter) Convert(img *pano.Image) (*pano.Image, error) {
	w, h, err := c.outputSize(img)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img.RGBA(), img.Bounds(), draw.Src, nil)
	return pano.Wrap(out), nil
}

// Remap reprojects a cylindrical composite with the given focal length (in
// composite pixels) and horizon row onto an equirectangular grid of the same
// width. Longitude spans 360° across the width; the composite is centred on
// longitude zero. Areas the composite does not cover stay transparent.
func (c *Converter) Remap(img *pano.Image, focal, horizon float64) (*pano.Image, error) {
	w, h, err := c.outputSize(img)
	if err != nil {
		return nil, err
	}
	if focal <= 0 || math.IsNaN(focal) {
		return nil, pano.Errorf(pano.KindEncodingFailed, "projection", "remap needs a positive focal length, got %v", focal)
	}
	src := img.RGBA()
	sw, sh := img.Width(), img.Height()
	uc := float64(sw-1) / 2
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	radPerPx := 2 * math.Pi / float64(w)

	for y := 0; y < h; y++ {
		lat := (float64(h)/2 - (float64(y) + 0.5)) * radPerPx
		if math.Abs(lat) >= math.Pi/2-1e-6 {
			continue
		}
		v := horizon - focal*math.Tan(lat)
		if v < -0.5 || v > float64(sh)-0.5 {
			continue
		}
		row := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			lon := (float64(x) + 0.5 - float64(w)/2) * radPerPx
			u := uc + focal*lon
			if u < -0.5 || u > float64(sw)-0.5 {
				continue
			}
			r, g, b, a := bilinear(src, u, v)
			row[x*4] = r
			row[x*4+1] = g
			row[x*4+2] = b
			row[x*4+3] = a
		}
	}
	return pano.Wrap(out), nil
}

// Project picks a strategy for the composite according to the configured
// mode and returns the output together with the mode actually used.
func (c *Converter) Project(img *pano.Image, focal, horizon float64) (*pano.Image, Mode, error) {
	mode := c.opts.Mode
	if mode == ModeAuto {
		mode = ModeResize
		if focal > 0 {
			mode = ModeRemap
		}
	}
	c.log.Debug("projecting composite", "mode", string(mode), "width", img.Width(), "focal", focal)
	if mode == ModeRemap {
		out, err := c.Remap(img, focal, horizon)
		return out, mode, err
	}
	out, err := c.Convert(img)
	return out, mode, err
}

func bilinear(src *image.RGBA, x, y float64) (uint8, uint8, uint8, uint8) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	clamp := func(v, n int) int { return max(0, min(n-1, v)) }
	xa, xb := clamp(x0, w), clamp(x0+1, w)
	ya, yb := clamp(y0, h), clamp(y0+1, h)
	var out [4]uint8
	for ch := 0; ch < 4; ch++ {
		p00 := float64(src.Pix[ya*src.Stride+xa*4+ch])
		p10 := float64(src.Pix[ya*src.Stride+xb*4+ch])
		p01 := float64(src.Pix[yb*src.Stride+xa*4+ch])
		p11 := float64(src.Pix[yb*src.Stride+xb*4+ch])
		top := p00 + (p10-p00)*fx
		bot := p01 + (p11-p01)*fx
		out[ch] = uint8(math.Round(top + (bot-top)*fy))
	}
	return out[0], out[1], out[2], out[3]
}
