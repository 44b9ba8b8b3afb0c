package vision

import (
	"image"
	"math"
)

// FocalFromFOV returns the focal length in pixels for an image of the given
// width spanning fovDeg horizontally.
func FocalFromFOV(width int, fovDeg float64) float64 {
	if fovDeg <= 0 || fovDeg >= 180 {
		fovDeg = 65
	}
	return float64(width) / 2 / math.Tan(fovDeg*math.Pi/360)
}

// Cylinder projects a pinhole image of SrcW x SrcH onto a cylinder of radius F.
// Cylinder coordinates are pixels of a W x H raster.
type Cylinder struct {
	F          float64
	SrcW, SrcH int
	W, H       int
}

// NewCylinder sizes the cylindrical raster to hold the whole source frame.
func NewCylinder(srcW, srcH int, f float64) Cylinder {
	half := f * math.Atan(float64(srcW)/2/f)
	return Cylinder{F: f, SrcW: srcW, SrcH: srcH, W: int(math.Ceil(2 * half)), H: srcH}
}

func (c Cylinder) srcCentre() (float64, float64) {
	return float64(c.SrcW-1) / 2, float64(c.SrcH-1) / 2
}

func (c Cylinder) centre() (float64, float64) {
	return float64(c.W-1) / 2, float64(c.H-1) / 2
}

// ToSource maps cylinder pixel (u, v) back to the source image.
func (c Cylinder) ToSource(u, v float64) (float64, float64) {
	ocx, ocy := c.centre()
	cx, cy := c.srcCentre()
	theta := (u - ocx) / c.F
	h := (v - ocy) / c.F
	return c.F*math.Tan(theta) + cx, h*c.F/math.Cos(theta) + cy
}

// FromSource maps a source pixel onto the cylinder.
func (c Cylinder) FromSource(x, y float64) (float64, float64) {
	ocx, ocy := c.centre()
	cx, cy := c.srcCentre()
	dx := x - cx
	theta := math.Atan2(dx, c.F)
	h := (y - cy) / math.Hypot(dx, c.F)
	return c.F*theta + ocx, c.F*h + ocy
}

func inside(x, y float64, w, h int) bool {
	return x >= -0.5 && y >= -0.5 && x <= float64(w)-0.5 && y <= float64(h)-0.5
}

// WarpPlane projects p onto the cylinder and returns the warped plane and a
// validity mask (1 inside the projected frame, 0 outside).
func (c Cylinder) WarpPlane(p *Plane) (*Plane, *Plane) {
	out := NewPlane(c.W, c.H)
	mask := NewPlane(c.W, c.H)
	for v := 0; v < c.H; v++ {
		for u := 0; u < c.W; u++ {
			x, y := c.ToSource(float64(u), float64(v))
			if !inside(x, y, p.W, p.H) {
				continue
			}
			out.Pix[v*c.W+u] = p.Bilinear(x, y)
			mask.Pix[v*c.W+u] = 1
		}
	}
	return out, mask
}

// Layer is one frame resampled into canvas coordinates. Pix holds three
// interleaved float channels, Mask is 1 where the frame contributes.
type Layer struct {
	Rect image.Rectangle
	Pix  []float32
	Mask []float32
}

// NewLayer allocates an empty layer over r.
func NewLayer(r image.Rectangle) *Layer {
	n := r.Dx() * r.Dy()
	return &Layer{Rect: r, Pix: make([]float32, 3*n), Mask: make([]float32, n)}
}

// Mapper maps a canvas position to source image coordinates.
type Mapper func(x, y float64) (sx, sy float64, ok bool)

// WarpLayer resamples src over rect using the inverse mapping inv.
func WarpLayer(src *image.RGBA, rect image.Rectangle, inv Mapper) *Layer {
	l := NewLayer(rect)
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	w := rect.Dx()
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			sx, sy, ok := inv(float64(x), float64(y))
			if !ok || !inside(sx, sy, sw, sh) {
				continue
			}
			i := (y-rect.Min.Y)*w + (x - rect.Min.X)
			r, g, b := sampleRGBA(src, sx, sy)
			l.Pix[3*i] = r
			l.Pix[3*i+1] = g
			l.Pix[3*i+2] = b
			l.Mask[i] = 1
		}
	}
	return l
}

func sampleRGBA(src *image.RGBA, x, y float64) (float32, float32, float32) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))
	at := func(xx, yy, ch int) float32 {
		if xx < 0 {
			xx = 0
		} else if xx >= w {
			xx = w - 1
		}
		if yy < 0 {
			yy = 0
		} else if yy >= h {
			yy = h - 1
		}
		return float32(src.Pix[yy*src.Stride+xx*4+ch])
	}
	var out [3]float32
	for ch := 0; ch < 3; ch++ {
		a := at(x0, y0, ch)
		bb := at(x0+1, y0, ch)
		c := at(x0, y0+1, ch)
		d := at(x0+1, y0+1, ch)
		top := a + (bb-a)*fx
		bot := c + (d-c)*fx
		out[ch] = top + (bot-top)*fy
	}
	return out[0], out[1], out[2]
}
