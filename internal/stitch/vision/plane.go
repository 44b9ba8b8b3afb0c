// Package vision holds the image registration primitives used by the feature
// stitcher: float planes, corner detection, binary descriptors, matching,
// homography estimation, warping and blending.
package vision

import "math"

// Plane is a single-channel float32 raster.
type Plane struct {
	W, H int
	Pix  []float32
}

// NewPlane allocates a zeroed plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float32, w*h)}
}

// At returns the value at (x, y) with coordinates clamped to the border.
func (p *Plane) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= p.W {
		x = p.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.H {
		y = p.H - 1
	}
	return p.Pix[y*p.W+x]
}

// Set writes v at (x, y).
func (p *Plane) Set(x, y int, v float32) { p.Pix[y*p.W+x] = v }

// Bilinear samples at a fractional position, clamping at the border.
func (p *Plane) Bilinear(x, y float64) float32 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))
	a := p.At(x0, y0)
	b := p.At(x0+1, y0)
	c := p.At(x0, y0+1)
	d := p.At(x0+1, y0+1)
	top := a + (b-a)*fx
	bot := c + (d-c)*fx
	return top + (bot-top)*fy
}

// Clone returns a deep copy.
func (p *Plane) Clone() *Plane {
	out := &Plane{W: p.W, H: p.H, Pix: make([]float32, len(p.Pix))}
	copy(out.Pix, p.Pix)
	return out
}

// GrayFromRGBA converts interleaved RGBA bytes to luma in [0,255].
func GrayFromRGBA(pix []uint8, stride, w, h int) *Plane {
	out := NewPlane(w, h)
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			i := x * 4
			out.Pix[y*w+x] = 0.299*float32(row[i]) + 0.587*float32(row[i+1]) + 0.114*float32(row[i+2])
		}
	}
	return out
}

// gaussianKernel returns a normalised 1-D kernel with radius ceil(3*sigma).
func gaussianKernel(sigma float64) []float32 {
	r := int(math.Ceil(3 * sigma))
	if r < 1 {
		r = 1
	}
	k := make([]float32, 2*r+1)
	var sum float64
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+r] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// convolveSeparable applies k horizontally then vertically with clamped borders.
func convolveSeparable(p *Plane, k []float32) *Plane {
	r := len(k) / 2
	tmp := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		row := p.Pix[y*p.W : (y+1)*p.W]
		for x := 0; x < p.W; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				xx := x + i
				if xx < 0 {
					xx = 0
				} else if xx >= p.W {
					xx = p.W - 1
				}
				acc += row[xx] * k[i+r]
			}
			tmp.Pix[y*p.W+x] = acc
		}
	}
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				yy := y + i
				if yy < 0 {
					yy = 0
				} else if yy >= p.H {
					yy = p.H - 1
				}
				acc += tmp.Pix[yy*p.W+x] * k[i+r]
			}
			out.Pix[y*p.W+x] = acc
		}
	}
	return out
}

// GaussianBlur smooths p with the given sigma.
func GaussianBlur(p *Plane, sigma float64) *Plane {
	if sigma <= 0 {
		return p.Clone()
	}
	return convolveSeparable(p, gaussianKernel(sigma))
}

// Resize resamples p to w x h. Downscaling pre-blurs to limit aliasing.
func Resize(p *Plane, w, h int) *Plane {
	if w == p.W && h == p.H {
		return p.Clone()
	}
	src := p
	if sx := float64(p.W) / float64(w); sx > 1.2 {
		src = GaussianBlur(p, 0.5*sx)
	}
	out := NewPlane(w, h)
	fx := float64(p.W) / float64(w)
	fy := float64(p.H) / float64(h)
	for y := 0; y < h; y++ {
		sy := (float64(y)+0.5)*fy - 0.5
		for x := 0; x < w; x++ {
			sx := (float64(x)+0.5)*fx - 0.5
			out.Pix[y*w+x] = src.Bilinear(sx, sy)
		}
	}
	return out
}
