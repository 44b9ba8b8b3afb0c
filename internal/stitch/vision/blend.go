package vision

import (
	"image"
	"math"
)

// BlendMode selects how overlapping layers are merged.
type BlendMode int

const (
	// BlendMultiBand cuts seams at the strongest-weight boundary and blends
	// each frequency band over a width proportional to its scale.
	BlendMultiBand BlendMode = iota
	// BlendFeather averages overlapping pixels weighted by edge distance.
	BlendFeather
)

// ParseBlendMode accepts "multiband" and "feather".
func ParseBlendMode(s string) (BlendMode, bool) {
	switch s {
	case "multiband", "multi-band", "":
		return BlendMultiBand, true
	case "feather":
		return BlendFeather, true
	}
	return BlendMultiBand, false
}

func (m BlendMode) String() string {
	if m == BlendFeather {
		return "feather"
	}
	return "multiband"
}

// Blend merges layers onto a canvas of the given size. Pixels no layer covers
// stay fully transparent.
func Blend(layers []*Layer, width, height int, mode BlendMode, bands int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	if len(layers) == 0 || width <= 0 || height <= 0 {
		return out
	}
	weights := make([][]float32, len(layers))
	for i, l := range layers {
		weights[i] = distanceWeights(l)
	}
	if mode == BlendFeather {
		featherBlend(out, layers, weights)
		return out
	}
	owners := ownerMap(layers, weights, width, height)
	multiBandBlend(out, layers, owners, bands)
	return out
}

// distanceWeights is a chamfer distance from each valid pixel to the nearest
// invalid pixel or layer border.
func distanceWeights(l *Layer) []float32 {
	w, h := l.Rect.Dx(), l.Rect.Dy()
	d := make([]float32, w*h)
	const diag = 1.4142135
	big := float32(w + h)
	at := func(x, y int) float32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return d[y*w+x]
	}
	for i := range d {
		if l.Mask[i] > 0 {
			d[i] = big
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if d[i] == 0 {
				continue
			}
			v := d[i]
			v = min(v, at(x-1, y)+1, at(x, y-1)+1, at(x-1, y-1)+diag, at(x+1, y-1)+diag)
			d[i] = v
		}
	}
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			i := y*w + x
			if d[i] == 0 {
				continue
			}
			v := d[i]
			v = min(v, at(x+1, y)+1, at(x, y+1)+1, at(x+1, y+1)+diag, at(x-1, y+1)+diag)
			d[i] = v
		}
	}
	return d
}

func featherBlend(out *image.RGBA, layers []*Layer, weights [][]float32) {
	w, h := out.Rect.Dx(), out.Rect.Dy()
	acc := make([]float32, 3*w*h)
	wsum := make([]float32, w*h)
	for li, l := range layers {
		lw := l.Rect.Dx()
		for y := l.Rect.Min.Y; y < l.Rect.Max.Y; y++ {
			if y < 0 || y >= h {
				continue
			}
			for x := l.Rect.Min.X; x < l.Rect.Max.X; x++ {
				if x < 0 || x >= w {
					continue
				}
				i := (y-l.Rect.Min.Y)*lw + (x - l.Rect.Min.X)
				wt := weights[li][i]
				if wt <= 0 {
					continue
				}
				o := y*w + x
				acc[3*o] += wt * l.Pix[3*i]
				acc[3*o+1] += wt * l.Pix[3*i+1]
				acc[3*o+2] += wt * l.Pix[3*i+2]
				wsum[o] += wt
			}
		}
	}
	for o := range wsum {
		if wsum[o] <= 0 {
			continue
		}
		p := out.Pix[o/w*out.Stride+(o%w)*4:]
		p[0] = clampByte(acc[3*o] / wsum[o])
		p[1] = clampByte(acc[3*o+1] / wsum[o])
		p[2] = clampByte(acc[3*o+2] / wsum[o])
		p[3] = 255
	}
}

// ownerMap assigns each canvas pixel to the covering layer with the largest
// edge distance; -1 marks uncovered pixels. Ties go to the lower index.
func ownerMap(layers []*Layer, weights [][]float32, w, h int) []int {
	owner := make([]int, w*h)
	best := make([]float32, w*h)
	for i := range owner {
		owner[i] = -1
	}
	for li, l := range layers {
		lw := l.Rect.Dx()
		for y := max(l.Rect.Min.Y, 0); y < min(l.Rect.Max.Y, h); y++ {
			for x := max(l.Rect.Min.X, 0); x < min(l.Rect.Max.X, w); x++ {
				wt := weights[li][(y-l.Rect.Min.Y)*lw+(x-l.Rect.Min.X)]
				o := y*w + x
				if wt > best[o] {
					best[o] = wt
					owner[o] = li
				}
			}
		}
	}
	return owner
}

// fimg is a float raster with C interleaved channels.
type fimg struct {
	W, H, C int
	Pix     []float32
}

func newFimg(w, h, c int) *fimg { return &fimg{W: w, H: h, C: c, Pix: make([]float32, w*h*c)} }

var pyrKernel = [5]float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

func clampIdx(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// blur5 convolves with the separable 5-tap binomial kernel.
func blur5(in *fimg) *fimg {
	tmp := newFimg(in.W, in.H, in.C)
	for y := 0; y < in.H; y++ {
		for x := 0; x < in.W; x++ {
			for c := 0; c < in.C; c++ {
				var acc float32
				for k := -2; k <= 2; k++ {
					acc += pyrKernel[k+2] * in.Pix[(y*in.W+clampIdx(x+k, in.W))*in.C+c]
				}
				tmp.Pix[(y*in.W+x)*in.C+c] = acc
			}
		}
	}
	out := newFimg(in.W, in.H, in.C)
	for y := 0; y < in.H; y++ {
		for x := 0; x < in.W; x++ {
			for c := 0; c < in.C; c++ {
				var acc float32
				for k := -2; k <= 2; k++ {
					acc += pyrKernel[k+2] * tmp.Pix[(clampIdx(y+k, in.H)*in.W+x)*in.C+c]
				}
				out.Pix[(y*in.W+x)*in.C+c] = acc
			}
		}
	}
	return out
}

func pyrDown(in *fimg) *fimg {
	b := blur5(in)
	w, h := (in.W+1)/2, (in.H+1)/2
	out := newFimg(w, h, in.C)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(out.Pix[(y*w+x)*in.C:(y*w+x+1)*in.C], b.Pix[(2*y*in.W+2*x)*in.C:(2*y*in.W+2*x+1)*in.C])
		}
	}
	return out
}

// pyrUp expands in to w x h. Each output sample sums the even taps of the
// zero-stuffed signal with the input clamped at its border, so constant
// inputs stay constant up to the edges.
func pyrUp(in *fimg, w, h int) *fimg {
	c := in.C
	tmp := newFimg(w, in.H, c)
	for y := 0; y < in.H; y++ {
		for x := 0; x < w; x++ {
			for k := -2; k <= 2; k++ {
				m := x + k
				if m&1 != 0 {
					continue
				}
				src := clampIdx(m>>1, in.W)
				for ch := 0; ch < c; ch++ {
					tmp.Pix[(y*w+x)*c+ch] += 2 * pyrKernel[k+2] * in.Pix[(y*in.W+src)*c+ch]
				}
			}
		}
	}
	out := newFimg(w, h, c)
	for y := 0; y < h; y++ {
		for k := -2; k <= 2; k++ {
			m := y + k
			if m&1 != 0 {
				continue
			}
			src := clampIdx(m>>1, in.H)
			wt := 2 * pyrKernel[k+2]
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					out.Pix[(y*w+x)*c+ch] += wt * tmp.Pix[(src*w+x)*c+ch]
				}
			}
		}
	}
	return out
}

// fillInvalid replaces masked-out pixels with the nearest valid value along
// the row, then along the column for rows with no valid pixel, so the
// pyramid does not pull black in across seams.
func fillInvalid(img *fimg, mask []float32) {
	w, h, c := img.W, img.H, img.C
	rowValid := make([]bool, h)
	for y := 0; y < h; y++ {
		last := -1
		for x := 0; x < w; x++ {
			if mask[y*w+x] > 0 {
				if last < 0 {
					for xx := 0; xx < x; xx++ {
						copy(img.Pix[(y*w+xx)*c:(y*w+xx+1)*c], img.Pix[(y*w+x)*c:(y*w+x+1)*c])
					}
				} else {
					for xx := last + 1; xx < x; xx++ {
						src := x
						if xx-last <= x-xx {
							src = last
						}
						copy(img.Pix[(y*w+xx)*c:(y*w+xx+1)*c], img.Pix[(y*w+src)*c:(y*w+src+1)*c])
					}
				}
				last = x
			}
		}
		if last >= 0 {
			rowValid[y] = true
			for xx := last + 1; xx < w; xx++ {
				copy(img.Pix[(y*w+xx)*c:(y*w+xx+1)*c], img.Pix[(y*w+last)*c:(y*w+last+1)*c])
			}
		}
	}
	for y := 0; y < h; y++ {
		if rowValid[y] {
			continue
		}
		src := -1
		for d := 1; d < h && src < 0; d++ {
			if y-d >= 0 && rowValid[y-d] {
				src = y - d
			} else if y+d < h && rowValid[y+d] {
				src = y + d
			}
		}
		if src >= 0 {
			copy(img.Pix[y*w*c:(y+1)*w*c], img.Pix[src*w*c:(src+1)*w*c])
		}
	}
}

// multiBandBlend accumulates the Laplacian pyramid of every layer, weighted
// by the Gaussian pyramid of its seam mask, into a canvas pyramid. Layer
// rectangles are aligned to 2^bands so every level lines up with the canvas.
func multiBandBlend(out *image.RGBA, layers []*Layer, owners []int, bands int) {
	w, h := out.Rect.Dx(), out.Rect.Dy()
	maxBands := int(math.Log2(float64(min(w, h)))) - 2
	bands = max(0, min(bands, maxBands))
	align := 1 << bands

	cw := roundUp(w, align)
	ch := roundUp(h, align)
	acc := make([]*fimg, bands+1)
	wsum := make([]*fimg, bands+1)
	for k := 0; k <= bands; k++ {
		acc[k] = newFimg(cw>>k, ch>>k, 3)
		wsum[k] = newFimg(cw>>k, ch>>k, 1)
	}

	for li, l := range layers {
		r := image.Rect(
			floorTo(max(l.Rect.Min.X, 0), align), floorTo(max(l.Rect.Min.Y, 0), align),
			roundUp(min(l.Rect.Max.X, w), align), roundUp(min(l.Rect.Max.Y, h), align),
		)
		if r.Empty() {
			continue
		}
		rw, rh := r.Dx(), r.Dy()
		color := newFimg(rw, rh, 3)
		valid := make([]float32, rw*rh)
		seam := newFimg(rw, rh, 1)
		lw := l.Rect.Dx()
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if !(image.Point{X: x, Y: y}).In(l.Rect) {
					continue
				}
				li0 := (y-l.Rect.Min.Y)*lw + (x - l.Rect.Min.X)
				if l.Mask[li0] <= 0 {
					continue
				}
				o := (y-r.Min.Y)*rw + (x - r.Min.X)
				copy(color.Pix[3*o:3*o+3], l.Pix[3*li0:3*li0+3])
				valid[o] = 1
				if x < w && y < h && owners[y*w+x] == li {
					seam.Pix[o] = 1
				}
			}
		}
		fillInvalid(color, valid)

		gauss := color
		mask := seam
		for k := 0; k <= bands; k++ {
			var lap *fimg
			var next *fimg
			if k < bands {
				next = pyrDown(gauss)
				up := pyrUp(next, gauss.W, gauss.H)
				lap = newFimg(gauss.W, gauss.H, 3)
				for i := range lap.Pix {
					lap.Pix[i] = gauss.Pix[i] - up.Pix[i]
				}
			} else {
				lap = gauss
			}
			ox, oy := r.Min.X>>k, r.Min.Y>>k
			a, ws := acc[k], wsum[k]
			for y := 0; y < lap.H; y++ {
				for x := 0; x < lap.W; x++ {
					m := mask.Pix[y*lap.W+x]
					if m <= 0 {
						continue
					}
					o := (oy+y)*a.W + ox + x
					li3 := (y*lap.W + x) * 3
					a.Pix[3*o] += m * lap.Pix[li3]
					a.Pix[3*o+1] += m * lap.Pix[li3+1]
					a.Pix[3*o+2] += m * lap.Pix[li3+2]
					ws.Pix[o] += m
				}
			}
			if k < bands {
				gauss = next
				mask = pyrDown(mask)
			}
		}
	}

	for k := 0; k <= bands; k++ {
		a, ws := acc[k], wsum[k]
		for o, wt := range ws.Pix {
			if wt > 1e-6 {
				a.Pix[3*o] /= wt
				a.Pix[3*o+1] /= wt
				a.Pix[3*o+2] /= wt
			}
		}
	}
	res := acc[bands]
	for k := bands - 1; k >= 0; k-- {
		up := pyrUp(res, acc[k].W, acc[k].H)
		for i := range up.Pix {
			up.Pix[i] += acc[k].Pix[i]
		}
		res = up
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if owners[y*w+x] < 0 {
				continue
			}
			i := (y*res.W + x) * 3
			p := out.Pix[y*out.Stride+x*4:]
			p[0] = clampByte(res.Pix[i])
			p[1] = clampByte(res.Pix[i+1])
			p[2] = clampByte(res.Pix[i+2])
			p[3] = 255
		}
	}
}

func roundUp(v, a int) int { return (v + a - 1) / a * a }

func floorTo(v, a int) int { return v / a * a }

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
