package vision

import (
	"math"
	"math/bits"
	"math/rand"
	"sort"
)

// Keypoint is a detected corner in level-0 pixel coordinates.
type Keypoint struct {
	X, Y     float64
	Response float64
	Angle    float64
	Level    int
}

// Descriptor is a 256-bit steered BRIEF descriptor.
type Descriptor [4]uint64

// Distance returns the Hamming distance between two descriptors.
func (d Descriptor) Distance(o Descriptor) int {
	return bits.OnesCount64(d[0]^o[0]) + bits.OnesCount64(d[1]^o[1]) +
		bits.OnesCount64(d[2]^o[2]) + bits.OnesCount64(d[3]^o[3])
}

// Feature couples a keypoint with its descriptor.
type Feature struct {
	Keypoint
	Desc Descriptor
}

// DetectorConfig tunes corner detection and description.
type DetectorConfig struct {
	MaxFeatures  int
	Levels       int
	ScaleFactor  float64
	HarrisK      float64
	QualityLevel float64
	PatchRadius  int
	GridCells    int
}

// DefaultDetectorConfig returns settings suited to sub-megapixel work images.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MaxFeatures:  800,
		Levels:       3,
		ScaleFactor:  1.3,
		HarrisK:      0.04,
		QualityLevel: 0.005,
		PatchRadius:  12,
		GridCells:    4,
	}
}

const minHarrisResponse = 0.1

type candidate struct {
	x, y int
	r    float64
}

// Detect finds oriented Harris corners over a scale pyramid and describes
// them. valid, when non-nil, marks usable pixels (> 0.5); corners whose patch
// leaves the valid area are dropped. Output order is deterministic.
func Detect(gray, valid *Plane, cfg DetectorConfig) []Feature {
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.3
	}
	pattern := briefPattern(cfg.PatchRadius)
	budgets := levelBudgets(cfg)
	border := cfg.PatchRadius + 2

	var out []Feature
	for level := 0; level < cfg.Levels; level++ {
		scale := math.Pow(cfg.ScaleFactor, float64(level))
		w := int(math.Round(float64(gray.W) / scale))
		h := int(math.Round(float64(gray.H) / scale))
		if w < 2*border+3 || h < 2*border+3 {
			break
		}
		img := gray
		mask := valid
		if level > 0 {
			img = Resize(gray, w, h)
			if valid != nil {
				mask = Resize(valid, w, h)
			}
		}
		fx := float64(gray.W) / float64(w)
		fy := float64(gray.H) / float64(h)

		smooth := GaussianBlur(img, 2)
		cands := harrisCandidates(img, mask, border, cfg)
		cands = selectSpread(cands, budgets[level], w, h, cfg.GridCells)

		for _, c := range cands {
			angle := orientation(smooth, c.x, c.y, cfg.PatchRadius)
			out = append(out, Feature{
				Keypoint: Keypoint{
					X:        (float64(c.x)+0.5)*fx - 0.5,
					Y:        (float64(c.y)+0.5)*fy - 0.5,
					Response: c.r,
					Angle:    angle,
					Level:    level,
				},
				Desc: describe(smooth, c.x, c.y, angle, pattern),
			})
		}
	}
	return out
}

// levelBudgets splits MaxFeatures across levels proportionally to level area.
func levelBudgets(cfg DetectorConfig) []int {
	factor := 1 / (cfg.ScaleFactor * cfg.ScaleFactor)
	total := 0.0
	for l := 0; l < cfg.Levels; l++ {
		total += math.Pow(factor, float64(l))
	}
	budgets := make([]int, cfg.Levels)
	for l := range budgets {
		budgets[l] = int(math.Round(float64(cfg.MaxFeatures) * math.Pow(factor, float64(l)) / total))
	}
	return budgets
}

func harrisCandidates(img, mask *Plane, border int, cfg DetectorConfig) []candidate {
	w, h := img.W, img.H
	ixx := NewPlane(w, h)
	iyy := NewPlane(w, h)
	ixy := NewPlane(w, h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := (img.At(x+1, y-1) + 2*img.At(x+1, y) + img.At(x+1, y+1) -
				img.At(x-1, y-1) - 2*img.At(x-1, y) - img.At(x-1, y+1)) / 8
			gy := (img.At(x-1, y+1) + 2*img.At(x, y+1) + img.At(x+1, y+1) -
				img.At(x-1, y-1) - 2*img.At(x, y-1) - img.At(x+1, y-1)) / 8
			i := y*w + x
			ixx.Pix[i] = gx * gx
			iyy.Pix[i] = gy * gy
			ixy.Pix[i] = gx * gy
		}
	}
	ixx = GaussianBlur(ixx, 1)
	iyy = GaussianBlur(iyy, 1)
	ixy = GaussianBlur(ixy, 1)

	resp := make([]float64, w*h)
	maxR := 0.0
	for i := range resp {
		a, b, c := float64(ixx.Pix[i]), float64(ixy.Pix[i]), float64(iyy.Pix[i])
		r := a*c - b*b - cfg.HarrisK*(a+c)*(a+c)
		resp[i] = r
		if r > maxR {
			maxR = r
		}
	}
	thresh := math.Max(maxR*cfg.QualityLevel, minHarrisResponse)

	var cands []candidate
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			r := resp[y*w+x]
			if r <= thresh || !isLocalMax(resp, w, x, y) {
				continue
			}
			if mask != nil && !windowValid(mask, x, y, border) {
				continue
			}
			cands = append(cands, candidate{x: x, y: y, r: r})
		}
	}
	return cands
}

// isLocalMax breaks plateaus in favour of the first pixel in scan order.
func isLocalMax(resp []float64, w, x, y int) bool {
	r := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := resp[(y+dy)*w+x+dx]
			before := dy < 0 || (dy == 0 && dx < 0)
			if (before && n >= r) || (!before && n > r) {
				return false
			}
		}
	}
	return true
}

// windowValid checks the window corners; valid regions of warped frames are convex.
func windowValid(mask *Plane, x, y, r int) bool {
	return mask.At(x, y) > 0.5 &&
		mask.At(x-r, y-r) > 0.5 && mask.At(x+r, y-r) > 0.5 &&
		mask.At(x-r, y+r) > 0.5 && mask.At(x+r, y+r) > 0.5
}

// selectSpread keeps the strongest n candidates while capping each grid cell
// so corners cover the whole frame, including the overlap strips.
func selectSpread(cands []candidate, n, w, h, cells int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].r != cands[j].r {
			return cands[i].r > cands[j].r
		}
		if cands[i].y != cands[j].y {
			return cands[i].y < cands[j].y
		}
		return cands[i].x < cands[j].x
	})
	if len(cands) <= n {
		return cands
	}
	if cells < 1 {
		return cands[:n]
	}
	perCell := (n+cells*cells-1)/(cells*cells) + 1
	counts := make([]int, cells*cells)
	taken := make([]bool, len(cands))
	out := make([]candidate, 0, n)
	for i, c := range cands {
		if len(out) == n {
			break
		}
		cell := (c.y*cells/h)*cells + c.x*cells/w
		if counts[cell] < perCell {
			counts[cell]++
			taken[i] = true
			out = append(out, c)
		}
	}
	for i, c := range cands {
		if len(out) == n {
			break
		}
		if !taken[i] {
			out = append(out, c)
		}
	}
	return out
}

// orientation is the intensity-centroid angle of the circular patch.
func orientation(img *Plane, x, y, r int) float64 {
	var m10, m01 float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			v := float64(img.At(x+dx, y+dy))
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

type pointPair struct{ x1, y1, x2, y2 int }

// briefPattern draws 256 test pairs inside a disc of radius r from a fixed seed,
// so every detector instance produces comparable descriptors.
func briefPattern(r int) []pointPair {
	rng := rand.New(rand.NewSource(0x0B1E5EED))
	sigma := float64(2*r+1) / 5
	point := func() (int, int) {
		for {
			x := int(math.Round(rng.NormFloat64() * sigma))
			y := int(math.Round(rng.NormFloat64() * sigma))
			if x*x+y*y <= (r-1)*(r-1) {
				return x, y
			}
		}
	}
	pattern := make([]pointPair, 256)
	for i := range pattern {
		x1, y1 := point()
		x2, y2 := point()
		for x1 == x2 && y1 == y2 {
			x2, y2 = point()
		}
		pattern[i] = pointPair{x1, y1, x2, y2}
	}
	return pattern
}

func describe(img *Plane, x, y int, angle float64, pattern []pointPair) Descriptor {
	c, s := math.Cos(angle), math.Sin(angle)
	rot := func(dx, dy int) (int, int) {
		fx, fy := float64(dx), float64(dy)
		return x + int(math.Round(c*fx-s*fy)), y + int(math.Round(s*fx+c*fy))
	}
	var d Descriptor
	for i, p := range pattern {
		ax, ay := rot(p.x1, p.y1)
		bx, by := rot(p.x2, p.y2)
		if img.At(ax, ay) < img.At(bx, by) {
			d[i/64] |= 1 << uint(i%64)
		}
	}
	return d
}
