package vision

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Homography is a row-major 3x3 projective transform.
type Homography [9]float64

// Point is a 2-D image position.
type Point struct{ X, Y float64 }

var (
	// ErrTooFewPoints is returned when fewer than four correspondences exist.
	ErrTooFewPoints = errors.New("at least four correspondences are required")
	// ErrNoConsensus is returned when RANSAC cannot find enough inliers.
	ErrNoConsensus = errors.New("no consistent homography found")
)

// Identity returns the identity transform.
func Identity() Homography { return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1} }

// Translation returns a pure translation.
func Translation(tx, ty float64) Homography { return Homography{1, 0, tx, 0, 1, ty, 0, 0, 1} }

// PixelScale maps pixel centres of an image to the same centres in a copy
// resized by s.
func PixelScale(s float64) Homography {
	o := 0.5*s - 0.5
	return Homography{s, 0, o, 0, s, o, 0, 0, 1}
}

// Apply maps (x, y). ok is false when the point maps to infinity or behind
// the projection centre.
func (h Homography) Apply(x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if w <= 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// Mul returns h·o, the transform applying o first.
func (h Homography) Mul(o Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = h[i*3]*o[j] + h[i*3+1]*o[3+j] + h[i*3+2]*o[6+j]
		}
	}
	return r
}

// Det returns the determinant.
func (h Homography) Det() float64 {
	return h[0]*(h[4]*h[8]-h[5]*h[7]) - h[1]*(h[3]*h[8]-h[5]*h[6]) + h[2]*(h[3]*h[7]-h[4]*h[6])
}

// Normalized scales h so that h[8] == 1 when possible.
func (h Homography) Normalized() Homography {
	if math.Abs(h[8]) < 1e-12 {
		return h
	}
	s := 1 / h[8]
	for i := range h {
		h[i] *= s
	}
	return h
}

// Inverse returns the inverse transform, or false if h is singular.
func (h Homography) Inverse() (Homography, bool) {
	d := h.Det()
	if math.Abs(d) < 1e-12 || math.IsNaN(d) {
		return Homography{}, false
	}
	inv := Homography{
		h[4]*h[8] - h[5]*h[7], h[2]*h[7] - h[1]*h[8], h[1]*h[5] - h[2]*h[4],
		h[5]*h[6] - h[3]*h[8], h[0]*h[8] - h[2]*h[6], h[2]*h[3] - h[0]*h[5],
		h[3]*h[7] - h[4]*h[6], h[1]*h[6] - h[0]*h[7], h[0]*h[4] - h[1]*h[3],
	}
	for i := range inv {
		inv[i] /= d
	}
	return inv.Normalized(), true
}

// AffineDet returns the determinant of the upper-left 2x2 block after
// normalisation, the local area scale near the origin.
func (h Homography) AffineDet() float64 {
	n := h.Normalized()
	return n[0]*n[4] - n[1]*n[3]
}

// normalization returns the similarity that moves pts to zero mean and
// sqrt(2) mean distance from the origin.
func normalization(pts []Point) Homography {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var d float64
	for _, p := range pts {
		d += math.Hypot(p.X-cx, p.Y-cy)
	}
	d /= n
	s := math.Sqrt2
	if d > 1e-12 {
		s = math.Sqrt2 / d
	}
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
}

// EstimateDLT fits the homography mapping src onto dst with the normalised
// direct linear transform.
func EstimateDLT(src, dst []Point) (Homography, error) {
	if len(src) != len(dst) {
		return Homography{}, fmt.Errorf("correspondence count mismatch: %d != %d", len(src), len(dst))
	}
	if len(src) < 4 {
		return Homography{}, ErrTooFewPoints
	}
	ts := normalization(src)
	td := normalization(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		x, y, _ := ts.Apply(src[i].X, src[i].Y)
		u, v, _ := td.Apply(dst[i].X, dst[i].Y)
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return Homography{}, errors.New("SVD did not converge")
	}
	var vt mat.Dense
	svd.VTo(&vt)

	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = vt.At(i, 8)
	}
	tdInv, ok := td.Inverse()
	if !ok {
		return Homography{}, errors.New("degenerate point normalisation")
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[8]) < 1e-12 {
		return Homography{}, errors.New("degenerate homography")
	}
	return h.Normalized(), nil
}

// RANSACConfig tunes EstimateRANSAC.
type RANSACConfig struct {
	Iterations int
	Threshold  float64
	MinInliers int
	Confidence float64
	Seed       int64
}

// RANSACResult is the refined model and the indices of its inliers.
type RANSACResult struct {
	H       Homography
	Inliers []int
}

// EstimateRANSAC robustly fits the homography mapping src onto dst. The
// sampler is seeded from cfg.Seed so identical input gives identical output.
func EstimateRANSAC(src, dst []Point, cfg RANSACConfig) (RANSACResult, error) {
	n := len(src)
	if n != len(dst) {
		return RANSACResult{}, fmt.Errorf("correspondence count mismatch: %d != %d", n, len(dst))
	}
	if n < 4 {
		return RANSACResult{}, ErrTooFewPoints
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 2000
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.MinInliers < 4 {
		cfg.MinInliers = 4
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.995
	}
	thr2 := cfg.Threshold * cfg.Threshold
	rng := rand.New(rand.NewSource(cfg.Seed))

	var best []int
	var bestH Homography
	limit := cfg.Iterations
	sample := make([]int, 4)
	s4 := make([]Point, 4)
	d4 := make([]Point, 4)
	for iter := 0; iter < limit; iter++ {
		pickDistinct(rng, n, sample)
		for k, idx := range sample {
			s4[k] = src[idx]
			d4[k] = dst[idx]
		}
		if collinear(s4) || collinear(d4) {
			continue
		}
		h, err := EstimateDLT(s4, d4)
		if err != nil {
			continue
		}
		inl := inliers(h, src, dst, thr2)
		if len(inl) > len(best) {
			best, bestH = inl, h
			limit = adaptiveLimit(len(best), n, cfg)
		}
	}
	if len(best) < cfg.MinInliers {
		return RANSACResult{}, fmt.Errorf("%w: %d inliers of %d matches, need %d", ErrNoConsensus, len(best), n, cfg.MinInliers)
	}

	// Refit on the consensus set until it stops growing.
	for round := 0; round < 3; round++ {
		ps := make([]Point, len(best))
		pd := make([]Point, len(best))
		for k, idx := range best {
			ps[k] = src[idx]
			pd[k] = dst[idx]
		}
		h, err := EstimateDLT(ps, pd)
		if err != nil {
			break
		}
		inl := inliers(h, src, dst, thr2)
		if len(inl) < len(best) {
			break
		}
		grew := len(inl) > len(best)
		best, bestH = inl, h
		if !grew {
			break
		}
	}
	return RANSACResult{H: bestH, Inliers: best}, nil
}

func adaptiveLimit(inl, n int, cfg RANSACConfig) int {
	w := float64(inl) / float64(n)
	p := math.Pow(w, 4)
	if p >= 1 {
		return 1
	}
	if p <= 0 {
		return cfg.Iterations
	}
	k := math.Log(1-cfg.Confidence) / math.Log(1-p)
	if k >= float64(cfg.Iterations) || math.IsNaN(k) {
		return cfg.Iterations
	}
	return int(math.Ceil(k))
}

func pickDistinct(rng *rand.Rand, n int, out []int) {
	for i := 0; i < len(out); {
		v := rng.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if out[j] == v {
				dup = true
				break
			}
		}
		if !dup {
			out[i] = v
			i++
		}
	}
}

func collinear(p []Point) bool {
	for i := 0; i < len(p); i++ {
		for j := i + 1; j < len(p); j++ {
			for k := j + 1; k < len(p); k++ {
				area := (p[j].X-p[i].X)*(p[k].Y-p[i].Y) - (p[j].Y-p[i].Y)*(p[k].X-p[i].X)
				if math.Abs(area) < 1e-6 {
					return true
				}
			}
		}
	}
	return false
}

func inliers(h Homography, src, dst []Point, thr2 float64) []int {
	var out []int
	for i := range src {
		x, y, ok := h.Apply(src[i].X, src[i].Y)
		if !ok {
			continue
		}
		dx, dy := x-dst[i].X, y-dst[i].Y
		if dx*dx+dy*dy <= thr2 {
			out = append(out, i)
		}
	}
	return out
}
