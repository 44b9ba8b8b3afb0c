package vision

import "sort"

// Match pairs feature Query in one frame with feature Train in another.
type Match struct {
	Query, Train int
	Distance     int
}

// MatchFeatures runs brute-force Hamming matching with Lowe's ratio test and
// a mutual-best cross check. Results are sorted by distance, then index.
func MatchFeatures(a, b []Feature, ratio float64) []Match {
	if len(a) == 0 || len(b) < 2 {
		return nil
	}
	forward := bestTwo(a, b)
	backward := bestTwo(b, a)

	var out []Match
	for qi, f := range forward {
		if f.best < 0 || float64(f.d1) >= ratio*float64(f.d2) {
			continue
		}
		if backward[f.best].best != qi {
			continue
		}
		out = append(out, Match{Query: qi, Train: f.best, Distance: f.d1})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Query < out[j].Query
	})
	return out
}

type nearest struct {
	best   int
	d1, d2 int
}

func bestTwo(a, b []Feature) []nearest {
	out := make([]nearest, len(a))
	for i := range a {
		n := nearest{best: -1, d1: 257, d2: 257}
		for j := range b {
			d := a[i].Desc.Distance(b[j].Desc)
			switch {
			case d < n.d1:
				n.d2 = n.d1
				n.d1 = d
				n.best = j
			case d < n.d2:
				n.d2 = d
			}
		}
		out[i] = n
	}
	return out
}
