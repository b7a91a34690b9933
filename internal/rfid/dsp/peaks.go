package dsp

import (
	"sort"
)

// Peak is a local maximum of a conditioned series.
type Peak struct {
	Time     int64
	Strength float64
}

// FindRelativePeaks returns the indices of local maxima. An interior sample
// is a peak when it is >= its predecessor and > its successor, so the
// leading edge of a plateau wins. The first and last samples count when they
// exceed their single neighbour.
func FindRelativePeaks(values []float64) ([]int, error) {
	if len(values) < 3 {
		return nil, ErrInsufficientData
	}
	last := len(values) - 1
	var peaks []int
	if values[0] > values[1] {
		peaks = append(peaks, 0)
	}
	for i := 1; i < last; i++ {
		if values[i] >= values[i-1] && values[i] > values[i+1] {
			peaks = append(peaks, i)
		}
	}
	if values[last] > values[last-1] {
		peaks = append(peaks, last)
	}
	return peaks, nil
}

// FilterPeaks finds the relative peaks of s, drops those weaker than minPeak
// and then, walking from the strongest down, keeps only the strongest peak of
// every group closer together than minDist. The result is ordered by time.
func FilterPeaks(s Series, minPeak float64, minDist int64) ([]Peak, error) {
	idx, err := FindRelativePeaks(s.V)
	if err != nil {
		return nil, err
	}

	candidates := make([]Peak, 0, len(idx))
	for _, i := range idx {
		if s.V[i] >= minPeak {
			candidates = append(candidates, Peak{Time: s.T[i], Strength: s.V[i]})
		}
	}

	byStrength := append([]Peak(nil), candidates...)
	sort.SliceStable(byStrength, func(a, b int) bool { return byStrength[a].Strength > byStrength[b].Strength })

	var kept []Peak
	for _, p := range byStrength {
		best := -1
		for j, q := range candidates {
			if q != p && abs64(p.Time-q.Time) >= minDist {
				continue
			}
			if best < 0 || q.Strength > candidates[best].Strength {
				best = j
			}
		}
		if best < 0 {
			continue
		}
		if !containsPeak(kept, candidates[best]) {
			kept = append(kept, candidates[best])
		}
	}

	sort.SliceStable(kept, func(a, b int) bool { return kept[a].Time < kept[b].Time })
	return kept, nil
}

// Strongest returns the peak with the highest strength, the earliest on ties.
func Strongest(peaks []Peak) (Peak, bool) {
	if len(peaks) == 0 {
		return Peak{}, false
	}
	best := peaks[0]
	for _, p := range peaks[1:] {
		if p.Strength > best.Strength {
			best = p
		}
	}
	return best, true
}

func containsPeak(peaks []Peak, p Peak) bool {
	for _, q := range peaks {
		if q == p {
			return true
		}
	}
	return false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
