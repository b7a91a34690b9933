// Package dsp holds the signal conditioning used to locate the moment a tag
// passed an antenna: dB/amplitude conversion, zero padding, uniform
// resampling, moving-mean smoothing and relative peak extraction.
//
// Times are integer milliseconds, strengths are float64. All functions are
// pure and safe for concurrent use.
package dsp

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// ErrInsufficientData is returned when a series is too short for an operation.
var ErrInsufficientData = errors.New("insufficient data")

// DecibelsToAmplitude converts a reader RSSI value to linear amplitude.
func DecibelsToAmplitude(db float64) float64 {
	return math.Pow(10, db/10)
}

// AmplitudeToDecibels is the inverse of DecibelsToAmplitude.
func AmplitudeToDecibels(amplitude float64) float64 {
	return 10 * math.Log10(amplitude)
}

// Series is a time-ordered sequence of samples. T and V always have the same length.
type Series struct {
	T []int64
	V []float64
}

// Len returns the number of samples.
func (s Series) Len() int { return len(s.T) }

// Clone returns a deep copy of s.
func (s Series) Clone() Series {
	return Series{
		T: append([]int64(nil), s.T...),
		V: append([]float64(nil), s.V...),
	}
}

// Normalize sorts the series by time and collapses samples sharing a
// timestamp into one, keeping the strongest value. Interpolation needs
// strictly increasing times.
func Normalize(s Series) Series {
	idx := make([]int, s.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return s.T[idx[a]] < s.T[idx[b]] })

	out := Series{T: make([]int64, 0, len(idx)), V: make([]float64, 0, len(idx))}
	for _, i := range idx {
		n := len(out.T)
		if n > 0 && out.T[n-1] == s.T[i] {
			out.V[n-1] = math.Max(out.V[n-1], s.V[i])
			continue
		}
		out.T = append(out.T, s.T[i])
		out.V = append(out.V, s.V[i])
	}
	return out
}

// AddZeros pads the series with zero samples every period before the first
// sample and after the last one, out to length. The sample exactly length
// away is always included even when length is not a multiple of period.
//
// For length 10, period 3 and a last sample at 0 the trailing pad is 3, 6, 9, 10.
func AddZeros(s Series, length, period int64) (Series, error) {
	if s.Len() == 0 {
		return Series{}, ErrInsufficientData
	}
	if length <= 0 || period <= 0 {
		return Series{}, fmt.Errorf("zero padding length %d and period %d must be positive", length, period)
	}
	start, end := s.T[0], s.T[s.Len()-1]

	var before []int64
	for t := start - period; t >= start-length+period; t -= period {
		before = append(before, t)
	}
	before = append(before, start-length)
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	var after []int64
	for t := end + period; t <= end+length-period; t += period {
		after = append(after, t)
	}
	after = append(after, end+length)

	out := Series{
		T: make([]int64, 0, len(before)+s.Len()+len(after)),
		V: make([]float64, len(before), len(before)+s.Len()+len(after)),
	}
	out.T = append(out.T, before...)
	out.T = append(out.T, s.T...)
	out.V = append(out.V, s.V...)
	out.T = append(out.T, after...)
	out.V = append(out.V, make([]float64, len(after))...)
	return out, nil
}

// Resample linearly interpolates s onto a uniform grid starting at the first
// sample time and stopping before the last one.
func Resample(s Series, period int64) (Series, error) {
	if period <= 0 {
		return Series{}, fmt.Errorf("sample period %d must be positive", period)
	}
	if s.Len() < 2 {
		return Series{}, ErrInsufficientData
	}

	xs := make([]float64, s.Len())
	for i, t := range s.T {
		xs[i] = float64(t)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, s.V); err != nil {
		return Series{}, fmt.Errorf("fit interpolant: %w", err)
	}

	start, end := s.T[0], s.T[s.Len()-1]
	n := int((end - start + period - 1) / period)
	out := Series{T: make([]int64, 0, n), V: make([]float64, 0, n)}
	for t := start; t < end; t += period {
		out.T = append(out.T, t)
		out.V = append(out.V, pl.Predict(float64(t)))
	}
	return out, nil
}

// MovingMean returns the centered moving average of values. The window
// spans width/2 samples either side; an even width drops one sample on the
// high side. Windows are clipped at the edges rather than padded.
func MovingMean(values []float64, width int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if width < 1 {
		width = 1
	}
	radius := width / 2
	high := radius
	if width%2 == 0 {
		high--
	}
	for i := range values {
		lo := max(0, i-radius)
		hi := min(len(values)-1, i+high)
		out[i] = floats.Sum(values[lo:hi+1]) / float64(hi-lo+1)
	}
	return out
}
