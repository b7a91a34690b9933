package dsp

import (
	"fmt"
)

// Params configures Condition. Durations are milliseconds.
type Params struct {
	ZeroTimeLength    int64
	ZeroPeriod        int64
	SamplePeriod      int64
	MovingMeanWindow  int
	MinPeak           float64
	MinPeakDistanceMs int64
}

// DefaultParams returns the conditioning used in the field.
func DefaultParams() Params {
	return Params{
		ZeroTimeLength:    600,
		ZeroPeriod:        100,
		SamplePeriod:      20,
		MovingMeanWindow:  60,
		MinPeak:           0,
		MinPeakDistanceMs: 4000,
	}
}

// Validate reports the first unusable parameter.
func (p Params) Validate() error {
	switch {
	case p.ZeroTimeLength <= 0:
		return fmt.Errorf("zero time length must be positive, got %d", p.ZeroTimeLength)
	case p.ZeroPeriod <= 0:
		return fmt.Errorf("zero period must be positive, got %d", p.ZeroPeriod)
	case p.SamplePeriod <= 0:
		return fmt.Errorf("sample period must be positive, got %d", p.SamplePeriod)
	case p.MovingMeanWindow < 1:
		return fmt.Errorf("moving mean window must be at least 1, got %d", p.MovingMeanWindow)
	case p.MinPeakDistanceMs < 0:
		return fmt.Errorf("min peak distance must not be negative, got %d", p.MinPeakDistanceMs)
	}
	return nil
}

// Trace is every intermediate stage of one conditioning pass, kept so the
// result can be charted.
type Trace struct {
	Raw       Series // amplitude, normalized
	Padded    Series
	Resampled Series
	Smoothed  Series
	Peaks     []Peak
}

// Condition converts raw dB samples to amplitude, pads, resamples, smooths
// and returns the filtered peaks together with the intermediate series.
// The raw series needs at least three samples.
func Condition(raw Series, p Params) (Trace, error) {
	if raw.Len() < 3 {
		return Trace{}, ErrInsufficientData
	}
	amp := raw.Clone()
	for i, v := range amp.V {
		amp.V[i] = DecibelsToAmplitude(v)
	}
	amp = Normalize(amp)

	tr := Trace{Raw: amp}
	var err error
	if tr.Padded, err = AddZeros(amp, p.ZeroTimeLength, p.ZeroPeriod); err != nil {
		return tr, err
	}
	if tr.Resampled, err = Resample(tr.Padded, p.SamplePeriod); err != nil {
		return tr, err
	}
	tr.Smoothed = Series{
		T: tr.Resampled.T,
		V: MovingMean(tr.Resampled.V, p.MovingMeanWindow),
	}
	if tr.Peaks, err = FilterPeaks(tr.Smoothed, p.MinPeak, p.MinPeakDistanceMs); err != nil {
		return tr, err
	}
	return tr, nil
}
