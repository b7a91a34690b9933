package dsp

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDecibelRoundTrip(t *testing.T) {
	for _, db := range []float64{-80, -42.5, -3, 0, 3.5, 12} {
		got := AmplitudeToDecibels(DecibelsToAmplitude(db))
		if math.Abs(got-db) > 1e-9 {
			t.Errorf("round trip of %v dB = %v", db, got)
		}
	}
	if got := DecibelsToAmplitude(10); math.Abs(got-10) > 1e-12 {
		t.Errorf("DecibelsToAmplitude(10) = %v, want 10", got)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(Series{T: []int64{20, 10, 10}, V: []float64{1, 2, 3}})
	want := Series{T: []int64{10, 20}, V: []float64{3, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestAddZeros(t *testing.T) {
	got, err := AddZeros(Series{T: []int64{1000}, V: []float64{1}}, 10, 3)
	if err != nil {
		t.Fatalf("AddZeros: %v", err)
	}
	want := Series{
		T: []int64{990, 994, 997, 1000, 1003, 1006, 1010},
		V: []float64{0, 0, 0, 1, 0, 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AddZeros mismatch (-want +got):\n%s", diff)
	}
}

func TestAddZerosExactMultiple(t *testing.T) {
	got, err := AddZeros(Series{T: []int64{0, 50}, V: []float64{2, 3}}, 300, 100)
	if err != nil {
		t.Fatalf("AddZeros: %v", err)
	}
	wantT := []int64{-300, -200, -100, 0, 50, 150, 250, 350}
	if diff := cmp.Diff(wantT, got.T); diff != "" {
		t.Errorf("times mismatch (-want +got):\n%s", diff)
	}
	if len(got.V) != len(got.T) {
		t.Fatalf("len(V) = %d, len(T) = %d", len(got.V), len(got.T))
	}
}

func TestAddZerosErrors(t *testing.T) {
	tests := []struct {
		name           string
		s              Series
		length, period int64
	}{
		{"empty", Series{}, 100, 10},
		{"zero length", Series{T: []int64{1}, V: []float64{1}}, 0, 10},
		{"zero period", Series{T: []int64{1}, V: []float64{1}}, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AddZeros(tt.s, tt.length, tt.period); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResample(t *testing.T) {
	got, err := Resample(Series{T: []int64{0, 10, 20}, V: []float64{0, 10, 0}}, 5)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	want := Series{T: []int64{0, 5, 10, 15}, V: []float64{0, 5, 10, 5}}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Resample mismatch (-want +got):\n%s", diff)
	}

	if _, err := Resample(Series{T: []int64{0}, V: []float64{1}}, 5); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("single sample: err = %v, want ErrInsufficientData", err)
	}
}

func TestMovingMean(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		width  int
		want   []float64
	}{
		{"constant odd", []float64{2, 2, 2, 2, 2}, 3, []float64{2, 2, 2, 2, 2}},
		{"constant even", []float64{2, 2, 2, 2, 2}, 4, []float64{2, 2, 2, 2, 2}},
		{"constant wide", []float64{7, 7, 7}, 60, []float64{7, 7, 7}},
		{"ramp odd", []float64{1, 2, 3, 4, 5}, 3, []float64{1.5, 2, 3, 4, 4.5}},
		{"ramp even", []float64{1, 2, 3, 4, 5}, 2, []float64{1, 1.5, 2.5, 3.5, 4.5}},
		{"width one", []float64{1, 9, 4}, 1, []float64{1, 9, 4}},
		{"empty", nil, 3, []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MovingMean(tt.values, tt.width)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("MovingMean mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
