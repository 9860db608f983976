package vad_test

import (
	"math"
	"testing"

	"github.com/MrWong99/medscribe/pkg/vad"
)

// constant returns n samples of alternating-sign amplitude a.
func constant(n int, a float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = -a
		}
	}
	return out
}

// sparse returns n samples of amplitude a on every step-th sample and
// background elsewhere.
func sparse(n, step int, a, background float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%step == 0 {
			out[i] = a
		} else {
			out[i] = background
		}
	}
	return out
}

func TestClassify(t *testing.T) {
	c := vad.New(vad.DefaultThresholds())

	tests := []struct {
		name   string
		window []float32
		want   bool
	}{
		{"all zero", make([]float32, 2048), false},
		{"empty", nil, false},
		{"loud speech", constant(2048, 0.2), true},
		{"quiet but real speech", constant(2048, 0.03), true},
		// Peak 0.012 passes every clause except "peak > 0.015 or >3% above 0.02".
		{"fails only loudness clause", constant(2048, 0.012), false},
		// One loud click in silence: peak is high but density is ~0.
		{"transient click", sparse(2048, 2048, 0.9, 0), false},
		// Sustained murmur under the low threshold.
		{"low murmur", constant(2048, 0.007), false},
		// Dense enough above low, loud enough, but mean energy under the floor.
		{"below energy floor", sparse(2048, 10, 0.016, 0), false},
		{"NaN window", constant(2048, float32(math.NaN())), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.window)
			if got.IsSpeech != tt.want {
				t.Errorf("IsSpeech = %v, want %v (stats %+v)", got.IsSpeech, tt.want, got)
			}
		})
	}
}

func TestScreen(t *testing.T) {
	c := vad.New(vad.DefaultThresholds())

	tests := []struct {
		name  string
		block []float32
		want  bool
	}{
		{"all zero", make([]float32, 128), false},
		{"loud", constant(128, 0.1), true},
		// 100% above low, peak 0.009 < 0.01, nothing above 0.015.
		{"dense but quiet", constant(128, 0.009), false},
		// Only 10% of samples above low: under the 12% density.
		{"too sparse", sparse(128, 10, 0.5, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Screen(tt.block); got.IsSpeech != tt.want {
				t.Errorf("IsSpeech = %v, want %v (stats %+v)", got.IsSpeech, tt.want, got)
			}
		})
	}
}

func TestStats(t *testing.T) {
	r := vad.Stats([]float32{0, 0.01, -0.03, 0.5}, 0.008, 0.02)
	if r.MaxAmplitude != float64(float32(0.5)) {
		t.Errorf("MaxAmplitude = %f, want 0.5", r.MaxAmplitude)
	}
	if r.AboveThresholdRatio != 0.75 {
		t.Errorf("AboveThresholdRatio = %f, want 0.75", r.AboveThresholdRatio)
	}
	if r.AboveHighThresholdRatio != 0.5 {
		t.Errorf("AboveHighThresholdRatio = %f, want 0.5", r.AboveHighThresholdRatio)
	}
	wantAvg := (float64(float32(0.01)) + float64(float32(0.03)) + 0.5) / 4
	if math.Abs(r.AverageAmplitude-wantAvg) > 1e-9 {
		t.Errorf("AverageAmplitude = %f, want %f", r.AverageAmplitude, wantAvg)
	}
}
