// Package vad classifies windows of float audio samples as speech-bearing or
// not, using amplitude statistics only.
//
// Two rules are provided. [Classifier.Screen] is the coarse per-block rule run
// while samples are buffered; it is an early hint and never gates anything.
// [Classifier.Classify] is the authoritative per-window rule: it is a
// conjunction of a peak test, a density test, an energy floor, and a
// dual-threshold loudness test, so short loud clicks and sustained low murmur
// are both rejected while quiet real speech is kept.
//
// All functions are pure and safe for concurrent use.
package vad

import "math"

// Thresholds are the amplitude and ratio parameters of both rules. The zero
// value is not useful; start from [DefaultThresholds].
type Thresholds struct {
	// Low is the base amplitude threshold used by both rules.
	Low float64 `yaml:"low"`

	// BlockPeak is the secondary peak threshold of the block rule.
	BlockPeak float64 `yaml:"block_peak"`

	// BlockHigh is the high amplitude threshold of the block rule.
	BlockHigh float64 `yaml:"block_high"`

	// BlockLowRatio is the minimum fraction of samples above Low for a block.
	BlockLowRatio float64 `yaml:"block_low_ratio"`

	// BlockHighRatio is the fraction above BlockHigh that substitutes for a
	// loud peak in the block rule.
	BlockHighRatio float64 `yaml:"block_high_ratio"`

	// ChunkPeak is the peak threshold of the window loudness test.
	ChunkPeak float64 `yaml:"chunk_peak"`

	// ChunkHigh is the amplitude threshold whose density substitutes for a
	// loud peak in the window loudness test.
	ChunkHigh float64 `yaml:"chunk_high"`

	// ChunkLowRatio is the minimum fraction of samples above Low for a window.
	ChunkLowRatio float64 `yaml:"chunk_low_ratio"`

	// ChunkHighRatio is the minimum fraction above ChunkHigh when the peak
	// test fails.
	ChunkHighRatio float64 `yaml:"chunk_high_ratio"`

	// EnergyFloor is the minimum mean absolute amplitude of a window.
	EnergyFloor float64 `yaml:"energy_floor"`
}

// DefaultThresholds returns the thresholds tuned for 16 kHz close-talk
// microphone input.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:            0.008,
		BlockPeak:      0.01,
		BlockHigh:      0.015,
		BlockLowRatio:  0.12,
		BlockHighRatio: 0.05,
		ChunkPeak:      0.015,
		ChunkHigh:      0.02,
		ChunkLowRatio:  0.08,
		ChunkHighRatio: 0.03,
		EnergyFloor:    0.002,
	}
}

// Result is the outcome of classifying one window or block.
type Result struct {
	IsSpeech bool

	// MaxAmplitude is the peak absolute sample value.
	MaxAmplitude float64

	// AverageAmplitude is the mean absolute sample value.
	AverageAmplitude float64

	// AboveThresholdRatio is the fraction of samples whose absolute value
	// exceeds the low threshold.
	AboveThresholdRatio float64

	// AboveHighThresholdRatio is the fraction of samples whose absolute value
	// exceeds the rule's high threshold.
	AboveHighThresholdRatio float64
}

// Stats summarises the amplitude distribution of samples against a low and a
// high threshold. NaN samples count as silence. Empty input yields zero stats.
func Stats(samples []float32, low, high float64) Result {
	if len(samples) == 0 {
		return Result{}
	}
	var (
		peak, sum     float64
		aboveLow, hit int
	)
	for _, v := range samples {
		a := math.Abs(float64(v))
		if a != a {
			continue
		}
		sum += a
		if a > peak {
			peak = a
		}
		if a > low {
			aboveLow++
		}
		if a > high {
			hit++
		}
	}
	n := float64(len(samples))
	return Result{
		MaxAmplitude:            peak,
		AverageAmplitude:        sum / n,
		AboveThresholdRatio:     float64(aboveLow) / n,
		AboveHighThresholdRatio: float64(hit) / n,
	}
}

// Classifier applies [Thresholds] to sample windows.
type Classifier struct {
	T Thresholds
}

// New returns a Classifier using t.
func New(t Thresholds) *Classifier {
	return &Classifier{T: t}
}

// Screen applies the coarse block rule: more than BlockLowRatio of the
// samples exceed Low, and either the peak exceeds BlockPeak or more than
// BlockHighRatio exceed BlockHigh.
func (c *Classifier) Screen(block []float32) Result {
	r := Stats(block, c.T.Low, c.T.BlockHigh)
	r.IsSpeech = r.AboveThresholdRatio > c.T.BlockLowRatio &&
		(r.MaxAmplitude > c.T.BlockPeak || r.AboveHighThresholdRatio > c.T.BlockHighRatio)
	return r
}

// Classify applies the authoritative window rule. A window is speech only if
// all of the following hold:
//
//   - the peak exceeds Low
//   - more than ChunkLowRatio of the samples exceed Low
//   - the mean absolute amplitude exceeds EnergyFloor
//   - the peak exceeds ChunkPeak, or more than ChunkHighRatio exceed ChunkHigh
func (c *Classifier) Classify(window []float32) Result {
	r := Stats(window, c.T.Low, c.T.ChunkHigh)
	r.IsSpeech = r.MaxAmplitude > c.T.Low &&
		r.AboveThresholdRatio > c.T.ChunkLowRatio &&
		r.AverageAmplitude > c.T.EnergyFloor &&
		(r.MaxAmplitude > c.T.ChunkPeak || r.AboveHighThresholdRatio > c.T.ChunkHighRatio)
	return r
}
