package audio

import (
	"encoding/binary"
	"math"
)

// EncodeSample converts one float sample to signed 16-bit PCM. The input is
// clamped to [-1, 1] first; negative values scale by 0x8000 and positive values
// by 0x7FFF so both ends of the int16 range are reachable. NaN encodes to 0.
func EncodeSample(v float32) int16 {
	if v != v { // NaN
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// DecodeSample is the inverse of [EncodeSample] up to quantisation error.
func DecodeSample(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7FFF
}

// EncodePCM16 encodes a window of float samples to signed 16-bit PCM.
func EncodePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = EncodeSample(v)
	}
	return out
}

// DecodePCM16 converts 16-bit PCM back to float samples in [-1, 1].
func DecodePCM16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = DecodeSample(s)
	}
	return out
}

// PCM16FromBytes parses little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func PCM16FromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Peak returns the maximum absolute amplitude of samples. NaN samples count as
// silence.
func Peak(samples []float32) float64 {
	var peak float64
	for _, v := range samples {
		a := math.Abs(float64(v))
		if a > peak {
			peak = a
		}
	}
	return peak
}

// DownmixStereo averages interleaved stereo float samples to mono.
// A trailing unpaired sample is dropped.
func DownmixStereo(interleaved []float32) []float32 {
	out := make([]float32, len(interleaved)/2)
	for i := range out {
		out[i] = (interleaved[i*2] + interleaved[i*2+1]) / 2
	}
	return out
}
