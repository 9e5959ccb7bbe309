package audio

import (
	"encoding/binary"
	"math"
)

// DefaultMaxGain bounds how far Normalize amplifies near-silent input.
const DefaultMaxGain = 4.0

// Loudness returns the mean absolute amplitude of 16-bit little-endian
// samples scaled into [0,1]. A trailing odd byte is ignored and an empty
// chunk has loudness 0.
func Loudness(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += math.Abs(float64(sample)) / 32768
	}
	return sum / float64(n)
}

// Gain returns the amplification Normalize applies for a peak sample
// magnitude. Loud audio (peak >= 16384) is left alone. maxGain is capped at
// DefaultMaxGain.
func Gain(peak int, maxGain float64) float64 {
	if maxGain <= 0 || maxGain > DefaultMaxGain {
		maxGain = DefaultMaxGain
	}
	if peak <= 0 {
		return 1
	}
	gain := 1.0
	if peak < 16384 {
		gain = 32767 / float64(peak)
	}
	return math.Min(gain, maxGain)
}

// Normalize boosts quiet recordings. The first headerSize bytes are copied
// through untouched; every following 16-bit sample is scaled by Gain and
// clamped to the int16 range. The input slice is not modified and the
// result always has the same length.
func Normalize(data []byte, headerSize int, maxGain float64) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	if headerSize < 0 || len(data) <= headerSize {
		return out
	}

	samples := out[headerSize:]
	n := len(samples) / 2
	peak := 0
	for i := 0; i < n; i++ {
		v := int(int16(binary.LittleEndian.Uint16(samples[i*2:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}

	gain := Gain(peak, maxGain)
	if gain == 1 {
		return out
	}
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(samples[i*2:]))) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(samples[i*2:], uint16(int16(v)))
	}
	return out
}

// Float32 converts 16-bit little-endian samples to [-1,1) floats.
func Float32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
