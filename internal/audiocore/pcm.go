package audiocore

import (
	"encoding/binary"
	"math"
)

const int16Scale = 32768.0

// DecodeS16LE converts little-endian signed 16-bit PCM to float32 in [-1, 1).
// A trailing odd byte is ignored.
func DecodeS16LE(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		dst = append(dst, float32(v)/int16Scale)
	}
	return dst
}

// EncodeS16LE converts float32 samples to little-endian 16-bit PCM,
// clamping to the representable range.
func EncodeS16LE(dst []byte, samples []float32) []byte {
	var b [BytesPerSample]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(FloatToInt16(s)))
		dst = append(dst, b[:]...)
	}
	return dst
}

// FloatToInt16 quantizes a sample with rounding and clamping.
func FloatToInt16(s float32) int16 {
	v := math.Round(float64(s) * int16Scale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
