package audiocore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS16LERoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x00, 0x40}
	samples := DecodeS16LE(nil, pcm)

	assert.Len(t, samples, 4)
	assert.InDelta(t, 0, samples[0], 1e-9)
	assert.InDelta(t, 32767.0/32768.0, samples[1], 1e-9)
	assert.InDelta(t, -1, samples[2], 1e-9)
	assert.InDelta(t, 0.5, samples[3], 1e-9)

	assert.Equal(t, pcm, EncodeS16LE(nil, samples))
}

func TestDecodeIgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	assert.Len(t, DecodeS16LE(nil, []byte{1, 0, 7}), 1)
}

func TestFloatToInt16Clamps(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int16(math.MaxInt16), FloatToInt16(1.5))
	assert.Equal(t, int16(math.MinInt16), FloatToInt16(-2))
	assert.Equal(t, int16(16384), FloatToInt16(0.5))
}
