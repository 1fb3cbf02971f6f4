package file

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/fossabot/hark/internal/errors"
)

// stream yields interleaved float32 samples from an encoded file.
type stream interface {
	SampleRate() int
	Channels() int
	// Read appends up to n sample frames to dst. It returns io.EOF once the
	// file is exhausted and nothing was appended.
	Read(dst []float32, n int) ([]float32, error)
}

// openStream picks a decoder from the file extension, falling back to the
// magic bytes for unknown extensions.
func openStream(f *os.File) (stream, error) {
	switch strings.ToLower(filepath.Ext(f.Name())) {
	case ".wav", ".wave":
		return newWAVStream(f)
	case ".flac":
		return newFLACStream(f)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, unsupported(f.Name(), "file too short")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(magic[:], []byte("RIFF")):
		return newWAVStream(f)
	case bytes.Equal(magic[:], []byte("fLaC")):
		return newFLACStream(f)
	}
	return nil, unsupported(f.Name(), "not a WAV or FLAC file")
}

func unsupported(path, reason string) error {
	return errors.Newf("unsupported audio file: %s", reason).
		Component(componentFile).
		Category(errors.CategoryValidation).
		Context("path", path).
		Build()
}

// divisorFor maps a PCM bit depth to its full-scale value.
func divisorFor(bitDepth int) (float32, bool) {
	switch bitDepth {
	case 16:
		return 32768.0, true
	case 24:
		return 8388608.0, true
	case 32:
		return 2147483648.0, true
	}
	return 0, false
}

type wavStream struct {
	dec      *wav.Decoder
	divisor  float32
	channels int
	buf      *audio.IntBuffer
}

func newWAVStream(f *os.File) (*wavStream, error) {
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, unsupported(f.Name(), "invalid WAV header")
	}
	if dec.WavAudioFormat != 1 {
		return nil, unsupported(f.Name(), "only integer PCM WAV is supported")
	}
	divisor, ok := divisorFor(int(dec.BitDepth))
	if !ok {
		return nil, unsupported(f.Name(), "bit depth must be 16, 24 or 32")
	}
	if dec.NumChans == 0 {
		return nil, unsupported(f.Name(), "no channels")
	}
	return &wavStream{
		dec:      dec,
		divisor:  divisor,
		channels: int(dec.NumChans),
		buf: &audio.IntBuffer{
			Format: &audio.Format{SampleRate: int(dec.SampleRate), NumChannels: int(dec.NumChans)},
		},
	}, nil
}

func (s *wavStream) SampleRate() int { return int(s.dec.SampleRate) }
func (s *wavStream) Channels() int   { return s.channels }

func (s *wavStream) Read(dst []float32, n int) ([]float32, error) {
	want := n * s.channels
	if cap(s.buf.Data) < want {
		s.buf.Data = make([]int, want)
	}
	s.buf.Data = s.buf.Data[:want]

	got, err := s.dec.PCMBuffer(s.buf)
	if err != nil && err != io.EOF {
		return dst, err
	}
	if got == 0 {
		return dst, io.EOF
	}
	got -= got % s.channels
	for _, v := range s.buf.Data[:got] {
		dst = append(dst, float32(v)/s.divisor)
	}
	return dst, nil
}

type flacStream struct {
	dec      *flac.Decoder
	divisor  float32
	width    int
	channels int
	pending  []float32
}

func newFLACStream(f *os.File) (*flacStream, error) {
	dec, err := flac.NewDecoder(f)
	if err != nil {
		return nil, unsupported(f.Name(), err.Error())
	}
	divisor, ok := divisorFor(dec.BitsPerSample)
	if !ok {
		return nil, unsupported(f.Name(), "bit depth must be 16, 24 or 32")
	}
	if dec.NChannels <= 0 {
		return nil, unsupported(f.Name(), "no channels")
	}
	return &flacStream{
		dec:      dec,
		divisor:  divisor,
		width:    dec.BitsPerSample / 8,
		channels: dec.NChannels,
	}, nil
}

func (s *flacStream) SampleRate() int { return s.dec.SampleRate }
func (s *flacStream) Channels() int   { return s.channels }

func (s *flacStream) Read(dst []float32, n int) ([]float32, error) {
	want := n * s.channels
	for len(s.pending) < want {
		block, err := s.dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return dst, err
		}
		s.pending = s.decodeBlock(s.pending, block)
	}
	if len(s.pending) == 0 {
		return dst, io.EOF
	}

	take := min(want, len(s.pending))
	take -= take % s.channels
	dst = append(dst, s.pending[:take]...)
	s.pending = append(s.pending[:0], s.pending[take:]...)
	return dst, nil
}

// decodeBlock converts little-endian interleaved PCM of the stream's width.
func (s *flacStream) decodeBlock(dst []float32, block []byte) []float32 {
	for i := 0; i+s.width <= len(block); i += s.width {
		var v int32
		switch s.width {
		case 2:
			v = int32(int16(binary.LittleEndian.Uint16(block[i:])))
		case 3:
			v = int32(block[i]) | int32(block[i+1])<<8 | int32(int8(block[i+2]))<<16
		case 4:
			v = int32(binary.LittleEndian.Uint32(block[i:]))
		}
		dst = append(dst, float32(v)/s.divisor)
	}
	return dst
}

// remix converts interleaved samples between channel counts. Downmixing to
// mono averages the channels; mono is duplicated into every output channel;
// wider sources keep their leading channels.
func remix(dst, src []float32, from, to int) []float32 {
	if from == to {
		return append(dst, src...)
	}
	frames := len(src) / from
	for i := range frames {
		in := src[i*from : (i+1)*from]
		switch {
		case to == 1:
			var sum float32
			for _, v := range in {
				sum += v
			}
			dst = append(dst, sum/float32(from))
		case from == 1:
			for range to {
				dst = append(dst, in[0])
			}
		default:
			dst = append(dst, in[:to]...)
		}
	}
	return dst
}
