package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Encoding is the sample encoding a frame is serialized with.
type Encoding int

const (
	EncodingPCM16 Encoding = iota
	EncodingFloat32
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the serialized width of one mono sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingFloat32 {
		return 4
	}
	return 2
}

// Frame is an ordered chunk of mono samples ready for a backend.
type Frame struct {
	Samples    []float32
	Encoding   Encoding
	SampleRate int
}

// Bytes serializes the frame in its encoding, little-endian.
func (f Frame) Bytes() []byte {
	if f.Encoding == EncodingFloat32 {
		out := make([]byte, len(f.Samples)*4)
		for i, s := range f.Samples {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
		}
		return out
	}
	return FloatToPCM16(f.Samples)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
