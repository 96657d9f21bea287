package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by EncodeWAV.
const WAVHeaderSize = 44

// MaxWAVDataSize is the largest payload whose RIFF size field fits in 32 bits.
const MaxWAVDataSize = math.MaxUint32 - (WAVHeaderSize - 8)

// WAVHeader holds the fields of a canonical PCM WAVE header.
type WAVHeader struct {
	FileSize      uint32 // RIFF chunk size: total file length minus 8
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV wraps mono 16-bit PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if err := checkWAVDataSize(uint64(len(pcm))); err != nil {
		return nil, err
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

func checkWAVDataSize(n uint64) error {
	if n > MaxWAVDataSize {
		return fmt.Errorf("PCM data of %d bytes exceeds the WAV size limit of %d bytes", n, uint64(MaxWAVDataSize))
	}
	return nil
}

// ParseWAVHeader reads the canonical 44-byte header produced by EncodeWAV.
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(data) < WAVHeaderSize {
		return h, errors.New("wav data shorter than header")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return h, errors.New("missing RIFF/WAVE signature")
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return h, errors.New("unexpected chunk layout")
	}

	le := binary.LittleEndian
	h.FileSize = le.Uint32(data[4:8])
	h.AudioFormat = le.Uint16(data[20:22])
	h.NumChannels = le.Uint16(data[22:24])
	h.SampleRate = le.Uint32(data[24:28])
	h.ByteRate = le.Uint32(data[28:32])
	h.BlockAlign = le.Uint16(data[32:34])
	h.BitsPerSample = le.Uint16(data[34:36])
	h.DataSize = le.Uint32(data[40:44])
	return h, nil
}
