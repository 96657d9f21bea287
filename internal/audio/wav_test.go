package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeWAV_OneSecondOfSilence(t *testing.T) {
	pcm := make([]byte, 32000)
	data, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(data) != WAVHeaderSize+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", WAVHeaderSize+len(pcm), len(data))
	}

	h, err := ParseWAVHeader(data)
	if err != nil {
		t.Fatalf("ParseWAVHeader failed: %v", err)
	}
	if h.FileSize != 32036 {
		t.Errorf("Expected file size field 32036, got %d", h.FileSize)
	}
	if h.ByteRate != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", h.ByteRate)
	}
	if h.DataSize != 32000 {
		t.Errorf("Expected data size 32000, got %d", h.DataSize)
	}
	if h.AudioFormat != 1 || h.NumChannels != 1 || h.BitsPerSample != 16 || h.BlockAlign != 2 {
		t.Errorf("unexpected format fields: %+v", h)
	}
	if h.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", h.SampleRate)
	}
	if int(h.FileSize)+8 != len(data) {
		t.Errorf("file size field inconsistent with layout: %d+8 != %d", h.FileSize, len(data))
	}
}

func TestEncodeWAV_PreservesPayload(t *testing.T) {
	pcm := FloatToPCM16([]float32{0.1, -0.1, 0.2})
	data, err := EncodeWAV(pcm, 48000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if !bytes.Equal(data[WAVHeaderSize:], pcm) {
		t.Error("payload does not follow the header verbatim")
	}
}

func TestEncodeWAV_Errors(t *testing.T) {
	if _, err := EncodeWAV([]byte{0, 0}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := EncodeWAV([]byte{0}, 16000); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
	if _, err := ParseWAVHeader([]byte("RIFF")); err == nil {
		t.Error("Expected error for truncated header")
	}
}

func TestCheckWAVDataSize(t *testing.T) {
	if err := checkWAVDataSize(MaxWAVDataSize); err != nil {
		t.Errorf("Expected the largest payload to fit, got %v", err)
	}
	if err := checkWAVDataSize(MaxWAVDataSize + 2); err == nil {
		t.Error("Expected an error for a payload whose RIFF size would wrap")
	}
}

func TestRecorder_WritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	rec, err := NewRecorder(path, 16000, 2)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	if err := rec.Write([]float32{0.1, 0.2, 0.3, 0.4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rec.SamplesWritten() != 4 {
		t.Errorf("Expected 4 samples written, got %d", rec.SamplesWritten())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := rec.Write([]float32{0}); err == nil {
		t.Error("Expected error writing to a closed recorder")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if len(data) < WAVHeaderSize+8 {
		t.Fatalf("capture file too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("capture file is not a RIFF/WAVE file")
	}
}
