package audio

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder dumps raw captured samples to a 16-bit WAV file for diagnostics.
// Samples are written interleaved at the device channel count.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	format  *goaudio.Format
	written int
	closed  bool
}

// NewRecorder creates (or truncates) path and prepares a WAV encoder.
func NewRecorder(path string, sampleRate, channels int) (*Recorder, error) {
	if channels <= 0 {
		channels = 1
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, 16, channels, 1),
		format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
	}, nil
}

// Write appends one capture buffer.
func (r *Recorder) Write(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	if len(samples) == 0 {
		return nil
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(floatToInt16(s))
	}
	buf := &goaudio.IntBuffer{Format: r.format, Data: data, SourceBitDepth: 16}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.written += len(samples)
	return nil
}

// SamplesWritten returns the number of interleaved samples written so far.
func (r *Recorder) SamplesWritten() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close finalizes the WAV header and closes the file. It is safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close capture file: %w", fileErr)
	}
	return nil
}
