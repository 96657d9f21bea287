package audio

import (
	"sync"
	"time"
)

// FramerConfig describes the capture format and the frames a backend wants.
type FramerConfig struct {
	Channels      int
	SampleRate    int
	FrameDuration time.Duration // 0 disables fixed framing
	Encoding      Encoding
}

// Framer downmixes captured samples to mono and slices them into fixed-duration
// frames. Samples that do not fill a frame are carried to the next Push.
type Framer struct {
	cfg       FramerConfig
	frameSize int

	mu    sync.Mutex
	carry []float32
}

// NewFramer creates a framer for the given capture format.
func NewFramer(cfg FramerConfig) *Framer {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	frameSize := 0
	if cfg.FrameDuration > 0 && cfg.SampleRate > 0 {
		frameSize = int(int64(cfg.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second))
		if frameSize < 1 {
			frameSize = 1
		}
	}
	return &Framer{cfg: cfg, frameSize: frameSize}
}

// FrameSize returns the number of mono samples per frame, or 0 in pass-through mode.
func (f *Framer) FrameSize() int {
	return f.frameSize
}

// Push consumes one capture buffer and returns every complete frame it produced.
// In pass-through mode each non-empty push yields exactly one frame.
func (f *Framer) Push(raw []float32) []Frame {
	mono := Downmix(raw, f.cfg.Channels)
	if len(mono) == 0 {
		return nil
	}

	if f.frameSize == 0 {
		samples := make([]float32, len(mono))
		copy(samples, mono)
		return []Frame{f.frame(samples)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.carry = append(f.carry, mono...)
	var frames []Frame
	for len(f.carry) >= f.frameSize {
		samples := make([]float32, f.frameSize)
		copy(samples, f.carry[:f.frameSize])
		frames = append(frames, f.frame(samples))
		f.carry = f.carry[f.frameSize:]
	}
	if len(f.carry) == 0 {
		f.carry = nil
	}
	return frames
}

// Flush returns the carried partial frame, if any, and empties the carry buffer.
func (f *Framer) Flush() (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.carry) == 0 {
		return Frame{}, false
	}
	samples := f.carry
	f.carry = nil
	return f.frame(samples), true
}

// Pending returns the number of carried mono samples.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.carry)
}

func (f *Framer) frame(samples []float32) Frame {
	return Frame{Samples: samples, Encoding: f.cfg.Encoding, SampleRate: f.cfg.SampleRate}
}

// Downmix averages interleaved stereo pairs to mono. Any other channel count is
// returned unchanged; only mono and stereo devices are fully supported.
func Downmix(samples []float32, channels int) []float32 {
	if channels != 2 {
		return samples
	}
	mono := make([]float32, len(samples)/2)
	for i := range mono {
		mono[i] = (samples[2*i] + samples[2*i+1]) / 2
	}
	return mono
}
