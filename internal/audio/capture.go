package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// Capture opens the default input device.
type Capture interface {
	ListDevices() ([]string, error)
	Open() (CaptureHandle, error)
}

// CaptureHandle is one open input stream. The callback passed to Start receives
// interleaved float samples and must not retain the slice.
type CaptureHandle interface {
	Start(callback func(samples []float32)) error
	SampleRate() int
	Channels() int
	Stop() error
	// Done is closed once capture has ended, by Stop or by a device failure.
	// It is nil before Start.
	Done() <-chan struct{}
	// Err returns the read failure that ended capture, if any.
	Err() error
}

const defaultFramesPerBuffer = 1024

// PortAudioCapture captures from the system default input through PortAudio.
// portaudio.Initialize must have been called by the process.
type PortAudioCapture struct {
	FramesPerBuffer int
	Logger          zerolog.Logger
}

// ListDevices returns the names of devices with at least one input channel.
func (c *PortAudioCapture) ListDevices() ([]string, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Open resolves the default input device. The stream itself is opened by Start.
func (c *PortAudioCapture) Open() (CaptureHandle, error) {
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("default input device: %w", err)
	}
	if device == nil || device.MaxInputChannels == 0 {
		return nil, errors.New("no default input device")
	}

	channels := device.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	framesPerBuffer := c.FramesPerBuffer
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}

	c.Logger.Debug().
		Str("device", device.Name).
		Int("channels", channels).
		Float64("sample_rate", device.DefaultSampleRate).
		Msg("Using input device")

	return &portAudioHandle{
		device:          device,
		channels:        channels,
		sampleRate:      int(device.DefaultSampleRate),
		framesPerBuffer: framesPerBuffer,
		logger:          c.Logger,
	}, nil
}

type portAudioHandle struct {
	device          *portaudio.DeviceInfo
	channels        int
	sampleRate      int
	framesPerBuffer int
	logger          zerolog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	stop    chan struct{}
	done    chan struct{}
	err     error
	started bool
	stopped bool
}

func (h *portAudioHandle) SampleRate() int { return h.sampleRate }
func (h *portAudioHandle) Channels() int   { return h.channels }

func (h *portAudioHandle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *portAudioHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Start opens the stream and reads buffers on a dedicated goroutine until Stop.
func (h *portAudioHandle) Start(callback func(samples []float32)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("capture already started")
	}

	buf := make([]float32, h.framesPerBuffer*h.channels)
	params := portaudio.LowLatencyParameters(h.device, nil)
	params.Input.Channels = h.channels
	params.SampleRate = float64(h.sampleRate)
	params.FramesPerBuffer = h.framesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}

	h.stream = stream
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.started = true

	go h.readLoop(stream, buf, callback)
	return nil
}

func (h *portAudioHandle) readLoop(stream *portaudio.Stream, buf []float32, callback func([]float32)) {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				h.logger.Warn().Msg("Audio input overflowed")
				continue
			}
			h.logger.Error().Err(err).Msg("Audio stream read failed")
			h.mu.Lock()
			h.err = fmt.Errorf("read input stream: %w", err)
			h.mu.Unlock()
			return
		}
		callback(buf)
	}
}

// Stop halts capture and waits for the read goroutine. Repeated calls are no-ops.
func (h *portAudioHandle) Stop() error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.stop)
	stream := h.stream
	h.mu.Unlock()

	<-h.done
	stopErr := stream.Stop()
	closeErr := stream.Close()
	if stopErr != nil {
		return fmt.Errorf("stop input stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close input stream: %w", closeErr)
	}
	return nil
}
