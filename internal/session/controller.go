package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/observability"
	"github.com/pushlean/voice-keyboard-linux/internal/stt"
)

// Options wires the controller to its collaborators.
type Options struct {
	Capture  audio.Capture
	Backends BackendFactory
	Output   KeyboardOutput
	Media    MediaControl
	State    *State

	// DrainTimeout bounds trailing event delivery after a streaming Stop.
	DrainTimeout time.Duration
	// UploadTimeout bounds a batch upload issued by Stop.
	UploadTimeout time.Duration
	// CapturePath, if set, receives a WAV dump of the raw captured audio.
	CapturePath string

	Logger zerolog.Logger
	// Fatal is called when keyboard output fails. Defaults to a fatal log.
	Fatal func(error)
}

// Controller owns the recording lifecycle. Commands are queued and applied one
// at a time by a single worker, so at most one session is ever live.
type Controller struct {
	opts   Options
	state  *State
	output *SerializedOutput
	media  MediaControl
	logger zerolog.Logger
	queue  *commandQueue

	intentMu   sync.Mutex
	wantActive bool

	// Owned by the worker goroutine.
	current     *liveSession
	mediaPaused bool
	drains      sync.WaitGroup

	processed atomic.Int64
}

// liveSession holds the resources of one recording episode.
type liveSession struct {
	id       string
	mode     stt.Mode
	logger   zerolog.Logger
	handle   audio.CaptureHandle
	backend  stt.Backend
	framer   *audio.Framer
	recorder *audio.Recorder
	reducer  *Reducer
	metrics  *observability.SessionMetrics

	// suppressed discards any further transcript delivery (cancel, supersede).
	suppressed atomic.Bool
	// stopping marks a Stop in progress; a connection ending now is expected.
	stopping    atomic.Bool
	ingestFails atomic.Bool
}

// NewController creates a controller. Call Run to start the worker.
func NewController(opts Options) *Controller {
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Media == nil {
		opts.Media = NoopMedia{}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 60 * time.Second
	}
	return &Controller{
		opts:   opts,
		state:  opts.State,
		output: NewSerializedOutput(opts.Output),
		media:  opts.Media,
		logger: opts.Logger,
		queue:  newCommandQueue(),
	}
}

// State returns the shared engine state.
func (c *Controller) State() *State { return c.state }

// Submit enqueues a command. It never blocks.
func (c *Controller) Submit(cmd Command) {
	c.submit(request{cmd: cmd}, "api")
}

func (c *Controller) submit(r request, source string) {
	r.source = source
	if r.sessionID == "" {
		c.intentMu.Lock()
		c.wantActive = r.cmd == CommandStart
		c.intentMu.Unlock()
	}
	c.queue.push(r)
}

// SetActive requests the given recording state from a control surface and
// returns the requested state.
func (c *Controller) SetActive(active bool, source string) bool {
	if active {
		c.submit(request{cmd: CommandStart}, source)
	} else {
		c.submit(request{cmd: CommandStop}, source)
	}
	return active
}

// Toggle flips the requested recording state and returns the new request.
func (c *Controller) Toggle(source string) bool {
	c.intentMu.Lock()
	next := !c.wantActive
	c.intentMu.Unlock()
	return c.SetActive(next, source)
}

// Cancel discards the current session without emitting any text.
func (c *Controller) Cancel(source string) {
	c.submit(request{cmd: CommandCancel}, source)
}

// IsActive reports the visible active flag.
func (c *Controller) IsActive() bool {
	return c.state.IsActive()
}

// Run processes commands until ctx is done, then tears down any live session
// without finalizing it.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Msg("Session controller started")
	defer func() {
		c.cancel()
		c.drains.Wait()
		c.logger.Info().Msg("Session controller stopped")
	}()

	for {
		r, ok := c.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		c.handle(ctx, r)
		c.processed.Add(1)
	}
}

func (c *Controller) handle(ctx context.Context, r request) {
	observability.RecordCommand(r.cmd.String())
	c.logger.Debug().Str("command", r.cmd.String()).Str("source", r.source).Msg("Processing command")

	switch r.cmd {
	case CommandStart:
		c.start(ctx)
	case CommandStop:
		if r.sessionID != "" {
			if c.current == nil || c.current.id != r.sessionID {
				return
			}
			c.stop(ctx)
			c.settleIntent()
			return
		}
		c.stop(ctx)
	case CommandCancel:
		c.cancel()
	}
}

func (c *Controller) start(ctx context.Context) {
	if c.current != nil {
		c.current.logger.Info().Msg("Superseding active session")
		c.teardown(c.current)
		c.current = nil
	}

	if !c.mediaPaused {
		if err := c.media.OnRecordingStart(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to pause media playback")
		}
		c.mediaPaused = true
	}
	c.state.ResetActivity()
	c.output.ResetTurn()

	sess, err := c.open(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to start recording session")
		observability.RecordError(observability.ErrorSetup, "session")
		c.resumeMedia()
		c.state.setActive(false)
		c.settleIntent()
		return
	}

	c.current = sess
	sess.metrics.RecordSessionStart()
	c.state.setActive(true)
	sess.logger.Info().Msg("Recording started")
}

// open acquires capture and backend for a new session; on error nothing is left open.
func (c *Controller) open(ctx context.Context) (*liveSession, error) {
	handle, err := c.opts.Capture.Open()
	if err != nil {
		return nil, err
	}

	mode := c.opts.Backends.Mode()
	id := observability.NewSessionID()
	logger := observability.WithSession(id, string(mode))

	backend, err := c.opts.Backends.NewBackend(ctx, handle.SampleRate(), logger)
	if err != nil {
		_ = handle.Stop()
		return nil, err
	}

	sess := &liveSession{
		id:      id,
		mode:    mode,
		logger:  logger,
		handle:  handle,
		backend: backend,
		framer:  audio.NewFramer(c.opts.Backends.FramerConfig(handle.SampleRate(), handle.Channels())),
		reducer: NewReducer(c.output, c.state, logger, c.opts.Fatal),
		metrics: observability.NewSessionMetrics(string(mode)),
	}

	if c.opts.CapturePath != "" {
		rec, err := audio.NewRecorder(c.opts.CapturePath, handle.SampleRate(), handle.Channels())
		if err != nil {
			logger.Warn().Err(err).Str("path", c.opts.CapturePath).Msg("Audio capture dump disabled")
		} else {
			sess.recorder = rec
		}
	}

	if sb, ok := backend.(stt.StreamingBackend); ok {
		go c.deliver(sess, sb)
	}

	if err := handle.Start(sess.pump); err != nil {
		sess.suppressed.Store(true)
		_ = backend.Close()
		_ = handle.Stop()
		sess.closeRecorder()
		return nil, err
	}
	go c.watchCapture(sess)

	logger.Debug().
		Int("sample_rate", handle.SampleRate()).
		Int("channels", handle.Channels()).
		Int("frame_size", sess.framer.FrameSize()).
		Msg("Session resources ready")
	return sess, nil
}

// pump runs on the capture goroutine. It may block on streaming backpressure.
func (s *liveSession) pump(samples []float32) {
	observability.RecordAudioBytes("captured", int64(len(samples)*4))
	if s.recorder != nil {
		if err := s.recorder.Write(samples); err != nil && !s.ingestFails.Load() {
			s.logger.Warn().Err(err).Msg("Audio capture dump failed")
		}
	}
	for _, frame := range s.framer.Push(samples) {
		if err := s.backend.Ingest(frame); err != nil {
			if !s.ingestFails.Swap(true) && !s.suppressed.Load() && !s.stopping.Load() {
				s.logger.Warn().Err(err).Msg("Backend rejected audio")
			}
			return
		}
	}
}

// deliver feeds streaming events to the reducer in arrival order. When the
// connection ends without a Stop, the session is ended; there is no reconnect.
func (c *Controller) deliver(sess *liveSession, sb stt.StreamingBackend) {
	for ev := range sb.Events() {
		if sess.suppressed.Load() {
			continue
		}
		sess.reducer.Apply(ev)
	}

	if sess.suppressed.Load() || sess.stopping.Load() {
		return
	}
	if err := sb.Err(); err != nil {
		sess.logger.Error().Err(err).Msg("Streaming connection lost")
		observability.RecordError(observability.ErrorTransport, "streaming")
	} else {
		sess.logger.Warn().Msg("Streaming connection closed by service")
	}
	c.submit(request{cmd: CommandStop, sessionID: sess.id}, "transport")
}

// watchCapture ends the session when the input device fails underneath it.
func (c *Controller) watchCapture(sess *liveSession) {
	<-sess.handle.Done()
	if sess.suppressed.Load() || sess.stopping.Load() {
		return
	}
	err := sess.handle.Err()
	if err == nil {
		return
	}
	sess.logger.Error().Err(err).Msg("Audio capture failed")
	observability.RecordError(observability.ErrorCapture, "audio")
	c.submit(request{cmd: CommandStop, sessionID: sess.id}, "capture")
}

func (c *Controller) stop(ctx context.Context) {
	sess := c.current
	c.current = nil
	c.state.setActive(false)
	c.resumeMedia()
	if sess == nil {
		return
	}
	sess.stopping.Store(true)

	if err := sess.handle.Stop(); err != nil {
		sess.logger.Warn().Err(err).Msg("Failed to stop audio capture")
	}
	if frame, ok := sess.framer.Flush(); ok {
		if err := sess.backend.Ingest(frame); err != nil && !errors.Is(err, stt.ErrIngestClosed) {
			sess.logger.Debug().Err(err).Msg("Dropped trailing partial frame")
		}
	}
	sess.closeRecorder()

	switch b := sess.backend.(type) {
	case stt.StreamingBackend:
		c.drain(sess, b)
	case stt.BatchBackend:
		c.finishBatch(ctx, sess, b)
	default:
		_ = sess.backend.Close()
		sess.metrics.RecordSessionEnd()
	}
}

// drain closes ingest and lets trailing events arrive in the background, hard
// closing the connection if the service does not finish in time.
func (c *Controller) drain(sess *liveSession, b stt.StreamingBackend) {
	if err := b.CloseSend(); err != nil {
		sess.logger.Warn().Err(err).Msg("Failed to close audio stream")
	}
	sess.logger.Info().Msg("Recording stopped, draining transcription")

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		defer sess.metrics.RecordSessionEnd()

		timer := time.NewTimer(c.opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-b.Done():
			if err := b.Err(); err != nil {
				sess.logger.Warn().Err(err).Msg("Streaming session ended with error")
				observability.RecordError(observability.ErrorTransport, "streaming")
			}
		case <-timer.C:
			sess.logger.Warn().Dur("timeout", c.opts.DrainTimeout).Msg("Transcription drain timed out")
			_ = b.Close()
		}
	}()
}

func (c *Controller) finishBatch(ctx context.Context, sess *liveSession, b stt.BatchBackend) {
	defer sess.metrics.RecordSessionEnd()

	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.UploadTimeout)
	defer cancel()

	sess.logger.Info().Msg("Recording stopped, transcribing")
	sess.metrics.RecordUploadStart()
	text, err := b.Finish(uploadCtx)
	sess.metrics.RecordUploadEnd(err == nil)
	if err != nil {
		if stt.IsCredentialError(err) {
			sess.logger.Error().Err(err).Msg("Set OPENAI_API_KEY to use the batch backend")
		} else {
			sess.logger.Error().Err(err).Msg("Batch transcription failed")
		}
		return
	}
	if text == "" {
		sess.logger.Info().Msg("Empty transcription")
		return
	}

	sess.reducer.Apply(stt.TranscriptEvent{Kind: stt.EventUpdate, Text: text})
	sess.reducer.Apply(stt.TranscriptEvent{Kind: stt.EventEndOfTurn})
}

func (c *Controller) cancel() {
	sess := c.current
	c.current = nil
	c.state.setActive(false)
	c.resumeMedia()
	if sess == nil {
		return
	}
	c.teardown(sess)
	sess.logger.Info().Msg("Recording cancelled")
}

// teardown releases a session without finalizing it: the backend is closed
// first, then the capture device is released.
func (c *Controller) teardown(sess *liveSession) {
	sess.suppressed.Store(true)
	if err := sess.backend.Close(); err != nil {
		sess.logger.Debug().Err(err).Msg("Backend close failed")
	}
	if err := sess.handle.Stop(); err != nil {
		sess.logger.Warn().Err(err).Msg("Failed to stop audio capture")
	}
	sess.closeRecorder()
	sess.metrics.RecordSessionEnd()
}

func (s *liveSession) closeRecorder() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to finalize audio capture dump")
	}
}

func (c *Controller) resumeMedia() {
	if !c.mediaPaused {
		return
	}
	c.mediaPaused = false
	if err := c.media.OnRecordingStop(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to resume media playback")
	}
}

// settleIntent drops a stale "active" intent after a session ended on its own,
// unless newer commands are already queued.
func (c *Controller) settleIntent() {
	if c.queue.len() > 0 {
		return
	}
	c.intentMu.Lock()
	c.wantActive = false
	c.intentMu.Unlock()
}

// Processed returns the number of commands the worker has applied.
func (c *Controller) Processed() int64 {
	return c.processed.Load()
}
