package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/stt"
)

// eventLog records collaborator calls in order across goroutines.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) index(entry string) int {
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeCapture struct {
	log      *eventLog
	openErr  error
	startErr error

	mu      sync.Mutex
	handles []*fakeHandle
	live    int
	maxLive int
}

func (c *fakeCapture) ListDevices() ([]string, error) { return []string{"fake"}, nil }

func (c *fakeCapture) Open() (audio.CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := &fakeHandle{id: len(c.handles) + 1, capture: c, startErr: c.startErr}
	c.handles = append(c.handles, h)
	c.live++
	if c.live > c.maxLive {
		c.maxLive = c.live
	}
	c.log.add("capture.open#%d", h.id)
	return h, nil
}

func (c *fakeCapture) handle(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.handles) {
		return nil
	}
	return c.handles[i]
}

type fakeHandle struct {
	id       int
	capture  *fakeCapture
	startErr error

	mu       sync.Mutex
	callback func([]float32)
	stopped  bool
	done     chan struct{}
	ended    bool
	err      error
}

func (h *fakeHandle) Start(cb func([]float32)) error {
	if h.startErr != nil {
		return h.startErr
	}
	h.mu.Lock()
	h.callback = cb
	h.done = make(chan struct{})
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// end closes Done; the caller holds h.mu.
func (h *fakeHandle) end() {
	if h.done != nil && !h.ended {
		h.ended = true
		close(h.done)
	}
}

// fail simulates the device going away mid-session.
func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	h.callback = nil
	h.end()
}

func (h *fakeHandle) SampleRate() int { return 1000 }
func (h *fakeHandle) Channels() int   { return 1 }

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.callback = nil
	h.end()
	h.mu.Unlock()

	h.capture.mu.Lock()
	h.capture.live--
	h.capture.mu.Unlock()
	h.capture.log.add("capture.stop#%d", h.id)
	return nil
}

func (h *fakeHandle) feed(samples []float32) {
	h.mu.Lock()
	cb := h.callback
	h.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeStream struct {
	id  int
	log *eventLog

	frames     atomic.Int64
	closedSend atomic.Bool
	closed     atomic.Bool
	events     chan stt.TranscriptEvent
	done       chan struct{}
	endOnce    sync.Once
	err        error
}

func newFakeStream(id int, log *eventLog) *fakeStream {
	return &fakeStream{id: id, log: log, events: make(chan stt.TranscriptEvent, 16), done: make(chan struct{})}
}

func (s *fakeStream) Mode() stt.Mode { return stt.ModeStreaming }

func (s *fakeStream) Ingest(frame audio.Frame) error {
	if s.closedSend.Load() || s.closed.Load() {
		return stt.ErrIngestClosed
	}
	s.frames.Add(1)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.closedSend.Store(true)
	s.log.add("backend.closesend#%d", s.id)
	return nil
}

func (s *fakeStream) Close() error {
	if !s.closed.Swap(true) {
		s.log.add("backend.close#%d", s.id)
	}
	s.end()
	return nil
}

func (s *fakeStream) end() {
	s.endOnce.Do(func() {
		close(s.events)
		close(s.done)
	})
}

func (s *fakeStream) Events() <-chan stt.TranscriptEvent { return s.events }
func (s *fakeStream) Done() <-chan struct{}              { return s.done }
func (s *fakeStream) Err() error                         { return s.err }

type fakeBatch struct {
	id   int
	log  *eventLog
	text string
	err  error

	frames   atomic.Int64
	closed   atomic.Bool
	finished atomic.Bool
}

func (b *fakeBatch) Mode() stt.Mode { return stt.ModeBatch }

func (b *fakeBatch) Ingest(frame audio.Frame) error {
	if b.closed.Load() {
		return stt.ErrIngestClosed
	}
	b.frames.Add(1)
	return nil
}

func (b *fakeBatch) Close() error {
	b.closed.Store(true)
	b.log.add("backend.close#%d", b.id)
	return nil
}

func (b *fakeBatch) Finish(ctx context.Context) (string, error) {
	b.finished.Store(true)
	b.log.add("backend.finish#%d", b.id)
	return b.text, b.err
}

type fakeBackends struct {
	mode      stt.Mode
	log       *eventLog
	err       error
	batchText string
	batchErr  error

	mu      sync.Mutex
	streams []*fakeStream
	batches []*fakeBatch
}

func (f *fakeBackends) Mode() stt.Mode { return f.mode }

func (f *fakeBackends) FramerConfig(sampleRate, channels int) audio.FramerConfig {
	fc := audio.FramerConfig{Channels: channels, SampleRate: sampleRate, Encoding: audio.EncodingPCM16}
	if f.mode == stt.ModeStreaming {
		fc.FrameDuration = 10 * time.Millisecond
	}
	return fc
}

func (f *fakeBackends) NewBackend(ctx context.Context, sampleRate int, logger zerolog.Logger) (stt.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.mode == stt.ModeBatch {
		b := &fakeBatch{id: len(f.batches) + 1, log: f.log, text: f.batchText, err: f.batchErr}
		f.batches = append(f.batches, b)
		f.log.add("backend.open#%d", b.id)
		return b, nil
	}
	s := newFakeStream(len(f.streams)+1, f.log)
	f.streams = append(f.streams, s)
	f.log.add("backend.open#%d", s.id)
	return s, nil
}

func (f *fakeBackends) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeBackends) batch(i int) *fakeBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.batches) {
		return nil
	}
	return f.batches[i]
}

type fakeOutput struct {
	mu      sync.Mutex
	actions []string
	err     error
	resets  int
}

func (o *fakeOutput) record(action string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.actions = append(o.actions, action)
	return nil
}

func (o *fakeOutput) UpdateTranscript(text string) error { return o.record("update:" + text) }
func (o *fakeOutput) FinalizeTranscript() error          { return o.record("finalize") }
func (o *fakeOutput) MarkEagerFinalized()                { _ = o.record("mark_eager") }
func (o *fakeOutput) ResetEagerFlag()                    { _ = o.record("reset_eager") }

func (o *fakeOutput) ResetTurn() {
	o.mu.Lock()
	o.resets++
	o.mu.Unlock()
}

func (o *fakeOutput) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.actions...)
}

type fakeMedia struct {
	log      *eventLog
	startErr error
	starts   atomic.Int64
	stops    atomic.Int64
}

func (m *fakeMedia) OnRecordingStart() error {
	m.starts.Add(1)
	m.log.add("media.pause")
	return m.startErr
}

func (m *fakeMedia) OnRecordingStop() error {
	m.stops.Add(1)
	m.log.add("media.resume")
	return nil
}

var errFake = errors.New("fake failure")

type harness struct {
	t        *testing.T
	log      *eventLog
	capture  *fakeCapture
	backends *fakeBackends
	output   *fakeOutput
	media    *fakeMedia
	ctrl     *Controller
	fatals   chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHarness(t *testing.T, mode stt.Mode) *harness {
	t.Helper()
	return newHarnessWithState(t, mode, nil)
}

func newHarnessWithState(t *testing.T, mode stt.Mode, state *State) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		t:        t,
		log:      log,
		capture:  &fakeCapture{log: log},
		backends: &fakeBackends{mode: mode, log: log},
		output:   &fakeOutput{},
		media:    &fakeMedia{log: log},
		fatals:   make(chan error, 4),
		done:     make(chan struct{}),
	}
	h.ctrl = NewController(Options{
		Capture:       h.capture,
		Backends:      h.backends,
		Output:        h.output,
		Media:         h.media,
		State:         state,
		DrainTimeout:  2 * time.Second,
		UploadTimeout: 2 * time.Second,
		Logger:        zerolog.Nop(),
		Fatal:         func(err error) { h.fatals <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		_ = h.ctrl.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Error("controller did not stop")
	}
}

// submit enqueues cmd and waits until the worker has applied it.
func (h *harness) submit(cmd Command) {
	h.t.Helper()
	want := h.ctrl.Processed() + 1
	h.ctrl.Submit(cmd)
	h.waitProcessed(want)
}

func (h *harness) waitProcessed(n int64) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("%d commands processed", n), func() bool { return h.ctrl.Processed() >= n })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
