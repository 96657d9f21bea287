package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/stt"
)

// KeyboardOutput turns reduced transcript actions into typed text.
type KeyboardOutput interface {
	UpdateTranscript(text string) error
	FinalizeTranscript() error
	MarkEagerFinalized()
	ResetEagerFlag()
}

// MediaControl pauses and resumes external media playback around a recording.
type MediaControl interface {
	OnRecordingStart() error
	OnRecordingStop() error
}

// BackendFactory builds the configured STT backend for a session.
type BackendFactory interface {
	Mode() stt.Mode
	FramerConfig(sampleRate, channels int) audio.FramerConfig
	NewBackend(ctx context.Context, sampleRate int, logger zerolog.Logger) (stt.Backend, error)
}

// SerializedOutput guards a KeyboardOutput with a mutex so reducer calls from
// the streaming delivery goroutine and the controller worker never interleave.
type SerializedOutput struct {
	mu  sync.Mutex
	out KeyboardOutput
}

// NewSerializedOutput wraps out.
func NewSerializedOutput(out KeyboardOutput) *SerializedOutput {
	if s, ok := out.(*SerializedOutput); ok {
		return s
	}
	return &SerializedOutput{out: out}
}

func (s *SerializedOutput) UpdateTranscript(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.UpdateTranscript(text)
}

func (s *SerializedOutput) FinalizeTranscript() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.FinalizeTranscript()
}

func (s *SerializedOutput) MarkEagerFinalized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.MarkEagerFinalized()
}

func (s *SerializedOutput) ResetEagerFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.ResetEagerFlag()
}

// ResetTurn drops any uncommitted turn state in the wrapped output, if it keeps
// any, so a new session never edits text typed by a discarded one.
func (s *SerializedOutput) ResetTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.out.(interface{ ResetTurn() }); ok {
		r.ResetTurn()
	}
}

// NoopMedia is used when media control is disabled.
type NoopMedia struct{}

func (NoopMedia) OnRecordingStart() error { return nil }
func (NoopMedia) OnRecordingStop() error  { return nil }
