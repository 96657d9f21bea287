package stt

import (
	"context"
	"errors"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
)

var (
	// ErrIngestClosed is returned by Ingest once the ingest path has been closed.
	ErrIngestClosed = errors.New("stt: ingest closed")
	// ErrMissingCredential is returned by a batch Finish when no API key can be resolved.
	ErrMissingCredential = errors.New("stt: missing transcription credential")
)

// EventKind classifies a transcript event.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventEndOfTurn
	EventEagerEndOfTurn
	EventTurnResumed
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventEndOfTurn:
		return "end_of_turn"
	case EventEagerEndOfTurn:
		return "eager_end_of_turn"
	case EventTurnResumed:
		return "turn_resumed"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one transcription result delivered by a backend.
type TranscriptEvent struct {
	Kind       EventKind
	TurnIndex  int
	Text       string
	Confidence float64
}

// Mode selects the backend variant.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBatch     Mode = "batch"
)

// Backend is the contract shared by both variants: accept frames, then tear down.
type Backend interface {
	Mode() Mode
	// Ingest hands one frame to the backend.
	Ingest(frame audio.Frame) error
	// Close releases the backend without finalizing and without waiting for in-flight work.
	Close() error
}

// StreamingBackend pushes frames over a persistent connection and delivers
// events asynchronously, in arrival order, on Events.
type StreamingBackend interface {
	Backend
	// CloseSend closes the ingest path, signalling end of stream. Trailing
	// events may still arrive until Done is closed.
	CloseSend() error
	Events() <-chan TranscriptEvent
	Done() <-chan struct{}
	Err() error
}

// BatchBackend accumulates audio and transcribes it in one upload.
type BatchBackend interface {
	Backend
	Finish(ctx context.Context) (string, error)
}
