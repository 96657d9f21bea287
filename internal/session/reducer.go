package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/observability"
	"github.com/pushlean/voice-keyboard-linux/internal/stt"
)

// Reducer turns transcript events into keyboard actions for one session.
//
// An EagerEndOfTurn finalizes the turn early and arms a guard so the
// EndOfTurn that usually follows for the same turn is absorbed. The guard is
// released by TurnResumed, by the absorbed EndOfTurn, or by an event for a
// different turn. Only TurnResumed tells the output that the committed turn
// may be reopened.
type Reducer struct {
	out    KeyboardOutput
	clock  *State
	logger zerolog.Logger
	fatal  func(error)

	mu             sync.Mutex
	pending        string
	eagerFinalized bool
	eagerTurn      int
}

// NewReducer creates a reducer. fatal is called when the keyboard output fails;
// it is expected not to return.
func NewReducer(out KeyboardOutput, clock *State, logger zerolog.Logger, fatal func(error)) *Reducer {
	if fatal == nil {
		fatal = func(err error) {
			logger.Fatal().Err(err).Msg("Keyboard output failed")
		}
	}
	return &Reducer{out: out, clock: clock, logger: logger, fatal: fatal}
}

// Apply reduces one event. Events must be applied in receipt order.
func (r *Reducer) Apply(ev stt.TranscriptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	observability.RecordTranscriptEvent(ev.Kind.String())
	if ev.Text != "" && r.clock != nil {
		r.clock.Touch()
	}

	if r.eagerFinalized && ev.TurnIndex != r.eagerTurn {
		r.eagerFinalized = false
	}

	switch ev.Kind {
	case stt.EventUpdate:
		if ev.Text == "" {
			return
		}
		r.pending = ev.Text
		r.emit("update", func() error { return r.out.UpdateTranscript(ev.Text) })

	case stt.EventEagerEndOfTurn:
		if r.eagerFinalized {
			return
		}
		if !r.finalize(ev) {
			return
		}
		r.eagerFinalized = true
		r.eagerTurn = ev.TurnIndex
		r.out.MarkEagerFinalized()

	case stt.EventEndOfTurn:
		if r.eagerFinalized {
			r.logger.Debug().Int("turn", ev.TurnIndex).Msg("End of turn already finalized eagerly")
			r.eagerFinalized = false
			return
		}
		r.finalize(ev)

	case stt.EventTurnResumed:
		if r.eagerFinalized {
			r.eagerFinalized = false
			r.out.ResetEagerFlag()
		}
	}
}

// finalize commits the turn. An event with no text only finalizes when an
// update for the turn is pending.
func (r *Reducer) finalize(ev stt.TranscriptEvent) bool {
	if ev.Text == "" && r.pending == "" {
		return false
	}
	if ev.Text != "" && ev.Text != r.pending {
		r.pending = ev.Text
		r.emit("update", func() error { return r.out.UpdateTranscript(ev.Text) })
	}
	r.emit("finalize", r.out.FinalizeTranscript)
	r.pending = ""
	return true
}

func (r *Reducer) emit(action string, fn func() error) {
	if err := fn(); err != nil {
		observability.RecordError(observability.ErrorOutput, "keyboard")
		r.fatal(fmt.Errorf("%s transcript: %w", action, err))
		return
	}
	observability.RecordOutputAction(action)
}

// EagerFinalized reports whether the current turn was finalized eagerly.
func (r *Reducer) EagerFinalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eagerFinalized
}
