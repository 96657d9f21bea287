package keyboard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
	"github.com/rs/zerolog"
)

// uinputSettle is how long the kernel needs before a fresh virtual keyboard
// accepts events.
const uinputSettle = 2 * time.Second

// KeySender synthesizes key presses.
type KeySender interface {
	Backspace(n int) error
	PasteShortcut() error
}

// Clipboard reads and writes the system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// Typist types transcripts into the focused window by pasting text through the
// clipboard and deleting with Backspace. It tracks what it has typed for the
// current turn so an update only rewrites the part that changed.
type Typist struct {
	keys      KeySender
	clip      Clipboard
	logger    zerolog.Logger
	pasteWait time.Duration

	mu sync.Mutex
	// typed is the text of the open turn as it appears on screen.
	typed string
	// lastTurn is the most recently committed turn, without its trailing space.
	lastTurn string
	eager    bool
	// resumable is set when an eagerly committed turn may be reopened.
	resumable bool
	saved     *string
}

// NewTypist creates a Typist backed by a virtual keyboard device and the
// system clipboard.
func NewTypist(logger zerolog.Logger) (*Typist, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual keyboard: %w", err)
	}
	time.Sleep(uinputSettle)

	return NewTypistWith(&bondingSender{kb: kb}, systemClipboard{}, logger), nil
}

// NewTypistWith creates a Typist over the given key sender and clipboard.
func NewTypistWith(keys KeySender, clip Clipboard, logger zerolog.Logger) *Typist {
	return &Typist{
		keys:      keys,
		clip:      clip,
		logger:    logger,
		pasteWait: 80 * time.Millisecond,
	}
}

// UpdateTranscript makes the open turn read text.
func (t *Typist) UpdateTranscript(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	opening := t.typed == ""
	if opening && t.resumable && strings.HasPrefix(text, t.lastTurn) {
		// Reopen the eagerly committed turn: drop its trailing space.
		if err := t.keys.Backspace(1); err != nil {
			return err
		}
		t.typed = t.lastTurn
		t.logger.Debug().Str("turn", t.lastTurn).Msg("Resumed committed turn")
	}
	t.resumable = false
	if opening {
		t.eager = false
	}

	keep := commonPrefix(t.typed, text)
	erase := len([]rune(t.typed)) - len([]rune(keep))
	if erase > 0 {
		if err := t.keys.Backspace(erase); err != nil {
			return err
		}
	}
	t.typed = keep

	if suffix := text[len(keep):]; suffix != "" {
		if err := t.paste(suffix); err != nil {
			return err
		}
	}
	t.typed = text
	return nil
}

// FinalizeTranscript commits the open turn with a trailing space.
func (t *Typist) FinalizeTranscript() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resumable = false
	if t.typed == "" {
		return nil
	}
	if err := t.paste(" "); err != nil {
		return err
	}
	t.lastTurn = t.typed
	t.typed = ""
	t.restoreClipboard()
	return nil
}

// MarkEagerFinalized records that the last commit came from an early end of turn.
func (t *Typist) MarkEagerFinalized() {
	t.mu.Lock()
	t.eager = true
	t.mu.Unlock()
}

// ResetEagerFlag clears the early-commit flag. The committed turn may be
// reopened by the next update if that update extends it.
func (t *Typist) ResetEagerFlag() {
	t.mu.Lock()
	if t.eager {
		t.resumable = true
	}
	t.eager = false
	t.mu.Unlock()
}

// ResetTurn forgets the open turn without touching the screen.
func (t *Typist) ResetTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typed = ""
	t.lastTurn = ""
	t.eager = false
	t.resumable = false
	t.restoreClipboard()
}

func (t *Typist) paste(text string) error {
	if t.saved == nil {
		if orig, err := t.clip.ReadAll(); err == nil {
			t.saved = &orig
		}
	}
	if err := t.clip.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	if t.pasteWait > 0 {
		time.Sleep(t.pasteWait)
	}
	return t.keys.PasteShortcut()
}

func (t *Typist) restoreClipboard() {
	if t.saved == nil {
		return
	}
	if t.pasteWait > 0 {
		time.Sleep(t.pasteWait)
	}
	if err := t.clip.WriteAll(*t.saved); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to restore clipboard")
	}
	t.saved = nil
}

// commonPrefix returns the longest rune-aligned common prefix of a and b.
func commonPrefix(a, b string) string {
	ar, br := []rune(a), []rune(b)
	n := 0
	for n < len(ar) && n < len(br) && ar[n] == br[n] {
		n++
	}
	return string(ar[:n])
}

type bondingSender struct {
	kb keybd_event.KeyBonding
}

func (s *bondingSender) Backspace(n int) error {
	s.kb.Clear()
	s.kb.HasCTRL(false)
	s.kb.SetKeys(keybd_event.VK_BACKSPACE)
	for i := 0; i < n; i++ {
		if err := s.kb.Launching(); err != nil {
			return fmt.Errorf("backspace: %w", err)
		}
	}
	return nil
}

func (s *bondingSender) PasteShortcut() error {
	s.kb.Clear()
	s.kb.HasCTRL(true)
	s.kb.SetKeys(keybd_event.VK_V)
	defer s.kb.HasCTRL(false)
	if err := s.kb.Launching(); err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	return nil
}

type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }
