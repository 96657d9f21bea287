package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/observability"
)

// DefaultStreamingURL is the turn-based listen endpoint used when no override is configured.
const DefaultStreamingURL = "wss://api.deepgram.com/v2/listen"

const defaultWriteTimeout = 10 * time.Second

// StreamingConfig controls one streaming connection.
type StreamingConfig struct {
	URL        string
	APIKey     string
	Model      string
	Language   string
	SampleRate int

	// Zero leaves the service default in place.
	EagerEOTThreshold float64
	EOTThreshold      float64

	QueueSize   int
	EventBuffer int
	// WriteTimeout bounds each socket write; a stalled peer fails the session.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// StreamingSession is a live turn-based transcription connection.
type StreamingSession struct {
	conn         *websocket.Conn
	logger       zerolog.Logger
	writeTimeout time.Duration

	frames     chan []byte
	events     chan TranscriptEvent
	abort      chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	wg sync.WaitGroup

	sendMu     sync.RWMutex
	sendClosed bool

	closeSendOnce sync.Once
	closeOnce     sync.Once

	errMu sync.Mutex
	err   error
}

var _ StreamingBackend = (*StreamingSession)(nil)

// DialStreaming opens the connection and starts the reader and writer goroutines.
func DialStreaming(ctx context.Context, cfg StreamingConfig) (*StreamingSession, error) {
	wsURL, err := buildListenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		headers.Set("Authorization", "Token "+key)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to streaming STT (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to streaming STT: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 64
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	s := &StreamingSession{
		conn:         conn,
		logger:       cfg.Logger,
		writeTimeout: writeTimeout,
		frames:       make(chan []byte, queueSize),
		events:       make(chan TranscriptEvent, eventBuffer),
		abort:        make(chan struct{}),
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		_ = conn.Close()
		close(s.done)
	}()

	s.logger.Debug().Str("url", redactURL(wsURL)).Msg("Streaming STT connected")
	return s, nil
}

func (s *StreamingSession) Mode() Mode { return ModeStreaming }

// Ingest queues one frame for sending. It blocks while the queue is full rather
// than dropping audio.
func (s *StreamingSession) Ingest(frame audio.Frame) error {
	if len(frame.Samples) == 0 {
		return nil
	}
	payload := frame.Bytes()

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return ErrIngestClosed
	}

	select {
	case <-s.writerDone:
		return s.deadErr()
	default:
	}

	select {
	case s.frames <- payload:
		observability.RecordAudioBytes("sent", int64(len(payload)))
		return nil
	case <-s.writerDone:
		return s.deadErr()
	case <-s.abort:
		return ErrIngestClosed
	}
}

func (s *StreamingSession) deadErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrIngestClosed
}

// CloseSend closes the ingest queue. The writer drains queued frames and then
// asks the service to flush and close the stream.
func (s *StreamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.frames)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *StreamingSession) Events() <-chan TranscriptEvent { return s.events }

func (s *StreamingSession) Done() <-chan struct{} { return s.done }

// Close tears the connection down immediately. Pending events are discarded.
func (s *StreamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.abort)
		_ = s.conn.Close()
	})
	return nil
}

// Err returns the first transport error, if any.
func (s *StreamingSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *StreamingSession) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

func (s *StreamingSession) setErr(err error) {
	if err == nil || s.aborted() {
		return
	}
	if isNormalClose(err) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// isNormalClose reports whether err, possibly wrapped, is an orderly close.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

func (s *StreamingSession) write(kind int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(kind, payload)
}

func (s *StreamingSession) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)

	for {
		select {
		case payload, ok := <-s.frames:
			if !ok {
				if err := s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					s.setErr(fmt.Errorf("failed to close stream: %w", err))
					_ = s.conn.Close()
				}
				return
			}
			if err := s.write(websocket.BinaryMessage, payload); err != nil {
				s.setErr(fmt.Errorf("failed to send audio: %w", err))
				// Unblocks the reader so the session ends.
				_ = s.conn.Close()
				return
			}
		case <-s.readerDone:
			return
		case <-s.abort:
			return
		}
	}
}

func (s *StreamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readerDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read transcription event: %w", err))
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring malformed streaming message")
			continue
		}

		event, ok, err := msg.toEvent()
		if err != nil {
			s.setErr(err)
			return
		}
		if !ok {
			continue
		}
		if !s.emit(event) {
			return
		}
	}
}

// emit delivers an event in order; it only gives up when the session is aborted.
func (s *StreamingSession) emit(event TranscriptEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-s.abort:
		return false
	}
}

type streamMessage struct {
	Type                string  `json:"type"`
	Event               string  `json:"event"`
	TurnIndex           int     `json:"turn_index"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Code                string  `json:"code"`
	Description         string  `json:"description"`
	RequestID           string  `json:"request_id"`
}

// toEvent maps a service message to a transcript event. ok is false for
// messages that carry no event.
func (m streamMessage) toEvent() (TranscriptEvent, bool, error) {
	msgType := m.Type
	if msgType == "" && m.Event != "" {
		msgType = "TurnInfo"
	}

	switch msgType {
	case "TurnInfo":
	case "Error":
		desc := strings.TrimSpace(m.Description)
		if desc == "" {
			desc = "streaming STT returned an unknown error"
		}
		if m.Code != "" {
			return TranscriptEvent{}, false, fmt.Errorf("%s: %s", m.Code, desc)
		}
		return TranscriptEvent{}, false, errors.New(desc)
	default:
		return TranscriptEvent{}, false, nil
	}

	event := TranscriptEvent{
		TurnIndex:  m.TurnIndex,
		Text:       strings.TrimSpace(m.Transcript),
		Confidence: m.EndOfTurnConfidence,
	}
	switch m.Event {
	case "Update", "StartOfTurn":
		event.Kind = EventUpdate
	case "EndOfTurn":
		event.Kind = EventEndOfTurn
	case "EagerEndOfTurn":
		event.Kind = EventEagerEndOfTurn
	case "TurnResumed":
		event.Kind = EventTurnResumed
	default:
		return TranscriptEvent{}, false, nil
	}
	return event, true, nil
}

func buildListenURL(cfg StreamingConfig) (string, error) {
	base := strings.TrimSpace(cfg.URL)
	if base == "" {
		base = DefaultStreamingURL
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid streaming STT URL: %w", err)
	}
	if listenURL.Scheme != "ws" && listenURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid streaming STT URL scheme %q", listenURL.Scheme)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	query := listenURL.Query()
	if cfg.Model != "" {
		query.Set("model", cfg.Model)
	}
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	if cfg.EOTThreshold > 0 {
		query.Set("eot_threshold", strconv.FormatFloat(cfg.EOTThreshold, 'f', -1, 64))
	}
	if cfg.EagerEOTThreshold > 0 {
		query.Set("eager_eot_threshold", strconv.FormatFloat(cfg.EagerEOTThreshold, 'f', -1, 64))
	}
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
