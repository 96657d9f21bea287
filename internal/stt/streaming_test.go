package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
)

func TestBuildListenURLDefaults(t *testing.T) {
	u, err := buildListenURL(StreamingConfig{Model: "flux-general-en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(u, "wss://api.deepgram.com/v2/listen?") {
		t.Fatalf("unexpected ws url: %s", u)
	}
	for _, want := range []string{"model=flux-general-en", "encoding=linear16", "sample_rate=16000"} {
		if !strings.Contains(u, want) {
			t.Errorf("expected %q in url: %s", want, u)
		}
	}
	if strings.Contains(u, "eot_threshold") {
		t.Errorf("unset thresholds must not be sent: %s", u)
	}
}

func TestBuildListenURLThresholdsAndScheme(t *testing.T) {
	u, err := buildListenURL(StreamingConfig{
		URL:               "http://localhost:8080/listen",
		SampleRate:        48000,
		EagerEOTThreshold: 0.4,
		EOTThreshold:      0.7,
		Language:          "en",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(u, "ws://localhost:8080/listen?") {
		t.Fatalf("unexpected ws url: %s", u)
	}
	for _, want := range []string{"sample_rate=48000", "eager_eot_threshold=0.4", "eot_threshold=0.7", "language=en"} {
		if !strings.Contains(u, want) {
			t.Errorf("expected %q in url: %s", want, u)
		}
	}
}

func TestBuildListenURLInvalidScheme(t *testing.T) {
	if _, err := buildListenURL(StreamingConfig{URL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestStreamMessageToEvent(t *testing.T) {
	tests := []struct {
		name   string
		msg    streamMessage
		want   EventKind
		wantOK bool
	}{
		{"update", streamMessage{Type: "TurnInfo", Event: "Update", Transcript: " hi "}, EventUpdate, true},
		{"start of turn", streamMessage{Type: "TurnInfo", Event: "StartOfTurn"}, EventUpdate, true},
		{"eager", streamMessage{Type: "TurnInfo", Event: "EagerEndOfTurn"}, EventEagerEndOfTurn, true},
		{"resumed", streamMessage{Type: "TurnInfo", Event: "TurnResumed"}, EventTurnResumed, true},
		{"end", streamMessage{Type: "TurnInfo", Event: "EndOfTurn"}, EventEndOfTurn, true},
		{"untyped event", streamMessage{Event: "EndOfTurn"}, EventEndOfTurn, true},
		{"connected", streamMessage{Type: "Connected"}, 0, false},
		{"unknown event", streamMessage{Type: "TurnInfo", Event: "Mystery"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok, err := tt.msg.toEvent()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && event.Kind != tt.want {
				t.Errorf("kind = %s, want %s", event.Kind, tt.want)
			}
		})
	}

	event, _, _ := streamMessage{Type: "TurnInfo", Event: "Update", Transcript: " hi ", TurnIndex: 3}.toEvent()
	if event.Text != "hi" || event.TurnIndex != 3 {
		t.Errorf("unexpected event: %+v", event)
	}

	if _, _, err := (streamMessage{Type: "Error", Code: "BAD", Description: "nope"}).toEvent(); err == nil {
		t.Error("expected error message to produce an error")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type fakeService struct {
	mu        sync.Mutex
	frames    int
	authz     string
	query     string
	onClose   []string      // messages sent after CloseStream
	immediate []string      // messages sent right after connect
	gate      chan struct{} // when set, reading starts once it is closed
}

func (f *fakeService) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authz = r.Header.Get("Authorization")
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, msg := range f.immediate {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		if f.gate != nil {
			<-f.gate
		}

		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				f.mu.Lock()
				f.frames++
				f.mu.Unlock()
				continue
			}
			if strings.Contains(string(payload), "CloseStream") {
				for _, msg := range f.onClose {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func dialTest(t *testing.T, srv *httptest.Server) *StreamingSession {
	t.Helper()
	return dialTestWithTimeout(t, srv, 0)
}

func dialTestWithTimeout(t *testing.T, srv *httptest.Server, writeTimeout time.Duration) *StreamingSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := DialStreaming(ctx, StreamingConfig{
		URL:          srv.URL,
		APIKey:       "secret",
		Model:        "flux-general-en",
		SampleRate:   16000,
		QueueSize:    2,
		WriteTimeout: writeTimeout,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("DialStreaming: %v", err)
	}
	return s
}

func collect(t *testing.T, s *StreamingSession) []TranscriptEvent {
	t.Helper()
	var events []TranscriptEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events to drain")
			return nil
		}
	}
}

func frame(n int) audio.Frame {
	return audio.Frame{Samples: make([]float32, n), Encoding: audio.EncodingPCM16, SampleRate: 16000}
}

func TestStreamingSession_DrainsAfterCloseSend(t *testing.T) {
	svc := &fakeService{onClose: []string{
		`{"type":"TurnInfo","event":"Update","turn_index":0,"transcript":"hello"}`,
		`{"type":"TurnInfo","event":"EagerEndOfTurn","turn_index":0,"transcript":"hello world"}`,
		`{"type":"TurnInfo","event":"EndOfTurn","turn_index":0,"transcript":"hello world","end_of_turn_confidence":0.91}`,
	}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	s := dialTest(t, srv)
	for i := 0; i < 5; i++ {
		if err := s.Ingest(frame(160)); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := s.Ingest(frame(160)); !errors.Is(err, ErrIngestClosed) {
		t.Errorf("Expected ErrIngestClosed after CloseSend, got %v", err)
	}

	events := collect(t, s)
	<-s.Done()

	want := []EventKind{EventUpdate, EventEagerEndOfTurn, EventEndOfTurn}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
	if events[2].Confidence != 0.91 {
		t.Errorf("Expected confidence 0.91, got %f", events[2].Confidence)
	}
	if err := s.Err(); err != nil {
		t.Errorf("normal close must not be an error, got %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.frames != 5 {
		t.Errorf("Expected all 5 frames to reach the service, got %d", svc.frames)
	}
	if svc.authz != "Token secret" {
		t.Errorf("unexpected Authorization header %q", svc.authz)
	}
	if !strings.Contains(svc.query, "model=flux-general-en") {
		t.Errorf("unexpected query %q", svc.query)
	}
}

// bigFrame is large enough that a few unread frames fill the socket buffers.
const bigFrame = 256 * 1024

func TestStreamingSession_IngestBlocksWithoutDropping(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{gate: gate}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	s := dialTest(t, srv)
	defer s.Close()

	const total = 64
	var sent atomic.Int32
	ingested := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := s.Ingest(frame(bigFrame)); err != nil {
				ingested <- err
				return
			}
			sent.Add(1)
		}
		ingested <- nil
	}()

	time.Sleep(300 * time.Millisecond)
	if n := sent.Load(); n >= total {
		t.Fatalf("Expected Ingest to block while the service is not reading, all %d frames were queued", n)
	}

	close(gate)
	select {
	case err := <-ingested:
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Ingest did not resume after the service started reading")
	}

	if err := s.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	collect(t, s)
	<-s.Done()

	if err := s.Err(); err != nil {
		t.Errorf("Expected clean drain, got %v", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.frames != total {
		t.Errorf("Expected all %d frames delivered, got %d", total, svc.frames)
	}
}

func TestStreamingSession_StalledServiceFailsIngest(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{gate: gate}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()
	defer close(gate)

	s := dialTestWithTimeout(t, srv, 100*time.Millisecond)
	defer s.Close()

	ingested := make(chan error, 1)
	go func() {
		for i := 0; i < 256; i++ {
			if err := s.Ingest(frame(bigFrame)); err != nil {
				ingested <- err
				return
			}
		}
		ingested <- nil
	}()

	select {
	case err := <-ingested:
		if err == nil {
			t.Fatal("Expected Ingest to fail once the write deadline passed")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Ingest stayed blocked on a stalled service")
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after the write timeout")
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "failed to send audio") {
		t.Errorf("Expected send error, got %v", err)
	}
}

func TestIsNormalClose(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if !isNormalClose(fmt.Errorf("failed to read transcription event: %w", normal)) {
		t.Error("Expected wrapped normal close to be recognized")
	}
	if isNormalClose(&websocket.CloseError{Code: websocket.CloseInternalServerErr}) {
		t.Error("Expected internal error close to be a failure")
	}
	if isNormalClose(errors.New("connection reset")) {
		t.Error("Expected plain error to be a failure")
	}
}

func TestStreamingSession_ServiceErrorEndsSession(t *testing.T) {
	svc := &fakeService{immediate: []string{`{"type":"Error","code":"INVALID_AUTH","description":"bad key"}`}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	s := dialTest(t, srv)
	events := collect(t, s)
	<-s.Done()

	if len(events) != 0 {
		t.Errorf("Expected no events, got %+v", events)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("Expected service error, got %v", err)
	}
	if err := s.Ingest(frame(160)); err == nil {
		t.Error("Expected Ingest to fail on a dead session")
	}
}

func TestStreamingSession_CloseIsImmediate(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	s := dialTest(t, srv)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish after Close")
	}
	if err := s.Err(); err != nil {
		t.Errorf("hard close must not record a transport error, got %v", err)
	}
	if err := s.Ingest(frame(160)); !errors.Is(err, ErrIngestClosed) {
		t.Errorf("Expected ErrIngestClosed after Close, got %v", err)
	}
}

func TestDialStreaming_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := DialStreaming(context.Background(), StreamingConfig{URL: srv.URL, Logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status in error, got %v", err)
	}
}
