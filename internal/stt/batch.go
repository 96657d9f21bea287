package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/audio"
	"github.com/pushlean/voice-keyboard-linux/internal/observability"
)

// DefaultBatchURL is the transcription endpoint used when no override is configured.
const DefaultBatchURL = "https://api.openai.com/v1/audio/transcriptions"

// BatchConfig controls one batch transcription session.
type BatchConfig struct {
	URL        string
	Model      string
	SampleRate int
	// Credential resolves the API key when Finish runs.
	Credential func() string
	Client     *http.Client
	Logger     zerolog.Logger
}

// BatchSession buffers PCM16 audio in memory and uploads it once on Finish.
type BatchSession struct {
	cfg BatchConfig

	mu     sync.Mutex
	pcm    []byte
	closed bool
}

var _ BatchBackend = (*BatchSession)(nil)

// NewBatchSession creates an empty batch buffer. No network activity happens here.
func NewBatchSession(cfg BatchConfig) *BatchSession {
	if cfg.URL == "" {
		cfg.URL = DefaultBatchURL
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &BatchSession{cfg: cfg}
}

func (b *BatchSession) Mode() Mode { return ModeBatch }

// Ingest appends a frame to the buffer. There is no size cap.
func (b *BatchSession) Ingest(frame audio.Frame) error {
	if len(frame.Samples) == 0 {
		return nil
	}
	var payload []byte
	if frame.Encoding == audio.EncodingPCM16 {
		payload = frame.Bytes()
	} else {
		payload = audio.FloatToPCM16(frame.Samples)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrIngestClosed
	}
	b.pcm = append(b.pcm, payload...)
	return nil
}

// Buffered returns the number of PCM bytes held.
func (b *BatchSession) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// Close discards the buffer; a later Finish fails.
func (b *BatchSession) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pcm = nil
	return nil
}

// Finish packages the buffered audio as WAV, uploads it and returns the trimmed
// transcript. It consumes the buffer.
func (b *BatchSession) Finish(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrIngestClosed
	}
	pcm := b.pcm
	b.pcm = nil
	b.closed = true
	b.mu.Unlock()

	apiKey := ""
	if b.cfg.Credential != nil {
		apiKey = strings.TrimSpace(b.cfg.Credential())
	}
	if apiKey == "" {
		return "", ErrMissingCredential
	}

	wav, err := audio.EncodeWAV(pcm, b.cfg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("package audio: %w", err)
	}

	body, contentType, err := buildUploadBody(wav, b.cfg.Model)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", contentType)

	b.cfg.Logger.Debug().
		Int("audio_bytes", len(wav)).
		Str("model", b.cfg.Model).
		Msg("Uploading audio for transcription")
	observability.RecordAudioBytes("sent", int64(len(wav)))

	resp, err := b.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func buildUploadBody(wav []byte, model string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// IsCredentialError reports whether err means no API key was configured.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMissingCredential)
}
