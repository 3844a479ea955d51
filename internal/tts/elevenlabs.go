package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModel   = "eleven_flash_v2_5"
)

// ElevenLabsClient synthesizes speech through the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func NewElevenLabsClient(apiKey, voiceID string, logger zerolog.Logger) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		BaseURL:    elevenLabsBaseURL,
		HTTPClient: &http.Client{},
		Logger:     logger.With().Str("component", "elevenlabs").Logger(),
	}
}

// StreamPCM48k streams pcm_48000 audio for text.
func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: %w", ErrMissingAPIKey)
			return
		}
		if err := e.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) stream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	base := e.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream"
	q := u.Query()
	q.Set("model_id", elevenLabsModel)
	q.Set("output_format", "pcm_48000")
	// 0..4, lower trades quality for latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": elevenLabsModel,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	logged := false
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if !logged {
				e.Logger.Debug().Int("bytes", n).Msg("receiving audio stream")
				logged = true
			}
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", rerr)
		}
	}
}
