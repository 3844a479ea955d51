package tts

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ProviderConfig carries the credentials for every supported synthesizer.
type ProviderConfig struct {
	Provider          string
	DeepgramAPIKey    string
	DeepgramModel     string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
}

// NewSynthesizer picks the synthesizer named by cfg.Provider. Deepgram is the default.
func NewSynthesizer(cfg ProviderConfig, logger zerolog.Logger) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "deepgram":
		return NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel, logger), nil
	case "elevenlabs":
		return NewElevenLabsClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, logger), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", cfg.Provider)
	}
}
