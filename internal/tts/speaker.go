package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrInterrupted is returned by Speak when Stop or a newer Speak cut playback short.
var ErrInterrupted = errors.New("tts: playback interrupted")

// Synthesizer streams 48kHz mono little-endian 16-bit PCM for text.
// Both channels are closed when synthesis ends.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink plays PCM to the user.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pads the last partial frame and appends a short silence.
	FlushTail()
	// Reset drops any queued audio immediately.
	Reset()
	// WaitIdle blocks until everything queued has been played.
	WaitIdle(ctx context.Context) error
}

// Speaker plays replies sentence by sentence through a Synthesizer and a Sink.
// Only one Speak is live at a time; starting a new one interrupts the old.
type Speaker struct {
	synth  Synthesizer
	sink   Sink
	logger zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	speaking bool
}

func NewSpeaker(synth Synthesizer, sink Sink, logger zerolog.Logger) *Speaker {
	return &Speaker{synth: synth, sink: sink, logger: logger}
}

// Speak blocks until text has been played, the caller's ctx ends, or the
// speech is interrupted.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	chunks := chunkReply(text)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.sink.Reset()
	}
	s.gen++
	gen := s.gen
	playCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.speaking = true
	s.mu.Unlock()
	defer s.finish(gen, cancel)

	for _, chunk := range chunks {
		if err := s.streamChunk(playCtx, chunk); err != nil {
			return s.cutShort(ctx, err)
		}
	}
	if playCtx.Err() != nil {
		return s.cutShort(ctx, playCtx.Err())
	}
	s.sink.FlushTail()
	if err := s.sink.WaitIdle(playCtx); err != nil {
		return s.cutShort(ctx, err)
	}
	return nil
}

// Stop interrupts current playback and drops queued audio. It does not wait.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Speaker) streamChunk(ctx context.Context, chunk string) error {
	pcmCh, errCh := s.synth.StreamPCM48k(ctx, chunk)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				s.sink.WritePCM(b)
			}
		case err, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if err != nil {
				return fmt.Errorf("tts: synthesize: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// cutShort maps a stop on the playback context to ErrInterrupted unless the
// caller's own context ended.
func (s *Speaker) cutShort(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.Canceled) {
		return ErrInterrupted
	}
	s.logger.Warn().Err(err).Msg("playback failed")
	return err
}

func (s *Speaker) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.speaking = false
		s.cancel = nil
	}
}

// chunkReply splits a reply into sentence-like chunks so synthesis can start
// before the whole reply is rendered. It splits on '.', '?', '!' and line
// breaks, keeping the punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(b.String())
		switch {
		case chunk == "":
		case strings.Trim(chunk, ".!?") == "" && len(chunks) > 0:
			// trailing ellipsis stays with its sentence
			chunks[len(chunks)-1] += chunk
		default:
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
