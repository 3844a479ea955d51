package agent

import (
	"context"

	"github.com/chadiek/career-interview/internal/interview"
)

// SpeechCapture is the minimal contract for live speech-to-text.
// After Stop returns the transcript must not grow until the next Start.
type SpeechCapture interface {
	Start(ctx context.Context) error
	Stop() error
	Reset()
	// Transcript is the committed segments followed by the current interim segment.
	Transcript() string
	IsListening() bool
	// Updates delivers the full transcript each time it changes.
	Updates() <-chan string
}

// SpeechOutput plays text to the user. Speak blocks until playback ends.
// It returns nil on completion and an error wrapping tts.ErrInterrupted when
// a newer Speak or Stop cut it short.
type SpeechOutput interface {
	Speak(ctx context.Context, text string) error
	Stop()
	IsSpeaking() bool
}

// ResponseGenerator produces the reply and advance decision for one turn.
// Errors that can never succeed on retry implement Fatal() bool.
type ResponseGenerator interface {
	Generate(ctx context.Context, req interview.GenerationRequest) (interview.GenerationResult, error)
}

// Persister receives best-effort saves of collected fields.
type Persister interface {
	Save(ctx context.Context, sessionID, field string, value any) error
}

// Archiver stores the finished interview.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error
}

type fatal interface {
	Fatal() bool
}
