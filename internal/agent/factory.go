package agent

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/interview"
)

// SnapshotSaver keeps the latest state of each session for later lookup.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, sessionID string, v any) error
}

// Factory builds sessions that share one generator, step table and set of stores.
type Factory struct {
	Config    Config
	Generator ResponseGenerator
	Steps     *interview.Table
	Persister Persister
	Archiver  Archiver
	Snapshots SnapshotSaver
	Registry  *Registry
	Logger    zerolog.Logger
}

// NewID returns a new sortable session ID.
func NewID() string { return ulid.Make().String() }

// New builds a registered session for one call. onChange may be nil; it runs
// after the snapshot has been handed to the snapshot store.
func (f *Factory) New(id, channel string, capture SpeechCapture, output SpeechOutput, onChange func(Snapshot)) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	cfg := f.Config
	cfg.Channel = channel
	logger := f.Logger.With().Str("channel", channel).Logger()

	notify := onChange
	if f.Snapshots != nil {
		timeout := cfg.PersistTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().PersistTimeout
		}
		notify = func(snap Snapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := f.Snapshots.SaveSnapshot(ctx, snap.SessionID, snap); err != nil {
				logger.Warn().Err(err).Str("session_id", snap.SessionID).Msg("snapshot save failed")
			}
			cancel()
			if onChange != nil {
				onChange(snap)
			}
		}
	}

	var onClose func(string)
	if f.Registry != nil {
		onClose = f.Registry.Remove
	}
	s, err := NewSession(id, cfg, Deps{
		Capture:   capture,
		Output:    output,
		Generator: f.Generator,
		Steps:     f.Steps,
		Persister: f.Persister,
		Archiver:  f.Archiver,
		Logger:    logger,
		OnChange:  notify,
		OnClose:   onClose,
	})
	if err != nil {
		return nil, err
	}
	if f.Registry != nil {
		f.Registry.Add(s)
	}
	return s, nil
}
