package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/metrics"
)

type target struct {
	name  string
	saver FieldSaver
}

// Fanout writes every field to all registered stores and archives to every
// store that can archive. A failing store does not stop the others.
type Fanout struct {
	targets []target
	logger  zerolog.Logger
}

func NewFanout(logger zerolog.Logger) *Fanout {
	return &Fanout{logger: logger}
}

// Add registers a store under name, which labels errors and metrics.
func (f *Fanout) Add(name string, s FieldSaver) *Fanout {
	f.targets = append(f.targets, target{name: name, saver: s})
	return f
}

func (f *Fanout) Len() int { return len(f.targets) }

func (f *Fanout) Save(ctx context.Context, sessionID, field string, value any) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.saver.Save(ctx, sessionID, field, value); err != nil {
			metrics.RecordPersistError(t.name)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error {
	var errs []error
	archived := 0
	for _, t := range f.targets {
		a, ok := t.saver.(Archiver)
		if !ok {
			continue
		}
		if err := a.Archive(ctx, sessionID, profile, log); err != nil {
			metrics.RecordPersistError(t.name)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		archived++
	}
	if archived > 0 {
		f.logger.Info().Str("session_id", sessionID).Int("stores", archived).Msg("interview archived")
	}
	return errors.Join(errs...)
}
