// Package store persists interview data: collected fields, live session
// snapshots and completed-interview archives.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chadiek/career-interview/internal/interview"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrInvalidID = errors.New("store: invalid session id")
)

// FieldSaver saves one collected field for a session.
type FieldSaver interface {
	Save(ctx context.Context, sessionID, field string, value any) error
}

// Archiver stores a finished interview.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error
}

// Archive is the document written for a completed interview.
type Archive struct {
	SessionID       string            `json:"sessionId"`
	CompletedAt     time.Time         `json:"completedAt"`
	Profile         interview.Profile `json:"profile"`
	ConversationLog []interview.Entry `json:"conversationLog"`
}

func newArchive(sessionID string, profile interview.Profile, log []interview.Entry) Archive {
	return Archive{
		SessionID:       sessionID,
		CompletedAt:     time.Now().UTC(),
		Profile:         profile,
		ConversationLog: log,
	}
}
