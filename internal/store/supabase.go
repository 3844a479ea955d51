package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/career-interview/internal/interview"
)

const (
	DefaultSupabaseTable  = "resume_site_users"
	DefaultSupabaseBucket = "interviews"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Table          string
	Bucket         string
}

// Supabase upserts collected fields into a table row keyed by session_id and
// uploads completed interviews to a storage bucket.
type Supabase struct {
	client *supabase.Client
	table  string
	bucket string
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("store: supabase url and service role key are required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: create supabase client: %w", err)
	}
	if cfg.Table == "" {
		cfg.Table = DefaultSupabaseTable
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultSupabaseBucket
	}
	return &Supabase{client: client, table: cfg.Table, bucket: cfg.Bucket}, nil
}

// Save upserts {session_id, field: value} so each field lands in its own column.
// The client has no context support; ctx is only checked before the call.
func (s *Supabase) Save(ctx context.Context, sessionID, field string, value any) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	row := map[string]any{
		"session_id": sessionID,
		field:        value,
		"updated_at": time.Now().UTC(),
	}
	if _, _, err := s.client.From(s.table).Upsert(row, "session_id", "", "").Execute(); err != nil {
		return fmt.Errorf("store: supabase upsert %s: %w", field, err)
	}
	return nil
}

// Archive uploads the finished interview as JSON to interviews/<session>.json.
func (s *Supabase) Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(newArchive(sessionID, profile, log))
	if err != nil {
		return fmt.Errorf("store: marshal archive: %w", err)
	}
	key := archiveObjectKey(sessionID)
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store: supabase upload %s: %w", key, err)
	}
	return nil
}

func archiveObjectKey(sessionID string) string {
	return "interviews/" + sessionID + ".json"
}
