package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chadiek/career-interview/internal/interview"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "interview"
)

// RedisStore keeps session snapshots, collected fields and archives in Redis.
// Snapshots and fields expire after the TTL; archives do not.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long snapshots and fields are kept. 0 keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "interview".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL parses a redis:// URL.
func NewRedisStoreFromURL(rawURL string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(o), opts...), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// SaveSnapshot stores v as the latest JSON snapshot of the session.
func (s *RedisStore) SaveSnapshot(ctx context.Context, sessionID string, v any) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot JSON for the session.
func (s *RedisStore) LoadSnapshot(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.snapshotKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	return json.RawMessage(data), nil
}

// Save writes one collected field into the session's field hash.
func (s *RedisStore) Save(ctx context.Context, sessionID, field string, value any) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", field, err)
	}
	key := s.fieldsKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline: %w", err)
	}
	return nil
}

// Fields returns every collected field saved for the session.
func (s *RedisStore) Fields(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	raw, err := s.client.HGetAll(ctx, s.fieldsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis hgetall: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Archive stores the finished interview without expiry.
func (s *RedisStore) Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(newArchive(sessionID, profile, log))
	if err != nil {
		return fmt.Errorf("store: marshal archive: %w", err)
	}
	if err := s.client.Set(ctx, s.archiveKey(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

// LoadArchive returns a stored archive.
func (s *RedisStore) LoadArchive(ctx context.Context, sessionID string) (*Archive, error) {
	data, err := s.client.Get(ctx, s.archiveKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: unmarshal archive: %w", err)
	}
	return &a, nil
}

// Delete removes the snapshot and fields of a session.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.snapshotKey(sessionID), s.fieldsKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) snapshotKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) fieldsKey(id string) string   { return s.prefix + ":fields:" + id }
func (s *RedisStore) archiveKey(id string) string  { return s.prefix + ":archive:" + id }
