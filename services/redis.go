package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pdfxml/config"
	"pdfxml/conversion"
)

// ErrSessionMiss means the token is not in the session cache.
var ErrSessionMiss = errors.New("session not cached")

// SessionStore caches the user behind an access token so that the session
// gate does not call the auth provider on every request. Tokens are stored
// hashed.
type SessionStore struct {
	client *redis.Client
	cfg    *config.Config
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, cfg *config.Config) *SessionStore {
	return &SessionStore{client: client, cfg: cfg, ttl: cfg.SessionCacheTTL}
}

func (s *SessionStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.cfg.SessionKey(hex.EncodeToString(sum[:]))
}

func (s *SessionStore) Get(ctx context.Context, token string) (*User, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &u, nil
}

func (s *SessionStore) Put(ctx context.Context, token string, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// StatusCache mirrors the records of every batch into a Redis hash keyed by
// file id, so other instances and dashboards can follow progress.
type StatusCache struct {
	client *redis.Client
	cfg    *config.Config
}

func NewStatusCache(client *redis.Client, cfg *config.Config) *StatusCache {
	return &StatusCache{client: client, cfg: cfg}
}

func (c *StatusCache) Publish(ctx context.Context, batchID string, rec conversion.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	key := c.cfg.StatusKey(batchID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		rec.FileID:   raw,
		"updated_at": time.Now().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, c.cfg.StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish status: %w", err)
	}
	return nil
}

// Load returns the mirrored records of a batch.
func (c *StatusCache) Load(ctx context.Context, batchID string) (map[string]conversion.Record, error) {
	fields, err := c.client.HGetAll(ctx, c.cfg.StatusKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load status: %w", err)
	}

	out := make(map[string]conversion.Record, len(fields))
	for field, raw := range fields {
		if field == "updated_at" {
			continue
		}
		var rec conversion.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out[field] = rec
	}
	return out, nil
}

func (c *StatusCache) Delete(ctx context.Context, batchID string) error {
	if err := c.client.Del(ctx, c.cfg.StatusKey(batchID)).Err(); err != nil {
		return fmt.Errorf("redis delete status: %w", err)
	}
	return nil
}
