// Package sessionstore implements the orchestrator's short-TTL key/value
// collaborator on top of Redis (spec.md §4.6), mirroring the namespaced
// call:<id>:<field> scheme the original redis_client.py used flat key
// prefixes for.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// RedisStore is the production SessionStore backed by a single redis.Client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the default "call" key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "call"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) fieldKey(call string, field orchestrator.SessionStoreField) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, call, field)
}

func (s *RedisStore) segmentsKey(call string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, call, orchestrator.FieldTranscriptHistory)
}

// Get returns the stored value for call/field, or "" if unset.
func (s *RedisStore) Get(ctx context.Context, call string, field orchestrator.SessionStoreField) (string, error) {
	val, err := s.client.Get(ctx, s.fieldKey(call, field)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("sessionstore: get %s/%s failed: %w", call, field, err)
	}
	return val, nil
}

// Set writes value with an optional TTL; ttlSeconds <= 0 means no expiry.
func (s *RedisStore) Set(ctx context.Context, call string, field orchestrator.SessionStoreField, value string, ttlSeconds int) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	if err := s.client.Set(ctx, s.fieldKey(call, field), value, ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: set %s/%s failed: %w", call, field, err)
	}
	return nil
}

// AppendSegment pushes one transcript segment onto the call's segment list
// and refreshes its TTL, mirroring append_transcript_segment's rpush.
func (s *RedisStore) AppendSegment(ctx context.Context, call string, segment orchestrator.TranscriptSegment) error {
	data, err := json.Marshal(segment)
	if err != nil {
		return fmt.Errorf("sessionstore: failed to marshal segment: %w", err)
	}

	key := s.segmentsKey(call)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, orchestrator.TTLConversationMemory)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessionstore: append segment pipeline failed: %w", err)
	}
	return nil
}

// Clear deletes every namespaced field for a call, mirroring
// clear_call_cache's multi-key DEL.
func (s *RedisStore) Clear(ctx context.Context, call string) error {
	keys := []string{
		s.fieldKey(call, orchestrator.FieldAgentConfig),
		s.fieldKey(call, orchestrator.FieldConversationMemory),
		s.fieldKey(call, orchestrator.FieldIsAISpeaking),
		s.fieldKey(call, orchestrator.FieldCurrentStatus),
		s.fieldKey(call, orchestrator.FieldQuality),
		s.fieldKey(call, orchestrator.FieldAnalytics),
		s.segmentsKey(call),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("sessionstore: clear %s failed: %w", call, err)
	}
	return nil
}
