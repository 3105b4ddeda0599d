package sessionstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client)
}

func TestRedisStoreGetSetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if val, err := store.Get(ctx, "call-1", orchestrator.FieldIsAISpeaking); err != nil || val != "" {
		t.Fatalf("expected empty value for unset field, got %q, err %v", val, err)
	}

	if err := store.Set(ctx, "call-1", orchestrator.FieldIsAISpeaking, "1", 60); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	val, err := store.Get(ctx, "call-1", orchestrator.FieldIsAISpeaking)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if val != "1" {
		t.Errorf("expected '1', got %q", val)
	}
}

func TestRedisStoreAppendSegment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seg := orchestrator.TranscriptSegment{
		CallID:         "call-1",
		SequenceNumber: 1,
		Speaker:        orchestrator.SpeakerUser,
		Text:           "hello",
	}
	if err := store.AppendSegment(ctx, "call-1", seg); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	n, err := store.client.LLen(ctx, store.segmentsKey("call-1")).Result()
	if err != nil {
		t.Fatalf("unexpected llen error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 segment, got %d", n)
	}
}

func TestRedisStoreClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "call-1", orchestrator.FieldIsAISpeaking, "1", 60)
	store.AppendSegment(ctx, "call-1", orchestrator.TranscriptSegment{CallID: "call-1"})

	if err := store.Clear(ctx, "call-1"); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}

	val, err := store.Get(ctx, "call-1", orchestrator.FieldIsAISpeaking)
	if err != nil || val != "" {
		t.Errorf("expected field cleared, got %q, err %v", val, err)
	}
}
