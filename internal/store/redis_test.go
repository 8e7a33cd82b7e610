package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowsend/flowsend/internal/models"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, newTestRedisStore(t))
}

func TestRedisStoreStaleWaitingPointer(t *testing.T) {
	s := newTestRedisStore(t)

	sess := sampleSession("sess1", "15551234", true)
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Flip the stored session out of the waiting state without going through
	// SaveSession, leaving the pointer key behind.
	sess.IsWaitingForResponse = false
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("failed to marshal session: %v", err)
	}
	if err := s.client.Set(context.Background(), redisSessionPrefix+sess.ID, data, 0).Err(); err != nil {
		t.Fatalf("failed to overwrite session: %v", err)
	}

	got, err := s.GetWaitingSession("owner1", "inst1", "15551234")
	if err != nil {
		t.Fatalf("GetWaitingSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected stale pointer to be treated as no waiting session, got %+v", got)
	}
}

func TestRedisStoreWaitingPointerSurvivesOtherContacts(t *testing.T) {
	s := newTestRedisStore(t)

	first := sampleSession("sess1", "15551234", true)
	second := sampleSession("sess2", "15559999", true)
	if err := s.SaveSession(first); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.SaveSession(second); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Completing one contact's session leaves the other contact waiting.
	first.Terminate(models.SessionStatusCompleted, time.Now().UTC())
	if err := s.SaveSession(first); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetWaitingSession("owner1", "inst1", "15559999")
	if err != nil {
		t.Fatalf("GetWaitingSession failed: %v", err)
	}
	if got == nil || got.ID != "sess2" {
		t.Errorf("expected sess2 still waiting, got %+v", got)
	}
}
