// Package store provides storage backends for FlowSend.
//
// This file implements a Redis-backed store. Flows and sessions are kept as
// JSON values with per-tenant index sets; the waiting-session lookup is a
// direct key per (owner, instance, contact).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowsend/flowsend/internal/models"
	"github.com/redis/go-redis/v9"
)

// Redis key layout constants
const (
	redisFlowPrefix     = "flowsend:flow:"
	redisFlowIndex      = "flowsend:flows:"
	redisSessionPrefix  = "flowsend:session:"
	redisSessionIndex   = "flowsend:sessions:"
	redisWaitingPrefix  = "flowsend:waiting:"
	redisConnectTimeout = 5 * time.Second
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis store from a redis:// DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}

	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("Failed to parse Redis DSN", "error", err)
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("Redis connection established")
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests with miniredis).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tenantKey(prefix, ownerID, instanceID string) string {
	return prefix + ownerID + ":" + instanceID
}

func waitingKey(ownerID, instanceID, contactNumber string) string {
	return redisWaitingPrefix + ownerID + ":" + instanceID + ":" + contactNumber
}

func (s *RedisStore) saveFlow(f *models.Flow) error {
	ctx := context.Background()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", f.ID, err)
	}
	if err := s.client.Set(ctx, redisFlowPrefix+f.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set flow %s: %w", f.ID, err)
	}
	if err := s.client.SAdd(ctx, tenantKey(redisFlowIndex, f.OwnerID, f.InstanceID), f.ID).Err(); err != nil {
		return fmt.Errorf("failed to index flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *RedisStore) CreateFlow(f *models.Flow) error {
	if err := s.saveFlow(f); err != nil {
		slog.Error("RedisStore CreateFlow failed", "error", err, "flowID", f.ID)
		return err
	}
	slog.Debug("RedisStore CreateFlow succeeded", "flowID", f.ID, "name", f.Name)
	return nil
}

func (s *RedisStore) UpdateFlow(f *models.Flow) error {
	if err := s.saveFlow(f); err != nil {
		slog.Error("RedisStore UpdateFlow failed", "error", err, "flowID", f.ID)
		return err
	}
	slog.Debug("RedisStore UpdateFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *RedisStore) DeleteFlow(id string) error {
	ctx := context.Background()
	f, err := s.GetFlow(id)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	if err := s.client.SRem(ctx, tenantKey(redisFlowIndex, f.OwnerID, f.InstanceID), id).Err(); err != nil {
		slog.Error("RedisStore DeleteFlow index removal failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to unindex flow %s: %w", id, err)
	}
	if err := s.client.Del(ctx, redisFlowPrefix+id).Err(); err != nil {
		slog.Error("RedisStore DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	slog.Debug("RedisStore DeleteFlow succeeded", "flowID", id)
	return nil
}

func (s *RedisStore) GetFlow(id string) (*models.Flow, error) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, redisFlowPrefix+id).Bytes()
	if err == redis.Nil {
		slog.Debug("RedisStore GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	var f models.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Error("RedisStore GetFlow unmarshal failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *RedisStore) ListFlows(ownerID, instanceID string) ([]models.Flow, error) {
	ctx := context.Background()
	ids, err := s.client.SMembers(ctx, tenantKey(redisFlowIndex, ownerID, instanceID)).Result()
	if err != nil {
		slog.Error("RedisStore ListFlows index read failed", "error", err)
		return nil, fmt.Errorf("failed to read flow index: %w", err)
	}
	var flows []models.Flow
	for _, id := range ids {
		f, err := s.GetFlow(id)
		if err != nil {
			return nil, err
		}
		if f != nil {
			flows = append(flows, *f)
		}
	}
	slog.Debug("RedisStore ListFlows succeeded", "count", len(flows))
	return flows, nil
}

func (s *RedisStore) GetActiveFlows(ownerID, instanceID string) ([]models.Flow, error) {
	flows, err := s.ListFlows(ownerID, instanceID)
	if err != nil {
		return nil, err
	}
	var active []models.Flow
	for _, f := range flows {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}

// IncrementFlowTrigger is a read-modify-write; concurrent increments may
// lose updates, matching the single-writer assumption of the engine.
func (s *RedisStore) IncrementFlowTrigger(id string, at time.Time) error {
	f, err := s.GetFlow(id)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	f.TriggerCount++
	f.LastTriggered = &at
	f.UpdatedAt = at
	return s.UpdateFlow(f)
}

func (s *RedisStore) SaveSession(sess *models.ConversationSession) error {
	ctx := context.Background()
	data, err := json.Marshal(sess)
	if err != nil {
		slog.Error("RedisStore SaveSession marshal failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, redisSessionPrefix+sess.ID, data, 0).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to set session %s: %w", sess.ID, err)
	}
	if err := s.client.SAdd(ctx, tenantKey(redisSessionIndex, sess.OwnerID, sess.InstanceID), sess.ID).Err(); err != nil {
		slog.Error("RedisStore SaveSession index failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to index session %s: %w", sess.ID, err)
	}

	// Maintain the direct waiting-session pointer for the contact.
	wk := waitingKey(sess.OwnerID, sess.InstanceID, sess.ContactNumber)
	if sess.IsActive && sess.IsWaitingForResponse {
		if err := s.client.Set(ctx, wk, sess.ID, 0).Err(); err != nil {
			slog.Error("RedisStore SaveSession waiting pointer failed", "error", err, "sessionID", sess.ID)
			return fmt.Errorf("failed to set waiting pointer for %s: %w", sess.ContactNumber, err)
		}
	} else {
		current, err := s.client.Get(ctx, wk).Result()
		if err == nil && current == sess.ID {
			if err := s.client.Del(ctx, wk).Err(); err != nil {
				slog.Error("RedisStore SaveSession waiting pointer cleanup failed", "error", err, "sessionID", sess.ID)
			}
		}
	}
	slog.Debug("RedisStore SaveSession succeeded", "sessionID", sess.ID, "contact", sess.ContactNumber, "waiting", sess.IsWaitingForResponse)
	return nil
}

func (s *RedisStore) GetSession(id string) (*models.ConversationSession, error) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, redisSessionPrefix+id).Bytes()
	if err == redis.Nil {
		slog.Debug("RedisStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var sess models.ConversationSession
	if err := json.Unmarshal(data, &sess); err != nil {
		slog.Error("RedisStore GetSession unmarshal failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisStore) GetWaitingSession(ownerID, instanceID, contactNumber string) (*models.ConversationSession, error) {
	ctx := context.Background()
	id, err := s.client.Get(ctx, waitingKey(ownerID, instanceID, contactNumber)).Result()
	if err == redis.Nil {
		slog.Debug("RedisStore GetWaitingSession not found", "owner", ownerID, "instance", instanceID, "contact", contactNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetWaitingSession failed", "error", err, "contact", contactNumber)
		return nil, fmt.Errorf("failed to get waiting pointer for %s: %w", contactNumber, err)
	}
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsActive || !sess.IsWaitingForResponse {
		// Stale pointer; treat as no waiting session.
		return nil, nil
	}
	slog.Debug("RedisStore GetWaitingSession found", "sessionID", sess.ID, "contact", contactNumber)
	return sess, nil
}

func (s *RedisStore) ListSessions(ownerID, instanceID string) ([]models.ConversationSession, error) {
	ctx := context.Background()
	ids, err := s.client.SMembers(ctx, tenantKey(redisSessionIndex, ownerID, instanceID)).Result()
	if err != nil {
		slog.Error("RedisStore ListSessions index read failed", "error", err)
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	var sessions []models.ConversationSession
	for _, id := range ids {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	slog.Debug("RedisStore ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *RedisStore) DeleteSessionsBefore(cutoff time.Time) (int, error) {
	ctx := context.Background()
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisSessionIndex+"*", 100).Result()
		if err != nil {
			slog.Error("RedisStore DeleteSessionsBefore scan failed", "error", err)
			return removed, fmt.Errorf("failed to scan session indexes: %w", err)
		}
		for _, indexKey := range keys {
			ids, err := s.client.SMembers(ctx, indexKey).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to read session index %s: %w", indexKey, err)
			}
			for _, id := range ids {
				sess, err := s.GetSession(id)
				if err != nil {
					return removed, err
				}
				if sess == nil {
					s.client.SRem(ctx, indexKey, id)
					continue
				}
				if !sess.IsActive && sess.LastActivityAt.Before(cutoff) {
					s.client.Del(ctx, redisSessionPrefix+id)
					s.client.SRem(ctx, indexKey, id)
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slog.Debug("RedisStore DeleteSessionsBefore succeeded", "removed", removed)
	return removed, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis client")
	return s.client.Close()
}
