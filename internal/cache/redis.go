// Package cache provides the Redis-backed session storages the engine's
// local state persists into: the reward snapshot slot that survives page
// reloads, and the referral-applied marker.
//
// Both are conveniences layered over authoritative state — losing either
// costs a round trip or a redundant (idempotent) remote call, never
// correctness. That is why every operation here degrades quietly.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessium/waitlist-engine/internal/engine"
)

// SessionTTL bounds how long a reward snapshot outlives its last save.
// It approximates "browsing session" scope: reloads within the window reuse
// the snapshot, a returning visitor starts clean.
const SessionTTL = 12 * time.Hour

// SnapshotStorage is the per-subject reward snapshot slot.
type SnapshotStorage struct {
	client *redis.Client
	key    string
}

var _ engine.SnapshotStorage = (*SnapshotStorage)(nil)

// NewSnapshotStorage returns the snapshot slot for one subject's session.
func NewSnapshotStorage(client *redis.Client, subjectID string) *SnapshotStorage {
	return &SnapshotStorage{
		client: client,
		key:    "session:" + subjectID + ":points",
	}
}

func (s *SnapshotStorage) Set(ctx context.Context, value string) error {
	return s.client.Set(ctx, s.key, value, SessionTTL).Err()
}

func (s *SnapshotStorage) Get(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *SnapshotStorage) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// MarkStore persists per-subject "referral already applied" markers.
type MarkStore struct {
	client *redis.Client
}

var _ engine.MarkStore = (*MarkStore)(nil)

func NewMarkStore(client *redis.Client) *MarkStore {
	return &MarkStore{client: client}
}

func (m *MarkStore) ReferralApplied(ctx context.Context, subjectID string) (bool, error) {
	n, err := m.client.Exists(ctx, "referral:applied:"+subjectID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *MarkStore) SetReferralApplied(ctx context.Context, subjectID string) error {
	// No TTL: the marker is as durable as the referred_by column it mirrors.
	return m.client.Set(ctx, "referral:applied:"+subjectID, "1", 0).Err()
}

// Connect opens a Redis client and verifies the connection.
func Connect(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
