package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// SnapshotStorage is the session-scoped key-value slot the RewardCache
// persists into. One slot per browsing session; values survive reloads but
// are discarded when the session ends (the redis implementation does this
// with a TTL).
type SnapshotStorage interface {
	Set(ctx context.Context, value string) error
	// Get returns ("", nil) when no snapshot is stored.
	Get(ctx context.Context) (string, error)
	Delete(ctx context.Context) error
}

// cachedSnapshot is the serialized form of a reward snapshot.
type cachedSnapshot struct {
	SubjectID  string  `json:"subjectId"`
	BasePoints float64 `json:"basePoints"`
	PointsRate float64 `json:"pointsRate"`
	SavedAt    int64   `json:"savedAt"` // unix milliseconds
}

// RewardCache bridges the latency gap between session start and the first
// authoritative fetch: the last {points, rate} pair is persisted with a
// timestamp, and Load extrapolates elapsed accrual so a reload never shows
// points jumping backwards.
//
// The cache is a rendering seed only. It is never written back to the store,
// and it is ignored entirely when it belongs to a different subject than the
// one currently authenticated.
type RewardCache struct {
	storage SnapshotStorage
	clock   Clock
	logger  *slog.Logger
}

// NewRewardCache creates a RewardCache over the given storage.
// Pass nil for the system clock.
func NewRewardCache(storage SnapshotStorage, clock Clock, logger *slog.Logger) *RewardCache {
	if clock == nil {
		clock = SystemClock
	}
	return &RewardCache{
		storage: storage,
		clock:   clock,
		logger:  logger,
	}
}

// Save persists a snapshot stamped with the current wall clock, overwriting
// any prior one. Storage failures are logged and swallowed — a cache miss on
// the next load costs one round trip, never a user-facing error.
func (c *RewardCache) Save(ctx context.Context, subjectID string, points, rate float64) {
	snap := cachedSnapshot{
		SubjectID:  subjectID,
		BasePoints: points,
		PointsRate: rate,
		SavedAt:    c.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("reward cache: encoding snapshot failed", slog.String("error", err.Error()))
		return
	}
	if err := c.storage.Set(ctx, string(data)); err != nil {
		c.logger.Warn("reward cache: saving snapshot failed",
			slog.String("subjectID", subjectID),
			slog.String("error", err.Error()),
		)
	}
}

// Load returns the extrapolated current point value and stored rate for
// subjectID, or ok=false when nothing usable is cached. A snapshot stored for
// a different subject is treated as absent, so a sign-in as someone else can
// never seed the display from the previous subject's points.
func (c *RewardCache) Load(ctx context.Context, subjectID string) (points, rate float64, ok bool) {
	raw, err := c.storage.Get(ctx)
	if err != nil {
		c.logger.Warn("reward cache: loading snapshot failed", slog.String("error", err.Error()))
		return 0, 0, false
	}
	if raw == "" {
		return 0, 0, false
	}

	var snap cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return 0, 0, false
	}
	if snap.SubjectID != subjectID {
		return 0, 0, false
	}

	elapsed := c.clock.Now().Sub(time.UnixMilli(snap.SavedAt)).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return snap.BasePoints + elapsed*snap.PointsRate, snap.PointsRate, true
}

// Clear removes the snapshot. Called on sign-out.
func (c *RewardCache) Clear(ctx context.Context) {
	if err := c.storage.Delete(ctx); err != nil {
		c.logger.Warn("reward cache: clearing snapshot failed", slog.String("error", err.Error()))
	}
}
