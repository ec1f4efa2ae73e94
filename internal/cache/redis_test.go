package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestSnapshotStorageRoundTrip(t *testing.T) {
	client, mr := testClient(t)
	ctx := context.Background()

	storage := NewSnapshotStorage(client, "subj-1")

	require.NoError(t, storage.Set(ctx, `{"points":42}`))

	got, err := storage.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"points":42}`, got)

	// The slot carries the session TTL, not permanence.
	assert.Equal(t, SessionTTL, mr.TTL("session:subj-1:points"))

	require.NoError(t, storage.Delete(ctx))

	got, err = storage.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "deleted slot must read as a miss")
}

func TestSnapshotStorageMissIsNotAnError(t *testing.T) {
	client, _ := testClient(t)

	storage := NewSnapshotStorage(client, "never-saved")
	got, err := storage.Get(context.Background())
	require.NoError(t, err, "missing key must not surface an error")
	assert.Empty(t, got)
}

func TestSnapshotStorageIsolatedPerSubject(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()

	a := NewSnapshotStorage(client, "subj-a")
	b := NewSnapshotStorage(client, "subj-b")

	require.NoError(t, a.Set(ctx, "aaa"))

	got, err := b.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "subj-b must not see subj-a's slot")
}

func TestMarkStore(t *testing.T) {
	client, mr := testClient(t)
	ctx := context.Background()

	marks := NewMarkStore(client)

	applied, err := marks.ReferralApplied(ctx, "subj-1")
	require.NoError(t, err)
	assert.False(t, applied, "fresh subject must not be marked")

	require.NoError(t, marks.SetReferralApplied(ctx, "subj-1"))

	applied, err = marks.ReferralApplied(ctx, "subj-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// The marker is durable: no TTL.
	assert.Zero(t, mr.TTL("referral:applied:subj-1"))

	// Other subjects are unaffected.
	applied, err = marks.ReferralApplied(ctx, "subj-2")
	require.NoError(t, err)
	assert.False(t, applied, "marker leaked to another subject")
}
