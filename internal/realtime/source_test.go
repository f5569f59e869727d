package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "sync.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSource(db *database.DB, batch int) *LogSource {
	logger := zerolog.Nop()
	return NewLogSource(db, config.SyncConfig{PollInterval: 10 * time.Millisecond, BatchSize: batch}, &logger)
}

func appendChange(t *testing.T, db *database.DB, entityType, id, propertyID string) int64 {
	t.Helper()
	e := models.ChangeEvent{
		EntityType: entityType,
		EntityID:   id,
		ChangeType: models.ChangeModified,
		Timestamp:  time.Now().UTC(),
		PropertyID: propertyID,
	}
	require.NoError(t, db.AppendChange(context.Background(), &e))
	return e.Seq
}

// nextChange skips heartbeats.
func nextChange(t *testing.T, feed Feed) models.ChangeEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-feed.Messages():
			require.True(t, ok, "feed closed")
			require.NoError(t, msg.Err)
			if msg.Event != nil {
				return *msg.Event
			}
		case <-deadline:
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestLogSourceStartsAtHead(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)
	appendChange(t, db, models.EntityJob, "j1", "villa-1")
	appendChange(t, db, models.EntityJob, "j2", "villa-1")

	feed, err := source.Open(context.Background(), OpenRequest{Tier: TierFallback})
	require.NoError(t, err)

	msg := <-feed.Messages()
	assert.True(t, msg.Heartbeat, "first poll finds nothing new")

	seq := appendChange(t, db, models.EntityJob, "j3", "villa-1")
	e := nextChange(t, feed)
	assert.Equal(t, seq, e.Seq)
	assert.Equal(t, "j3", e.EntityID)

	feed.Close()
	for range feed.Messages() {
	}
}

func TestLogSourceResumesPerEntityType(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)
	j1 := appendChange(t, db, models.EntityJob, "j1", "villa-1")
	appendChange(t, db, models.EntityProgress, "j1", "villa-1")
	j3 := appendChange(t, db, models.EntityJob, "j3", "villa-1")
	p4 := appendChange(t, db, models.EntityProgress, "j3", "villa-1")

	feed, err := source.Open(context.Background(), OpenRequest{
		Tier:   TierFallback,
		Resume: map[string]int64{models.EntityJob: j1, models.EntityProgress: p4},
	})
	require.NoError(t, err)
	defer feed.Close()

	e := nextChange(t, feed)
	assert.Equal(t, j3, e.Seq, "progress seq 2 was already delivered")

	j5 := appendChange(t, db, models.EntityJob, "j5", "villa-1")
	assert.Equal(t, j5, nextChange(t, feed).Seq)
}

func TestLogSourceReadsInBatches(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 2)
	for i := 0; i < 5; i++ {
		appendChange(t, db, models.EntityJob, "j", "villa-1")
	}

	feed, err := source.Open(context.Background(), OpenRequest{Tier: TierFallback, Resume: map[string]int64{}})
	require.NoError(t, err)
	defer feed.Close()

	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, nextChange(t, feed).Seq)
	}
}

func TestLogSourceAppliesServerFilter(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)

	feed, err := source.Open(context.Background(), OpenRequest{
		Tier:  TierOptimized,
		Query: domain.ChangeQuery{PropertyIDs: []string{"villa-2"}},
	})
	require.NoError(t, err)
	defer feed.Close()

	appendChange(t, db, models.EntityJob, "j1", "villa-1")
	seq := appendChange(t, db, models.EntityJob, "j2", "villa-2")
	assert.Equal(t, seq, nextChange(t, feed).Seq)
}

func TestLogSourceTierNeedsIndex(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)
	ctx := context.Background()

	require.NoError(t, db.DropIndex(ctx, database.ChangeLogCompositeIndex))

	_, err := source.Open(ctx, OpenRequest{Tier: TierPrimary})
	require.Error(t, err)
	assert.Contains(t, err.Error(), database.ChangeLogCompositeIndex)

	for _, tier := range []Tier{TierOptimized, TierFallback} {
		feed, err := source.Open(ctx, OpenRequest{Tier: tier})
		require.NoError(t, err, "tier %s", tier)
		feed.Close()
	}
}

func TestLogSourceCannotResumePastHead(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)
	appendChange(t, db, models.EntityJob, "j1", "villa-1")

	_, err := source.Open(context.Background(), OpenRequest{
		Tier:   TierFallback,
		Resume: map[string]int64{models.EntityJob: 40},
	})
	assert.ErrorIs(t, err, ErrResumeUnsupported)
}

func TestLogSourceSnapshot(t *testing.T) {
	db := setupTestDB(t)
	source := newTestSource(db, 100)
	appendChange(t, db, models.EntityJob, "j1", "villa-1")
	appendChange(t, db, models.EntityJob, "j2", "villa-2")
	last := appendChange(t, db, models.EntityJob, "j1", "villa-1")

	events, head, err := source.Snapshot(context.Background(), domain.ChangeQuery{PropertyIDs: []string{"villa-1"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, last, events[0].Seq)
	assert.Equal(t, last, head[models.EntityJob])
	assert.Equal(t, int64(0), head[models.EntityProgress])
}

func TestCoordinatorOverChangeLog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	appendChange(t, db, models.EntityJob, "j1", "villa-1")
	require.NoError(t, db.DropIndex(ctx, database.ChangeLogCompositeIndex))

	cfg := testSyncConfig()
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	c := newTestCoordinator(newTestSource(db, 100), cfg)

	s, err := c.Subscribe(ctx, Filter{PropertyIDs: []string{"villa-1"}})
	require.NoError(t, err)
	defer c.Unsubscribe(s.ID)

	assert.Equal(t, "j1", expectEvent(t, s).EntityID)
	expectTier(t, s, TierOptimized)

	appendChange(t, db, models.EntityJob, "j2", "villa-2")
	seq := appendChange(t, db, models.EntityJob, "j3", "villa-1")
	e := expectEvent(t, s)
	assert.Equal(t, seq, e.Seq)

	// Heartbeats keep the tier alive well past the timeout.
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, TierOptimized, s.Tier())
}
