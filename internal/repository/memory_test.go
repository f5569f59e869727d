package repository

import (
	"context"
	"testing"
	"time"

	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySnapshotRepository(t *testing.T) {
	repo := NewMemorySnapshotRepository(time.Hour)
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	snapshot := &models.ProgressSnapshot{JobID: "job-1", ProgressPercentage: 60}
	require.NoError(t, repo.SetSnapshot(ctx, snapshot))

	snapshot.ProgressPercentage = 99
	got, err := repo.GetSnapshot(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 60, got.ProgressPercentage)

	require.NoError(t, repo.SetTelemetry(ctx, &models.TelemetryPing{StaffID: "s1"}))
	ping, err := repo.GetTelemetry(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, ping)

	now = now.Add(2 * time.Hour)
	got, err = repo.GetSnapshot(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.SetSnapshot(ctx, &models.ProgressSnapshot{JobID: "job-2"}))
	require.NoError(t, repo.DeleteSnapshot(ctx, "job-2"))
	got, err = repo.GetSnapshot(ctx, "job-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}
