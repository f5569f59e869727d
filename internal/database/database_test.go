package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "villaops.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestNewDB_InMemory(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()
}

func TestHasIndex(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := db.HasIndex(ctx, ChangeLogCompositeIndex)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.HasIndex(ctx, ChangeLogPropertyIndex)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.HasIndex(ctx, "idx_does_not_exist")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.DropIndex(ctx, ChangeLogCompositeIndex))
	ok, err = db.HasIndex(ctx, ChangeLogCompositeIndex)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_ClosedErrors(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	_, err = db.GetJob(ctx, "j1")
	assert.Error(t, err)
	_, err = db.HeadSeq(ctx)
	assert.Error(t, err)
	_, err = db.HasIndex(ctx, ChangeLogCompositeIndex)
	assert.Error(t, err)
	assert.Error(t, db.EnqueueTask(ctx, "x", "y", nil))
}
