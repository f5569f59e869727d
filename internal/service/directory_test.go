package service

import (
	"context"
	"testing"

	"villaops/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory(testProperties, testStaff)

	p, err := dir.GetProperty(ctx, "villa-sunset")
	require.NoError(t, err)
	assert.Equal(t, "Villa Sunset", p.Name)

	p.Name = "changed"
	again, err := dir.GetProperty(ctx, "villa-sunset")
	require.NoError(t, err)
	assert.Equal(t, "Villa Sunset", again.Name)

	_, err = dir.GetProperty(ctx, "nope")
	assert.True(t, domain.IsNotFound(err))

	props, err := dir.ListProperties(ctx)
	require.NoError(t, err)
	require.Len(t, props, len(testProperties))
	assert.Equal(t, "villa-sunset", props[0].ID)

	_, err = dir.GetStaff(ctx, "ghost")
	assert.True(t, domain.IsNotFound(err))

	managers, err := dir.ListManagers(ctx)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, "m1", managers[0].ID)

	m, err := dir.StaffByTelegramID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	_, err = dir.StaffByTelegramID(ctx, 0)
	assert.True(t, domain.IsNotFound(err))
}
