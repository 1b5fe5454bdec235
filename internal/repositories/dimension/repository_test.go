package dimension

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agroyield/clover/internal/storage/memory"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func TestResolve(t *testing.T) {
	store := memory.NewStore()
	repo := NewRepository(store, getTestLogger(), time.Minute, 1000)
	ctx := context.Background()

	t.Run("creates on first use", func(t *testing.T) {
		dim, err := repo.Resolve(ctx, models.DimensionCrop, "arecanut")
		require.NoError(t, err)
		assert.Equal(t, "Arecanut", dim.Name)
		assert.Equal(t, models.DimensionCrop, dim.Kind)
		assert.NotEmpty(t, dim.ID)
	})

	t.Run("variants resolve to the same dimension", func(t *testing.T) {
		first, err := repo.Resolve(ctx, models.DimensionCrop, "Arecanut")
		require.NoError(t, err)
		second, err := repo.Resolve(ctx, models.DimensionCrop, " ARECANUT  ")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("kinds are separate namespaces", func(t *testing.T) {
		crop, err := repo.Resolve(ctx, models.DimensionCrop, "Kharif")
		require.NoError(t, err)
		season, err := repo.Resolve(ctx, models.DimensionSeason, "Kharif")
		require.NoError(t, err)
		assert.NotEqual(t, crop.ID, season.ID)
	})

	t.Run("blank name is rejected", func(t *testing.T) {
		_, err := repo.Resolve(ctx, models.DimensionState, "   ")
		require.Error(t, err)
		assert.True(t, apperrors.IsOutOfRange(err))

		de, ok := apperrors.AsDomainError(err)
		require.True(t, ok)
		assert.Equal(t, "state_name", de.Field)
	})
}

func TestResolve_CacheExpiry(t *testing.T) {
	store := memory.NewStore()
	repo := NewRepository(store, getTestLogger(), time.Nanosecond, 1000)
	ctx := context.Background()

	first, err := repo.Resolve(ctx, models.DimensionState, "Assam")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	// expired entry falls through to storage and still resolves to the
	// same dimension
	second, err := repo.Resolve(ctx, models.DimensionState, "Assam")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_CacheBounded(t *testing.T) {
	store := memory.NewStore()
	repo := NewRepository(store, getTestLogger(), time.Minute, 4)
	ctx := context.Background()

	names := []string{"Assam", "Punjab", "Kerala", "Odisha", "Sikkim", "Tripura"}
	for _, name := range names {
		_, err := repo.Resolve(ctx, models.DimensionState, name)
		require.NoError(t, err)
	}

	repo.mu.RLock()
	size := len(repo.cache)
	repo.mu.RUnlock()
	assert.LessOrEqual(t, size, 4, "cache must not grow past its configured max")

	// evicted entries still resolve correctly through storage
	dims, err := repo.List(ctx, models.DimensionState)
	require.NoError(t, err)
	assert.Len(t, dims, len(names))
	for _, name := range names {
		dim, err := repo.Resolve(ctx, models.DimensionState, name)
		require.NoError(t, err)
		assert.Equal(t, name, dim.Name)
	}
}

func TestList(t *testing.T) {
	store := memory.NewStore()
	repo := NewRepository(store, getTestLogger(), time.Minute, 1000)
	ctx := context.Background()

	for _, name := range []string{"Rice", "Arecanut", "Wheat"} {
		_, err := repo.Resolve(ctx, models.DimensionCrop, name)
		require.NoError(t, err)
	}

	dims, err := repo.List(ctx, models.DimensionCrop)
	require.NoError(t, err)
	require.Len(t, dims, 3)
	assert.Equal(t, "Arecanut", dims[0].Name)
	assert.Equal(t, "Rice", dims[1].Name)
	assert.Equal(t, "Wheat", dims[2].Name)

	_, err = repo.List(ctx, models.DimensionKind("region"))
	require.Error(t, err)
	assert.True(t, apperrors.IsOutOfRange(err))
}
