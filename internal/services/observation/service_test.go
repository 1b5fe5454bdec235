package observation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agroyield/clover/internal/repositories/dimension"
	"github.com/agroyield/clover/internal/storage/memory"
	appcontext "github.com/agroyield/clover/pkg/context"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/validation"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newTestService() (*Service, *memory.Store) {
	store := memory.NewStore()
	logger := getTestLogger()
	dims := dimension.NewRepository(store, logger, time.Minute, 1000)
	svc := NewService(store, dims, nil, logger, 5*time.Second)
	return svc, store
}

func testInput() models.ObservationInput {
	return models.ObservationInput{
		StateName:      "Assam",
		CropName:       "Arecanut",
		SeasonName:     "Whole Year",
		Year:           1997,
		Area:           73814,
		Production:     56708,
		AnnualRainfall: 2051.4,
		Fertilizer:     7024878.38,
		Pesticide:      22882.34,
		Yield:          0.768253,
	}
}

func TestCreate(t *testing.T) {
	t.Run("persists record and audit entry", func(t *testing.T) {
		svc, store := newTestService()
		ctx := appcontext.SetUserID(context.Background(), "analyst-1")

		resp, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NotEmpty(t, resp.Record.ID)
		assert.Equal(t, 1, resp.Record.Version)
		assert.Equal(t, "Assam", resp.Record.StateName)
		assert.NotEmpty(t, resp.Record.StateID)
		assert.Empty(t, resp.Warnings)

		entries, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: resp.Record.ID})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, models.AuditCreate, entries[0].Operation)
		assert.Nil(t, entries[0].Before)
		require.NotNil(t, entries[0].After)
		assert.Equal(t, resp.Record.ID, entries[0].After.ID)
		assert.Equal(t, "analyst-1", entries[0].Actor)
	})

	t.Run("defaults the actor when unauthenticated", func(t *testing.T) {
		svc, store := newTestService()

		resp, err := svc.Create(context.Background(), testInput())
		require.NoError(t, err)

		entries, _, err := store.ListAudit(context.Background(), models.AuditFilter{SubjectID: resp.Record.ID})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.SystemActor, entries[0].Actor)
	})

	t.Run("creates dimensions on first use", func(t *testing.T) {
		svc, store := newTestService()
		ctx := context.Background()

		input := testInput()
		input.StateName = "ladakh"

		resp, err := svc.Create(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, "Ladakh", resp.Record.StateName)

		states, err := store.ListDimensions(ctx, models.DimensionState)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, "Ladakh", states[0].Name)
	})

	t.Run("reuses dimensions across spelling variants", func(t *testing.T) {
		svc, store := newTestService()
		ctx := context.Background()

		first, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		input := testInput()
		input.StateName = "  ASSAM "
		input.Year = 1998
		second, err := svc.Create(ctx, input)
		require.NoError(t, err)

		assert.Equal(t, first.Record.StateID, second.Record.StateID)

		states, err := store.ListDimensions(ctx, models.DimensionState)
		require.NoError(t, err)
		assert.Len(t, states, 1)
	})

	t.Run("duplicate key conflicts with existing id", func(t *testing.T) {
		svc, _ := newTestService()
		ctx := context.Background()

		first, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		_, err = svc.Create(ctx, testInput())
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		de, ok := apperrors.AsDomainError(err)
		require.True(t, ok)
		assert.Equal(t, first.Record.ID, de.ExistingID)
	})

	t.Run("same dimensions different year is no conflict", func(t *testing.T) {
		svc, _ := newTestService()
		ctx := context.Background()

		_, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		input := testInput()
		input.Year = 1998
		_, err = svc.Create(ctx, input)
		assert.NoError(t, err)
	})

	t.Run("yield mismatch warns but persists", func(t *testing.T) {
		svc, _ := newTestService()
		ctx := context.Background()

		input := testInput()
		input.Yield = 0.914279 // ~19% above production/area

		resp, err := svc.Create(ctx, input)
		require.NoError(t, err)
		require.Len(t, resp.Warnings, 1)
		assert.Equal(t, validation.WarningDerivedValueMismatch, resp.Warnings[0].Code)

		got, err := svc.Get(ctx, resp.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, input.Yield, got.Yield)
	})

	t.Run("rejects leave no trace", func(t *testing.T) {
		svc, store := newTestService()
		ctx := context.Background()

		input := testInput()
		input.StateName = "Sikkim"
		input.Year = 1901

		_, err := svc.Create(ctx, input)
		require.Error(t, err)
		assert.True(t, apperrors.IsOutOfRange(err))

		_, total, err := store.ListRecords(ctx, models.RecordFilter{})
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		_, total, err = store.ListAudit(ctx, models.AuditFilter{})
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		states, err := store.ListDimensions(ctx, models.DimensionState)
		require.NoError(t, err)
		assert.Empty(t, states, "rejected writes must not create dimensions")
	})

	t.Run("blank dimension name is rejected", func(t *testing.T) {
		svc, store := newTestService()

		input := testInput()
		input.SeasonName = "   "

		_, err := svc.Create(context.Background(), input)
		require.Error(t, err)
		assert.True(t, apperrors.IsOutOfRange(err))

		states, err := store.ListDimensions(context.Background(), models.DimensionState)
		require.NoError(t, err)
		assert.Empty(t, states)
	})
}

func TestCreate_Concurrent(t *testing.T) {
	t.Run("one dimension per unseen name under fanout", func(t *testing.T) {
		svc, store := newTestService()
		ctx := context.Background()

		const workers = 10
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				input := testInput()
				input.StateName = "Ladakh"
				input.Year = 1990 + i
				_, errs[i] = svc.Create(ctx, input)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}

		states, err := store.ListDimensions(ctx, models.DimensionState)
		require.NoError(t, err)
		require.Len(t, states, 1, "concurrent resolves of the same name must create one dimension")
		assert.Equal(t, "Ladakh", states[0].Name)

		_, total, err := store.ListRecords(ctx, models.RecordFilter{})
		require.NoError(t, err)
		assert.Equal(t, workers, total)
	})

	t.Run("same tuple fanout admits exactly one writer", func(t *testing.T) {
		svc, store := newTestService()
		ctx := context.Background()

		const workers = 10
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.Create(ctx, testInput())
			}(i)
		}
		wg.Wait()

		var created, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				created++
			case apperrors.IsConflict(err):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, workers-1, conflicts)

		_, total, err := store.ListRecords(ctx, models.RecordFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)

		_, auditTotal, err := store.ListAudit(ctx, models.AuditFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, auditTotal, "losing writers must not append audit entries")
	})
}

func TestCreate_Cancelled(t *testing.T) {
	svc, store := newTestService()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Create(cancelled, testInput())
	require.Error(t, err)

	ctx := context.Background()
	_, total, err := store.ListRecords(ctx, models.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	_, auditTotal, err := store.ListAudit(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, auditTotal)

	states, err := store.ListDimensions(ctx, models.DimensionState)
	require.NoError(t, err)
	assert.Empty(t, states, "a cancelled create must not leave partial effects")
}

func TestUpdate(t *testing.T) {
	t.Run("replaces in full and bumps version", func(t *testing.T) {
		svc, store := newTestService()
		ctx := appcontext.SetUserID(context.Background(), "analyst-2")

		created, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		input := testInput()
		input.Production = 60000
		input.Yield = input.Production / input.Area

		updated, err := svc.Update(ctx, created.Record.ID, input)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Record.Version)
		assert.Equal(t, 60000.0, updated.Record.Production)
		assert.Equal(t, created.Record.CreatedAt, updated.Record.CreatedAt)

		entries, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: created.Record.ID})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		assert.Equal(t, models.AuditUpdate, entries[0].Operation)
		require.NotNil(t, entries[0].Before)
		require.NotNil(t, entries[0].After)
		assert.Equal(t, 56708.0, entries[0].Before.Production)
		assert.Equal(t, 60000.0, entries[0].After.Production)
		assert.Equal(t, "analyst-2", entries[0].Actor)
	})

	t.Run("missing record is not found", func(t *testing.T) {
		svc, _ := newTestService()

		_, err := svc.Update(context.Background(), "b2f4d7e0-0000-0000-0000-000000000000", testInput())
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("moving onto another record's key conflicts", func(t *testing.T) {
		svc, _ := newTestService()
		ctx := context.Background()

		first, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		second := testInput()
		second.Year = 1998
		createdSecond, err := svc.Create(ctx, second)
		require.NoError(t, err)

		// try to move the second record onto the first's tuple
		move := testInput()
		_, err = svc.Update(ctx, createdSecond.Record.ID, move)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		de, ok := apperrors.AsDomainError(err)
		require.True(t, ok)
		assert.Equal(t, first.Record.ID, de.ExistingID)
	})

	t.Run("invalid input leaves the record untouched", func(t *testing.T) {
		svc, _ := newTestService()
		ctx := context.Background()

		created, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		input := testInput()
		input.Area = -5
		_, err = svc.Update(ctx, created.Record.ID, input)
		require.Error(t, err)

		got, err := svc.Get(ctx, created.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Record.Area, got.Area)
		assert.Equal(t, 1, got.Version)
	})
}

func TestDelete(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, testInput())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.Record.ID))

	_, err = svc.Get(ctx, created.Record.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	// second delete of the same id
	err = svc.Delete(ctx, created.Record.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	entries, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: created.Record.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, models.AuditDelete, entries[0].Operation)
	require.NotNil(t, entries[0].Before)
	assert.Nil(t, entries[0].After)

	// the tuple can be reused after deletion
	_, err = svc.Create(ctx, testInput())
	assert.NoError(t, err)
}

func TestGetLatest(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.GetLatest(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	first, err := svc.Create(ctx, testInput())
	require.NoError(t, err)

	latest, err := svc.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, latest.ID)
}

func TestList_Pagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for year := 1995; year < 1995+5; year++ {
		input := testInput()
		input.Year = year
		_, err := svc.Create(ctx, input)
		require.NoError(t, err)
	}

	resp, err := svc.List(ctx, models.RecordFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Total)
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, 2, resp.Limit)

	resp, err = svc.List(ctx, models.RecordFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, resp.Items, 1)

	// default page size applies when the caller sends nothing
	resp, err = svc.List(ctx, models.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, resp.Limit)
	assert.Len(t, resp.Items, 5)
}

func TestListAudit_Pagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, testInput())
	require.NoError(t, err)

	input := testInput()
	input.Pesticide = 23000
	_, err = svc.Update(ctx, created.Record.ID, input)
	require.NoError(t, err)

	resp, err := svc.ListAudit(ctx, models.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, models.AuditUpdate, resp.Items[0].Operation)
}
