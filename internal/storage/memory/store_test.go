package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
)

func newRecord(t *testing.T, store *Store, year int) *models.ObservationRecord {
	t.Helper()
	ctx := context.Background()

	state, err := store.ResolveDimension(ctx, models.DimensionState, "Assam")
	require.NoError(t, err)
	crop, err := store.ResolveDimension(ctx, models.DimensionCrop, "Rice")
	require.NoError(t, err)
	season, err := store.ResolveDimension(ctx, models.DimensionSeason, "Kharif")
	require.NoError(t, err)

	now := time.Now().UTC()
	return &models.ObservationRecord{
		ID:         uuid.NewString(),
		StateID:    state.ID,
		CropID:     crop.ID,
		SeasonID:   season.ID,
		StateName:  state.Name,
		CropName:   crop.Name,
		SeasonName: season.Name,
		Year:       year,
		Area:       100,
		Production: 50,
		Yield:      0.5,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func entryFor(op models.AuditOperation, rec *models.ObservationRecord) *models.AuditEntry {
	switch op {
	case models.AuditCreate:
		return models.NewAuditEntry(op, rec.ID, nil, rec, "tester")
	case models.AuditDelete:
		return models.NewAuditEntry(op, rec.ID, rec, nil, "tester")
	default:
		return models.NewAuditEntry(op, rec.ID, rec, rec, "tester")
	}
}

func TestResolveDimension_Idempotent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first, err := store.ResolveDimension(ctx, models.DimensionState, "assam")
	require.NoError(t, err)
	second, err := store.ResolveDimension(ctx, models.DimensionState, "  ASSAM ")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Assam", first.Name)

	dims, err := store.ListDimensions(ctx, models.DimensionState)
	require.NoError(t, err)
	assert.Len(t, dims, 1)
}

func TestCreateRecord_Conflict(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := newRecord(t, store, 2000)
	require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))

	dup := newRecord(t, store, 2000)
	err := store.CreateRecord(ctx, dup, entryFor(models.AuditCreate, dup))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	de, ok := apperrors.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, de.ExistingID)
}

func TestReplaceRecord_VersionGuard(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := newRecord(t, store, 2001)
	require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))

	updated := *rec
	updated.Version = 2
	updated.Production = 60
	require.NoError(t, store.ReplaceRecord(ctx, &updated, entryFor(models.AuditUpdate, &updated)))

	stale := *rec
	stale.Version = 2 // based on version 1, but the store is at 2
	err := store.ReplaceRecord(ctx, &stale, entryFor(models.AuditUpdate, &stale))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestReplaceRecord_NotFound(t *testing.T) {
	store := NewStore()
	rec := newRecord(t, store, 2002)

	err := store.ReplaceRecord(context.Background(), rec, entryFor(models.AuditUpdate, rec))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReplaceRecord_KeyMove(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := newRecord(t, store, 2003)
	require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))

	moved := *rec
	moved.Year = 2004
	moved.Version = 2
	require.NoError(t, store.ReplaceRecord(ctx, &moved, entryFor(models.AuditUpdate, &moved)))

	// the old tuple is free again
	again := newRecord(t, store, 2003)
	assert.NoError(t, store.CreateRecord(ctx, again, entryFor(models.AuditCreate, again)))
}

func TestDeleteRecord(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := newRecord(t, store, 2005)
	require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))
	require.NoError(t, store.DeleteRecord(ctx, rec.ID, entryFor(models.AuditDelete, rec)))

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = store.DeleteRecord(ctx, rec.ID, entryFor(models.AuditDelete, rec))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	// the tuple is free again after deletion
	again := newRecord(t, store, 2005)
	assert.NoError(t, store.CreateRecord(ctx, again, entryFor(models.AuditCreate, again)))
}

func TestListRecords_Filters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for _, year := range []int{2000, 2001, 2002} {
		rec := newRecord(t, store, year)
		require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))
	}

	all, total, err := store.ListRecords(ctx, models.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	byYear, total, err := store.ListRecords(ctx, models.RecordFilter{Year: 2001})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byYear, 1)
	assert.Equal(t, 2001, byYear[0].Year)

	byState, _, err := store.ListRecords(ctx, models.RecordFilter{State: "ass"})
	require.NoError(t, err)
	assert.Len(t, byState, 3)

	none, total, err := store.ListRecords(ctx, models.RecordFilter{State: "kerala"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, none)

	paged, total, err := store.ListRecords(ctx, models.RecordFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, paged, 1)
}

func TestListAudit_OrderingAndFilter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := newRecord(t, store, 2006)
	require.NoError(t, store.CreateRecord(ctx, rec, entryFor(models.AuditCreate, rec)))

	updated := *rec
	updated.Version = 2
	require.NoError(t, store.ReplaceRecord(ctx, &updated, entryFor(models.AuditUpdate, &updated)))
	require.NoError(t, store.DeleteRecord(ctx, rec.ID, entryFor(models.AuditDelete, &updated)))

	other := newRecord(t, store, 2007)
	require.NoError(t, store.CreateRecord(ctx, other, entryFor(models.AuditCreate, other)))

	entries, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 3)

	// most recent first
	assert.Equal(t, models.AuditDelete, entries[0].Operation)
	assert.Equal(t, models.AuditUpdate, entries[1].Operation)
	assert.Equal(t, models.AuditCreate, entries[2].Operation)

	assert.Nil(t, entries[0].After)
	assert.Nil(t, entries[2].Before)
	assert.Equal(t, "tester", entries[0].Actor)

	all, total, err := store.ListAudit(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)
}
