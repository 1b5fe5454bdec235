package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agroyield/clover/internal/storage/postgres"
	"github.com/agroyield/clover/pkg/database"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestStore(t *testing.T) *postgres.Store {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "clover"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	sqlxDB, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	db := database.NewDatabaseInstance(sqlxDB, getTestLogger())
	return postgres.NewStore(db, getTestLogger())
}

func testRecord(t *testing.T, store *postgres.Store) *models.ObservationRecord {
	t.Helper()
	ctx := context.Background()

	// unique names per run so tests don't collide with leftover rows
	suffix := uuid.NewString()[:8]
	state, err := store.ResolveDimension(ctx, models.DimensionState, "Test State "+suffix)
	require.NoError(t, err)
	crop, err := store.ResolveDimension(ctx, models.DimensionCrop, "Test Crop "+suffix)
	require.NoError(t, err)
	season, err := store.ResolveDimension(ctx, models.DimensionSeason, "Kharif")
	require.NoError(t, err)

	now := time.Now().UTC()
	return &models.ObservationRecord{
		ID:             uuid.NewString(),
		StateID:        state.ID,
		CropID:         crop.ID,
		SeasonID:       season.ID,
		StateName:      state.Name,
		CropName:       crop.Name,
		SeasonName:     season.Name,
		Year:           2000,
		Area:           100,
		Production:     50,
		AnnualRainfall: 1200,
		Fertilizer:     10,
		Pesticide:      5,
		Yield:          0.5,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestResolveDimension(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	suffix := uuid.NewString()[:8]
	first, err := store.ResolveDimension(ctx, models.DimensionState, "ladakh "+suffix)
	require.NoError(t, err)
	assert.Equal(t, "Ladakh "+suffix, first.Name)

	second, err := store.ResolveDimension(ctx, models.DimensionState, "  LADAKH "+suffix+" ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveDimension_Concurrent(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	name := "Fanout State " + uuid.NewString()[:8]

	const workers = 10
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dim, err := store.ResolveDimension(ctx, models.DimensionState, name)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = dim.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "all resolvers must land on the same dimension")
	}
}

func TestCreateRecord_Cancelled(t *testing.T) {
	store := getTestStore(t)

	rec := testRecord(t, store)
	entry := models.NewAuditEntry(models.AuditCreate, rec.ID, nil, rec, "tester")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.CreateRecord(cancelled, rec, entry)
	require.Error(t, err)

	ctx := context.Background()
	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "a cancelled create must not commit the record")

	_, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "a cancelled create must not commit its audit entry")
}

func TestCreateAndConflict(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, store)
	entry := models.NewAuditEntry(models.AuditCreate, rec.ID, nil, rec, "tester")
	require.NoError(t, store.CreateRecord(ctx, rec, entry))
	assert.NotEmpty(t, entry.ID, "audit id should be assigned on insert")

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Year, got.Year)

	dup := *rec
	dup.ID = uuid.NewString()
	err = store.CreateRecord(ctx, &dup, models.NewAuditEntry(models.AuditCreate, dup.ID, nil, &dup, "tester"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	de, ok := apperrors.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, de.ExistingID)
}

func TestReplaceAndAudit(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, store)
	require.NoError(t, store.CreateRecord(ctx, rec, models.NewAuditEntry(models.AuditCreate, rec.ID, nil, rec, "tester")))

	updated := *rec
	updated.Version = 2
	updated.Production = 75
	updated.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.ReplaceRecord(ctx, &updated, models.NewAuditEntry(models.AuditUpdate, rec.ID, rec, &updated, "tester")))

	stale := *rec
	stale.Version = 2
	err := store.ReplaceRecord(ctx, &stale, models.NewAuditEntry(models.AuditUpdate, rec.ID, rec, &stale, "tester"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	entries, total, err := store.ListAudit(ctx, models.AuditFilter{SubjectID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditUpdate, entries[0].Operation)
	require.NotNil(t, entries[0].Before)
	require.NotNil(t, entries[0].After)
	assert.Equal(t, 50.0, entries[0].Before.Production)
	assert.Equal(t, 75.0, entries[0].After.Production)
}

func TestDeleteRecord(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, store)
	require.NoError(t, store.CreateRecord(ctx, rec, models.NewAuditEntry(models.AuditCreate, rec.ID, nil, rec, "tester")))
	require.NoError(t, store.DeleteRecord(ctx, rec.ID, models.NewAuditEntry(models.AuditDelete, rec.ID, rec, nil, "tester")))

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = store.DeleteRecord(ctx, rec.ID, models.NewAuditEntry(models.AuditDelete, rec.ID, rec, nil, "tester"))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
