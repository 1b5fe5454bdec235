// Package postgres is the relational storage adapter. Record writes and
// their audit entries commit in a single transaction; uniqueness of the
// (state, crop, season, year) tuple is enforced by a constraint.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/agroyield/clover/pkg/database"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/metrics"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/normalizers"
	"github.com/agroyield/clover/pkg/tracing"
)

const uniqueViolation = pq.ErrorCode("23505")

type Store struct {
	db     database.DB
	logger ectologger.Logger
}

func NewStore(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

func observe(op string, start time.Time) {
	metrics.StorageOpDuration.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
}

// ResolveDimension finds or creates the dimension. The insert is guarded by
// a unique index on (kind, lower(name)) so concurrent first writes converge
// on one row.
func (s *Store) ResolveDimension(ctx context.Context, kind models.DimensionKind, name string) (*models.Dimension, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.ResolveDimension")
	defer span.End()
	defer observe("resolve_dimension", time.Now())

	canonical := normalizers.DimensionName(name)

	if dim, err := s.findDimension(ctx, kind, canonical); err != nil {
		return nil, err
	} else if dim != nil {
		return dim, nil
	}

	ib := database.NewInsertBuilder().
		InsertInto("dimensions").
		Cols("id", "kind", "name", "created_at").
		Values(uuid.NewString(), string(kind), canonical, time.Now().UTC()).
		OnConflictDoNothing("(kind, lower(name))").
		Returning("id", "kind", "name", "created_at")

	query, args := ib.Build()
	var dim models.Dimension
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&dim)
	if err == nil {
		s.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind, "name": canonical}).Info("Created dimension")
		return &dim, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to insert dimension")
		return nil, apperrors.NewStorageUnavailable(err)
	}

	// Lost the race; the winning row must exist now.
	existing, err := s.findDimension(ctx, kind, canonical)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.NewStorageUnavailable(errors.New("dimension insert raced and lookup found nothing"))
	}
	return existing, nil
}

func (s *Store) findDimension(ctx context.Context, kind models.DimensionKind, canonical string) (*models.Dimension, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "kind", "name", "created_at")
	sb.From("dimensions")
	sb.Where(
		sb.Equal("kind", string(kind)),
		sb.Equal("lower(name)", normalizers.LookupKey(canonical)),
	)

	query, args := sb.Build()
	var dim models.Dimension
	if err := s.db.GetContext(ctx, &dim, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to get dimension")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return &dim, nil
}

func (s *Store) ListDimensions(ctx context.Context, kind models.DimensionKind) ([]models.Dimension, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.ListDimensions")
	defer span.End()
	defer observe("list_dimensions", time.Now())

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "kind", "name", "created_at")
	sb.From("dimensions")
	sb.Where(sb.Equal("kind", string(kind)))
	sb.OrderBy("name ASC")

	query, args := sb.Build()
	dims := []models.Dimension{}
	if err := s.db.SelectContext(ctx, &dims, query, args...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list dimensions")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return dims, nil
}

var recordColumns = []string{
	"id", "state_id", "crop_id", "season_id",
	"state_name", "crop_name", "season_name",
	"year", "area", "production", "annual_rainfall", "fertilizer", "pesticide", "yield",
	"version", "created_at", "updated_at",
}

func (s *Store) GetRecord(ctx context.Context, id string) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.GetRecord")
	defer span.End()
	defer observe("get_record", time.Now())

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("observation_records")
	sb.Where(sb.Equal("id", id))

	return s.getRecordQuery(ctx, sb)
}

func (s *Store) GetLatestRecord(ctx context.Context) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.GetLatestRecord")
	defer span.End()
	defer observe("get_latest_record", time.Now())

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("observation_records")
	sb.OrderBy("created_at DESC")
	sb.Limit(1)

	return s.getRecordQuery(ctx, sb)
}

func (s *Store) FindRecordByKey(ctx context.Context, key models.RecordKey) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.FindRecordByKey")
	defer span.End()
	defer observe("find_record_by_key", time.Now())

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("observation_records")
	sb.Where(
		sb.Equal("state_id", key.StateID),
		sb.Equal("crop_id", key.CropID),
		sb.Equal("season_id", key.SeasonID),
		sb.Equal("year", key.Year),
	)

	return s.getRecordQuery(ctx, sb)
}

func (s *Store) getRecordQuery(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.ObservationRecord, error) {
	query, args := sb.Build()
	var rec models.ObservationRecord
	if err := s.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to get record")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return &rec, nil
}

func (s *Store) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.ObservationRecord, int, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.ListRecords")
	defer span.End()
	defer observe("list_records", time.Now())

	where := func(sb *sqlbuilder.SelectBuilder) {
		conds := []string{}
		if filter.State != "" {
			conds = append(conds, sb.ILike("state_name", "%"+filter.State+"%"))
		}
		if filter.Crop != "" {
			conds = append(conds, sb.ILike("crop_name", "%"+filter.Crop+"%"))
		}
		if filter.Year != 0 {
			conds = append(conds, sb.Equal("year", filter.Year))
		}
		if len(conds) > 0 {
			sb.Where(conds...)
		}
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("observation_records")
	where(countSb)

	countQuery, countArgs := countSb.Build()
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to count records")
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("observation_records")
	where(sb)
	sb.OrderBy("created_at DESC")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	recs := []models.ObservationRecord{}
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list records")
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}
	return recs, total, nil
}

// CreateRecord inserts the record and its audit entry in one transaction.
// A unique-key collision surfaces as a Conflict carrying the winner's id.
func (s *Store) CreateRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.CreateRecord")
	defer span.End()
	defer observe("create_record", time.Now())

	origCtx := ctx
	txCtx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	defer tx.Rollback(origCtx)

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("observation_records")
	sb.Cols(recordColumns...)
	sb.Values(
		record.ID, record.StateID, record.CropID, record.SeasonID,
		record.StateName, record.CropName, record.SeasonName,
		record.Year, record.Area, record.Production, record.AnnualRainfall,
		record.Fertilizer, record.Pesticide, record.Yield,
		record.Version, record.CreatedAt, record.UpdatedAt,
	)

	query, args := sb.Build()
	if _, err := tx.ExecContext(txCtx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return s.conflictForKey(origCtx, record.Key())
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to insert record")
		return apperrors.NewStorageUnavailable(err)
	}

	if err := s.insertAudit(txCtx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	return nil
}

// ReplaceRecord overwrites the record guarded by its previous version, and
// appends the audit entry in the same transaction.
func (s *Store) ReplaceRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.ReplaceRecord")
	defer span.End()
	defer observe("replace_record", time.Now())

	origCtx := ctx
	txCtx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	defer tx.Rollback(origCtx)

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("observation_records")
	sb.Set(
		sb.Assign("state_id", record.StateID),
		sb.Assign("crop_id", record.CropID),
		sb.Assign("season_id", record.SeasonID),
		sb.Assign("state_name", record.StateName),
		sb.Assign("crop_name", record.CropName),
		sb.Assign("season_name", record.SeasonName),
		sb.Assign("year", record.Year),
		sb.Assign("area", record.Area),
		sb.Assign("production", record.Production),
		sb.Assign("annual_rainfall", record.AnnualRainfall),
		sb.Assign("fertilizer", record.Fertilizer),
		sb.Assign("pesticide", record.Pesticide),
		sb.Assign("yield", record.Yield),
		sb.Assign("version", record.Version),
		sb.Assign("updated_at", record.UpdatedAt),
	)
	sb.Where(
		sb.Equal("id", record.ID),
		sb.Equal("version", record.Version-1),
	)

	query, args := sb.Build()
	result, err := tx.ExecContext(txCtx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return s.conflictForKey(origCtx, record.Key())
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to update record")
		return apperrors.NewStorageUnavailable(err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the row is gone or another writer bumped the version.
		existing, err := s.GetRecord(origCtx, record.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperrors.NewNotFound("record", record.ID)
		}
		return apperrors.NewStaleWrite(record.ID)
	}

	if err := s.insertAudit(txCtx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.DeleteRecord")
	defer span.End()
	defer observe("delete_record", time.Now())

	origCtx := ctx
	txCtx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	defer tx.Rollback(origCtx)

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("observation_records")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := tx.ExecContext(txCtx, query, args...)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to delete record")
		return apperrors.NewStorageUnavailable(err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NewNotFound("record", id)
	}

	if err := s.insertAudit(txCtx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	return nil
}

// auditRow maps the audit_entries table; before/after are jsonb snapshots.
type auditRow struct {
	ID         int64                                     `db:"id"`
	EntityName string                                    `db:"entity_name"`
	Operation  string                                    `db:"operation"`
	SubjectID  string                                    `db:"subject_id"`
	Before     database.JSONB[*models.ObservationRecord] `db:"before"`
	After      database.JSONB[*models.ObservationRecord] `db:"after"`
	ChangedAt  time.Time                                 `db:"changed_at"`
	Actor      string                                    `db:"actor"`
}

func (s *Store) insertAudit(txCtx context.Context, tx database.Tx, entry *models.AuditEntry) error {
	query := `INSERT INTO audit_entries (entity_name, operation, subject_id, before, after, changed_at, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := tx.QueryRowxContext(txCtx, query,
		entry.EntityName,
		string(entry.Operation),
		entry.SubjectID,
		database.JSONB[*models.ObservationRecord]{Data: entry.Before},
		database.JSONB[*models.ObservationRecord]{Data: entry.After},
		entry.ChangedAt,
		entry.Actor,
	).Scan(&id)
	if err != nil {
		s.logger.WithContext(txCtx).WithError(err).Error("Failed to insert audit entry")
		return apperrors.NewStorageUnavailable(err)
	}
	entry.ID = intToString(id)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.ListAudit")
	defer span.End()
	defer observe("list_audit", time.Now())

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("audit_entries")
	if filter.SubjectID != "" {
		countSb.Where(countSb.Equal("subject_id", filter.SubjectID))
	}

	countQuery, countArgs := countSb.Build()
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to count audit entries")
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "entity_name", "operation", "subject_id", "before", "after", "changed_at", "actor")
	sb.From("audit_entries")
	if filter.SubjectID != "" {
		sb.Where(sb.Equal("subject_id", filter.SubjectID))
	}
	sb.OrderBy("changed_at DESC", "id DESC")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	rows := []auditRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list audit entries")
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}

	entries := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, models.AuditEntry{
			ID:         intToString(row.ID),
			EntityName: row.EntityName,
			Operation:  models.AuditOperation(row.Operation),
			SubjectID:  row.SubjectID,
			Before:     row.Before.GetValue(),
			After:      row.After.GetValue(),
			ChangedAt:  row.ChangedAt,
			Actor:      row.Actor,
		})
	}
	return entries, total, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// conflictForKey re-reads the winning record so the Conflict error can name
// it. Runs outside the failed transaction.
func (s *Store) conflictForKey(ctx context.Context, key models.RecordKey) error {
	existing, err := s.FindRecordByKey(ctx, key)
	if err != nil {
		return err
	}
	existingID := ""
	if existing != nil {
		existingID = existing.ID
	}
	return apperrors.NewConflict(existingID)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func intToString(n int64) string {
	return strconv.FormatInt(n, 10)
}
