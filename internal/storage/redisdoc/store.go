// Package redisdoc is the document-style storage adapter backed by Redis.
// Records and audit entries are JSON documents; uniqueness of the
// (state, crop, season, year) tuple is enforced by a SETNX key
// reservation, and updates use WATCH/EXEC optimistic concurrency.
//
// Unlike the relational adapter there is no cross-key transaction that
// spans the reservation and the document write, so a crashed writer can
// leave a dangling reservation. Writes compensate on failure and the
// document/audit pair itself commits atomically in one MULTI/EXEC.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/metrics"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/normalizers"
	redisclient "github.com/agroyield/clover/pkg/redis"
	"github.com/agroyield/clover/pkg/tracing"
)

const (
	dimKeyPrefix    = "dim:"
	dimIndexPrefix  = "dims:"
	recKeyPrefix    = "rec:"
	recUniquePrefix = "reckey:"
	recIndexKey     = "recs"
	auditKeyPrefix  = "audit:"
	auditIndexKey   = "audit"
	auditSubjPrefix = "audit:subject:"

	// maxTxRetries bounds WATCH/EXEC retries before the write is
	// reported as a stale-write conflict.
	maxTxRetries = 3
)

type Store struct {
	client *redisclient.Client
	logger ectologger.Logger
}

func NewStore(client *redisclient.Client, logger ectologger.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

func observe(op string, start time.Time) {
	metrics.StorageOpDuration.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
}

func dimKey(kind models.DimensionKind, name string) string {
	return dimKeyPrefix + string(kind) + ":" + normalizers.LookupKey(name)
}

func dimIndex(kind models.DimensionKind) string {
	return dimIndexPrefix + string(kind)
}

func recKey(id string) string {
	return recKeyPrefix + id
}

func recUniqueKey(key models.RecordKey) string {
	return recUniquePrefix + key.String()
}

// ResolveDimension finds or creates the dimension document. SETNX makes
// concurrent first writes converge on one winner; losers re-read.
func (s *Store) ResolveDimension(ctx context.Context, kind models.DimensionKind, name string) (*models.Dimension, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.ResolveDimension")
	defer span.End()
	defer observe("resolve_dimension", time.Now())

	rdb := s.client.Redis()
	key := dimKey(kind, name)

	if dim, err := s.getDimension(ctx, key); err != nil {
		return nil, err
	} else if dim != nil {
		return dim, nil
	}

	dim := &models.Dimension{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      normalizers.DimensionName(name),
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(dim)
	if err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}

	ok, err := rdb.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to create dimension")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	if !ok {
		// Lost the race; the winner's document is there now.
		existing, err := s.getDimension(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, apperrors.NewStorageUnavailable(errors.New("dimension create raced and lookup found nothing"))
		}
		return existing, nil
	}

	if err := rdb.SAdd(ctx, dimIndex(kind), key).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to index dimension")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind, "name": dim.Name}).Info("Created dimension")
	return dim, nil
}

func (s *Store) getDimension(ctx context.Context, key string) (*models.Dimension, error) {
	raw, err := s.client.Redis().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to get dimension")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	var dim models.Dimension
	if err := json.Unmarshal(raw, &dim); err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return &dim, nil
}

func (s *Store) ListDimensions(ctx context.Context, kind models.DimensionKind) ([]models.Dimension, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.ListDimensions")
	defer span.End()
	defer observe("list_dimensions", time.Now())

	rdb := s.client.Redis()
	keys, err := rdb.SMembers(ctx, dimIndex(kind)).Result()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}
	if len(keys) == 0 {
		return []models.Dimension{}, nil
	}

	raws, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}

	dims := make([]models.Dimension, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var dim models.Dimension
		if err := json.Unmarshal([]byte(str), &dim); err != nil {
			return nil, apperrors.NewStorageUnavailable(err)
		}
		dims = append(dims, dim)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i].Name < dims[j].Name })
	return dims, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.GetRecord")
	defer span.End()
	defer observe("get_record", time.Now())

	return s.getRecord(ctx, s.client.Redis(), id)
}

func (s *Store) getRecord(ctx context.Context, cmd redis.Cmdable, id string) (*models.ObservationRecord, error) {
	raw, err := cmd.Get(ctx, recKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to get record")
		return nil, apperrors.NewStorageUnavailable(err)
	}
	var rec models.ObservationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return &rec, nil
}

func (s *Store) GetLatestRecord(ctx context.Context) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.GetLatestRecord")
	defer span.End()
	defer observe("get_latest_record", time.Now())

	ids, err := s.client.Redis().ZRevRange(ctx, recIndexKey, 0, 0).Result()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.getRecord(ctx, s.client.Redis(), ids[0])
}

func (s *Store) FindRecordByKey(ctx context.Context, key models.RecordKey) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.FindRecordByKey")
	defer span.End()
	defer observe("find_record_by_key", time.Now())

	id, err := s.client.Redis().Get(ctx, recUniqueKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageUnavailable(err)
	}
	return s.getRecord(ctx, s.client.Redis(), id)
}

// ListRecords loads the index newest-first and filters in memory. The
// document backend has no secondary indexes on names or year.
func (s *Store) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.ObservationRecord, int, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.ListRecords")
	defer span.End()
	defer observe("list_records", time.Now())

	rdb := s.client.Redis()
	ids, err := rdb.ZRevRange(ctx, recIndexKey, 0, -1).Result()
	if err != nil {
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}
	if len(ids) == 0 {
		return []models.ObservationRecord{}, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recKey(id)
	}
	raws, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}

	matched := make([]models.ObservationRecord, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var rec models.ObservationRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, 0, apperrors.NewStorageUnavailable(err)
		}
		if filter.State != "" && !strings.Contains(strings.ToLower(rec.StateName), strings.ToLower(filter.State)) {
			continue
		}
		if filter.Crop != "" && !strings.Contains(strings.ToLower(rec.CropName), strings.ToLower(filter.Crop)) {
			continue
		}
		if filter.Year != 0 && rec.Year != filter.Year {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// CreateRecord reserves the unique key with SETNX, then writes the record
// document, its index entry, and the audit entry in one MULTI/EXEC. The
// reservation is released if the document write fails.
func (s *Store) CreateRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.CreateRecord")
	defer span.End()
	defer observe("create_record", time.Now())

	rdb := s.client.Redis()
	reservation := recUniqueKey(record.Key())

	ok, err := rdb.SetNX(ctx, reservation, record.ID, 0).Result()
	if err != nil {
		return apperrors.NewStorageUnavailable(err)
	}
	if !ok {
		existingID, err := rdb.Get(ctx, reservation).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return apperrors.NewStorageUnavailable(err)
		}
		return apperrors.NewConflict(existingID)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		rdb.Del(ctx, reservation)
		return apperrors.NewStorageUnavailable(err)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recKey(record.ID), payload, 0)
		pipe.ZAdd(ctx, recIndexKey, redis.Z{Score: float64(record.CreatedAt.UnixNano()), Member: record.ID})
		return s.appendAudit(ctx, pipe, entry)
	})
	if err != nil {
		// Compensate so the tuple is not locked by a phantom record.
		rdb.Del(ctx, reservation)
		s.logger.WithContext(ctx).WithError(err).Error("Failed to write record")
		return apperrors.NewStorageUnavailable(err)
	}
	return nil
}

// ReplaceRecord overwrites the document under WATCH so a concurrent writer
// invalidates the transaction. Retries a few times, then reports the write
// as stale.
func (s *Store) ReplaceRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.ReplaceRecord")
	defer span.End()
	defer observe("replace_record", time.Now())

	rdb := s.client.Redis()

	var outErr error
	txn := func(tx *redis.Tx) error {
		current, err := s.getRecord(ctx, tx, record.ID)
		if err != nil {
			return err
		}
		if current == nil {
			outErr = apperrors.NewNotFound("record", record.ID)
			return nil
		}
		if current.Version != record.Version-1 {
			outErr = apperrors.NewStaleWrite(record.ID)
			return nil
		}

		oldReservation := recUniqueKey(current.Key())
		newReservation := recUniqueKey(record.Key())
		if newReservation != oldReservation {
			ok, err := rdb.SetNX(ctx, newReservation, record.ID, 0).Result()
			if err != nil {
				return err
			}
			if !ok {
				existingID, _ := rdb.Get(ctx, newReservation).Result()
				outErr = apperrors.NewConflict(existingID)
				return nil
			}
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey(record.ID), payload, 0)
			if newReservation != oldReservation {
				pipe.Del(ctx, oldReservation)
			}
			return s.appendAudit(ctx, pipe, entry)
		})
		if err != nil && newReservation != oldReservation {
			rdb.Del(ctx, newReservation)
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := rdb.Watch(ctx, txn, recKey(record.ID))
		if errors.Is(err, redis.TxFailedErr) {
			outErr = nil
			continue
		}
		if err != nil {
			if _, ok := apperrors.AsDomainError(err); ok {
				return err
			}
			s.logger.WithContext(ctx).WithError(err).Error("Failed to replace record")
			return apperrors.NewStorageUnavailable(err)
		}
		return outErr
	}
	return apperrors.NewStaleWrite(record.ID)
}

func (s *Store) DeleteRecord(ctx context.Context, id string, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.DeleteRecord")
	defer span.End()
	defer observe("delete_record", time.Now())

	rdb := s.client.Redis()

	var outErr error
	txn := func(tx *redis.Tx) error {
		current, err := s.getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			outErr = apperrors.NewNotFound("record", id)
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recKey(id))
			pipe.Del(ctx, recUniqueKey(current.Key()))
			pipe.ZRem(ctx, recIndexKey, id)
			return s.appendAudit(ctx, pipe, entry)
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := rdb.Watch(ctx, txn, recKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			outErr = nil
			continue
		}
		if err != nil {
			if _, ok := apperrors.AsDomainError(err); ok {
				return err
			}
			s.logger.WithContext(ctx).WithError(err).Error("Failed to delete record")
			return apperrors.NewStorageUnavailable(err)
		}
		return outErr
	}
	return apperrors.NewStaleWrite(id)
}

// appendAudit queues the audit document and its index entries on the
// pipeline. Entries get time-ordered UUIDv7 ids so the global index sorts
// the same as insertion order.
func (s *Store) appendAudit(ctx context.Context, pipe redis.Pipeliner, entry *models.AuditEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	entry.ID = id.String()

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	score := float64(entry.ChangedAt.UnixNano())
	pipe.Set(ctx, auditKeyPrefix+entry.ID, payload, 0)
	pipe.ZAdd(ctx, auditIndexKey, redis.Z{Score: score, Member: entry.ID})
	pipe.ZAdd(ctx, auditSubjPrefix+entry.SubjectID, redis.Z{Score: score, Member: entry.ID})
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	ctx, span := tracing.StartSpan(ctx, "redisdoc.Store.ListAudit")
	defer span.End()
	defer observe("list_audit", time.Now())

	rdb := s.client.Redis()
	index := auditIndexKey
	if filter.SubjectID != "" {
		index = auditSubjPrefix + filter.SubjectID
	}

	total, err := rdb.ZCard(ctx, index).Result()
	if err != nil {
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}
	if total == 0 {
		return []models.AuditEntry{}, 0, nil
	}

	start := int64(filter.Offset)
	stop := int64(-1)
	if filter.Limit > 0 {
		stop = start + int64(filter.Limit) - 1
	}
	ids, err := rdb.ZRevRange(ctx, index, start, stop).Result()
	if err != nil {
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}
	if len(ids) == 0 {
		return []models.AuditEntry{}, int(total), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = auditKeyPrefix + id
	}
	raws, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, apperrors.NewStorageUnavailable(err)
	}

	entries := make([]models.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var entry models.AuditEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, 0, apperrors.NewStorageUnavailable(err)
		}
		entries = append(entries, entry)
	}
	return entries, int(total), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *Store) Close() error {
	return s.client.Close()
}
