// Package memory is an in-process storage.Store used by tests. It mirrors
// the conflict, not-found, and cancellation semantics of the real backends.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/normalizers"
)

type Store struct {
	mu sync.RWMutex

	dimensions map[models.DimensionKind]map[string]*models.Dimension
	records    map[string]*models.ObservationRecord
	byKey      map[string]string
	audit      []models.AuditEntry
	auditSeq   int64
}

func NewStore() *Store {
	return &Store{
		dimensions: map[models.DimensionKind]map[string]*models.Dimension{
			models.DimensionState:  {},
			models.DimensionCrop:   {},
			models.DimensionSeason: {},
		},
		records: make(map[string]*models.ObservationRecord),
		byKey:   make(map[string]string),
	}
}

func (s *Store) ResolveDimension(ctx context.Context, kind models.DimensionKind, name string) (*models.Dimension, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := normalizers.LookupKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dim, ok := s.dimensions[kind][key]; ok {
		out := *dim
		return &out, nil
	}

	dim := &models.Dimension{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      normalizers.DimensionName(name),
		CreatedAt: time.Now().UTC(),
	}
	s.dimensions[kind][key] = dim
	out := *dim
	return &out, nil
}

func (s *Store) ListDimensions(ctx context.Context, kind models.DimensionKind) ([]models.Dimension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Dimension, 0, len(s.dimensions[kind]))
	for _, dim := range s.dimensions[kind] {
		out = append(out, *dim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*models.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (s *Store) GetLatestRecord(ctx context.Context) (*models.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.ObservationRecord
	for _, rec := range s.records {
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *Store) FindRecordByKey(ctx context.Context, key models.RecordKey) (*models.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key.String()]
	if !ok {
		return nil, nil
	}
	out := *s.records[id]
	return &out, nil
}

func (s *Store) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.ObservationRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.ObservationRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.State != "" && !strings.Contains(strings.ToLower(rec.StateName), strings.ToLower(filter.State)) {
			continue
		}
		if filter.Crop != "" && !strings.Contains(strings.ToLower(rec.CropName), strings.ToLower(filter.Crop)) {
			continue
		}
		if filter.Year != 0 && rec.Year != filter.Year {
			continue
		}
		matched = append(matched, *rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

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

func (s *Store) CreateRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byKey[record.Key().String()]; ok {
		return apperrors.NewConflict(existingID)
	}

	stored := *record
	s.records[stored.ID] = &stored
	s.byKey[stored.Key().String()] = stored.ID
	s.appendAudit(entry)
	return nil
}

func (s *Store) ReplaceRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return apperrors.NewNotFound("record", record.ID)
	}
	if current.Version != record.Version-1 {
		return apperrors.NewStaleWrite(record.ID)
	}
	if existingID, ok := s.byKey[record.Key().String()]; ok && existingID != record.ID {
		return apperrors.NewConflict(existingID)
	}

	delete(s.byKey, current.Key().String())
	stored := *record
	s.records[stored.ID] = &stored
	s.byKey[stored.Key().String()] = stored.ID
	s.appendAudit(entry)
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string, entry *models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return apperrors.NewNotFound("record", id)
	}

	delete(s.byKey, current.Key().String())
	delete(s.records, id)
	s.appendAudit(entry)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		if filter.SubjectID != "" && s.audit[i].SubjectID != filter.SubjectID {
			continue
		}
		matched = append(matched, s.audit[i])
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

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// appendAudit assigns the next sequence id. Callers hold the write lock.
func (s *Store) appendAudit(entry *models.AuditEntry) {
	s.auditSeq++
	entry.ID = strconv.FormatInt(s.auditSeq, 10)
	s.audit = append(s.audit, *entry)
}
