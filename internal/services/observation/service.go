// Package observation is the write coordinator. It owns the pipeline for
// every mutation: resolve dimensions, validate, pre-check the unique key,
// then hand the record and its audit entry to storage as one atomic unit.
package observation

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/agroyield/clover/internal/repositories/dimension"
	"github.com/agroyield/clover/internal/storage"
	appcontext "github.com/agroyield/clover/pkg/context"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/events"
	"github.com/agroyield/clover/pkg/metrics"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/normalizers"
	"github.com/agroyield/clover/pkg/tracing"
	"github.com/agroyield/clover/pkg/validation"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type Service struct {
	store      storage.Store
	dimensions *dimension.Repository
	emitter    *events.Emitter
	logger     ectologger.Logger
	timeout    time.Duration
}

func NewService(store storage.Store, dimensions *dimension.Repository, emitter *events.Emitter, logger ectologger.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		store:      store,
		dimensions: dimensions,
		emitter:    emitter,
		logger:     logger,
		timeout:    timeout,
	}
}

// Create runs the full write pipeline for a new observation. Validation
// rejects leave no trace in storage, not even newly resolved dimensions.
func (s *Service) Create(ctx context.Context, input models.ObservationInput) (*models.RecordResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.Create")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "Create",
		"state":  input.StateName,
		"crop":   input.CropName,
		"season": input.SeasonName,
		"year":   input.Year,
	})

	warnings, err := s.validate(input)
	if err != nil {
		s.countWrite(models.AuditCreate, "rejected")
		return nil, err
	}

	rec, err := s.buildRecord(ctx, input)
	if err != nil {
		s.countWrite(models.AuditCreate, "rejected")
		return nil, err
	}
	rec.ID = uuid.NewString()
	rec.Version = 1
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if existing, err := s.store.FindRecordByKey(ctx, rec.Key()); err != nil {
		s.countWrite(models.AuditCreate, "error")
		return nil, err
	} else if existing != nil {
		metrics.ConflictsTotal.WithLabelValues(string(models.AuditCreate)).Inc()
		s.countWrite(models.AuditCreate, "conflict")
		return nil, apperrors.NewConflict(existing.ID)
	}

	entry := models.NewAuditEntry(models.AuditCreate, rec.ID, nil, rec, s.actor(ctx))
	if err := s.store.CreateRecord(ctx, rec, entry); err != nil {
		if apperrors.IsConflict(err) {
			metrics.ConflictsTotal.WithLabelValues(string(models.AuditCreate)).Inc()
			s.countWrite(models.AuditCreate, "conflict")
		} else {
			log.WithError(err).Error("Failed to create record")
			s.countWrite(models.AuditCreate, "error")
		}
		return nil, err
	}

	s.countWrite(models.AuditCreate, "success")
	s.emitter.EmitAuditEntry(ctx, entry)
	log.WithFields(map[string]any{"id": rec.ID}).Info("Created record")

	return &models.RecordResponse{Record: *rec, Warnings: warnings}, nil
}

// Update replaces an existing observation in full. The stored version
// guards against concurrent writers.
func (s *Service) Update(ctx context.Context, id string, input models.ObservationInput) (*models.RecordResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.Update")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "Update",
		"id":     id,
	})

	existing, err := s.store.GetRecord(ctx, id)
	if err != nil {
		s.countWrite(models.AuditUpdate, "error")
		return nil, err
	}
	if existing == nil {
		s.countWrite(models.AuditUpdate, "not_found")
		return nil, apperrors.NewNotFound("record", id)
	}

	warnings, err := s.validate(input)
	if err != nil {
		s.countWrite(models.AuditUpdate, "rejected")
		return nil, err
	}

	rec, err := s.buildRecord(ctx, input)
	if err != nil {
		s.countWrite(models.AuditUpdate, "rejected")
		return nil, err
	}
	rec.ID = existing.ID
	rec.Version = existing.Version + 1
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	if rec.Key() != existing.Key() {
		if other, err := s.store.FindRecordByKey(ctx, rec.Key()); err != nil {
			s.countWrite(models.AuditUpdate, "error")
			return nil, err
		} else if other != nil && other.ID != rec.ID {
			metrics.ConflictsTotal.WithLabelValues(string(models.AuditUpdate)).Inc()
			s.countWrite(models.AuditUpdate, "conflict")
			return nil, apperrors.NewConflict(other.ID)
		}
	}

	entry := models.NewAuditEntry(models.AuditUpdate, rec.ID, existing, rec, s.actor(ctx))
	if err := s.store.ReplaceRecord(ctx, rec, entry); err != nil {
		if apperrors.IsConflict(err) {
			metrics.ConflictsTotal.WithLabelValues(string(models.AuditUpdate)).Inc()
			s.countWrite(models.AuditUpdate, "conflict")
		} else if apperrors.IsNotFound(err) {
			s.countWrite(models.AuditUpdate, "not_found")
		} else {
			log.WithError(err).Error("Failed to update record")
			s.countWrite(models.AuditUpdate, "error")
		}
		return nil, err
	}

	s.countWrite(models.AuditUpdate, "success")
	s.emitter.EmitAuditEntry(ctx, entry)
	log.Info("Updated record")

	return &models.RecordResponse{Record: *rec, Warnings: warnings}, nil
}

// Delete removes the record and appends a delete audit entry carrying the
// final snapshot.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.Delete")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	existing, err := s.store.GetRecord(ctx, id)
	if err != nil {
		s.countWrite(models.AuditDelete, "error")
		return err
	}
	if existing == nil {
		s.countWrite(models.AuditDelete, "not_found")
		return apperrors.NewNotFound("record", id)
	}

	entry := models.NewAuditEntry(models.AuditDelete, id, existing, nil, s.actor(ctx))
	if err := s.store.DeleteRecord(ctx, id, entry); err != nil {
		if apperrors.IsNotFound(err) {
			s.countWrite(models.AuditDelete, "not_found")
		} else {
			s.logger.WithContext(ctx).WithError(err).Error("Failed to delete record")
			s.countWrite(models.AuditDelete, "error")
		}
		return err
	}

	s.countWrite(models.AuditDelete, "success")
	s.emitter.EmitAuditEntry(ctx, entry)
	s.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Deleted record")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.Get")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("record", id)
	}
	return rec, nil
}

func (s *Service) GetLatest(ctx context.Context) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.GetLatest")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.GetLatestRecord(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NewNotFound("record", "latest")
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, filter models.RecordFilter) (*models.RecordListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.List")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	recs, total, err := s.store.ListRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &models.RecordListResponse{
		Items:  recs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func (s *Service) ListAudit(ctx context.Context, filter models.AuditFilter) (*models.AuditListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Service.ListAudit")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	entries, total, err := s.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &models.AuditListResponse{Items: entries, Total: total}, nil
}

// validate runs the hard checks, including the name checks the resolver
// would also enforce. Checking names up front means a bad season name
// cannot leave a freshly created state dimension behind.
func (s *Service) validate(input models.ObservationInput) ([]models.Warning, error) {
	names := []struct {
		field string
		value string
	}{
		{"state_name", input.StateName},
		{"crop_name", input.CropName},
		{"season_name", input.SeasonName},
	}
	for _, n := range names {
		if normalizers.Trim(n.value) == "" {
			metrics.ValidationRejections.WithLabelValues(n.field).Inc()
			return nil, apperrors.NewOutOfRange(n.field, "must not be empty")
		}
	}

	warnings, err := validation.ValidateRecord(input)
	if err != nil {
		if de, ok := apperrors.AsDomainError(err); ok && de.Field != "" {
			metrics.ValidationRejections.WithLabelValues(de.Field).Inc()
		}
		return nil, err
	}
	if len(warnings) > 0 {
		metrics.DerivedValueWarnings.Inc()
	}
	return warnings, nil
}

// buildRecord resolves the three dimensions and denormalizes the canonical
// names onto the record. Ids and timestamps are the caller's job.
func (s *Service) buildRecord(ctx context.Context, input models.ObservationInput) (*models.ObservationRecord, error) {
	state, err := s.dimensions.Resolve(ctx, models.DimensionState, input.StateName)
	if err != nil {
		return nil, err
	}
	crop, err := s.dimensions.Resolve(ctx, models.DimensionCrop, input.CropName)
	if err != nil {
		return nil, err
	}
	season, err := s.dimensions.Resolve(ctx, models.DimensionSeason, input.SeasonName)
	if err != nil {
		return nil, err
	}

	return &models.ObservationRecord{
		StateID:        state.ID,
		CropID:         crop.ID,
		SeasonID:       season.ID,
		StateName:      state.Name,
		CropName:       crop.Name,
		SeasonName:     season.Name,
		Year:           input.Year,
		Area:           input.Area,
		Production:     input.Production,
		AnnualRainfall: input.AnnualRainfall,
		Fertilizer:     input.Fertilizer,
		Pesticide:      input.Pesticide,
		Yield:          input.Yield,
	}, nil
}

func (s *Service) actor(ctx context.Context) string {
	return appcontext.GetUserID(ctx)
}

func (s *Service) countWrite(op models.AuditOperation, status string) {
	metrics.WritesTotal.WithLabelValues(string(op), status).Inc()
}
