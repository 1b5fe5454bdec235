// Package storage defines the persistence contract the write pipeline
// runs against. Backends differ in how they enforce uniqueness and
// atomicity but must present identical semantics to callers.
package storage

import (
	"context"

	"github.com/agroyield/clover/pkg/models"
)

// Store is the backend-neutral persistence adapter. Implementations:
// postgres (relational, transactional) and redisdoc (document-style,
// optimistic). The memory implementation backs tests.
//
// Lookup methods return (nil, nil) when the entity does not exist.
// Write methods persist the record and its audit entry atomically, or
// as close to atomic as the backend permits.
type Store interface {
	// ResolveDimension returns the dimension for the given kind and
	// normalized name, creating it when absent. Creation is
	// idempotent under concurrency.
	ResolveDimension(ctx context.Context, kind models.DimensionKind, name string) (*models.Dimension, error)

	// ListDimensions returns all dimensions of the given kind ordered
	// by name.
	ListDimensions(ctx context.Context, kind models.DimensionKind) ([]models.Dimension, error)

	// GetRecord fetches a record by id.
	GetRecord(ctx context.Context, id string) (*models.ObservationRecord, error)

	// GetLatestRecord returns the most recently created record.
	GetLatestRecord(ctx context.Context) (*models.ObservationRecord, error)

	// FindRecordByKey looks up a record by its unique
	// state/crop/season/year combination.
	FindRecordByKey(ctx context.Context, key models.RecordKey) (*models.ObservationRecord, error)

	// ListRecords returns records matching the filter, newest first.
	ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.ObservationRecord, int, error)

	// CreateRecord persists a new record together with its audit
	// entry. Returns a Conflict error when the unique key is taken.
	CreateRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error

	// ReplaceRecord overwrites an existing record, guarded by the
	// record's version, together with its audit entry. Returns
	// NotFound when the id is absent and StaleWrite when the stored
	// version has moved on.
	ReplaceRecord(ctx context.Context, record *models.ObservationRecord, entry *models.AuditEntry) error

	// DeleteRecord removes a record and writes its audit entry.
	// Returns NotFound when the id is absent.
	DeleteRecord(ctx context.Context, id string, entry *models.AuditEntry) error

	// ListAudit returns audit entries matching the filter, most
	// recent first.
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
