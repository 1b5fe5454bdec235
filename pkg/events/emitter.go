// Package events publishes audit trail events after a mutation commits.
// Emission is best-effort: a failed publish is logged and counted, never
// rolled into the mutation's outcome.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/agroyield/clover/pkg/kafka"
	"github.com/agroyield/clover/pkg/metrics"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

var eventTypes = map[models.AuditOperation]string{
	models.AuditCreate: "observation.created",
	models.AuditUpdate: "observation.updated",
	models.AuditDelete: "observation.deleted",
}

// Emitter publishes audit entries as Kafka events.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitAuditEntry publishes the committed audit entry. A nil emitter or nil
// producer is a no-op so the pipeline runs without Kafka configured.
func (e *Emitter) EmitAuditEntry(ctx context.Context, entry *models.AuditEntry) {
	if e == nil || e.producer == nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitAuditEntry")
	defer span.End()

	payload := map[string]any{
		"schema_version": SchemaVersion,
		"entry":          entry,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to marshal audit event")
		return
	}

	event := &kafka.AuditEvent{
		EventType: eventTypes[entry.Operation],
		SubjectID: entry.SubjectID,
		Actor:     entry.Actor,
		Data:      data,
	}

	if err := e.producer.PublishAuditEvent(ctx, event); err != nil {
		metrics.AuditEventFailures.WithLabelValues(string(entry.Operation)).Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subject_id": entry.SubjectID,
			"operation":  entry.Operation,
		}).Error("Failed to emit audit event")
		return
	}

	metrics.AuditEventsPublished.WithLabelValues(string(entry.Operation)).Inc()
}
