package models

import "time"

// AuditOperation is the mutation type recorded by an audit entry.
type AuditOperation string

const (
	AuditCreate AuditOperation = "create"
	AuditUpdate AuditOperation = "update"
	AuditDelete AuditOperation = "delete"
)

// AuditEntityName is the only entity the audit trail currently covers.
const AuditEntityName = "ObservationRecord"

// SystemActor is recorded when the caller is unauthenticated.
const SystemActor = "system"

// AuditEntry is an immutable before/after record of an accepted mutation.
// Entries are appended in the same atomic unit as the mutation and are never
// updated or deleted.
type AuditEntry struct {
	ID         string             `json:"id" db:"id"`
	EntityName string             `json:"entity_name" db:"entity_name"`
	Operation  AuditOperation     `json:"operation" db:"operation"`
	SubjectID  string             `json:"subject_id" db:"subject_id"`
	Before     *ObservationRecord `json:"before,omitempty" db:"before"`
	After      *ObservationRecord `json:"after,omitempty" db:"after"`
	ChangedAt  time.Time          `json:"changed_at" db:"changed_at"`
	Actor      string             `json:"actor" db:"actor"`
}

// NewAuditEntry builds an entry for an accepted mutation. Before is nil for
// creates, After is nil for deletes. The storage adapter assigns the id.
func NewAuditEntry(op AuditOperation, subjectID string, before, after *ObservationRecord, actor string) *AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	return &AuditEntry{
		EntityName: AuditEntityName,
		Operation:  op,
		SubjectID:  subjectID,
		Before:     before,
		After:      after,
		ChangedAt:  time.Now().UTC(),
		Actor:      actor,
	}
}

// AuditFilter bounds audit listings. Entries are always returned ordered by
// changed_at descending.
type AuditFilter struct {
	SubjectID string
	Limit     int
	Offset    int
}

// AuditListResponse is the response for the audit read path.
type AuditListResponse struct {
	Items []AuditEntry `json:"items"`
	Total int          `json:"total"`
}
