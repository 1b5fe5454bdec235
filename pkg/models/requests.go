package models

// CreateRecordRequest is the request body for creating an observation.
type CreateRecordRequest struct {
	ObservationInput
}

// UpdateRecordRequest replaces an observation in full. There are no partial
// patch semantics; every field is required, same as create.
type UpdateRecordRequest struct {
	ObservationInput
}

// Warning is a soft-constraint violation attached to a successful result.
type Warning struct {
	Code     string  `json:"code"`
	Field    string  `json:"field"`
	Message  string  `json:"message"`
	Expected float64 `json:"expected,omitempty"`
	Actual   float64 `json:"actual,omitempty"`
}

// RecordResponse is the response for single-record operations. Warnings are
// present when a soft constraint was violated but the write still went
// through.
type RecordResponse struct {
	Record   ObservationRecord `json:"record"`
	Warnings []Warning         `json:"warnings,omitempty"`
}

// RecordListResponse is the response for record listings.
type RecordListResponse struct {
	Items  []ObservationRecord `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}
