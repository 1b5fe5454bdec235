package models

import "time"

// DimensionKind identifies one of the three lookup categories an
// observation references by name.
type DimensionKind string

const (
	DimensionState  DimensionKind = "state"
	DimensionCrop   DimensionKind = "crop"
	DimensionSeason DimensionKind = "season"
)

// IsValid reports whether the kind is one of the three known dimensions.
func (k DimensionKind) IsValid() bool {
	switch k {
	case DimensionState, DimensionCrop, DimensionSeason:
		return true
	}
	return false
}

// Dimension is a lazily-created lookup entity. Dimensions are never updated
// or deleted; live records reference them by id.
type Dimension struct {
	ID        string        `json:"id" db:"id"`
	Kind      DimensionKind `json:"kind" db:"kind"`
	Name      string        `json:"name" db:"name"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// DimensionListResponse is the response for listing dimensions of a kind.
type DimensionListResponse struct {
	Kind  DimensionKind `json:"kind"`
	Items []Dimension   `json:"items"`
}
