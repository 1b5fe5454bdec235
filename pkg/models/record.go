package models

import (
	"fmt"
	"time"
)

// ObservationInput is the flat record shape accepted by the write pipeline.
// Dimension references arrive as human-readable names; the pipeline resolves
// them to ids, creating dimensions on first use.
type ObservationInput struct {
	StateName      string  `json:"state_name" validate:"required"`
	CropName       string  `json:"crop_name" validate:"required"`
	SeasonName     string  `json:"season_name" validate:"required"`
	Year           int     `json:"year"`
	Area           float64 `json:"area"`
	Production     float64 `json:"production"`
	AnnualRainfall float64 `json:"annual_rainfall"`
	Fertilizer     float64 `json:"fertilizer"`
	Pesticide      float64 `json:"pesticide"`
	Yield          float64 `json:"yield"`
}

// ObservationRecord is a persisted crop-yield observation. The dimension
// names are carried alongside the ids so snapshots are self-contained.
type ObservationRecord struct {
	ID             string    `json:"id" db:"id"`
	StateID        string    `json:"state_id" db:"state_id"`
	CropID         string    `json:"crop_id" db:"crop_id"`
	SeasonID       string    `json:"season_id" db:"season_id"`
	StateName      string    `json:"state_name" db:"state_name"`
	CropName       string    `json:"crop_name" db:"crop_name"`
	SeasonName     string    `json:"season_name" db:"season_name"`
	Year           int       `json:"year" db:"year"`
	Area           float64   `json:"area" db:"area"`
	Production     float64   `json:"production" db:"production"`
	AnnualRainfall float64   `json:"annual_rainfall" db:"annual_rainfall"`
	Fertilizer     float64   `json:"fertilizer" db:"fertilizer"`
	Pesticide      float64   `json:"pesticide" db:"pesticide"`
	Yield          float64   `json:"yield" db:"yield"`
	Version        int       `json:"version" db:"version"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the record's unique-key tuple.
func (r *ObservationRecord) Key() RecordKey {
	return RecordKey{
		StateID:  r.StateID,
		CropID:   r.CropID,
		SeasonID: r.SeasonID,
		Year:     r.Year,
	}
}

// RecordKey is the (state, crop, season, year) tuple that must be unique
// across all observation records.
type RecordKey struct {
	StateID  string
	CropID   string
	SeasonID string
	Year     int
}

// String renders the tuple as a stable key, usable as a storage key.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.StateID, k.CropID, k.SeasonID, k.Year)
}

// RecordFilter bounds and filters record listings. Name filters are
// case-insensitive substring matches; Year is exact.
type RecordFilter struct {
	State  string
	Crop   string
	Year   int
	Limit  int
	Offset int
}
