// Package validation holds the pure record validation engine. It has no
// storage dependency so both backends share one set of rules.
package validation

import (
	"fmt"
	"math"

	"github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/models"
)

const (
	// MinYear and MaxYear bound the accepted crop year.
	MinYear = 1990
	MaxYear = 2030

	// YieldTolerance is the allowed relative deviation between the reported
	// yield and production/area before a warning is raised.
	YieldTolerance = 0.05
)

// WarningDerivedValueMismatch is the code attached when the reported yield
// deviates from production/area beyond the tolerance. The mismatch is
// advisory: it never blocks persistence.
const WarningDerivedValueMismatch = "derived_value_mismatch"

// ValidateRecord runs the hard checks fail-fast and returns the advisory
// warnings for a candidate that passes them. Referential validity is the
// dimension resolver's job and is not re-checked here.
func ValidateRecord(input models.ObservationInput) ([]models.Warning, error) {
	if input.Year < MinYear || input.Year > MaxYear {
		return nil, errors.NewOutOfRange("year", fmt.Sprintf("must be between %d and %d", MinYear, MaxYear))
	}

	numericFields := []struct {
		name  string
		value float64
	}{
		{"area", input.Area},
		{"production", input.Production},
		{"annual_rainfall", input.AnnualRainfall},
		{"fertilizer", input.Fertilizer},
		{"pesticide", input.Pesticide},
		{"yield", input.Yield},
	}
	for _, f := range numericFields {
		if f.value < 0 {
			return nil, errors.NewOutOfRange(f.name, "must not be negative")
		}
	}

	var warnings []models.Warning
	if input.Area > 0 {
		expected := input.Production / input.Area
		if expected > 0 && math.Abs(input.Yield-expected)/expected > YieldTolerance {
			warnings = append(warnings, models.Warning{
				Code:     WarningDerivedValueMismatch,
				Field:    "yield",
				Message:  fmt.Sprintf("yield %.6f deviates more than %.0f%% from production/area %.6f", input.Yield, YieldTolerance*100, expected),
				Expected: expected,
				Actual:   input.Yield,
			})
		}
	}

	return warnings, nil
}
