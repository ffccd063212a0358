package model

import (
	"encoding/json"
	"time"
)

// Variant is the public view of a variant. It never carries strategy state
// and is the only form that crosses the service boundary.
type Variant struct {
	ID                     string          `json:"id"`
	ExperimentID           string          `json:"experiment_id"`
	Name                   string          `json:"name"`
	Content                json.RawMessage `json:"content,omitempty"`
	IsActive               bool            `json:"is_active"`
	TotalAllocations       int64           `json:"total_allocations"`
	TotalConversions       int64           `json:"total_conversions"`
	ObservedConversionRate float64         `json:"observed_conversion_rate"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// OptimizationVariant is a variant together with its decrypted strategy
// state. It is produced only for the engine and must not be serialized to
// clients.
type OptimizationVariant struct {
	Variant
	State        map[string]any `json:"-"`
	StateVersion int64          `json:"-"`
}

// ConversionRate computes conversions / max(allocations, 1).
func ConversionRate(conversions, allocations int64) float64 {
	if allocations < 1 {
		allocations = 1
	}
	return float64(conversions) / float64(allocations)
}
