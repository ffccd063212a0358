package model

import "time"

// Allocation records that a subject was shown a variant.
type Allocation struct {
	ID              string         `json:"id"`
	ExperimentID    string         `json:"experiment_id"`
	VariantID       string         `json:"variant_id"`
	UserIdentifier  string         `json:"user_identifier"`
	SessionID       string         `json:"session_id,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	AllocatedAt     time.Time      `json:"allocated_at"`
	ConvertedAt     *time.Time     `json:"converted_at,omitempty"`
	ConversionValue float64        `json:"conversion_value"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Converted reports whether a conversion has been recorded.
func (a *Allocation) Converted() bool {
	return a.ConvertedAt != nil
}

// NewAllocation is the input for AllocationStore.CreateAllocation.
type NewAllocation struct {
	ExperimentID   string
	VariantID      string
	UserIdentifier string
	SessionID      string
	Context        map[string]any
}
