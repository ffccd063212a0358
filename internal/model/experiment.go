package model

import (
	"encoding/json"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentActive    ExperimentStatus = "active"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentArchived  ExperimentStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case ExperimentDraft, ExperimentActive, ExperimentPaused, ExperimentCompleted, ExperimentArchived:
		return true
	}
	return false
}

// Terminal reports whether the status no longer accepts allocations or
// status changes other than archiving.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentCompleted || s == ExperimentArchived
}

// statusTransitions lists the allowed moves out of each status.
var statusTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentDraft:     {ExperimentActive, ExperimentArchived},
	ExperimentActive:    {ExperimentPaused, ExperimentCompleted, ExperimentArchived},
	ExperimentPaused:    {ExperimentActive, ExperimentCompleted, ExperimentArchived},
	ExperimentCompleted: {ExperimentArchived},
}

// CanTransition reports whether an experiment may move from s to next.
// Setting the current status again is always allowed.
func (s ExperimentStatus) CanTransition(next ExperimentStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExperimentType describes what is being optimized.
type ExperimentType string

const (
	ExperimentTypeWeb    ExperimentType = "web"
	ExperimentTypeFunnel ExperimentType = "funnel"
	ExperimentTypeEmail  ExperimentType = "email"
	ExperimentTypeAds    ExperimentType = "ads"
)

// Experiment is a set of competing variants.
type Experiment struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Name      string           `json:"name"`
	Type      ExperimentType   `json:"type"`
	Status    ExperimentStatus `json:"status"`
	Strategy  string           `json:"strategy"`
	Config    map[string]any   `json:"config,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ExperimentFilter narrows ListExperiments.
type ExperimentFilter struct {
	OwnerID string           `json:"owner_id,omitempty"`
	Status  ExperimentStatus `json:"status,omitempty"`
	Limit   int              `json:"limit,omitempty"`
}

// NewVariant is the input for creating a variant.
type NewVariant struct {
	Name    string          `json:"name" yaml:"name" validate:"required,max=255"`
	Content json.RawMessage `json:"content,omitempty" yaml:"-"`
}
