package model

import "time"

// Funnel is an ordered sequence of steps. Each step is backed by an
// experiment whose variants are the options for that step.
type Funnel struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Name      string           `json:"name"`
	Status    ExperimentStatus `json:"status"`
	Steps     []FunnelStep     `json:"steps"`
	Config    map[string]any   `json:"config,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// FunnelStep is one stage of a funnel.
type FunnelStep struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Order        int    `json:"order"`
	ExperimentID string `json:"experiment_id"`
}

// FunnelPath aggregates outcomes for one combination of variants.
type FunnelPath struct {
	ID             string         `json:"id"`
	FunnelID       string         `json:"funnel_id"`
	PathHash       string         `json:"path_hash"`
	Path           []string       `json:"path"`
	Attempts       int64          `json:"attempts"`
	Conversions    int64          `json:"conversions"`
	ConversionRate float64        `json:"conversion_rate"`
	State          map[string]any `json:"-"`
	LastSeen       time.Time      `json:"last_seen"`
}

// FunnelSession tracks one user's traversal of a funnel.
type FunnelSession struct {
	ID          string         `json:"id"`
	FunnelID    string         `json:"funnel_id"`
	UserID      string         `json:"user_id"`
	CurrentStep int            `json:"current_step"`
	Selections  []string       `json:"selections"`
	Context     map[string]any `json:"context,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	LastSeen    time.Time      `json:"last_seen"`
	Completed   bool           `json:"completed"`
}

// CleanupResult reports rows removed by a retention sweep.
type CleanupResult struct {
	PathsDeleted       int64 `json:"paths_deleted"`
	AllocationsDeleted int64 `json:"allocations_deleted"`
}
