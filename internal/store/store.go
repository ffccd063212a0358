// Package store persists experiments, variants, allocations, funnels and
// funnel paths. Strategy state and path payloads are sealed with the state
// codec before they reach the database; only the optimization loaders
// return decrypted state.
package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/variant-optimizer/internal/model"
)

//go:embed migrations
var migrationFS embed.FS

// ExperimentStore manages experiments.
type ExperimentStore interface {
	// CreateExperiment inserts exp and its variants in one transaction.
	// Every variant starts with initialState at state_version 1.
	CreateExperiment(ctx context.Context, exp *model.Experiment, variants []model.NewVariant, initialState map[string]any) ([]model.Variant, error)
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	SetExperimentStatus(ctx context.Context, id, ownerID string, status model.ExperimentStatus) error
	ListExperiments(ctx context.Context, filter model.ExperimentFilter) ([]model.Experiment, error)
}

// VariantStore manages variants and their sealed strategy state.
type VariantStore interface {
	CreateVariant(ctx context.Context, experimentID string, v model.NewVariant, initialState map[string]any) (string, error)
	// LoadForOptimization returns the active variants of an experiment with
	// decrypted state, in creation order.
	LoadForOptimization(ctx context.Context, experimentID string) ([]model.OptimizationVariant, error)
	LoadVariantForOptimization(ctx context.Context, variantID string) (*model.OptimizationVariant, error)
	LoadPublic(ctx context.Context, variantID string) (*model.Variant, error)
	ListPublic(ctx context.Context, experimentID string) ([]model.Variant, error)
	UpdateState(ctx context.Context, variantID string, state map[string]any) error
	IncrementAllocation(ctx context.Context, variantID string) error
	IncrementConversion(ctx context.Context, variantID string) error
}

// AllocationStore manages subject allocations.
type AllocationStore interface {
	// GetAllocation returns nil, nil when the subject has no allocation.
	GetAllocation(ctx context.Context, experimentID, userIdentifier string) (*model.Allocation, error)
	// CreateAllocation fails with Conflict when another writer already
	// holds the (experiment, subject) slot.
	CreateAllocation(ctx context.Context, a model.NewAllocation) (*model.Allocation, error)
	// RecordConversion marks an unconverted allocation and reports whether
	// the row changed.
	RecordConversion(ctx context.Context, allocationID string, value float64, metadata map[string]any) (bool, error)
}

// PathStore manages funnel path aggregates.
type PathStore interface {
	GetOrCreatePath(ctx context.Context, funnelID string, path []string) (*model.FunnelPath, error)
	// FindPaths returns the stored rows matching any of paths without
	// creating missing ones.
	FindPaths(ctx context.Context, funnelID string, paths [][]string) ([]model.FunnelPath, error)
	UpdatePath(ctx context.Context, pathID string, converted bool, state map[string]any) error
	TopPerformingPaths(ctx context.Context, funnelID string, minSamples int64, limit int) ([]model.FunnelPath, error)
	ListPaths(ctx context.Context, funnelID string) ([]model.FunnelPath, error)
}

// FunnelStore manages funnel definitions.
type FunnelStore interface {
	CreateFunnel(ctx context.Context, f *model.Funnel) error
	GetFunnel(ctx context.Context, id string) (*model.Funnel, error)
}

// Store is the full persistence surface.
type Store interface {
	ExperimentStore
	VariantStore
	AllocationStore
	PathStore
	FunnelStore

	// CleanupOldData deletes paths not seen since olderThan and allocations
	// of archived experiments made before it.
	CleanupOldData(ctx context.Context, olderThan time.Time) (model.CleanupResult, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// PathHash keys a path by its sorted variant ids.
func PathHash(path []string) string {
	sorted := append([]string(nil), path...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

func defaultLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}
