package ports

import (
	"context"

	"funnelpower/domain/experiment"
)

// RunStore persists the cached permutation run. There is a single entry per store;
// Save overwrites it.
type RunStore interface {
	// Load returns the stored run. A missing entry is a NOT_FOUND error; an entry that
	// cannot be decoded is a SCHEMA_ERROR.
	Load(ctx context.Context) (experiment.PermutationRun, error)
	Save(ctx context.Context, run experiment.PermutationRun) error
	// Delete removes the entry; deleting a missing entry is not an error.
	Delete(ctx context.Context) error
}

// ProgressSource supplies the user-progress table of an experiment
type ProgressSource interface {
	LoadProgress(ctx context.Context) (*experiment.ProgressTable, error)
}
