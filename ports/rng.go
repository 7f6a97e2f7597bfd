package ports

import (
	"context"
	"math/rand"
)

// RNGPort hands out reproducible random streams. The same name and seed always yield
// the same sequence, so a permutation run can be replayed from its base seed.
type RNGPort interface {
	SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error)
}
