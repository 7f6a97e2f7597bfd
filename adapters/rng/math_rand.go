package rng

import (
	"context"
	"math/rand"
)

// MathRandAdapter implements ports.RNGPort with math/rand sources
type MathRandAdapter struct{}

// NewMathRandAdapter creates a new RNG adapter
func NewMathRandAdapter() *MathRandAdapter {
	return &MathRandAdapter{}
}

// SeededStream creates a deterministic random number generator for a named operation.
// The name is mixed into the seed so distinct operations sharing a base seed draw
// independent streams.
func (a *MathRandAdapter) SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(seed ^ int64(hashString(name)))), nil
}

// hashString creates a simple hash for deterministic seeding
func hashString(s string) uint32 {
	var hash uint32 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint32(c) // djb2 algorithm
	}
	return hash
}
