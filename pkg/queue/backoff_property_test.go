//go:build property

package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ComputeBackoff is a pure function of (attempt, base, max)", prop.ForAll(
		func(attempt int, baseMS, maxMS int64) bool {
			base := time.Duration(baseMS) * time.Millisecond
			max := time.Duration(maxMS) * time.Millisecond
			a := ComputeBackoff(attempt, base, max)
			b := ComputeBackoff(attempt, base, max)
			return a == b
		},
		gen.IntRange(1, 20),
		gen.Int64Range(1, 60000),
		gen.Int64Range(1, 600000),
	))

	properties.TestingRun(t)
}

func TestBackoffMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ComputeBackoff never decreases as attempt increases, until the cap", prop.ForAll(
		func(attempt int, baseMS, maxMS int64) bool {
			base := time.Duration(baseMS) * time.Millisecond
			max := time.Duration(maxMS) * time.Millisecond
			prev := ComputeBackoff(attempt, base, max)
			next := ComputeBackoff(attempt+1, base, max)
			return next >= prev
		},
		gen.IntRange(1, 19),
		gen.Int64Range(1, 60000),
		gen.Int64Range(1, 600000),
	))

	properties.TestingRun(t)
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ComputeBackoff never exceeds max", prop.ForAll(
		func(attempt int, baseMS, maxMS int64) bool {
			base := time.Duration(baseMS) * time.Millisecond
			max := time.Duration(maxMS) * time.Millisecond
			return ComputeBackoff(attempt, base, max) <= max
		},
		gen.IntRange(1, 50),
		gen.Int64Range(1, 60000),
		gen.Int64Range(1, 600000),
	))

	properties.TestingRun(t)
}

func TestDeterministicJitterStableAcrossCalls(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ComputeDeterministicJitter is stable for a given (seed, attempt)", prop.ForAll(
		func(seed string, attempt int) bool {
			a := ComputeDeterministicJitter(seed, attempt)
			b := ComputeDeterministicJitter(seed, attempt)
			return a == b && a >= 0 && a < 1
		},
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
