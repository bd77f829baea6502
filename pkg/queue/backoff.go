package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// ComputeBackoff returns the exponential retry delay for attempt
// (1-indexed), doubling from base and capped at max, consistent with the
// worker's documented retry policy (spec.md §4.3: "exponential backoff
// with jitter, capped at a configurable maximum").
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * mult)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// ComputeDeterministicJitter derives a reproducible jitter fraction in
// [0, 1) from seed and attempt, using SHA-256 rather than math/rand so
// the same (seed, attempt) pair always produces the same delay —
// necessary for the property tests in backoff_property_test.go, and
// useful in production for replay-identical retry timing across workers
// processing the same job id.
func ComputeDeterministicJitter(seed string, attempt int) float64 {
	h := sha256.New()
	h.Write([]byte(seed))
	var attemptBytes [8]byte
	binary.BigEndian.PutUint64(attemptBytes[:], uint64(attempt))
	h.Write(attemptBytes[:])
	sum := h.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(math.MaxUint64)
}

// ComputeBackoffWithJitter applies full jitter (AWS-style: a uniform
// random delay between 0 and the exponential cap) to avoid synchronized
// retry storms across tenants, using the deterministic jitter source so
// a given job id retries on a reproducible schedule.
func ComputeBackoffWithJitter(jobID string, attempt int, base, max time.Duration) time.Duration {
	cap := ComputeBackoff(attempt, base, max)
	jitter := ComputeDeterministicJitter(jobID, attempt)
	return time.Duration(float64(cap) * jitter)
}
