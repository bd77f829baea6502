// Package queue implements C5: the intake/evaluate/decision worker
// pipeline that drives an intent from submission through policy
// evaluation to a terminal decision (spec.md §4.3). Jobs move through
// three Redis-backed logical queues; a job that exhausts its retry
// budget is moved to a Postgres-backed dead letter queue rather than
// dropped, so failure is always inspectable and replayable.
package queue

import "time"

// Stage identifies which worker pool a job belongs to.
type Stage string

const (
	StageIntake   Stage = "intake"
	StageEvaluate Stage = "evaluate"
	StageDecision Stage = "decision"
)

// Job is the unit of work passed between stages. Only IDs travel on the
// wire — workers re-fetch the intent from pkg/intent.Store before acting
// on it, so a job payload can never go stale relative to the row it
// names (spec.md §4.3: "queue messages carry identifiers, never a
// snapshot of mutable state").
type Job struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	TenantID  string    `json:"tenant_id"`
	IntentID  string    `json:"intent_id"`
	Attempt   int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is one permanently-failed job, preserved for inspection and
// manual or scheduled replay (spec.md §4.3 "retryDeadLetterJob").
type DeadLetter struct {
	ID        string
	Stage     Stage
	TenantID  string
	IntentID  string
	Payload   map[string]interface{}
	LastError string
	Attempts  int
	CreatedAt time.Time
}
