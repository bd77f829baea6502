// Package intent implements C4: the intent repository, its append-only
// per-intent event ledger, and the closed lifecycle state machine that
// pkg/lifecycle and pkg/escalation drive via Store.UpdateStatus.
package intent

import "time"

// Status is the closed set of lifecycle states from spec.md §3/§4.1.
// Generalizing the teacher's truthy-string escalation/module status
// pattern (e.g. contracts.EscalationStatus) into one reusable, explicitly
// validated transition table — see Graph in statemachine.go — turns the
// state machine into something every caller can check at the boundary
// instead of re-deriving validity ad hoc per call site.
type Status string

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusEscalated  Status = "escalated"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state: every status with no
// outbound transitions, plus StatusApproved, whose only edge in Graph
// leads to StatusExecuting.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Intent is the primary governed entity (spec.md §3).
type Intent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	EntityID string `json:"entity_id"`

	Goal       string                 `json:"goal"`
	IntentType string                 `json:"intent_type,omitempty"`
	Priority   int                    `json:"priority"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	Status Status `json:"status"`

	TrustSnapshot map[string]interface{} `json:"trust_snapshot,omitempty"`
	TrustLevel    *float64                `json:"trust_level,omitempty"`
	TrustScore    *float64                `json:"trust_score,omitempty"`
	PolicyVersion *int                    `json:"policy_version,omitempty"`

	DedupeHash     string `json:"dedupe_hash"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	CancellationReason string `json:"cancellation_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// SubmitRequest is the caller-supplied payload for Submit (spec.md §4.1).
type SubmitRequest struct {
	EntityID       string
	Goal           string
	IntentType     string
	Priority       int
	Context        map[string]interface{}
	Metadata       map[string]interface{}
	IdempotencyKey string
}

// MaxGoalLen and MaxContextBytes are the boundary constants from
// spec.md §8 ("goal of 1024 chars accepted; 1025 rejected", "context at
// exactly 64 KiB accepted; above rejected").
const (
	MaxGoalLen      = 1024
	MaxContextBytes = 64 * 1024
	MinPriority     = 0
	MaxPriority     = 9
)

// Event is a single append-only ledger entry for one intent (spec.md §3
// "Intent Event").
type Event struct {
	ID             string                 `json:"id"`
	IntentID       string                 `json:"intent_id"`
	TenantID       string                 `json:"tenant_id"`
	EventType      string                 `json:"event_type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	SequenceNumber uint64                 `json:"sequence_number"`
	PreviousHash   string                 `json:"previous_hash"`
	EventHash      string                 `json:"event_hash"`
	CreatedAt      time.Time              `json:"created_at"`
}

// EvaluationStage enumerates the decision-trace stages (spec.md §3
// "Intent Evaluation").
type EvaluationStage string

const (
	StageTrustSnapshot EvaluationStage = "trust-snapshot"
	StageTrustGate     EvaluationStage = "trust-gate"
	StageBasis         EvaluationStage = "basis"
	StagePolicy        EvaluationStage = "policy"
	StageDecision      EvaluationStage = "decision"
	StageError         EvaluationStage = "error"
	StageCancelled     EvaluationStage = "cancelled"
)

// Evaluation is one append-only decision-stage trace row.
type Evaluation struct {
	ID            string                 `json:"id"`
	IntentID      string                 `json:"intent_id"`
	TenantID      string                 `json:"tenant_id"`
	Stage         EvaluationStage        `json:"stage"`
	Result        map[string]interface{} `json:"result,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
	PolicyID      string                 `json:"policy_id,omitempty"`
	PolicyVersion *int                   `json:"policy_version,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Cursor is an opaque keyset-pagination token over (created_at desc, id desc).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ListFilter restricts List (spec.md §4.1).
type ListFilter struct {
	TenantID   string
	Status     Status
	IntentType string
	EntityID   string
	Cursor     *Cursor
	Limit      int
}
