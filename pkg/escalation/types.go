// Package escalation implements the C4 human-in-the-loop escalation
// subsystem (spec.md §4.4): creating an escalation when a policy decision
// is "escalate", resolving it (acknowledge/approve/reject), and sweeping
// timed-out escalations. Creation, approval, rejection and timeout
// auto-deny co-commit against the underlying intent's state machine
// (pkg/intent.Store) and the tenant audit log (pkg/audit); acknowledgement
// and SLA-breach marking touch only the escalation row.
package escalation

import "time"

// Status is the escalation lifecycle (spec.md §3 "Escalation").
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether s has no further resolution possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Escalation is one row of the escalation table (spec.md §3).
type Escalation struct {
	ID              string     `json:"id"`
	IntentID        string     `json:"intent_id"`
	TenantID        string     `json:"tenant_id"`
	Reason          string     `json:"reason"`
	ReasonCategory  string     `json:"reason_category,omitempty"`
	EscalatedTo     string     `json:"escalated_to"`
	Status          Status     `json:"status"`
	TimeoutAt       time.Time  `json:"timeout_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	SLABreached     bool       `json:"sla_breached"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateRequest is the input to Create (spec.md §4.4).
type CreateRequest struct {
	IntentID             string
	Reason               string
	ReasonCategory       string
	EscalatedTo          string
	TimeoutSeconds       int
	RequireJustification bool
	AutoDenyOnTimeout    bool
}

// ResolveRequest is the input to Approve/Reject (spec.md §4.4).
type ResolveRequest struct {
	ResolverID string
	Notes      string
}

// ListFilter restricts List.
type ListFilter struct {
	TenantID string
	Status   Status
	Limit    int
}
