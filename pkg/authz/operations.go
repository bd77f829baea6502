package authz

import "context"

// Operation names every authorization-checked API action (spec.md §4.8).
type Operation string

const (
	OpIntentSubmit   Operation = "intent.submit"
	OpIntentRead     Operation = "intent.read"
	OpIntentCancel   Operation = "intent.cancel"
	OpIntentDelete   Operation = "intent.delete"
	OpIntentReplay   Operation = "intent.replay"
	OpPolicyRead     Operation = "policy.read"
	OpPolicyWrite    Operation = "policy.write"
	OpPolicyPublish  Operation = "policy.publish"
	OpEscalationRead Operation = "escalation.read"
	OpEscalationAck  Operation = "escalation.acknowledge"
	OpEscalationDecide Operation = "escalation.decide"
	OpAuditRead      Operation = "audit.read"
	OpAdminRevoke    Operation = "admin.revoke_tokens"
)

// requiredRoles is the declarative operation->role table. A principal
// holding the platform-wide "admin" role satisfies every operation; the
// remaining roles are tenant-scoped (spec.md §4.8). Callers should treat
// an operation missing from this table as deny-by-default rather than
// allow-by-default.
var requiredRoles = map[Operation][]string{
	OpIntentSubmit:     {"operator", "tenant:admin"},
	OpIntentRead:       {"operator", "viewer", "tenant:admin"},
	OpIntentCancel:     {"operator", "tenant:admin"},
	OpIntentDelete:     {"tenant:admin"},
	OpIntentReplay:     {"tenant:admin"},
	OpPolicyRead:       {"operator", "viewer", "policy_writer", "tenant:admin"},
	OpPolicyWrite:      {"policy_writer", "tenant:admin"},
	OpPolicyPublish:    {"policy_writer", "tenant:admin"},
	OpEscalationRead:   {"reviewer", "tenant:admin"},
	OpEscalationAck:    {"reviewer", "tenant:admin"},
	OpEscalationDecide: {"reviewer", "tenant:admin"},
	OpAuditRead:        {"viewer", "reviewer", "tenant:admin"},
	OpAdminRevoke:      {"tenant:admin"},
}

const superAdminRole = "admin"

// Authorize reports whether any of roles satisfies op. A principal
// holding superAdminRole always passes.
func Authorize(op Operation, roles []string) bool {
	for _, r := range roles {
		if r == superAdminRole {
			return true
		}
	}
	allowed, ok := requiredRoles[op]
	if !ok {
		return false
	}
	for _, have := range roles {
		for _, want := range allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

// CanResolveEscalation reports whether a principal may acknowledge or
// decide an escalation assigned to escalatedTo — a direct user id, a
// role name, or a group name — or holds an admin/tenant:admin role
// regardless of assignment (spec.md §4.4: "the resolver must either be a
// member of escalatedTo ... or hold an admin role").
func CanResolveEscalation(ctx context.Context, engine *Engine, userID string, roles []string, escalatedTo string) (bool, error) {
	for _, r := range roles {
		if r == superAdminRole || r == "tenant:admin" {
			return true, nil
		}
	}
	if escalatedTo == userID {
		return true, nil
	}
	for _, r := range roles {
		if r == escalatedTo {
			return true, nil
		}
	}
	if engine == nil {
		return false, nil
	}
	return engine.Check(ctx, "group:"+escalatedTo, "member", "user:"+userID)
}
