// Package trust implements the external collaborator boundary spec.md
// §1 excludes from the core's scope ("trust-score computation ...
// consume the audit chain; the core only writes events they read") while
// still needing a narrow client interface to pull a snapshot at intake
// time (spec.md §4.3). A failing or slow trust service must degrade the
// pipeline, never stall it, so the HTTP adapter wraps every call in
// github.com/sony/gobreaker the way the broader example pack's
// jordigilh-kubernaut repo wires a breaker around an external
// dependency, bounded by config.TrustServiceTimeout (default 2s,
// spec.md §5).
package trust

import (
	"context"
	"time"
)

// Snapshot is the tenant-supplied view of an entity's trust at
// evaluation start, frozen for that decision (spec.md GLOSSARY "Trust
// snapshot"). Degraded is set when the snapshot could not be freshly
// captured — the intake worker proceeds anyway with whatever is here,
// per spec.md §4.3 ("on timeout marks the snapshot degraded and
// proceeds").
type Snapshot struct {
	EntityID   string                 `json:"entity_id"`
	Level      *float64               `json:"level,omitempty"`
	Score      *float64               `json:"score,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Degraded   bool                   `json:"degraded"`
	CapturedAt time.Time              `json:"captured_at"`
}

// AsMap renders the snapshot the way pkg/intent.Intent.TrustSnapshot and
// pkg/policy.EvalContext.Entity expect it.
func (s Snapshot) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"entity_id":   s.EntityID,
		"degraded":    s.Degraded,
		"captured_at": s.CapturedAt,
	}
	if s.Level != nil {
		m["level"] = *s.Level
	}
	if s.Score != nil {
		m["score"] = *s.Score
	}
	for k, v := range s.Attributes {
		m[k] = v
	}
	return m
}

// Client resolves a trust snapshot for one tenant/entity pair.
type Client interface {
	Snapshot(ctx context.Context, tenantID, entityID string) (Snapshot, error)
}

// degraded builds a conservative fallback snapshot: no level/score
// claims, so the evaluate worker's trust-ceiling gate (spec.md §7
// "Trust service timeout/outage") treats it as untrusted rather than
// silently promoting.
func degraded(entityID string) Snapshot {
	return Snapshot{EntityID: entityID, Degraded: true, CapturedAt: time.Now().UTC()}
}
