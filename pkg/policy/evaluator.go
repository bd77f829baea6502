package policy

import (
	"fmt"
	"sort"
)

// Evaluator runs a tenant's published policy set against one EvalContext,
// in the deterministic order spec.md §4.2 mandates: policies ordered by
// (priority asc, version desc, id asc), rules within a policy by
// priority asc. The first non-monitor match wins; every monitor match
// along the way is collected as a side effect rather than discarded.
type Evaluator struct {
	source PolicySource
}

// PolicySource resolves the published policy set a tenant's intent must
// be evaluated against. pkg/policy.Cache is the production implementation;
// tests can supply a static slice.
type PolicySource interface {
	Published(tenantID string) ([]*Policy, error)
}

func NewEvaluator(source PolicySource) *Evaluator {
	return &Evaluator{source: source}
}

// Evaluate returns the decision for one intent. On any evaluator error —
// malformed condition, missing policy source — it returns a deny result
// alongside the error, so a caller that ignores the error still fails
// closed (spec.md §4.2, §7).
func (e *Evaluator) Evaluate(tenantID string, ectx EvalContext) (EvalResult, error) {
	policies, err := e.source.Published(tenantID)
	if err != nil {
		return denyResult(fmt.Sprintf("policy lookup failed: %v", err)), err
	}

	applicable := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if targetMatches(p.Definition.Target, ectx) {
			applicable = append(applicable, p)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		a, b := applicable[i], applicable[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		return a.ID < b.ID
	})

	flat := buildFlatContext(ectx)

	var monitors []MonitorHit
	for _, p := range applicable {
		rules := append([]Rule(nil), p.Definition.Rules...)
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

		for _, r := range rules {
			if !r.Enabled {
				continue
			}
			matched, err := Evaluate(r.When, flat)
			if err != nil {
				return denyResult(fmt.Sprintf("policy %s rule %s: %v", p.ID, r.ID, err)), err
			}
			if !matched {
				continue
			}
			if r.Then.Action == ActionMonitor {
				monitors = append(monitors, MonitorHit{
					PolicyID: p.ID, PolicyVersion: p.Version, RuleID: r.ID, Reason: r.Then.Reason,
				})
				continue
			}
			return EvalResult{
				Action:               r.Then.Action,
				Reason:               r.Then.Reason,
				MatchedPolicyID:      p.ID,
				MatchedPolicyVersion: p.Version,
				MatchedRuleID:        r.ID,
				Constraints:          r.Then.Constraints,
				Escalation:           r.Then.Escalation,
				MonitorSideEffects:   monitors,
			}, nil
		}
	}

	if len(applicable) > 0 {
		last := applicable[len(applicable)-1]
		return EvalResult{
			Action:             last.Definition.DefaultAction,
			Reason:             last.Definition.DefaultReason,
			MonitorSideEffects: monitors,
		}, nil
	}

	result := denyResult("no applicable policy for tenant")
	result.MonitorSideEffects = monitors
	return result, nil
}

func denyResult(reason string) EvalResult {
	return EvalResult{Action: ActionDeny, Reason: reason}
}

func targetMatches(t Target, ectx EvalContext) bool {
	if len(t.IntentTypes) == 0 && len(t.EntityTypes) == 0 {
		return true
	}
	if len(t.IntentTypes) > 0 {
		it, _ := ectx.Intent["intent_type"].(string)
		if !contains(t.IntentTypes, it) {
			return false
		}
	}
	if len(t.EntityTypes) > 0 {
		et, _ := ectx.Entity["type"].(string)
		if !contains(t.EntityTypes, et) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func buildFlatContext(ectx EvalContext) map[string]interface{} {
	return map[string]interface{}{
		"intent":  ectx.Intent,
		"entity":  ectx.Entity,
		"tenant":  ectx.Tenant,
		"time":    ectx.Time,
		"history": ectx.History,
		"request": ectx.Request,
	}
}
