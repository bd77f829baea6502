package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/escalation"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/policy"
	"github.com/intentgov/core/pkg/queue"
	"github.com/intentgov/core/pkg/trust"
)

// systemActor tags every audit record and notification the pipeline
// itself writes, as opposed to an operator-initiated one.
func systemActor(worker string) audit.Actor {
	return audit.Actor{Type: "system", ID: worker}
}

// PipelineConfig tunes the degraded-trust gate the evaluate stage
// applies (spec.md §7 "Trust service timeout/outage ... do not promote
// to approved above a configured trust ceiling").
type PipelineConfig struct {
	TrustCeiling float64
}

// NewIntakeHandler builds the StageIntake queue.Handler: it captures a
// trust snapshot, records it, and advances pending -> evaluating before
// handing the job to the evaluate queue (spec.md §4.3 "Intake worker").
// Jobs for an intent no longer in StatusPending (already advanced by a
// prior delivery, or moved to cancelled) are acknowledged as a no-op
// rather than retried, since re-running intake against a moved-on intent
// would just trip ErrStaleStatus forever.
func NewIntakeHandler(o *Orchestrator, trustClient trust.Client, evalQueue intakePusher) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		it, err := o.intents.Get(ctx, job.TenantID, job.IntentID)
		if err != nil {
			if errors.Is(err, intent.ErrNotFound) {
				return nil
			}
			return err
		}
		if it.Status != intent.StatusPending {
			return nil
		}

		start := time.Now()
		snap, err := trustClient.Snapshot(ctx, job.TenantID, it.EntityID)
		if err != nil {
			return fmt.Errorf("lifecycle: trust snapshot: %w", err)
		}
		duration := time.Since(start).Milliseconds()

		tx, err := o.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := o.intents.RecordTrustSnapshot(ctx, tx, job.TenantID, it.ID, snap.AsMap(), snap.Level, snap.Score); err != nil {
			return fmt.Errorf("lifecycle: record trust snapshot: %w", err)
		}
		if _, err := o.intents.RecordEvaluation(ctx, tx, intent.Evaluation{
			IntentID: it.ID, TenantID: job.TenantID, Stage: intent.StageTrustSnapshot,
			Result: snap.AsMap(), DurationMS: duration,
		}); err != nil {
			return fmt.Errorf("lifecycle: record trust-snapshot evaluation: %w", err)
		}

		if err := o.intents.UpdateStatus(ctx, tx, job.TenantID, it.ID, intent.StatusPending, intent.StatusEvaluating, nil); err != nil {
			if errors.Is(err, intent.ErrStaleStatus) {
				return nil
			}
			return err
		}
		if _, err := o.intents.AppendEvent(ctx, tx, job.TenantID, it.ID, "intent.evaluating", map[string]interface{}{
			"trust_degraded": snap.Degraded,
		}); err != nil {
			return err
		}

		severity := audit.SeverityInfo
		if snap.Degraded {
			severity = audit.SeverityWarning
		}
		if _, err := o.audit.Log(ctx, tx, audit.Event{
			TenantID: job.TenantID, EventType: "intent.trust_snapshot", EventCategory: audit.CategoryIntent,
			Severity: severity, Actor: systemActor("intake-worker"),
			Target: audit.Target{Type: "intent", ID: it.ID}, Action: "trust-snapshot",
			Outcome: audit.OutcomeSuccess, After: snap.AsMap(),
		}); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		next := queue.Job{ID: uuid.New().String(), Stage: queue.StageEvaluate, TenantID: job.TenantID, IntentID: it.ID, EnqueuedAt: time.Now().UTC()}
		if err := evalQueue.Push(ctx, next); err != nil {
			return fmt.Errorf("lifecycle: intake committed but failed to enqueue evaluate stage: %w", err)
		}
		return nil
	}
}

// NewEvaluateHandler builds the StageEvaluate queue.Handler: it runs the
// policy evaluator, applies the degraded-trust ceiling gate, and either
// transitions the intent directly to a terminal state or opens an
// escalation (spec.md §4.3 "Evaluate worker").
func NewEvaluateHandler(o *Orchestrator, evaluator *policy.Evaluator, escalations *escalation.Manager, decisionQueue intakePusher, cfg PipelineConfig) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		it, err := o.intents.Get(ctx, job.TenantID, job.IntentID)
		if err != nil {
			if errors.Is(err, intent.ErrNotFound) {
				return nil
			}
			return err
		}
		if it.Status != intent.StatusEvaluating {
			return nil
		}

		ectx := policy.EvalContext{
			Intent:  map[string]interface{}{"goal": it.Goal, "intent_type": it.IntentType, "priority": it.Priority, "context": it.Context},
			Entity:  mergeEntity(it.EntityID, it.TrustSnapshot),
			Tenant:  map[string]interface{}{"id": job.TenantID},
			Time:    map[string]interface{}{"now": time.Now().UTC()},
			History: map[string]interface{}{},
			Request: it.Context,
		}

		start := time.Now()
		result, evalErr := evaluator.Evaluate(job.TenantID, ectx)
		duration := time.Since(start).Milliseconds()
		// Evaluate fails closed internally (returns a deny EvalResult
		// alongside the error); we still record and act on that deny
		// rather than retrying, since a malformed policy will not become
		// well-formed on the next attempt.
		if evalErr != nil {
			o.log().Warn("policy evaluation failed closed", "intent_id", it.ID, "tenant_id", job.TenantID, "error", evalErr)
		}

		action, gated := applyTrustCeiling(result.Action, it, cfg.TrustCeiling)

		tx, err := o.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		policyVersion := result.MatchedPolicyVersion
		var policyVersionPtr *int
		if policyVersion > 0 {
			policyVersionPtr = &policyVersion
		}
		if _, err := o.intents.RecordEvaluation(ctx, tx, intent.Evaluation{
			IntentID: it.ID, TenantID: job.TenantID, Stage: intent.StagePolicy,
			Result:        evalResultMap(result),
			DurationMS:    duration,
			PolicyID:      result.MatchedPolicyID,
			PolicyVersion: policyVersionPtr,
		}); err != nil {
			return fmt.Errorf("lifecycle: record policy evaluation: %w", err)
		}
		if gated {
			if _, err := o.intents.RecordEvaluation(ctx, tx, intent.Evaluation{
				IntentID: it.ID, TenantID: job.TenantID, Stage: intent.StageTrustGate,
				Result: map[string]interface{}{"reason": "degraded trust snapshot below ceiling, downgraded to escalate"},
			}); err != nil {
				return fmt.Errorf("lifecycle: record trust-gate evaluation: %w", err)
			}
		}
		if policyVersionPtr != nil {
			if err := o.intents.RecordPolicyVersion(ctx, tx, job.TenantID, it.ID, *policyVersionPtr); err != nil {
				return fmt.Errorf("lifecycle: record policy version: %w", err)
			}
		}

		switch action {
		case policy.ActionAllow, policy.ActionLimit:
			if err := o.intents.UpdateStatus(ctx, tx, job.TenantID, it.ID, intent.StatusEvaluating, intent.StatusApproved, nil); err != nil {
				if errors.Is(err, intent.ErrStaleStatus) {
					return nil
				}
				return err
			}
			if _, err := o.intents.AppendEvent(ctx, tx, job.TenantID, it.ID, "intent.approved", map[string]interface{}{
				"reason": result.Reason, "constraints": result.Constraints,
			}); err != nil {
				return err
			}
			if _, err := o.intents.RecordEvaluation(ctx, tx, intent.Evaluation{
				IntentID: it.ID, TenantID: job.TenantID, Stage: intent.StageDecision,
				Result: map[string]interface{}{"action": "approved", "reason": result.Reason},
			}); err != nil {
				return err
			}
			if _, err := o.audit.Log(ctx, tx, audit.Event{
				TenantID: job.TenantID, EventType: "intent.approved", EventCategory: audit.CategoryIntent,
				Severity: audit.SeverityInfo, Actor: systemActor("evaluate-worker"),
				Target: audit.Target{Type: "intent", ID: it.ID}, Action: "approve", Outcome: audit.OutcomeSuccess,
				After: map[string]interface{}{"reason": result.Reason},
			}); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			if decisionQueue != nil {
				dj := queue.Job{ID: uuid.New().String(), Stage: queue.StageDecision, TenantID: job.TenantID, IntentID: it.ID, EnqueuedAt: time.Now().UTC()}
				if err := decisionQueue.Push(ctx, dj); err != nil {
					return fmt.Errorf("lifecycle: approved but failed to enqueue decision stage: %w", err)
				}
			}
			return nil

		case policy.ActionDeny, policy.ActionTerminate:
			if err := o.intents.UpdateStatus(ctx, tx, job.TenantID, it.ID, intent.StatusEvaluating, intent.StatusDenied, nil); err != nil {
				if errors.Is(err, intent.ErrStaleStatus) {
					return nil
				}
				return err
			}
			if _, err := o.intents.AppendEvent(ctx, tx, job.TenantID, it.ID, "intent.denied", map[string]interface{}{"reason": result.Reason}); err != nil {
				return err
			}
			if _, err := o.intents.RecordEvaluation(ctx, tx, intent.Evaluation{
				IntentID: it.ID, TenantID: job.TenantID, Stage: intent.StageDecision,
				Result: map[string]interface{}{"action": "denied", "reason": result.Reason},
			}); err != nil {
				return err
			}
			if _, err := o.audit.Log(ctx, tx, audit.Event{
				TenantID: job.TenantID, EventType: "intent.denied", EventCategory: audit.CategoryIntent,
				Severity: audit.SeverityInfo, Actor: systemActor("evaluate-worker"),
				Target: audit.Target{Type: "intent", ID: it.ID}, Action: "deny", Outcome: audit.OutcomeSuccess,
				After: map[string]interface{}{"reason": result.Reason},
			}); err != nil {
				return err
			}
			return tx.Commit()

		case policy.ActionEscalate:
			// Escalation.Create owns its own transaction (it also performs
			// the evaluating -> escalated transition), so this handler's tx
			// only carries the evaluation-trace rows recorded above.
			if err := tx.Commit(); err != nil {
				return err
			}
			spec := result.Escalation
			if spec == nil {
				spec = &policy.EscalationSpec{To: "admin", TimeoutSeconds: 3600}
			}
			_, err := escalations.Create(ctx, job.TenantID, systemActor("evaluate-worker"), escalation.CreateRequest{
				IntentID:             it.ID,
				Reason:               result.Reason,
				EscalatedTo:          spec.To,
				TimeoutSeconds:       spec.TimeoutSeconds,
				RequireJustification: spec.RequireJustification,
				AutoDenyOnTimeout:    spec.AutoDenyOnTimeout,
			})
			return err

		default:
			return queue.ErrPoison{Err: fmt.Errorf("lifecycle: unknown policy action %q", action)}
		}
	}
}

// applyTrustCeiling downgrades an allow decision to escalate when the
// intent's trust snapshot was captured degraded and its score (if any)
// falls below ceiling — spec.md §7's "do not promote to approved above a
// configured trust ceiling" for a degraded snapshot.
func applyTrustCeiling(action policy.Action, it *intent.Intent, ceiling float64) (policy.Action, bool) {
	if action != policy.ActionAllow {
		return action, false
	}
	degraded, _ := it.TrustSnapshot["degraded"].(bool)
	if !degraded {
		return action, false
	}
	if it.TrustScore != nil && *it.TrustScore >= ceiling {
		return action, false
	}
	return policy.ActionEscalate, true
}

func mergeEntity(entityID string, snapshot map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"id": entityID}
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}

func evalResultMap(r policy.EvalResult) map[string]interface{} {
	return map[string]interface{}{
		"action":               r.Action,
		"reason":               r.Reason,
		"matchedPolicyId":      r.MatchedPolicyID,
		"matchedPolicyVersion": r.MatchedPolicyVersion,
		"matchedRuleId":        r.MatchedRuleID,
		"constraints":          r.Constraints,
		"monitorSideEffects":   r.MonitorSideEffects,
	}
}
