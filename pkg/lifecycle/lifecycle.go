// Package lifecycle implements C9: the intent-lifecycle orchestrator that
// sits in front of pkg/intent, pkg/policy, pkg/queue, pkg/escalation, and
// pkg/audit. It is the one place spec.md §4.1's eight operations
// (submit, get, getWithEvents, list, cancel, delete, replay,
// updateStatus) are implemented, so every HTTP handler in pkg/api is a
// thin adapter over this package rather than reimplementing
// transaction and dedupe-lock handling per endpoint.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/chain"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/queue"
	"github.com/intentgov/core/pkg/store"
)

// ErrConflict is returned by Submit/Replay when the per-entity dedupe
// lock is already held by a concurrent request (spec.md §4.1, §5: maps
// to an HTTP 409 at the API layer).
var ErrConflict = errors.New("lifecycle: a submission for this entity/goal is already in flight")

// ErrGoalTooLong and ErrContextTooLarge enforce the boundary constants
// from spec.md §8 before any database work happens.
var (
	ErrGoalTooLong     = fmt.Errorf("lifecycle: goal exceeds %d characters", intent.MaxGoalLen)
	ErrContextTooLarge = fmt.Errorf("lifecycle: context exceeds %d bytes", intent.MaxContextBytes)
	ErrInvalidPriority = fmt.Errorf("lifecycle: priority must be between %d and %d", intent.MinPriority, intent.MaxPriority)
)

// ErrNotCancellable reports an attempt to cancel an intent already in a
// terminal state; ErrNotDeletable reports an attempt to delete an intent
// that is not yet in a terminal state.
var (
	ErrNotCancellable = errors.New("lifecycle: intent is already in a terminal state")
	ErrNotDeletable   = errors.New("lifecycle: intent must be in a terminal state to delete")
)

// Config tunes the orchestrator's dedupe and intake behavior.
type Config struct {
	DedupeWindow time.Duration
}

// dedupeLocker is the narrow slice of *redis.Client Submit/Replay need for
// the per-entity dedupe lock, so tests can exercise the lock-contention
// path against a fake instead of a live Redis instance.
type dedupeLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd
}

// intakePusher is the slice of *queue.RedisQueue Submit needs to hand a
// newly-created intent off to the intake stage.
type intakePusher interface {
	Push(ctx context.Context, job queue.Job) error
}

// Orchestrator is the C9 component.
type Orchestrator struct {
	db      *store.DB
	redis   dedupeLocker
	intents *intent.Store
	audit   audit.Logger
	intake  intakePusher
	cfg     Config
	logger  *slog.Logger
}

func New(db *store.DB, redisClient *redis.Client, intents *intent.Store, auditLogger audit.Logger, intake *queue.RedisQueue, cfg Config) *Orchestrator {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return &Orchestrator{db: db, redis: redisClient, intents: intents, audit: auditLogger, intake: intake, cfg: cfg}
}

// WithLogger overrides the orchestrator's default slog.Default(), the
// same chaining-setter idiom pkg/escalation.Manager uses for WithNotifier.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

// Submit validates, dedupe-locks, persists, and enqueues a new intent
// (spec.md §4.1). A repeat submission carrying the same idempotency key
// returns the original intent rather than creating a duplicate; a
// repeat submission within the dedupe window that does NOT share an
// idempotency key returns ErrConflict so the caller can decide whether
// to poll the existing intent instead.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, actor audit.Actor, req intent.SubmitRequest) (*intent.Intent, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := o.lookupIdempotencyKey(ctx, tenantID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	dedupeHash, err := intent.DedupeHash(tenantID, req.EntityID, req)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: dedupe hash: %w", err)
	}

	lockKey := fmt.Sprintf("lifecycle:dedupe:%s:%s", tenantID, dedupeHash)
	acquired, err := o.redis.SetNX(ctx, lockKey, "1", o.cfg.DedupeWindow).Result()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: acquire dedupe lock: %w", err)
	}
	if !acquired {
		return nil, ErrConflict
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	it, err := o.intents.Create(ctx, tx, tenantID, req)
	if err != nil {
		if errors.Is(err, intent.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, err
	}

	if _, err := o.intents.AppendEvent(ctx, tx, tenantID, it.ID, "intent.submitted", map[string]interface{}{
		"goal": it.Goal, "entity_id": it.EntityID, "intent_type": it.IntentType,
	}); err != nil {
		return nil, fmt.Errorf("lifecycle: append submitted event: %w", err)
	}

	if _, err := o.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: "intent.submitted", EventCategory: audit.CategoryIntent,
		Severity: audit.SeverityInfo, Actor: actor,
		Target: audit.Target{Type: "intent", ID: it.ID}, Action: "submit", Outcome: audit.OutcomeSuccess,
		After: map[string]interface{}{"goal": it.Goal, "status": it.Status},
	}); err != nil {
		return nil, fmt.Errorf("lifecycle: audit log: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := o.storeIdempotencyKey(ctx, tx, tenantID, req.IdempotencyKey, it.ID); err != nil {
			return nil, fmt.Errorf("lifecycle: store idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job := queue.Job{ID: uuid.New().String(), Stage: queue.StageIntake, TenantID: tenantID, IntentID: it.ID, EnqueuedAt: time.Now().UTC()}
	if err := o.intake.Push(ctx, job); err != nil {
		return it, fmt.Errorf("lifecycle: intent persisted but failed to enqueue: %w", err)
	}
	return it, nil
}

func validateSubmit(req intent.SubmitRequest) error {
	if len(req.Goal) > intent.MaxGoalLen {
		return ErrGoalTooLong
	}
	if req.Priority < intent.MinPriority || req.Priority > intent.MaxPriority {
		return ErrInvalidPriority
	}
	if req.Context != nil {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return fmt.Errorf("lifecycle: marshal context: %w", err)
		}
		if len(raw) > intent.MaxContextBytes {
			return ErrContextTooLarge
		}
	}
	return nil
}

func (o *Orchestrator) lookupIdempotencyKey(ctx context.Context, tenantID, key string) (*intent.Intent, error) {
	q := `SELECT intent_id FROM idempotency_keys WHERE tenant_id = ` + o.db.Placeholder(1) + ` AND key = ` + o.db.Placeholder(2)
	var intentID string
	err := o.db.QueryRowContext(ctx, q, tenantID, key).Scan(&intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o.intents.Get(ctx, tenantID, intentID)
}

func (o *Orchestrator) storeIdempotencyKey(ctx context.Context, tx *sql.Tx, tenantID, key, intentID string) error {
	q := `INSERT INTO idempotency_keys (key, tenant_id, intent_id, created_at) VALUES (` +
		o.db.Placeholder(1) + `, ` + o.db.Placeholder(2) + `, ` + o.db.Placeholder(3) + `, ` + o.db.Placeholder(4) + `)`
	_, err := tx.ExecContext(ctx, q, key, tenantID, intentID, time.Now().UTC())
	return err
}

// Get fetches one tenant-scoped intent.
func (o *Orchestrator) Get(ctx context.Context, tenantID, id string) (*intent.Intent, error) {
	return o.intents.Get(ctx, tenantID, id)
}

// GetWithEvents fetches an intent plus its ordered event ledger.
func (o *Orchestrator) GetWithEvents(ctx context.Context, tenantID, id string) (*intent.Intent, []*intent.Event, error) {
	return o.intents.GetWithEvents(ctx, tenantID, id)
}

// List returns a tenant's intents.
func (o *Orchestrator) List(ctx context.Context, f intent.ListFilter) ([]*intent.Intent, error) {
	return o.intents.List(ctx, f)
}

// VerifyEventChain delegates to the intent store's hash-chain verifier.
func (o *Orchestrator) VerifyEventChain(ctx context.Context, tenantID, id string) (chain.VerifyResult, error) {
	return o.intents.VerifyEventChain(ctx, tenantID, id)
}

// Cancel moves a pending, evaluating or escalated intent to
// StatusCancelled. A terminal intent gets ErrNotCancellable; an executing
// intent has no edge to StatusCancelled and gets
// intent.ErrInvalidTransition (spec.md §4.1: cancellation is cooperative — a worker mid-evaluation
// observes the cancelled status on its next status check and stops
// rather than being preempted).
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, id, reason string, actor audit.Actor) (*intent.Intent, error) {
	it, err := o.intents.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if it.Status.Terminal() {
		return nil, ErrNotCancellable
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := o.intents.UpdateStatus(ctx, tx, tenantID, id, it.Status, intent.StatusCancelled, map[string]interface{}{"cancellation_reason": reason}); err != nil {
		return nil, err
	}
	if _, err := o.intents.AppendEvent(ctx, tx, tenantID, id, "intent.cancelled", map[string]interface{}{"reason": reason}); err != nil {
		return nil, err
	}
	if _, err := o.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: "intent.cancelled", EventCategory: audit.CategoryIntent,
		Severity: audit.SeverityInfo, Actor: actor, Target: audit.Target{Type: "intent", ID: id},
		Action: "cancel", Outcome: audit.OutcomeSuccess, After: map[string]interface{}{"reason": reason},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o.intents.Get(ctx, tenantID, id)
}

// Delete soft-deletes a terminal intent by setting its deleted_at and
// recording an intent.deleted ledger event and audit record, preserving
// the event ledger and audit trail for verification. The row's context
// and metadata are left as they are; nothing is redacted.
func (o *Orchestrator) Delete(ctx context.Context, tenantID, id string, actor audit.Actor) error {
	it, err := o.intents.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !it.Status.Terminal() {
		return ErrNotDeletable
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := o.intents.SoftDelete(ctx, tx, tenantID, id); err != nil {
		return err
	}
	if _, err := o.intents.AppendEvent(ctx, tx, tenantID, id, "intent.deleted", nil); err != nil {
		return err
	}
	if _, err := o.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: "intent.deleted", EventCategory: audit.CategoryIntent,
		Severity: audit.SeverityWarning, Actor: actor, Target: audit.Target{Type: "intent", ID: id},
		Action: "delete", Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Replay resubmits a completed intent's goal/context as a brand new
// intent, tagged with the originating intent's id in its metadata, so an
// operator can retry a denied or failed intent without losing the
// original's immutable history (spec.md §4.1). It shares Submit's
// dedupe-lock/idempotency machinery; a caller in a dedupe window gets
// ErrConflict exactly as a fresh Submit would.
func (o *Orchestrator) Replay(ctx context.Context, tenantID, id string, actor audit.Actor) (*intent.Intent, error) {
	original, err := o.intents.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !original.Status.Terminal() {
		return nil, fmt.Errorf("lifecycle: cannot replay an intent still in flight (status %s)", original.Status)
	}

	meta := map[string]interface{}{}
	for k, v := range original.Metadata {
		meta[k] = v
	}
	meta["replayed_from"] = original.ID

	req := intent.SubmitRequest{
		EntityID:   original.EntityID,
		Goal:       original.Goal,
		IntentType: original.IntentType,
		Priority:   original.Priority,
		Context:    original.Context,
		Metadata:   meta,
	}
	replayed, err := o.Submit(ctx, tenantID, actor, req)
	if err != nil {
		return nil, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return replayed, fmt.Errorf("lifecycle: replay succeeded but failed to annotate original intent: %w", err)
	}
	defer tx.Rollback()
	if _, err := o.intents.AppendEvent(ctx, tx, tenantID, original.ID, "intent.replayed", map[string]interface{}{"replayed_as": replayed.ID}); err != nil {
		return replayed, fmt.Errorf("lifecycle: replay succeeded but failed to annotate original intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return replayed, fmt.Errorf("lifecycle: replay succeeded but failed to annotate original intent: %w", err)
	}
	return replayed, nil
}

// UpdateStatus performs a compare-and-set intent status transition plus
// its paired ledger event and audit record, all in one transaction. The
// queue pipeline handlers in pipeline.go do not use it: they call
// pkg/intent.Store directly inside their own transactions.
func (o *Orchestrator) UpdateStatus(ctx context.Context, tenantID, id string, from, to intent.Status, eventType string, payload map[string]interface{}, actor audit.Actor) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := o.intents.UpdateStatus(ctx, tx, tenantID, id, from, to, nil); err != nil {
		return err
	}
	if _, err := o.intents.AppendEvent(ctx, tx, tenantID, id, eventType, payload); err != nil {
		return err
	}
	if _, err := o.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: eventType, EventCategory: audit.CategoryIntent,
		Severity: audit.SeverityInfo, Actor: actor, Target: audit.Target{Type: "intent", ID: id},
		Action: string(to), Outcome: audit.OutcomeSuccess, After: payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
