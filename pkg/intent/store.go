package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/intentgov/core/pkg/canonicalize"
	"github.com/intentgov/core/pkg/chain"
	"github.com/intentgov/core/pkg/store"
)

// ErrNotFound is returned when a lookup by ID finds no row, or finds one
// outside the caller's tenant.
var ErrNotFound = errors.New("intent: not found")

// ErrDuplicate is returned by Create when an active intent with the same
// dedupe hash already exists for the tenant (I2).
var ErrDuplicate = errors.New("intent: duplicate active intent")

// ErrStaleStatus is returned by UpdateStatus when the intent's current
// status no longer matches the expected compare value (lost the race).
var ErrStaleStatus = errors.New("intent: status changed concurrently")

// Store is the Postgres-backed (or sqlite lite-mode) intent repository.
type Store struct {
	db *store.DB
}

func NewStore(db *store.DB) *Store { return &Store{db: db} }

// DedupeHash computes the stable hash used by I2 ("two submissions from
// the same entity with the same goal and context, within the dedupe
// window, collapse to one active intent"). It hashes the fields that
// define "the same request", not the full request envelope.
func DedupeHash(tenantID, entityID string, req SubmitRequest) (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"tenant_id":   tenantID,
		"entity_id":   entityID,
		"goal":        req.Goal,
		"intent_type": req.IntentType,
		"context":     req.Context,
	})
}

// Create inserts a new intent in StatusPending within tx, so the caller
// can co-commit it with the genesis "intent.submitted" audit/event rows.
// It does not itself enforce the dedupe-window uniqueness race: callers
// must hold the per-entity dedupe lock (pkg/lifecycle, via Redis SET NX)
// before calling Create; the partial unique index on
// (tenant_id, dedupe_hash) for non-terminal statuses is the last-resort
// backstop against a lock failure, surfaced here as ErrDuplicate.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, tenantID string, req SubmitRequest) (*Intent, error) {
	dedupe, err := DedupeHash(tenantID, req.EntityID, req)
	if err != nil {
		return nil, fmt.Errorf("intent: dedupe hash: %w", err)
	}

	now := time.Now().UTC()
	it := &Intent{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EntityID:       req.EntityID,
		Goal:           req.Goal,
		IntentType:     req.IntentType,
		Priority:       req.Priority,
		Context:        req.Context,
		Metadata:       req.Metadata,
		Status:         StatusPending,
		DedupeHash:     dedupe,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctxJSON, _ := json.Marshal(it.Context)
	metaJSON, _ := json.Marshal(it.Metadata)

	q := `INSERT INTO intents
		(id, tenant_id, entity_id, goal, intent_type, priority, context, metadata, status,
		 dedupe_hash, idempotency_key, created_at, updated_at)
		VALUES (` + placeholders(s.db, 13) + `)`
	if _, err := tx.ExecContext(ctx, q,
		it.ID, it.TenantID, it.EntityID, it.Goal, it.IntentType, it.Priority, ctxJSON, metaJSON,
		it.Status, it.DedupeHash, it.IdempotencyKey, it.CreatedAt, it.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return it, nil
}

// Get fetches one tenant-scoped intent, excluding soft-deleted rows.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Intent, error) {
	q := fmt.Sprintf(`SELECT %s FROM intents WHERE tenant_id = %s AND id = %s AND deleted_at IS NULL`,
		intentColumns, s.db.Placeholder(1), s.db.Placeholder(2))
	row := s.db.QueryRowContext(ctx, q, tenantID, id)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// GetWithEvents fetches an intent plus its full ordered event ledger.
func (s *Store) GetWithEvents(ctx context.Context, tenantID, id string) (*Intent, []*Event, error) {
	it, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.ListEvents(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	return it, events, nil
}

// List returns a tenant's intents newest-first with keyset pagination.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Intent, error) {
	if f.TenantID == "" {
		return nil, errors.New("intent: List requires a tenant id")
	}
	clauses := []string{"tenant_id = " + s.db.Placeholder(1), "deleted_at IS NULL"}
	args := []interface{}{f.TenantID}
	n := 1
	add := func(cond string, val interface{}) {
		n++
		clauses = append(clauses, fmt.Sprintf(cond, s.db.Placeholder(n)))
		args = append(args, val)
	}
	if f.Status != "" {
		add("status = %s", f.Status)
	}
	if f.IntentType != "" {
		add("intent_type = %s", f.IntentType)
	}
	if f.EntityID != "" {
		add("entity_id = %s", f.EntityID)
	}
	if f.Cursor != nil {
		n++
		c1 := s.db.Placeholder(n)
		n++
		c2 := s.db.Placeholder(n)
		n++
		c3 := s.db.Placeholder(n)
		clauses = append(clauses, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", c1, c2, c3))
		args = append(args, f.Cursor.CreatedAt, f.Cursor.CreatedAt, f.Cursor.ID)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := fmt.Sprintf(`SELECT %s FROM intents WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d`,
		intentColumns, joinAnd(clauses), limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateStatus performs a compare-and-set status transition, validating
// it against Graph before touching the database, and stamping the
// lifecycle timestamp column appropriate to the new status.
func (s *Store) UpdateStatus(ctx context.Context, tx *sql.Tx, tenantID, id string, from, to Status, extra map[string]interface{}) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	sets := []string{"status = " + s.db.Placeholder(3), "updated_at = " + s.db.Placeholder(4)}
	args := []interface{}{tenantID, id, to, now}
	n := 4

	switch to {
	case StatusEvaluating:
		n++
		sets = append(sets, "evaluated_at = "+s.db.Placeholder(n))
		args = append(args, now)
	case StatusApproved, StatusDenied, StatusEscalated:
		n++
		sets = append(sets, "decided_at = "+s.db.Placeholder(n))
		args = append(args, now)
	case StatusCompleted, StatusFailed:
		n++
		sets = append(sets, "completed_at = "+s.db.Placeholder(n))
		args = append(args, now)
	}
	if reason, ok := extra["cancellation_reason"].(string); ok {
		n++
		sets = append(sets, "cancellation_reason = "+s.db.Placeholder(n))
		args = append(args, reason)
	}

	q := fmt.Sprintf(`UPDATE intents SET %s WHERE tenant_id = %s AND id = %s AND status = %s`,
		joinComma(sets), s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(n+1))
	args = append(args, from)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n2, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n2 == 0 {
		return ErrStaleStatus
	}
	return nil
}

// RecordTrustSnapshot persists the intake worker's captured trust
// snapshot onto the intent row (spec.md §3 "Decision metadata"). It does
// not itself transition status — callers pair it with UpdateStatus in
// the same transaction.
func (s *Store) RecordTrustSnapshot(ctx context.Context, tx *sql.Tx, tenantID, id string, snapshot map[string]interface{}, level, score *float64) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("intent: marshal trust snapshot: %w", err)
	}
	q := `UPDATE intents SET trust_snapshot = ` + s.db.Placeholder(3) + `, trust_level = ` + s.db.Placeholder(4) +
		`, trust_score = ` + s.db.Placeholder(5) + `, updated_at = ` + s.db.Placeholder(6) +
		` WHERE tenant_id = ` + s.db.Placeholder(1) + ` AND id = ` + s.db.Placeholder(2)
	res, err := tx.ExecContext(ctx, q, tenantID, id, snapshotJSON, nullableFloat(level), nullableFloat(score), time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPolicyVersion stamps the policy version that ultimately decided
// an intent, referenced alongside the terminal transition (spec.md §4.2:
// "the result ... is referenced by the terminal transition").
func (s *Store) RecordPolicyVersion(ctx context.Context, tx *sql.Tx, tenantID, id string, version int) error {
	q := `UPDATE intents SET policy_version = ` + s.db.Placeholder(3) + `, updated_at = ` + s.db.Placeholder(4) +
		` WHERE tenant_id = ` + s.db.Placeholder(1) + ` AND id = ` + s.db.Placeholder(2)
	res, err := tx.ExecContext(ctx, q, tenantID, id, version, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// SoftDelete marks an intent deleted without removing its row or ledger
// (spec.md §4.1: delete is a tombstone, never a hard delete, so the
// audit/event history remains verifiable).
func (s *Store) SoftDelete(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	now := time.Now().UTC()
	q := `UPDATE intents SET deleted_at = ` + s.db.Placeholder(3) + `, updated_at = ` + s.db.Placeholder(4) +
		` WHERE tenant_id = ` + s.db.Placeholder(1) + ` AND id = ` + s.db.Placeholder(2) + ` AND deleted_at IS NULL`
	res, err := tx.ExecContext(ctx, q, tenantID, id, now, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent appends one entry to an intent's hash-chained ledger. It
// locks the parent intents row to serialize sequence allocation per
// intent, mirroring pkg/audit's per-tenant sequence discipline (spec.md
// §4.1 invariant I6) but scoped to a single intent instead of a tenant.
func (s *Store) AppendEvent(ctx context.Context, tx *sql.Tx, tenantID, intentID, eventType string, payload map[string]interface{}) (*Event, error) {
	lockQuery := `SELECT id FROM intents WHERE id = ` + s.db.Placeholder(1) + ` AND tenant_id = ` + s.db.Placeholder(2)
	if s.db.Driver.IsPostgres() {
		lockQuery += " FOR UPDATE"
	}
	if err := tx.QueryRowContext(ctx, lockQuery, intentID, tenantID).Scan(new(string)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var lastSeq uint64
	var lastHash string
	row := tx.QueryRowContext(ctx,
		`SELECT sequence_number, event_hash FROM intent_events WHERE intent_id = `+s.db.Placeholder(1)+
			` ORDER BY sequence_number DESC LIMIT 1`, intentID)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq, lastHash = 0, chain.Genesis
	case err != nil:
		return nil, err
	}

	now := time.Now().UTC()
	evt := &Event{
		ID:             uuid.New().String(),
		IntentID:       intentID,
		TenantID:       tenantID,
		EventType:      eventType,
		Payload:        payload,
		SequenceNumber: lastSeq + 1,
		PreviousHash:   lastHash,
		CreatedAt:      now,
	}
	hash, err := chain.ComputeHash(eventLink(evt))
	if err != nil {
		return nil, fmt.Errorf("intent: compute event hash: %w", err)
	}
	evt.EventHash = hash

	payloadJSON, _ := json.Marshal(evt.Payload)
	q := `INSERT INTO intent_events
		(id, intent_id, tenant_id, event_type, payload, sequence_number, previous_hash, event_hash, created_at)
		VALUES (` + placeholders(s.db, 9) + `)`
	if _, err := tx.ExecContext(ctx, q,
		evt.ID, evt.IntentID, evt.TenantID, evt.EventType, payloadJSON,
		evt.SequenceNumber, evt.PreviousHash, evt.EventHash, evt.CreatedAt,
	); err != nil {
		return nil, err
	}
	return evt, nil
}

func eventLink(e *Event) chain.Link {
	return chain.Link{
		Sequence: e.SequenceNumber,
		Fields: map[string]interface{}{
			"intent_id":  e.IntentID,
			"tenant_id":  e.TenantID,
			"event_type": e.EventType,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		},
		PreviousHash: e.PreviousHash,
	}
}

// ListEvents returns an intent's full ledger in sequence order.
func (s *Store) ListEvents(ctx context.Context, tenantID, intentID string) ([]*Event, error) {
	q := `SELECT id, intent_id, tenant_id, event_type, payload, sequence_number, previous_hash, event_hash, created_at
		FROM intent_events WHERE tenant_id = ` + s.db.Placeholder(1) + ` AND intent_id = ` + s.db.Placeholder(2) +
		` ORDER BY sequence_number ASC`
	rows, err := s.db.QueryContext(ctx, q, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.IntentID, &e.TenantID, &e.EventType, &payloadJSON,
			&e.SequenceNumber, &e.PreviousHash, &e.EventHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payloadJSON, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyEventChain recomputes hashes over an intent's event ledger in
// sequence order (spec.md §8 property: "every intent's event chain
// verifies from genesis").
func (s *Store) VerifyEventChain(ctx context.Context, tenantID, intentID string) (chain.VerifyResult, error) {
	events, err := s.ListEvents(ctx, tenantID, intentID)
	if err != nil {
		return chain.VerifyResult{}, err
	}
	verifiable := make([]chain.VerifiableRecord, 0, len(events))
	for _, e := range events {
		verifiable = append(verifiable, chain.VerifiableRecord{
			Sequence:     e.SequenceNumber,
			Fields:       eventLink(e).Fields,
			PreviousHash: e.PreviousHash,
			RecordHash:   e.EventHash,
		})
	}
	return chain.VerifyChain(verifiable), nil
}

// RecordEvaluation appends one decision-stage trace row (spec.md §3
// "Intent Evaluation"). Unlike the event ledger, evaluation rows are not
// hash-chained: they are a diagnostic trace, not an integrity-bearing
// record, per spec.md's distinction between the two tables.
func (s *Store) RecordEvaluation(ctx context.Context, tx *sql.Tx, ev Evaluation) (*Evaluation, error) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now().UTC()
	resultJSON, _ := json.Marshal(ev.Result)

	q := `INSERT INTO intent_evaluations
		(id, intent_id, tenant_id, stage, result, duration_ms, policy_id, policy_version, created_at)
		VALUES (` + placeholders(s.db, 9) + `)`
	if _, err := tx.ExecContext(ctx, q,
		ev.ID, ev.IntentID, ev.TenantID, ev.Stage, resultJSON, ev.DurationMS, ev.PolicyID, ev.PolicyVersion, ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvaluations returns an intent's full decision trace in time order.
func (s *Store) ListEvaluations(ctx context.Context, tenantID, intentID string) ([]*Evaluation, error) {
	q := `SELECT id, intent_id, tenant_id, stage, result, duration_ms, policy_id, policy_version, created_at
		FROM intent_evaluations WHERE tenant_id = ` + s.db.Placeholder(1) + ` AND intent_id = ` + s.db.Placeholder(2) +
		` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Evaluation
	for rows.Next() {
		e := &Evaluation{}
		var resultJSON []byte
		var policyID sql.NullString
		var policyVersion sql.NullInt64
		if err := rows.Scan(&e.ID, &e.IntentID, &e.TenantID, &e.Stage, &resultJSON, &e.DurationMS,
			&policyID, &policyVersion, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(resultJSON, &e.Result)
		e.PolicyID = policyID.String
		if policyVersion.Valid {
			v := int(policyVersion.Int64)
			e.PolicyVersion = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const intentColumns = `id, tenant_id, entity_id, goal, intent_type, priority, context, metadata, status,
	trust_snapshot, trust_level, trust_score, policy_version, dedupe_hash, idempotency_key,
	cancellation_reason, created_at, updated_at, evaluated_at, decided_at, completed_at, deleted_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scanner) (*Intent, error) {
	it := &Intent{}
	var ctxJSON, metaJSON, snapshotJSON []byte
	var intentType, idempotencyKey, cancellationReason sql.NullString
	var trustLevel, trustScore sql.NullFloat64
	var policyVersion sql.NullInt64
	var evaluatedAt, decidedAt, completedAt, deletedAt sql.NullTime

	if err := row.Scan(
		&it.ID, &it.TenantID, &it.EntityID, &it.Goal, &intentType, &it.Priority, &ctxJSON, &metaJSON, &it.Status,
		&snapshotJSON, &trustLevel, &trustScore, &policyVersion, &it.DedupeHash, &idempotencyKey,
		&cancellationReason, &it.CreatedAt, &it.UpdatedAt, &evaluatedAt, &decidedAt, &completedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	it.IntentType = intentType.String
	it.IdempotencyKey = idempotencyKey.String
	it.CancellationReason = cancellationReason.String
	_ = json.Unmarshal(ctxJSON, &it.Context)
	_ = json.Unmarshal(metaJSON, &it.Metadata)
	_ = json.Unmarshal(snapshotJSON, &it.TrustSnapshot)
	if trustLevel.Valid {
		it.TrustLevel = &trustLevel.Float64
	}
	if trustScore.Valid {
		it.TrustScore = &trustScore.Float64
	}
	if policyVersion.Valid {
		v := int(policyVersion.Int64)
		it.PolicyVersion = &v
	}
	if evaluatedAt.Valid {
		it.EvaluatedAt = &evaluatedAt.Time
	}
	if decidedAt.Valid {
		it.DecidedAt = &decidedAt.Time
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	if deletedAt.Valid {
		it.DeletedAt = &deletedAt.Time
	}
	return it, nil
}

func placeholders(db *store.DB, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += db.Placeholder(i)
	}
	return out
}

func joinAnd(clauses []string) string   { return strings.Join(clauses, " AND ") }
func joinComma(clauses []string) string { return strings.Join(clauses, ", ") }

func isUniqueViolation(err error) bool {
	// Best-effort dialect-agnostic check: lib/pq and modernc.org/sqlite
	// both surface unique-constraint violations with these substrings.
	msg := err.Error()
	return strings.Contains(msg, "unique") || strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate key")
}
