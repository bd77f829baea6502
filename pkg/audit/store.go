package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/intentgov/core/pkg/chain"
	"github.com/intentgov/core/pkg/store"
)

// Logger is the write-side interface every state-changing core operation
// co-commits through (spec.md §7: "no state-changing core operation
// commits without its audit record").
type Logger interface {
	Log(ctx context.Context, tx *sql.Tx, evt Event) (*Record, error)
	LogBatch(ctx context.Context, tx *sql.Tx, events []Event) ([]*Record, error)
}

// SigningKeyProvider resolves the current HMAC signing key for a tenant.
// Key management itself is an external collaborator (spec.md §1); this
// interface is the narrow seam the core consumes it through.
type SigningKeyProvider interface {
	SigningKey(ctx context.Context, tenantID string) ([]byte, error)
}

// StaticKeyProvider derives a per-tenant key from a single master secret
// via HMAC(masterKey, tenantID). It is a reasonable default for
// single-region deployments; production setups should supply a
// SigningKeyProvider backed by a real KMS/HSM instead.
type StaticKeyProvider struct{ MasterKey []byte }

func (p StaticKeyProvider) SigningKey(_ context.Context, tenantID string) ([]byte, error) {
	if len(p.MasterKey) == 0 {
		return nil, errors.New("audit: no master signing key configured")
	}
	// Derived key material: hex digest of HMAC(masterKey, tenantID).
	derived := chain.Sign(p.MasterKey, tenantID)
	return []byte(derived), nil
}

// Store is the Postgres-backed audit log. Updates and deletes are
// forbidden at this layer (I13): Store exposes no Update/Delete methods.
// It has no redaction operation either; stored records are never
// superseded or changed.
type Store struct {
	db   *store.DB
	keys SigningKeyProvider
}

func NewStore(db *store.DB, keys SigningKeyProvider) *Store {
	return &Store{db: db, keys: keys}
}

var _ Logger = (*Store)(nil)

// Log reserves the next per-tenant sequence number, computes the chain
// hash and HMAC signature, and inserts the record — all within tx so the
// caller can co-commit it with the business-row write it accompanies
// (spec.md §7, §4.6).
func (s *Store) Log(ctx context.Context, tx *sql.Tx, evt Event) (*Record, error) {
	records, err := s.LogBatch(ctx, tx, []Event{evt})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// LogBatch appends multiple events to the same tenant's chain atomically,
// reserving contiguous sequence numbers.
func (s *Store) LogBatch(ctx context.Context, tx *sql.Tx, events []Event) ([]*Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tenantID := events[0].TenantID
	for _, e := range events {
		if e.TenantID != tenantID {
			return nil, errors.New("audit: LogBatch events must share one tenant")
		}
	}

	seq, prevHash, err := s.reserveSequence(ctx, tx, tenantID, len(events))
	if err != nil {
		return nil, fmt.Errorf("audit: reserve sequence: %w", err)
	}

	key, err := s.keys.SigningKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: signing key: %w", err)
	}

	now := time.Now().UTC()
	records := make([]*Record, 0, len(events))
	for _, e := range events {
		rec := &Record{
			ID:             uuid.New().String(),
			TenantID:       e.TenantID,
			EventType:      e.EventType,
			EventCategory:  e.EventCategory,
			Severity:       e.Severity,
			Actor:          e.Actor,
			Target:         e.Target,
			Action:         e.Action,
			Outcome:        e.Outcome,
			Before:         e.Before,
			After:          e.After,
			Diff:           e.Diff,
			TraceID:        e.TraceID,
			SpanID:         e.SpanID,
			SequenceNumber: seq,
			PreviousHash:   prevHash,
			CreatedAt:      now,
		}
		hash, err := chain.ComputeHash(chainLink(rec))
		if err != nil {
			return nil, fmt.Errorf("audit: compute hash: %w", err)
		}
		rec.RecordHash = hash
		rec.Signature = chain.Sign(key, hash)

		if err := s.insert(ctx, tx, rec); err != nil {
			return nil, err
		}

		records = append(records, rec)
		prevHash = hash
		seq++
	}

	if err := s.advanceSequence(ctx, tx, tenantID, prevHash, seq-1); err != nil {
		return nil, err
	}

	return records, nil
}

func chainLink(r *Record) chain.Link {
	return chain.Link{
		Sequence: r.SequenceNumber,
		Fields: map[string]interface{}{
			"tenant_id":      r.TenantID,
			"event_type":     r.EventType,
			"event_category": r.EventCategory,
			"severity":       r.Severity,
			"actor":          r.Actor,
			"target":         r.Target,
			"action":         r.Action,
			"outcome":        r.Outcome,
			"created_at":     r.CreatedAt,
		},
		PreviousHash: r.PreviousHash,
	}
}

// reserveSequence serializes sequence allocation per tenant via a
// row-level lock on audit_tenant_sequence (spec.md §4.6: "a database-
// native sequence or a SELECT ... FOR UPDATE on a per-tenant counter
// row; either way the insertion must be linearizable per tenant").
func (s *Store) reserveSequence(ctx context.Context, tx *sql.Tx, tenantID string, n int) (start uint64, prevHash string, err error) {
	lockQuery := `SELECT last_sequence, last_hash FROM audit_tenant_sequence WHERE tenant_id = ` + s.db.Placeholder(1)
	if s.db.Driver.IsPostgres() {
		lockQuery += " FOR UPDATE"
	}

	var lastSeq uint64
	row := tx.QueryRowContext(ctx, lockQuery, tenantID)
	err = row.Scan(&lastSeq, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, insErr := tx.ExecContext(ctx,
			`INSERT INTO audit_tenant_sequence (tenant_id, last_sequence, last_hash) VALUES (`+
				s.db.Placeholder(1)+`, 0, '')`, tenantID); insErr != nil {
			return 0, "", insErr
		}
		lastSeq, prevHash = 0, chain.Genesis
	case err != nil:
		return 0, "", err
	}

	return lastSeq + 1, prevHash, nil
}

func (s *Store) advanceSequence(ctx context.Context, tx *sql.Tx, tenantID, lastHash string, lastSeq uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE audit_tenant_sequence SET last_sequence = `+s.db.Placeholder(2)+`, last_hash = `+s.db.Placeholder(3)+
			` WHERE tenant_id = `+s.db.Placeholder(1),
		tenantID, lastSeq, lastHash)
	return err
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, r *Record) error {
	actorJSON, _ := json.Marshal(r.Actor)
	targetJSON, _ := json.Marshal(r.Target)
	beforeJSON, _ := json.Marshal(r.Before)
	afterJSON, _ := json.Marshal(r.After)
	diffJSON, _ := json.Marshal(r.Diff)

	q := `INSERT INTO audit_records
		(id, tenant_id, event_type, event_category, severity, actor, target, action, outcome,
		 before_state, after_state, diff, trace_id, span_id, sequence_number, previous_hash,
		 record_hash, signature, created_at)
		VALUES (` + placeholders(s.db, 19) + `)`

	_, err := tx.ExecContext(ctx, q,
		r.ID, r.TenantID, r.EventType, r.EventCategory, r.Severity, actorJSON, targetJSON,
		r.Action, r.Outcome, beforeJSON, afterJSON, diffJSON, r.TraceID, r.SpanID,
		r.SequenceNumber, r.PreviousHash, r.RecordHash, r.Signature, r.CreatedAt)
	return err
}

// TenantIDs lists every tenant with at least one audit record, used by
// the scheduler's chain-checkpointing task to know which chains to
// checkpoint without a separate tenant registry.
func (s *Store) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM audit_tenant_sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Checkpoint records a tenant's current chain tip in
// audit_chain_checkpoints (spec.md §4.6/§4.7: periodic checkpointing lets
// an external verifier confirm the chain up to a point in time without
// re-walking every record since genesis). The window runs from the
// previous checkpoint's end (or genesis) to now.
func (s *Store) Checkpoint(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq uint64
	var lastHash string
	row := tx.QueryRowContext(ctx, `SELECT last_sequence, last_hash FROM audit_tenant_sequence WHERE tenant_id = `+s.db.Placeholder(1), tenantID)
	if err := row.Scan(&lastSeq, &lastHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if lastSeq == 0 {
		return nil
	}

	var windowStart time.Time
	row = tx.QueryRowContext(ctx,
		`SELECT window_end FROM audit_chain_checkpoints WHERE tenant_id = `+s.db.Placeholder(1)+` ORDER BY window_start DESC LIMIT 1`, tenantID)
	switch err := row.Scan(&windowStart); {
	case errors.Is(err, sql.ErrNoRows):
		windowStart = time.Unix(0, 0).UTC()
	case err != nil:
		return err
	}

	var priorSeq sql.NullInt64
	row = tx.QueryRowContext(ctx, `SELECT SUM(record_count) FROM audit_chain_checkpoints WHERE tenant_id = `+s.db.Placeholder(1), tenantID)
	if err := row.Scan(&priorSeq); err != nil {
		return err
	}

	now := time.Now().UTC()
	q := `INSERT INTO audit_chain_checkpoints (tenant_id, window_start, window_end, root_hash, record_count, created_at)
		VALUES (` + placeholders(s.db, 6) + `)`
	if _, err := tx.ExecContext(ctx, q, tenantID, windowStart, now, lastHash, lastSeq-uint64(priorSeq.Int64), now); err != nil {
		return err
	}
	return tx.Commit()
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
