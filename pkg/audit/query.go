package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/intentgov/core/pkg/chain"
)

// Query returns records matching filter, ordered by sequence_number
// ascending, tenant-scoped. Cross-tenant queries are rejected.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if f.TenantID == "" {
		return nil, ErrCrossTenant{}
	}

	clauses := []string{"tenant_id = " + s.db.Placeholder(1)}
	args := []interface{}{f.TenantID}
	n := 1

	add := func(cond string, val interface{}) {
		n++
		clauses = append(clauses, strings.Replace(cond, "?", s.db.Placeholder(n), 1))
		args = append(args, val)
	}
	if f.EventCategory != "" {
		add("event_category = ?", f.EventCategory)
	}
	if f.Severity != "" {
		add("severity = ?", f.Severity)
	}
	if f.TargetType != "" {
		add("target LIKE ?", fmt.Sprintf(`%%"type":"%s"%%`, f.TargetType))
	}
	if f.TargetID != "" {
		add("target LIKE ?", fmt.Sprintf(`%%"id":"%s"%%`, f.TargetID))
	}
	if f.TraceID != "" {
		add("trace_id = ?", f.TraceID)
	}
	if f.Since != nil {
		add("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= ?", *f.Until)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := fmt.Sprintf(`SELECT %s FROM audit_records WHERE %s ORDER BY sequence_number ASC LIMIT %d`,
		recordColumns, strings.Join(clauses, " AND "), limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindByID returns a single record, tenant-scoped.
func (s *Store) FindByID(ctx context.Context, tenantID, id string) (*Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_records WHERE tenant_id = %s AND id = %s`,
		recordColumns, s.db.Placeholder(1), s.db.Placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sql.ErrNoRows
	}
	return records[0], nil
}

// GetForTarget returns every record referencing the given target.
func (s *Store) GetForTarget(ctx context.Context, tenantID, targetType, targetID string) ([]*Record, error) {
	return s.Query(ctx, Filter{TenantID: tenantID, TargetType: targetType, TargetID: targetID, Limit: 1000})
}

// GetByTrace returns every record sharing a trace ID.
func (s *Store) GetByTrace(ctx context.Context, tenantID, traceID string) ([]*Record, error) {
	return s.Query(ctx, Filter{TenantID: tenantID, TraceID: traceID, Limit: 1000})
}

// GetStats aggregates counts for a tenant's audit activity.
func (s *Store) GetStats(ctx context.Context, tenantID string, f Filter) (*Stats, error) {
	f.TenantID = tenantID
	f.Limit = 100000
	records, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByCategory: map[EventCategory]int64{},
		BySeverity: map[Severity]int64{},
		ByOutcome:  map[Outcome]int64{},
	}
	for _, r := range records {
		stats.TotalRecords++
		stats.ByCategory[r.EventCategory]++
		stats.BySeverity[r.Severity]++
		stats.ByOutcome[r.Outcome]++
		if r.Outcome == OutcomeFailure {
			stats.FailureCount++
		}
		if r.SequenceNumber > stats.LastSequence {
			stats.LastSequence = r.SequenceNumber
		}
	}
	return stats, nil
}

// VerifyChainIntegrity recomputes hashes over a tenant's chain in
// sequence order (spec.md §4.5/§8 property 2).
func (s *Store) VerifyChainIntegrity(ctx context.Context, tenantID string, startSequence, limit uint64) (chain.VerifyResult, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_records WHERE tenant_id = %s AND sequence_number >= %s ORDER BY sequence_number ASC`,
		recordColumns, s.db.Placeholder(1), s.db.Placeholder(2))
	args := []interface{}{tenantID, startSequence}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return chain.VerifyResult{}, err
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return chain.VerifyResult{}, err
	}

	verifiable := make([]chain.VerifiableRecord, 0, len(records))
	for _, r := range records {
		verifiable = append(verifiable, chain.VerifiableRecord{
			Sequence:     r.SequenceNumber,
			Fields:       chainLink(r).Fields,
			PreviousHash: r.PreviousHash,
			RecordHash:   r.RecordHash,
		})
	}
	return chain.VerifyChain(verifiable), nil
}

const recordColumns = `id, tenant_id, event_type, event_category, severity, actor, target, action, outcome,
	before_state, after_state, diff, trace_id, span_id, sequence_number, previous_hash,
	record_hash, signature, created_at`

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r := &Record{}
		var actorJSON, targetJSON, beforeJSON, afterJSON, diffJSON []byte
		var traceID, spanID sql.NullString
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.EventType, &r.EventCategory, &r.Severity,
			&actorJSON, &targetJSON, &r.Action, &r.Outcome,
			&beforeJSON, &afterJSON, &diffJSON, &traceID, &spanID,
			&r.SequenceNumber, &r.PreviousHash, &r.RecordHash, &r.Signature, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.TraceID = traceID.String
		r.SpanID = spanID.String
		_ = json.Unmarshal(actorJSON, &r.Actor)
		_ = json.Unmarshal(targetJSON, &r.Target)
		_ = json.Unmarshal(beforeJSON, &r.Before)
		_ = json.Unmarshal(afterJSON, &r.After)
		_ = json.Unmarshal(diffJSON, &r.Diff)
		out = append(out, r)
	}
	return out, rows.Err()
}
