package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/store"
)

// ErrNotFound is returned when an escalation lookup finds no row, or one
// outside the caller's tenant.
var ErrNotFound = errors.New("escalation: not found")

// ErrAlreadyResolved is returned by Acknowledge/Approve/Reject when the
// escalation is already in a terminal state, or a concurrent resolver won
// the race.
var ErrAlreadyResolved = errors.New("escalation: already resolved")

// NotificationSink receives a best-effort delivery record every time an
// escalation is created or resolved. Delivery failures never roll back
// the underlying transaction (spec.md §4.4: notification delivery is a
// side effect of escalation state changes, not a precondition for them).
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification is the record of an attempted out-of-band delivery.
type Notification struct {
	EscalationID string
	TenantID     string
	Channel      string // "created", "acknowledged", "resolved", "timed_out"
	Recipient    string
	SentAt       time.Time
}

// NoopNotifier discards notifications; it is the default when no real
// delivery channel (email/Slack/webhook) is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Manager is the escalation subsystem, wired against the durable intent
// store and the tenant audit log rather than an unpersisted in-memory
// map: Create, Approve, Reject and the timeout auto-deny co-commit the
// escalation row, the underlying intent's state transition, and an audit
// record in one transaction (spec.md §4.4). Acknowledge and the SLA-breach
// mark update only the escalation row; they write no audit record and no
// intent ledger event.
type Manager struct {
	db      *store.DB
	intents *intent.Store
	audit   audit.Logger
	notify  NotificationSink
	clock   Clock
}

func NewManager(db *store.DB, intents *intent.Store, auditLogger audit.Logger) *Manager {
	return &Manager{db: db, intents: intents, audit: auditLogger, notify: NoopNotifier{}, clock: time.Now}
}

// WithNotifier overrides the default no-op notification sink.
func (m *Manager) WithNotifier(n NotificationSink) *Manager { m.notify = n; return m }

// WithClock overrides the manager's time source, for deterministic tests.
func (m *Manager) WithClock(c Clock) *Manager { m.clock = c; return m }

// Create opens a new escalation for an intent, transitioning the intent
// evaluating -> escalated in the same transaction, appending an
// "intent.escalated" ledger event, and writing an audit record. The
// idx_escalations_active partial unique index backstops I9 ("exactly one
// non-terminal escalation per intent") against a concurrent duplicate.
func (m *Manager) Create(ctx context.Context, tenantID string, actor audit.Actor, req CreateRequest) (*Escalation, error) {
	if req.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("escalation: timeoutSeconds must be positive")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := m.intents.UpdateStatus(ctx, tx, tenantID, req.IntentID, intent.StatusEvaluating, intent.StatusEscalated, nil); err != nil {
		return nil, fmt.Errorf("escalation: transition intent to escalated: %w", err)
	}

	now := m.clock().UTC()
	e := &Escalation{
		ID:             uuid.New().String(),
		IntentID:       req.IntentID,
		TenantID:       tenantID,
		Reason:         req.Reason,
		ReasonCategory: req.ReasonCategory,
		EscalatedTo:    req.EscalatedTo,
		Status:         StatusPending,
		TimeoutAt:      now.Add(time.Duration(req.TimeoutSeconds) * time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	q := `INSERT INTO escalations
		(id, intent_id, tenant_id, reason, reason_category, escalated_to, status, timeout_at,
		 acknowledged_at, resolved_by, resolved_at, resolution_notes, sla_breached, created_at, updated_at)
		VALUES (` + placeholders(m.db, 15) + `)`
	if _, err := tx.ExecContext(ctx, q,
		e.ID, e.IntentID, e.TenantID, e.Reason, e.ReasonCategory, e.EscalatedTo, e.Status, e.TimeoutAt,
		nil, nil, nil, nil, e.SLABreached, e.CreatedAt, e.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("escalation: %w", ErrAlreadyResolved)
		}
		return nil, err
	}

	if _, err := m.intents.AppendEvent(ctx, tx, tenantID, req.IntentID, "intent.escalated", map[string]interface{}{
		"escalation_id": e.ID, "escalated_to": e.EscalatedTo, "reason": e.Reason,
	}); err != nil {
		return nil, fmt.Errorf("escalation: append intent event: %w", err)
	}

	if _, err := m.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: "escalation.created", EventCategory: audit.CategoryEscalation,
		Severity: audit.SeverityWarning, Actor: actor,
		Target: audit.Target{Type: "intent", ID: req.IntentID}, Action: "escalate", Outcome: audit.OutcomeSuccess,
		After: map[string]interface{}{"escalation_id": e.ID, "escalated_to": e.EscalatedTo},
	}); err != nil {
		return nil, fmt.Errorf("escalation: audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.notify.Notify(ctx, Notification{EscalationID: e.ID, TenantID: tenantID, Channel: "created", Recipient: e.EscalatedTo, SentAt: now})
	return e, nil
}

// Get fetches one tenant-scoped escalation.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*Escalation, error) {
	q := `SELECT ` + columns + ` FROM escalations WHERE tenant_id = ` + m.db.Placeholder(1) + ` AND id = ` + m.db.Placeholder(2)
	row := m.db.QueryRowContext(ctx, q, tenantID, id)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns a tenant's escalations, optionally filtered by status.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Escalation, error) {
	q := `SELECT ` + columns + ` FROM escalations WHERE tenant_id = ` + m.db.Placeholder(1)
	args := []interface{}{f.TenantID}
	if f.Status != "" {
		q += ` AND status = ` + m.db.Placeholder(2)
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Acknowledge marks a pending escalation acknowledged, stopping the
// unacknowledged-SLA clock without yet resolving it (spec.md §4.4).
func (m *Manager) Acknowledge(ctx context.Context, tenantID, id, userID string) (*Escalation, error) {
	e, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	now := m.clock().UTC()
	res, err := m.db.ExecContext(ctx,
		`UPDATE escalations SET status = `+m.db.Placeholder(3)+`, acknowledged_at = `+m.db.Placeholder(4)+
			`, updated_at = `+m.db.Placeholder(5)+
			` WHERE tenant_id = `+m.db.Placeholder(1)+` AND id = `+m.db.Placeholder(2)+` AND status = `+m.db.Placeholder(6),
		tenantID, id, StatusAcknowledged, now, now, e.Status)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyResolved
	}
	m.notify.Notify(ctx, Notification{EscalationID: id, TenantID: tenantID, Channel: "acknowledged", Recipient: userID, SentAt: now})
	return m.Get(ctx, tenantID, id)
}

// Approve resolves an escalation as approved, transitioning the intent
// escalated -> approved in the same transaction (spec.md §4.4, I10).
func (m *Manager) Approve(ctx context.Context, tenantID, id string, actor audit.Actor, req ResolveRequest) (*Escalation, error) {
	return m.resolve(ctx, tenantID, id, actor, req, StatusApproved, intent.StatusApproved, "escalation.approved")
}

// Reject resolves an escalation as rejected, transitioning the intent
// escalated -> denied.
func (m *Manager) Reject(ctx context.Context, tenantID, id string, actor audit.Actor, req ResolveRequest) (*Escalation, error) {
	return m.resolve(ctx, tenantID, id, actor, req, StatusRejected, intent.StatusDenied, "escalation.rejected")
}

func (m *Manager) resolve(ctx context.Context, tenantID, id string, actor audit.Actor, req ResolveRequest, escStatus Status, intentStatus intent.Status, eventType string) (*Escalation, error) {
	e, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := m.intents.UpdateStatus(ctx, tx, tenantID, e.IntentID, intent.StatusEscalated, intentStatus, nil); err != nil {
		return nil, fmt.Errorf("escalation: transition intent: %w", err)
	}

	now := m.clock().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE escalations SET status = `+m.db.Placeholder(3)+`, resolved_by = `+m.db.Placeholder(4)+
			`, resolved_at = `+m.db.Placeholder(5)+`, resolution_notes = `+m.db.Placeholder(6)+
			`, updated_at = `+m.db.Placeholder(7)+
			` WHERE tenant_id = `+m.db.Placeholder(1)+` AND id = `+m.db.Placeholder(2)+` AND status = `+m.db.Placeholder(8),
		tenantID, id, escStatus, req.ResolverID, now, req.Notes, now, e.Status)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyResolved
	}

	if _, err := m.intents.AppendEvent(ctx, tx, tenantID, e.IntentID, eventType, map[string]interface{}{
		"escalation_id": id, "resolved_by": req.ResolverID, "notes": req.Notes,
	}); err != nil {
		return nil, fmt.Errorf("escalation: append intent event: %w", err)
	}

	if _, err := m.audit.Log(ctx, tx, audit.Event{
		TenantID: tenantID, EventType: eventType, EventCategory: audit.CategoryEscalation,
		Severity: audit.SeverityInfo, Actor: actor,
		Target: audit.Target{Type: "intent", ID: e.IntentID}, Action: string(escStatus), Outcome: audit.OutcomeSuccess,
		After: map[string]interface{}{"escalation_id": id, "resolved_by": req.ResolverID},
	}); err != nil {
		return nil, fmt.Errorf("escalation: audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.notify.Notify(ctx, Notification{EscalationID: id, TenantID: tenantID, Channel: "resolved", Recipient: req.ResolverID, SentAt: now})
	return m.Get(ctx, tenantID, id)
}

// TimeoutSweep resolves every escalation past its timeout_at that has not
// yet been acted on: auto-denies (and transitions the intent) when
// autoDenyOnTimeout is set, otherwise marks it sla_breached without
// resolving it so a human must still act. pkg/scheduler's periodic sweep
// task calls this (spec.md §4.4, §4.7).
func (m *Manager) TimeoutSweep(ctx context.Context, autoDenyOnTimeout bool) (swept int, err error) {
	now := m.clock().UTC()
	q := `SELECT ` + columns + ` FROM escalations WHERE status IN ('pending','acknowledged') AND timeout_at < ` + m.db.Placeholder(1)
	rows, err := m.db.QueryContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	var due []*Escalation
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	systemActor := audit.Actor{Type: "system", ID: "scheduler"}
	for _, e := range due {
		if autoDenyOnTimeout {
			if _, err := m.resolve(ctx, e.TenantID, e.ID, systemActor,
				ResolveRequest{ResolverID: "system:scheduler", Notes: "auto-denied: escalation timed out"},
				StatusRejected, intent.StatusDenied, "escalation.timed_out"); err != nil {
				return swept, err
			}
		} else if err := m.markBreached(ctx, e); err != nil {
			return swept, err
		}
		swept++
		m.notify.Notify(ctx, Notification{EscalationID: e.ID, TenantID: e.TenantID, Channel: "timed_out", Recipient: e.EscalatedTo, SentAt: now})
	}
	return swept, nil
}

func (m *Manager) markBreached(ctx context.Context, e *Escalation) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE escalations SET sla_breached = `+m.db.Placeholder(3)+`, updated_at = `+m.db.Placeholder(4)+
			` WHERE tenant_id = `+m.db.Placeholder(1)+` AND id = `+m.db.Placeholder(2),
		e.TenantID, e.ID, true, m.clock().UTC())
	return err
}

const columns = `id, intent_id, tenant_id, reason, reason_category, escalated_to, status, timeout_at,
	acknowledged_at, resolved_by, resolved_at, resolution_notes, sla_breached, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*Escalation, error) {
	e := &Escalation{}
	var reasonCategory, resolvedBy, resolutionNotes sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime
	if err := row.Scan(
		&e.ID, &e.IntentID, &e.TenantID, &e.Reason, &reasonCategory, &e.EscalatedTo, &e.Status, &e.TimeoutAt,
		&acknowledgedAt, &resolvedBy, &resolvedAt, &resolutionNotes, &e.SLABreached, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.ReasonCategory = reasonCategory.String
	e.ResolvedBy = resolvedBy.String
	e.ResolutionNotes = resolutionNotes.String
	if acknowledgedAt.Valid {
		e.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
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

func isUniqueViolation(err error) bool {
	msg := err.Error()
	needles := []string{"unique", "UNIQUE", "duplicate key"}
	for _, n := range needles {
		if containsSubstr(msg, n) {
			return true
		}
	}
	return false
}

func containsSubstr(s, sub string) bool {
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
