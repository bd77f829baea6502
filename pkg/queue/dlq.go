package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/intentgov/core/pkg/store"
)

// ErrNotFound is returned when a dead letter id has no matching row.
var ErrNotFound = errors.New("queue: dead letter job not found")

// PostgresDLQ persists permanently-failed jobs to the dead_letter_jobs
// table, so an operator can inspect and replay them instead of losing
// the work (spec.md §4.3 "retryDeadLetterJob").
type PostgresDLQ struct {
	db *store.DB
}

func NewPostgresDLQ(db *store.DB) *PostgresDLQ { return &PostgresDLQ{db: db} }

var _ DeadLetterSink = (*PostgresDLQ)(nil)

func (d *PostgresDLQ) Put(ctx context.Context, dl DeadLetter) error {
	payload, _ := json.Marshal(dl.Payload)
	q := `INSERT INTO dead_letter_jobs (id, stage, tenant_id, intent_id, payload, last_error, attempts, created_at)
		VALUES (` + placeholders(d.db, 8) + `)`
	_, err := d.db.ExecContext(ctx, q, uuid.New().String(), dl.Stage, dl.TenantID, dl.IntentID, payload, dl.LastError, dl.Attempts, dl.CreatedAt)
	return err
}

// List returns dead letter jobs for a tenant, newest first.
func (d *PostgresDLQ) List(ctx context.Context, tenantID string, limit int) ([]*DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, stage, tenant_id, intent_id, payload, last_error, attempts, created_at
		FROM dead_letter_jobs WHERE tenant_id = ` + d.db.Placeholder(1) + ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)
	rows, err := d.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.Stage, &dl.TenantID, &dl.IntentID, &payload, &dl.LastError, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &dl.Payload)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Retry re-enqueues a dead letter job onto its original stage's ready
// queue with a reset attempt counter, and removes the dead letter row.
func (d *PostgresDLQ) Retry(ctx context.Context, q *RedisQueue, tenantID, id string) error {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, stage, tenant_id, intent_id FROM dead_letter_jobs WHERE tenant_id = `+d.db.Placeholder(1)+` AND id = `+d.db.Placeholder(2),
		tenantID, id)
	var dlID string
	job := Job{}
	if err := row.Scan(&dlID, &job.Stage, &job.TenantID, &job.IntentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	job.ID = uuid.New().String()
	job.Attempt = 0
	job.EnqueuedAt = time.Now().UTC()

	if err := q.Push(ctx, job); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE tenant_id = `+d.db.Placeholder(1)+` AND id = `+d.db.Placeholder(2), tenantID, id)
	return err
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
