package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/intentgov/core/pkg/canonicalize"
	"github.com/intentgov/core/pkg/store"
)

// ErrNotFound is returned when a policy id/version lookup finds no row,
// or one outside the caller's tenant.
var ErrNotFound = errors.New("policy: not found")

// ErrInvalidTransition is returned when Publish/Deprecate/Archive is
// attempted from a status that does not permit it (I7/I8).
var ErrInvalidTransition = errors.New("policy: invalid status transition")

// ErrAlreadyPublished names the I8 conflict (at most one published policy
// per name in a namespace). Publish does not return it: it deprecates the
// currently published version instead.
var ErrAlreadyPublished = errors.New("policy: another version is already published")

// Store is the Postgres-backed (or sqlite lite-mode) policy repository.
type Store struct {
	db *store.DB
}

func NewStore(db *store.DB) *Store { return &Store{db: db} }

// Create inserts a new draft policy at version 1. Subsequent edits to a
// draft policy are new Create calls at version+1 (spec.md §4.2: "policies
// are immutable once created; editing a policy is authoring a new
// version").
func (s *Store) Create(ctx context.Context, tenantID, namespace, name string, priority int, def Definition) (*Policy, error) {
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	version, err := s.nextVersion(ctx, tenantID, namespace, name)
	if err != nil {
		return nil, err
	}

	checksum, err := canonicalize.CanonicalHash(def)
	if err != nil {
		return nil, fmt.Errorf("policy: checksum: %w", err)
	}

	now := time.Now().UTC()
	p := &Policy{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		Namespace:  namespace,
		Priority:   priority,
		Version:    version,
		Status:     StatusDraft,
		Definition: def,
		Checksum:   checksum,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	q := `INSERT INTO policies (id, tenant_id, name, namespace, priority, version, status, definition, checksum, created_at, updated_at)
		VALUES (` + placeholders(s.db, 11) + `)`
	if _, err := s.db.ExecContext(ctx, q,
		p.ID, p.TenantID, p.Name, p.Namespace, p.Priority, p.Version, p.Status, defJSON, p.Checksum, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) nextVersion(ctx context.Context, tenantID, namespace, name string) (int, error) {
	q := `SELECT COALESCE(MAX(version), 0) FROM policies WHERE tenant_id = ` + s.db.Placeholder(1) +
		` AND namespace = ` + s.db.Placeholder(2) + ` AND name = ` + s.db.Placeholder(3)
	var maxVersion int
	if err := s.db.QueryRowContext(ctx, q, tenantID, namespace, name).Scan(&maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

// Get fetches one tenant-scoped policy version.
func (s *Store) Get(ctx context.Context, tenantID, id string, version int) (*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = ` + s.db.Placeholder(1) +
		` AND id = ` + s.db.Placeholder(2) + ` AND version = ` + s.db.Placeholder(3)
	row := s.db.QueryRowContext(ctx, q, tenantID, id, version)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Latest fetches the highest-version row for (tenant, namespace, name)
// regardless of status.
func (s *Store) Latest(ctx context.Context, tenantID, namespace, name string) (*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = ` + s.db.Placeholder(1) +
		` AND namespace = ` + s.db.Placeholder(2) + ` AND name = ` + s.db.Placeholder(3) +
		` ORDER BY version DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, tenantID, namespace, name)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Published returns every published policy for a tenant, across every
// namespace, ordered (priority asc, version desc, id asc) per spec.md
// §4.2. It implements PolicySource directly so a Store can back an
// Evaluator without a Cache in front of it during tests.
func (s *Store) Published(tenantID string) ([]*Policy, error) {
	ctx := context.Background()
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = ` + s.db.Placeholder(1) +
		` AND status = 'published' ORDER BY priority ASC, version DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// List returns every version of every policy for a tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID, namespace string) ([]*Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = ` + s.db.Placeholder(1)
	args := []interface{}{tenantID}
	if namespace != "" {
		q += ` AND namespace = ` + s.db.Placeholder(2)
		args = append(args, namespace)
	}
	q += ` ORDER BY name ASC, version DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Publish transitions a draft policy to published, enforcing I8 ("at most
// one published version per (tenant, namespace, name)") by first
// deprecating whatever version currently holds that slot.
func (s *Store) Publish(ctx context.Context, tenantID, id string, version int) (*Policy, error) {
	p, err := s.Get(ctx, tenantID, id, version)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot publish from status %q", ErrInvalidTransition, p.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET status = 'deprecated', updated_at = `+s.db.Placeholder(4)+
			` WHERE tenant_id = `+s.db.Placeholder(1)+` AND namespace = `+s.db.Placeholder(2)+
			` AND name = `+s.db.Placeholder(3)+` AND status = 'published'`,
		tenantID, p.Namespace, p.Name, time.Now().UTC()); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE policies SET status = 'published', updated_at = `+s.db.Placeholder(4)+
			` WHERE tenant_id = `+s.db.Placeholder(1)+` AND id = `+s.db.Placeholder(2)+` AND version = `+s.db.Placeholder(3),
		tenantID, id, version, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.Status = StatusPublished
	p.UpdatedAt = now
	return p, nil
}

// Deprecate marks a published policy deprecated without promoting any
// replacement (spec.md §4.2).
func (s *Store) Deprecate(ctx context.Context, tenantID, id string, version int) (*Policy, error) {
	return s.transition(ctx, tenantID, id, version, StatusPublished, StatusDeprecated)
}

// Archive marks a deprecated (or draft) policy archived; archived policies
// are excluded from every evaluation and list-for-editing path.
func (s *Store) Archive(ctx context.Context, tenantID, id string, version int) (*Policy, error) {
	p, err := s.Get(ctx, tenantID, id, version)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDeprecated && p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot archive from status %q", ErrInvalidTransition, p.Status)
	}
	return s.setStatus(ctx, tenantID, id, version, StatusArchived)
}

func (s *Store) transition(ctx context.Context, tenantID, id string, version int, from, to Status) (*Policy, error) {
	p, err := s.Get(ctx, tenantID, id, version)
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		return nil, fmt.Errorf("%w: cannot move to %q from status %q", ErrInvalidTransition, to, p.Status)
	}
	return s.setStatus(ctx, tenantID, id, version, to)
}

func (s *Store) setStatus(ctx context.Context, tenantID, id string, version int, to Status) (*Policy, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET status = `+s.db.Placeholder(4)+`, updated_at = `+s.db.Placeholder(5)+
			` WHERE tenant_id = `+s.db.Placeholder(1)+` AND id = `+s.db.Placeholder(2)+` AND version = `+s.db.Placeholder(3),
		tenantID, id, version, to, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, tenantID, id, version)
}

const policyColumns = `id, tenant_id, name, namespace, priority, version, status, definition, checksum, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row scanner) (*Policy, error) {
	p := &Policy{}
	var defJSON []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Namespace, &p.Priority, &p.Version, &p.Status,
		&defJSON, &p.Checksum, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(defJSON, &p.Definition); err != nil {
		return nil, fmt.Errorf("policy: unmarshal definition: %w", err)
	}
	return p, nil
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
