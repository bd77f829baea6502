// Package revocation implements C8's token-revocation half: a
// revoked_jti→expires_at store for single-token logout and a
// user→revoke_before store for "sign this user out everywhere", both
// Postgres-backed with a Redis read-through cache since every
// authenticated request consults them (spec.md §4.8).
package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/store"
)

// cache is the narrow Redis surface the hot-path check needs, so tests
// can substitute a fake instead of a live server.
type cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const (
	jtiCacheTTL    = 5 * time.Minute
	userCacheTTL   = 1 * time.Minute
	jtiKeyPrefix   = "revocation:jti:"
	userKeyPrefix  = "revocation:user:"
	cacheMissToken = "miss"
)

// Store is the C8 revocation repository.
type Store struct {
	db    *store.DB
	cache cache
	audit audit.Logger
}

func New(db *store.DB, redisClient *redis.Client, auditLogger audit.Logger) *Store {
	s := &Store{db: db, audit: auditLogger}
	if redisClient != nil {
		s.cache = redisClient
	}
	return s
}

// RevokeToken marks one JWT (identified by its jti claim) revoked until
// its own expiry, so the row can be garbage-collected once expiresAt
// passes (spec.md §4.7's "revocation GC" scheduler task).
func (s *Store) RevokeToken(ctx context.Context, tx *sql.Tx, jti string, expiresAt time.Time, actor audit.Actor) error {
	q := `INSERT INTO revoked_tokens (jti, expires_at) VALUES (` + s.db.Placeholder(1) + `, ` + s.db.Placeholder(2) + `)`
	if s.db.Driver.IsPostgres() {
		q += ` ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at`
	}
	if _, err := tx.ExecContext(ctx, q, jti, expiresAt); err != nil {
		if !s.db.Driver.IsPostgres() && isUniqueViolation(err) {
			if _, err := tx.ExecContext(ctx, `UPDATE revoked_tokens SET expires_at = `+s.db.Placeholder(1)+` WHERE jti = `+s.db.Placeholder(2), expiresAt, jti); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	if _, err := s.audit.Log(ctx, tx, audit.Event{
		TenantID: actor.ID, EventType: "token.revoked", EventCategory: audit.CategoryAuth,
		Severity: audit.SeverityInfo, Actor: actor, Target: audit.Target{Type: "token", ID: jti},
		Action: "revoke", Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return fmt.Errorf("revocation: audit log: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(ctx, jtiKeyPrefix+jti, "revoked", time.Until(expiresAt))
	}
	return nil
}

// IsTokenRevoked checks the Redis cache first, falling back to Postgres
// on a cache miss and repopulating the cache (spec.md §4.8: "checked on
// every request").
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if s.cache != nil {
		val, err := s.cache.Get(ctx, jtiKeyPrefix+jti).Result()
		if err == nil {
			return val == "revoked", nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("revocation: cache get: %w", err)
		}
	}

	var expiresAt time.Time
	q := `SELECT expires_at FROM revoked_tokens WHERE jti = ` + s.db.Placeholder(1)
	err := s.db.QueryRowContext(ctx, q, jti).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.cache != nil {
			s.cache.Set(ctx, jtiKeyPrefix+jti, cacheMissToken, jtiCacheTTL)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("revocation: query: %w", err)
	}

	revoked := time.Now().Before(expiresAt)
	if s.cache != nil && revoked {
		s.cache.Set(ctx, jtiKeyPrefix+jti, "revoked", time.Until(expiresAt))
	}
	return revoked, nil
}

// RevokeAllForUser sets a floor timestamp: any token issued for userID
// before revokeBefore is treated as revoked regardless of its own jti,
// used by the admin "revoke all sessions" operation (spec.md §4.8).
func (s *Store) RevokeAllForUser(ctx context.Context, tx *sql.Tx, userID string, revokeBefore time.Time, actor audit.Actor) error {
	q := `INSERT INTO revoke_before (user_id, revoke_before) VALUES (` + s.db.Placeholder(1) + `, ` + s.db.Placeholder(2) + `)`
	if s.db.Driver.IsPostgres() {
		q += ` ON CONFLICT (user_id) DO UPDATE SET revoke_before = EXCLUDED.revoke_before`
	}
	if _, err := tx.ExecContext(ctx, q, userID, revokeBefore); err != nil {
		if !s.db.Driver.IsPostgres() && isUniqueViolation(err) {
			if _, err := tx.ExecContext(ctx, `UPDATE revoke_before SET revoke_before = `+s.db.Placeholder(1)+` WHERE user_id = `+s.db.Placeholder(2), revokeBefore, userID); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	if _, err := s.audit.Log(ctx, tx, audit.Event{
		TenantID: actor.ID, EventType: "token.user_all_revoked", EventCategory: audit.CategoryAuth,
		Severity: audit.SeverityWarning, Actor: actor, Target: audit.Target{Type: "user", ID: userID},
		Action: "revoke_all", Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return fmt.Errorf("revocation: audit log: %w", err)
	}

	if s.cache != nil {
		s.cache.Del(ctx, userKeyPrefix+userID)
	}
	return nil
}

// RevokeBefore returns the floor timestamp for userID, or the zero time
// if no revoke-all has ever been issued for them.
func (s *Store) RevokeBefore(ctx context.Context, userID string) (time.Time, error) {
	if s.cache != nil {
		val, err := s.cache.Get(ctx, userKeyPrefix+userID).Result()
		if err == nil {
			if val == cacheMissToken {
				return time.Time{}, nil
			}
			t, parseErr := time.Parse(time.RFC3339Nano, val)
			if parseErr == nil {
				return t, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return time.Time{}, fmt.Errorf("revocation: cache get: %w", err)
		}
	}

	var revokeBefore time.Time
	q := `SELECT revoke_before FROM revoke_before WHERE user_id = ` + s.db.Placeholder(1)
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&revokeBefore)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.cache != nil {
			s.cache.Set(ctx, userKeyPrefix+userID, cacheMissToken, userCacheTTL)
		}
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, fmt.Errorf("revocation: query: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(ctx, userKeyPrefix+userID, revokeBefore.Format(time.RFC3339Nano), userCacheTTL)
	}
	return revokeBefore, nil
}

// IsRevoked is the combined check an auth middleware calls once per
// request: a token is rejected if its own jti was revoked, or if it was
// issued before the user's revoke-all floor.
func (s *Store) IsRevoked(ctx context.Context, jti, userID string, issuedAt time.Time) (bool, error) {
	revoked, err := s.IsTokenRevoked(ctx, jti)
	if err != nil {
		return false, err
	}
	if revoked {
		return true, nil
	}
	floor, err := s.RevokeBefore(ctx, userID)
	if err != nil {
		return false, err
	}
	return !floor.IsZero() && issuedAt.Before(floor), nil
}

// GC deletes revoked_tokens rows whose own expiry has passed, called by
// the scheduler's periodic revocation-GC task (spec.md §4.7): once a
// token's natural expiry passes, carrying its revocation forward is
// pointless — it can never be presented as valid again.
func (s *Store) GC(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < `+s.db.Placeholder(1), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revocation: gc: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
