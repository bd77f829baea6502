package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/store"
)

// fakeCache is an in-process stand-in for the hot-path Redis cache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]string)} }

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(n))
	return cmd
}

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	auditStore := audit.NewStore(db, audit.StaticKeyProvider{MasterKey: []byte("test-key")})
	return &Store{db: db, cache: newFakeCache(), audit: auditStore}, db
}

func testActor() audit.Actor { return audit.Actor{Type: "user", ID: "admin-1"} }

func TestRevokeTokenMarksRevokedUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	expiresAt := time.Now().Add(time.Hour)
	if err := s.RevokeToken(ctx, tx, "jti-1", expiresAt, testActor()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	revoked, err := s.IsTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Fatal("expected jti-1 to be revoked")
	}

	revoked, err = s.IsTokenRevoked(ctx, "jti-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Fatal("expected unknown jti to not be revoked")
	}
}

func TestRevokeAllForUserFloorsIssuedAtCheck(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	floor := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeAllForUser(ctx, tx, "user-1", floor, testActor()); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	revoked, err := s.IsRevoked(ctx, "jti-old", "user-1", floor.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Fatal("expected a token issued before the revoke-all floor to be revoked")
	}

	revoked, err = s.IsRevoked(ctx, "jti-new", "user-1", floor.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Fatal("expected a token issued after the revoke-all floor to remain valid")
	}
}

func TestGCDeletesExpiredRevocations(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeToken(ctx, tx, "jti-expired", time.Now().Add(-time.Hour), testActor()); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	n, err := s.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row collected, got %d", n)
	}
}
