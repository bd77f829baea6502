package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *intent.Store, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	intents := intent.NewStore(db)
	auditStore := audit.NewStore(db, audit.StaticKeyProvider{MasterKey: []byte("test-key")})
	return NewManager(db, intents, auditStore), intents, db
}

func seedEvaluatingIntent(t *testing.T, ctx context.Context, intents *intent.Store, db *store.DB, tenantID string) *intent.Intent {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	it, err := intents.Create(ctx, tx, tenantID, intent.SubmitRequest{EntityID: "agent-1", Goal: "transfer funds"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := intents.UpdateStatus(ctx, tx2, tenantID, it.ID, intent.StatusPending, intent.StatusEvaluating, nil); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
	return it
}

func testActor() audit.Actor { return audit.Actor{Type: "system", ID: "policy-engine"} }

func TestCreateTransitionsIntentAndPersists(t *testing.T) {
	ctx := context.Background()
	mgr, intents, db := newTestManager(t)
	it := seedEvaluatingIntent(t, ctx, intents, db, "tenant-a")

	e, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "high-value transfer", EscalatedTo: "finance-team", TimeoutSeconds: 300,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Status != StatusPending {
		t.Fatalf("expected pending escalation, got %s", e.Status)
	}

	updated, err := intents.Get(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != intent.StatusEscalated {
		t.Fatalf("expected intent escalated, got %s", updated.Status)
	}
}

func TestCreateRejectsSecondActiveEscalation(t *testing.T) {
	ctx := context.Background()
	mgr, intents, db := newTestManager(t)
	it := seedEvaluatingIntent(t, ctx, intents, db, "tenant-a")

	if _, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "r1", EscalatedTo: "finance-team", TimeoutSeconds: 300,
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// intent is now escalated, not evaluating: a second Create must fail
	// the intent-transition guard before it ever reaches the unique index.
	if _, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "r2", EscalatedTo: "finance-team", TimeoutSeconds: 300,
	}); err == nil {
		t.Fatal("expected second escalation on the same intent to fail")
	}
}

func TestApproveResolvesIntentAndEscalation(t *testing.T) {
	ctx := context.Background()
	mgr, intents, db := newTestManager(t)
	it := seedEvaluatingIntent(t, ctx, intents, db, "tenant-a")

	e, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "r1", EscalatedTo: "finance-team", TimeoutSeconds: 300,
	})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := mgr.Approve(ctx, "tenant-a", e.ID, testActor(), ResolveRequest{ResolverID: "alice", Notes: "looks fine"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", resolved.Status)
	}

	updated, err := intents.Get(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != intent.StatusApproved {
		t.Fatalf("expected intent approved, got %s", updated.Status)
	}

	if _, err := mgr.Approve(ctx, "tenant-a", e.ID, testActor(), ResolveRequest{ResolverID: "bob"}); err != ErrAlreadyResolved {
		t.Fatalf("expected ErrAlreadyResolved on double-approve, got %v", err)
	}
}

func TestTimeoutSweepMarksBreachedWithoutAutoDeny(t *testing.T) {
	ctx := context.Background()
	mgr, intents, db := newTestManager(t)
	it := seedEvaluatingIntent(t, ctx, intents, db, "tenant-a")

	now := time.Now().UTC()
	mgr.WithClock(func() time.Time { return now })
	e, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "r1", EscalatedTo: "finance-team", TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	mgr.WithClock(func() time.Time { return now.Add(2 * time.Second) })
	swept, err := mgr.TimeoutSweep(ctx, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept escalation, got %d", swept)
	}

	got, err := mgr.Get(ctx, "tenant-a", e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SLABreached || got.Status != StatusPending {
		t.Fatalf("expected sla_breached=true, status still pending, got %+v", got)
	}
}

func TestTimeoutSweepAutoDenies(t *testing.T) {
	ctx := context.Background()
	mgr, intents, db := newTestManager(t)
	it := seedEvaluatingIntent(t, ctx, intents, db, "tenant-a")

	now := time.Now().UTC()
	mgr.WithClock(func() time.Time { return now })
	if _, err := mgr.Create(ctx, "tenant-a", testActor(), CreateRequest{
		IntentID: it.ID, Reason: "r1", EscalatedTo: "finance-team", TimeoutSeconds: 1,
	}); err != nil {
		t.Fatal(err)
	}

	mgr.WithClock(func() time.Time { return now.Add(2 * time.Second) })
	if _, err := mgr.TimeoutSweep(ctx, true); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	updated, err := intents.Get(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != intent.StatusDenied {
		t.Fatalf("expected auto-denied intent, got %s", updated.Status)
	}
}
