package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/queue"
	"github.com/intentgov/core/pkg/store"
)

// fakeLocker is an in-process stand-in for Redis SET NX, sufficient to
// exercise Submit's dedupe-lock contention path without a live server.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]time.Time)} }

func (f *fakeLocker) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(context.Background())
	if expiry, ok := f.held[key]; ok && time.Now().Before(expiry) {
		cmd.SetVal(false)
		return cmd
	}
	f.held[key] = time.Now().Add(ttl)
	cmd.SetVal(true)
	return cmd
}

type fakeIntake struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (f *fakeIntake) Push(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeIntake) {
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
	intake := &fakeIntake{}

	o := &Orchestrator{
		db: db, redis: newFakeLocker(), intents: intents, audit: auditStore, intake: intake,
		cfg: Config{DedupeWindow: time.Minute},
	}
	return o, intake
}

func testActor() audit.Actor { return audit.Actor{Type: "agent", ID: "entity-1"} }

func TestSubmitPersistsEnqueuesAndChainsEvent(t *testing.T) {
	ctx := context.Background()
	o, intake := newTestOrchestrator(t)

	it, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{
		EntityID: "agent-1", Goal: "refund order 42", IntentType: "refund",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if it.Status != intent.StatusPending {
		t.Fatalf("expected pending status, got %s", it.Status)
	}
	if len(intake.jobs) != 1 || intake.jobs[0].IntentID != it.ID {
		t.Fatalf("expected one intake job for %s, got %+v", it.ID, intake.jobs)
	}

	result, err := o.VerifyEventChain(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid event chain, got %+v", result)
	}
}

func TestSubmitRejectsOversizedGoal(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	goal := make([]byte, intent.MaxGoalLen+1)
	for i := range goal {
		goal[i] = 'a'
	}
	_, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{EntityID: "agent-1", Goal: string(goal)})
	if err != ErrGoalTooLong {
		t.Fatalf("expected ErrGoalTooLong, got %v", err)
	}
}

func TestSubmitDedupeLockRejectsConcurrentDuplicate(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	req := intent.SubmitRequest{EntityID: "agent-1", Goal: "transfer funds", IntentType: "transfer"}
	if _, err := o.Submit(ctx, "tenant-a", testActor(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := o.Submit(ctx, "tenant-a", testActor(), req); err != ErrConflict {
		t.Fatalf("expected ErrConflict on duplicate submit within dedupe window, got %v", err)
	}
}

func TestSubmitIdempotencyKeyReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	o, intake := newTestOrchestrator(t)

	req := intent.SubmitRequest{EntityID: "agent-1", Goal: "transfer funds", IdempotencyKey: "key-123"}
	first, err := o.Submit(ctx, "tenant-a", testActor(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	req2 := intent.SubmitRequest{EntityID: "agent-1", Goal: "a different goal entirely", IdempotencyKey: "key-123"}
	second, err := o.Submit(ctx, "tenant-a", testActor(), req2)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected idempotency key to return original intent %s, got %s", first.ID, second.ID)
	}
	if len(intake.jobs) != 1 {
		t.Fatalf("expected only one intake job across both submits, got %d", len(intake.jobs))
	}
}

func TestCancelRejectsTerminalIntent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	it, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{EntityID: "agent-1", Goal: "book a flight"})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := o.Cancel(ctx, "tenant-a", it.ID, "operator request", testActor())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != intent.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	if _, err := o.Cancel(ctx, "tenant-a", it.ID, "again", testActor()); err != ErrNotCancellable {
		t.Fatalf("expected ErrNotCancellable on already-terminal intent, got %v", err)
	}
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	it, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{EntityID: "agent-1", Goal: "book a flight"})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Delete(ctx, "tenant-a", it.ID, testActor()); err != ErrNotDeletable {
		t.Fatalf("expected ErrNotDeletable for a pending intent, got %v", err)
	}

	if _, err := o.Cancel(ctx, "tenant-a", it.ID, "cleanup", testActor()); err != nil {
		t.Fatal(err)
	}
	if err := o.Delete(ctx, "tenant-a", it.ID, testActor()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := o.Get(ctx, "tenant-a", it.ID); err != intent.ErrNotFound {
		t.Fatalf("expected soft-deleted intent to read as not found, got %v", err)
	}
}

func TestReplayCreatesNewIntentFromTerminalOne(t *testing.T) {
	ctx := context.Background()
	o, intake := newTestOrchestrator(t)

	it, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{
		EntityID: "agent-1", Goal: "transfer funds", IntentType: "transfer",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Cancel(ctx, "tenant-a", it.ID, "denied upstream", testActor()); err != nil {
		t.Fatal(err)
	}

	replayed, err := o.Replay(ctx, "tenant-a", it.ID, testActor())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ID == it.ID {
		t.Fatal("expected replay to produce a distinct intent id")
	}
	if replayed.Metadata["replayed_from"] != it.ID {
		t.Fatalf("expected replayed_from metadata to point at original, got %+v", replayed.Metadata)
	}
	if len(intake.jobs) != 2 {
		t.Fatalf("expected both original submit and replay to enqueue, got %d jobs", len(intake.jobs))
	}

	_, events, err := o.GetWithEvents(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "intent.replayed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected original intent's ledger to record intent.replayed")
	}
}

func TestUpdateStatusAppendsEventAndAudit(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	it, err := o.Submit(ctx, "tenant-a", testActor(), intent.SubmitRequest{EntityID: "agent-1", Goal: "book a flight"})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.UpdateStatus(ctx, "tenant-a", it.ID, intent.StatusPending, intent.StatusEvaluating, "intent.evaluating", nil, testActor()); err != nil {
		t.Fatalf("update status: %v", err)
	}

	updated, err := o.Get(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != intent.StatusEvaluating {
		t.Fatalf("expected evaluating, got %s", updated.Status)
	}
}
