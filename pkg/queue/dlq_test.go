package queue

import (
	"context"
	"testing"
	"time"

	"github.com/intentgov/core/pkg/store"
)

func newTestDLQ(t *testing.T) *PostgresDLQ {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresDLQ(db)
}

func TestPostgresDLQPutAndList(t *testing.T) {
	ctx := context.Background()
	dlq := newTestDLQ(t)

	if err := dlq.Put(ctx, DeadLetter{
		Stage: StageEvaluate, TenantID: "tenant-a", IntentID: "intent-1",
		LastError: "policy lookup timed out", Attempts: 5, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := dlq.Put(ctx, DeadLetter{
		Stage: StageEvaluate, TenantID: "tenant-b", IntentID: "intent-2",
		LastError: "boom", Attempts: 3, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := dlq.List(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].IntentID != "intent-1" {
		t.Fatalf("expected one tenant-a dead letter, got %+v", got)
	}
}
