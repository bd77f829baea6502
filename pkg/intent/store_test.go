package intent

import (
	"context"
	"testing"

	"github.com/intentgov/core/pkg/store"
)

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
	return NewStore(db), db
}

func TestCreate_RejectsDuplicateWhileActive(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	req := SubmitRequest{EntityID: "agent-1", Goal: "deploy service X", IntentType: "deployment"}

	tx, _ := db.BeginTx(ctx, nil)
	if _, err := s.Create(ctx, tx, "tenant-a", req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	_, err := s.Create(ctx, tx2, "tenant-a", req)
	_ = tx2.Rollback()
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpdateStatus_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	tx, _ := db.BeginTx(ctx, nil)
	it, err := s.Create(ctx, tx, "tenant-a", SubmitRequest{EntityID: "e1", Goal: "g"})
	if err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit()

	tx2, _ := db.BeginTx(ctx, nil)
	err = s.UpdateStatus(ctx, tx2, "tenant-a", it.ID, StatusPending, StatusCompleted, nil)
	_ = tx2.Rollback()
	if _, ok := err.(ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateStatus_StaleCompareFails(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	tx, _ := db.BeginTx(ctx, nil)
	it, _ := s.Create(ctx, tx, "tenant-a", SubmitRequest{EntityID: "e1", Goal: "g"})
	_ = tx.Commit()

	tx2, _ := db.BeginTx(ctx, nil)
	if err := s.UpdateStatus(ctx, tx2, "tenant-a", it.ID, StatusPending, StatusEvaluating, nil); err != nil {
		t.Fatal(err)
	}
	_ = tx2.Commit()

	tx3, _ := db.BeginTx(ctx, nil)
	err := s.UpdateStatus(ctx, tx3, "tenant-a", it.ID, StatusPending, StatusEvaluating, nil)
	_ = tx3.Rollback()
	if err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
}

func TestAppendEvent_ChainsAndVerifies(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	tx, _ := db.BeginTx(ctx, nil)
	it, _ := s.Create(ctx, tx, "tenant-a", SubmitRequest{EntityID: "e1", Goal: "g"})
	_, err := s.AppendEvent(ctx, tx, "tenant-a", it.ID, "intent.submitted", map[string]interface{}{"goal": "g"})
	if err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit()

	tx2, _ := db.BeginTx(ctx, nil)
	_, err = s.AppendEvent(ctx, tx2, "tenant-a", it.ID, "intent.evaluating", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = tx2.Commit()

	result, err := s.VerifyEventChain(ctx, "tenant-a", it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.TotalVerified != 2 {
		t.Fatalf("expected valid 2-event chain, got %+v", result)
	}
}

func TestList_KeysetPagination(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	for i := 0; i < 3; i++ {
		tx, _ := db.BeginTx(ctx, nil)
		_, err := s.Create(ctx, tx, "tenant-a", SubmitRequest{EntityID: "e1", Goal: "goal", IntentType: "t", Context: map[string]interface{}{"n": i}})
		if err != nil {
			t.Fatal(err)
		}
		_ = tx.Commit()
	}

	page, err := s.List(ctx, ListFilter{TenantID: "tenant-a", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 results, got %d", len(page))
	}

	next, err := s.List(ctx, ListFilter{
		TenantID: "tenant-a",
		Limit:    2,
		Cursor:   &Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 {
		t.Fatalf("expected 1 remaining result, got %d", len(next))
	}
}

func TestSoftDelete_ExcludesFromGet(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	tx, _ := db.BeginTx(ctx, nil)
	it, _ := s.Create(ctx, tx, "tenant-a", SubmitRequest{EntityID: "e1", Goal: "g"})
	_ = tx.Commit()

	tx2, _ := db.BeginTx(ctx, nil)
	if err := s.SoftDelete(ctx, tx2, "tenant-a", it.ID); err != nil {
		t.Fatal(err)
	}
	_ = tx2.Commit()

	if _, err := s.Get(ctx, "tenant-a", it.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
}
