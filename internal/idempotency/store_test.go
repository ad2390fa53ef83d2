package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/loppam/unichow-sub000/internal/awstest"
)

const idempTable = "idempotency"

func newTestStore(t *testing.T) (*Store, *awstest.DB) {
	t.Helper()
	db := awstest.NewDB()
	db.CreateTable(idempTable, "idempotency_key")
	return NewStore(db, idempTable, 48*time.Hour), db
}

func TestCreateIfNotExists(t *testing.T) {
	store, _ := newTestStore(t)

	created, err := store.CreateIfNotExists(context.Background(), "key-1", "order-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("fresh key reported as existing")
	}

	created, err = store.CreateIfNotExists(context.Background(), "key-1", "order-2")
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatal("duplicate key reported as created")
	}

	rec, err := store.Get(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.OrderID != "order-1" {
		t.Fatalf("duplicate overwrote the record: %+v", rec)
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", rec.Status)
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	rec, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestNewRecord_TTL(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return base }

	rec := store.NewRecord("key-1", "order-1")
	if rec.ExpiresAt != base.Add(48*time.Hour).Unix() {
		t.Fatalf("expires_at = %d, want %d", rec.ExpiresAt, base.Add(48*time.Hour).Unix())
	}
}

func TestMarkDoneStoresResponse(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CreateIfNotExists(context.Background(), "key-1", "order-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.MarkDone(context.Background(), "key-1", `{"order_id":"order-1"}`, 201); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	rec, err := store.Get(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusDone {
		t.Fatalf("status = %s, want DONE", rec.Status)
	}
	if rec.ResponseStatus != 201 || rec.ResponseBody != `{"order_id":"order-1"}` {
		t.Fatalf("stored response mismatch: %+v", rec)
	}
}

func TestMarkFailed(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CreateIfNotExists(context.Background(), "key-1", "order-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.MarkFailed(context.Background(), "key-1", "payment declined"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	rec, _ := store.Get(context.Background(), "key-1")
	if rec.Status != StatusFailed || rec.Note != "payment declined" {
		t.Fatalf("failed record mismatch: %+v", rec)
	}
}
