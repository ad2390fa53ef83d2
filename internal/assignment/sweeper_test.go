package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/loppam/unichow-sub000/internal/awstest"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/riders"
)

func newTestSweeper(t *testing.T) (*Sweeper, *awstest.DB) {
	t.Helper()
	e, db := newTestEngine(t)
	s := NewSweeper(e, orders.NewStore(db, ordersTable), riders.NewStore(db, ridersTable), nil)
	return s, db
}

func assignedOrder(id, riderID string, assignedAgo time.Duration) orders.Order {
	at := time.Now().UTC().Add(-assignedAgo)
	o := readyOrder(id, assignedAgo+5*time.Minute)
	o.Status = orders.StatusAssigned
	o.RiderID = riderID
	o.AssignedAt = &at
	return o
}

func TestRequeueTimedOut(t *testing.T) {
	s, db := newTestSweeper(t)
	seedOrder(t, db, assignedOrder("stale", "r1", 6*time.Minute))
	seedOrder(t, db, assignedOrder("fresh", "r2", time.Minute))
	r1 := availableRider("r1", 0)
	r1.AssignedOrders = []string{"stale"}
	seedRider(t, db, r1)
	r2 := availableRider("r2", 0)
	r2.AssignedOrders = []string{"fresh"}
	seedRider(t, db, r2)

	requeued := s.requeueTimedOut(context.Background())
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	stale := fetchOrder(t, db, "stale")
	if stale.Status != orders.StatusReady || stale.RiderID != "" || stale.AssignedAt != nil {
		t.Fatalf("stale order not requeued: %+v", stale)
	}
	if r := fetchRider(t, db, "r1"); len(r.AssignedOrders) != 0 {
		t.Fatalf("stale assignment still on rider: %v", r.AssignedOrders)
	}

	fresh := fetchOrder(t, db, "fresh")
	if fresh.Status != orders.StatusAssigned || fresh.RiderID != "r2" {
		t.Fatalf("fresh assignment disturbed: %+v", fresh)
	}
}

func TestRequeueTimedOut_OneFailureDoesNotAbortSweep(t *testing.T) {
	s, db := newTestSweeper(t)
	seedOrder(t, db, assignedOrder("s1", "r1", 10*time.Minute))
	seedOrder(t, db, assignedOrder("s2", "r2", 10*time.Minute))
	r1 := availableRider("r1", 0)
	r1.AssignedOrders = []string{"s1"}
	seedRider(t, db, r1)
	r2 := availableRider("r2", 0)
	r2.AssignedOrders = []string{"s2"}
	seedRider(t, db, r2)

	// first release transaction fails, the other stale order must still be
	// processed in the same sweep
	db.FailNextTransact = true
	requeued := s.requeueTimedOut(context.Background())
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}
}

func TestTick_MatchesWaitingOrders(t *testing.T) {
	s, db := newTestSweeper(t)
	seedOrder(t, db, readyOrder("o1", time.Minute))
	seedRider(t, db, availableRider("r1", 0))

	s.Tick(context.Background())

	o := fetchOrder(t, db, "o1")
	if o.Status != orders.StatusAssigned || o.RiderID != "r1" {
		t.Fatalf("waiting order not matched: %+v", o)
	}
}

func TestMatchWaiting_ExhaustedWindowFlagsFailure(t *testing.T) {
	s, db := newTestSweeper(t)
	seedOrder(t, db, readyOrder("old", 16*time.Minute))
	seedOrder(t, db, readyOrder("young", 2*time.Minute))
	// no riders at all

	matched, failed := s.matchWaiting(context.Background())
	if matched != 0 || failed != 1 {
		t.Fatalf("matched=%d failed=%d, want 0/1", matched, failed)
	}
	if o := fetchOrder(t, db, "old"); o.Status != orders.StatusAssignmentFailed {
		t.Fatalf("exhausted order = %s, want assignment_failed", o.Status)
	}
	if o := fetchOrder(t, db, "young"); o.Status != orders.StatusReady {
		t.Fatalf("young order flagged early: %s", o.Status)
	}
}

func TestMatchWaiting_FailedOrderIsRetryable(t *testing.T) {
	s, db := newTestSweeper(t)
	seedOrder(t, db, readyOrder("o1", 20*time.Minute))

	if _, failed := s.matchWaiting(context.Background()); failed != 1 {
		t.Fatalf("order not flagged")
	}

	// manual retry puts it back to ready; with a rider online the next sweep
	// picks it up
	store := orders.NewStore(db, ordersTable)
	if err := store.TransitionStatus(context.Background(), "o1", orders.StatusAssignmentFailed, orders.StatusReady); err != nil {
		t.Fatalf("retry transition: %v", err)
	}
	seedRider(t, db, availableRider("r1", 0))

	matched, _ := s.matchWaiting(context.Background())
	if matched != 1 {
		t.Fatalf("retried order not matched")
	}
	if o := fetchOrder(t, db, "o1"); o.Status != orders.StatusAssigned {
		t.Fatalf("status = %s, want assigned", o.Status)
	}
}

func TestReapIdleRiders(t *testing.T) {
	s, db := newTestSweeper(t)
	now := time.Now().UTC()

	idle := availableRider("idle", 0)
	idle.LastActivity = now.Add(-31 * time.Minute)
	seedRider(t, db, idle)

	active := availableRider("active", 0)
	active.LastActivity = now.Add(-5 * time.Minute)
	seedRider(t, db, active)

	busy := availableRider("busy-idle", 0)
	busy.Status = riders.StatusBusy
	busy.LastActivity = now.Add(-2 * time.Hour)
	seedRider(t, db, busy)

	reaped := s.ReapIdleRiders(context.Background())
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if r := fetchRider(t, db, "idle"); r.Status != riders.StatusOffline {
		t.Fatalf("idle rider = %s, want offline", r.Status)
	}
	if r := fetchRider(t, db, "active"); r.Status != riders.StatusAvailable {
		t.Fatalf("active rider reaped: %s", r.Status)
	}
	if r := fetchRider(t, db, "busy-idle"); r.Status != riders.StatusBusy {
		t.Fatalf("busy rider reaped: %s", r.Status)
	}
}

func TestReapedRiderLeavesMatchingPool(t *testing.T) {
	s, db := newTestSweeper(t)
	idle := availableRider("r1", 0)
	idle.LastActivity = time.Now().UTC().Add(-time.Hour)
	seedRider(t, db, idle)
	seedOrder(t, db, readyOrder("o1", time.Minute))

	s.ReapIdleRiders(context.Background())

	matched, _ := s.matchWaiting(context.Background())
	if matched != 0 {
		t.Fatal("offline rider was matched")
	}
	if o := fetchOrder(t, db, "o1"); o.Status != orders.StatusReady {
		t.Fatalf("order mutated: %+v", o)
	}
}
