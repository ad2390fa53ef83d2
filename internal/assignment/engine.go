package assignment

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/riders"
)

var (
	// ErrNoRiderAvailable means the candidate pool was empty. Recoverable:
	// the sweep retries on its next tick.
	ErrNoRiderAvailable = errors.New("no rider available")
	// ErrAssignmentConflict means the atomic assignment write lost to a
	// concurrent writer. Never retried inline; the next sweep tick revisits
	// the order.
	ErrAssignmentConflict = errors.New("assignment transaction conflict")
	// ErrNotAssignable means the order is not in a matchable state.
	ErrNotAssignable = errors.New("order not assignable")
)

// Assignment is the result of attaching a rider to an order.
type Assignment struct {
	OrderID string
	RiderID string
}

// Engine matches ready orders to available riders and owns the only code
// path that writes order.rider_id and rider.assigned_orders.
type Engine struct {
	db       aws.DynamoDBAPI
	orders   *orders.Store
	riders   *riders.Store
	notifier *aws.Notifier
	nowFunc  func() time.Time
}

// NewEngine wires the assignment engine.
func NewEngine(db aws.DynamoDBAPI, orderStore *orders.Store, riderStore *riders.Store, notifier *aws.Notifier) *Engine {
	return &Engine{
		db:       db,
		orders:   orderStore,
		riders:   riderStore,
		notifier: notifier,
		nowFunc:  time.Now,
	}
}

// Assign attaches exactly one rider to the order. Candidates are verified,
// available riders ranked by ascending assignment count; the write is a
// single transaction spanning the order and the chosen rider, with both
// preconditions re-checked inside it. Calling Assign on an order that is
// already assigned returns the existing assignment.
func (e *Engine) Assign(ctx context.Context, orderID string) (*Assignment, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, orders.ErrNotFound
	}
	if o.Status == orders.StatusAssigned && o.RiderID != "" {
		return &Assignment{OrderID: orderID, RiderID: o.RiderID}, nil
	}
	if o.Status != orders.StatusReady {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotAssignable, orderID, o.Status)
	}

	pool, err := e.riders.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrNoRiderAvailable
	}

	candidate := leastLoaded(pool)
	now := e.nowFunc()

	orderUpdate := e.orders.AssignUpdate(orderID, candidate.RiderID, now)
	riderUpdate := e.riders.AttachUpdate(candidate.RiderID, orderID, now)

	_, err = e.db.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &orderUpdate},
			{Update: &riderUpdate},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return nil, fmt.Errorf("%w: order=%s rider=%s", ErrAssignmentConflict, orderID, candidate.RiderID)
		}
		return nil, fmt.Errorf("assignment transact write: %w", err)
	}

	e.notifier.Publish(ctx, aws.Event{
		Kind:    aws.EventRiderAssigned,
		OrderID: orderID,
		RiderID: candidate.RiderID,
		Status:  string(orders.StatusAssigned),
	})

	return &Assignment{OrderID: orderID, RiderID: candidate.RiderID}, nil
}

// Release undoes a stale assignment in one transaction: the order goes back
// to ready with the rider cleared (guarded on still being assigned to that
// rider) and the order leaves the rider's set.
func (e *Engine) Release(ctx context.Context, orderID, riderID string) error {
	now := e.nowFunc()
	orderUpdate := e.orders.UnassignUpdate(orderID, riderID, now)
	riderUpdate := e.riders.DetachUpdate(riderID, orderID, now)

	_, err := e.db.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &orderUpdate},
			{Update: &riderUpdate},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("%w: release order=%s rider=%s", ErrAssignmentConflict, orderID, riderID)
		}
		return fmt.Errorf("release transact write: %w", err)
	}
	return nil
}

// CancelAssigned cancels an order straight out of assignment in one
// transaction: the order moves to cancelled with the rider cleared and the
// order leaves the rider's set. Returns orders.ErrStatusMismatch when the
// order is no longer assigned to that rider, so callers can re-read and
// reconcile the way they do for any lost compare-and-swap.
func (e *Engine) CancelAssigned(ctx context.Context, orderID, riderID string) error {
	now := e.nowFunc()
	orderUpdate := e.orders.CancelAssignedUpdate(orderID, riderID, now)
	return e.detachTransact(ctx, orderUpdate, orderID, riderID)
}

// CompleteDelivery finishes the order in one transaction: picked_up ->
// delivered on the order (rider_id stays as the record of who delivered it)
// while the order leaves the rider's set, so the rider's load reflects only
// in-flight work. Returns orders.ErrStatusMismatch when the order is not
// picked_up by that rider.
func (e *Engine) CompleteDelivery(ctx context.Context, orderID, riderID string) error {
	now := e.nowFunc()
	orderUpdate := e.orders.DeliverUpdate(orderID, riderID, now)
	return e.detachTransact(ctx, orderUpdate, orderID, riderID)
}

func (e *Engine) detachTransact(ctx context.Context, orderUpdate types.Update, orderID, riderID string) error {
	riderUpdate := e.riders.DetachUpdate(riderID, orderID, e.nowFunc())

	_, err := e.db.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &orderUpdate},
			{Update: &riderUpdate},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return orders.ErrStatusMismatch
		}
		return fmt.Errorf("detach transact write: %w", err)
	}
	return nil
}

// leastLoaded picks the candidate with the fewest assigned orders, rider id
// as the deterministic tie-break.
func leastLoaded(pool []riders.Rider) riders.Rider {
	h := riderHeap(pool)
	heap.Init(&h)
	return h[0]
}

// riderHeap is a min-heap over current assignment count.
type riderHeap []riders.Rider

func (h riderHeap) Len() int { return len(h) }

func (h riderHeap) Less(i, j int) bool {
	if h[i].Load() != h[j].Load() {
		return h[i].Load() < h[j].Load()
	}
	return h[i].RiderID < h[j].RiderID
}

func (h riderHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *riderHeap) Push(x any) { *h = append(*h, x.(riders.Rider)) }

func (h *riderHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}
