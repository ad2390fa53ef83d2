package orders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/loppam/unichow-sub000/internal/aws"
)

// Service-level errors surfaced to callers.
var (
	ErrNotFound                = errors.New("order not found")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrUnauthorized            = errors.New("actor not permitted")
	ErrInvalidConfirmationCode = errors.New("invalid confirmation code")
)

// Ledger is the wallet operations the order lifecycle needs: refunds on
// cancellation and the delivery-fee payout on confirmed delivery.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64, description, orderID string) error
}

// Assignments is the engine-owned write path for transitions that must also
// maintain the rider's assigned_orders set. Keeping these in one transaction
// preserves the invariant that rider_id is present only on assigned,
// picked_up, and delivered orders, and that rider load counts in-flight work.
type Assignments interface {
	CancelAssigned(ctx context.Context, orderID, riderID string) error
	CompleteDelivery(ctx context.Context, orderID, riderID string) error
}

// Service drives guarded order status transitions.
type Service struct {
	store       *Store
	ledger      Ledger
	assignments Assignments
	notifier    *aws.Notifier
}

// NewService wires the order service.
func NewService(store *Store, ledger Ledger, assignments Assignments, notifier *aws.Notifier) *Service {
	return &Service{store: store, ledger: ledger, assignments: assignments, notifier: notifier}
}

// Get returns the order snapshot or ErrNotFound.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return o, nil
}

// UpdateStatus validates the actor and the transition table, then performs a
// compare-and-swap on the current status. Re-applying a transition whose
// target status already holds is a no-op, not an error.
//
// The assigned and delivered targets are never reachable here: assignment is
// written only by the assignment engine's transaction, and delivery goes
// through Deliver with the confirmation code.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, next Status, actor Actor) (*Order, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == StatusAssigned || next == StatusDelivered {
		return nil, fmt.Errorf("%w: status %q cannot be set directly", ErrUnauthorized, next)
	}

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == next {
		return o, nil // idempotent replay
	}
	if !CanTransition(o.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	if err := authorize(o, next, actor); err != nil {
		return nil, err
	}

	// Cancelling an assigned order must also clear the rider from both
	// documents, so it goes through the engine's transaction instead of the
	// single-item compare-and-swap.
	var terr error
	if next == StatusCancelled && o.Status == StatusAssigned {
		terr = s.assignments.CancelAssigned(ctx, orderID, o.RiderID)
	} else {
		terr = s.store.TransitionStatus(ctx, orderID, o.Status, next)
	}
	if terr != nil {
		if errors.Is(terr, ErrStatusMismatch) {
			// Lost the race. If the winner applied the same transition,
			// treat the replay as success.
			cur, gerr := s.Get(ctx, orderID)
			if gerr == nil && cur.Status == next {
				return cur, nil
			}
			return nil, fmt.Errorf("%w: concurrent update from %s", ErrInvalidTransition, o.Status)
		}
		return nil, terr
	}

	if next == StatusCancelled {
		if err := s.refundIfPaid(ctx, o); err != nil {
			return nil, err
		}
	}

	s.notifier.Publish(ctx, aws.Event{
		Kind:    aws.EventOrderStatusChanged,
		OrderID: orderID,
		Status:  string(next),
	})

	return s.Get(ctx, orderID)
}

// Accept is the restaurant's pending -> accepted transition with an optional
// estimated-preparation-time hint (informational only).
func (s *Service) Accept(ctx context.Context, orderID string, actor Actor, prepMinutes int) (*Order, error) {
	o, err := s.UpdateStatus(ctx, orderID, StatusAccepted, actor)
	if err != nil {
		return nil, err
	}
	if prepMinutes > 0 {
		if err := s.store.SetPrepMinutes(ctx, orderID, prepMinutes); err != nil {
			log.Printf("[orders] prep hint not recorded for order=%s: %v", orderID, err)
		}
	}
	return o, nil
}

// Deliver completes a picked_up order. The rider must be the assigned rider
// and must present the customer's confirmation code; a wrong code fails with
// ErrInvalidConfirmationCode and leaves the status unchanged. On success the
// delivery fee is credited to the rider's wallet.
func (s *Service) Deliver(ctx context.Context, orderID, riderID, code string) (*Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.RiderID == "" || o.RiderID != riderID {
		return nil, fmt.Errorf("%w: rider %s is not assigned to order %s", ErrUnauthorized, riderID, orderID)
	}
	if o.ConfirmationCode != code {
		return nil, ErrInvalidConfirmationCode
	}
	if o.Status == StatusDelivered {
		return o, nil // idempotent replay
	}
	if o.Status != StatusPickedUp {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusDelivered)
	}

	// Delivery detaches the order from the rider's set in the same
	// transaction, so rider load drops back as soon as the order is done.
	if err := s.assignments.CompleteDelivery(ctx, orderID, riderID); err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			cur, gerr := s.Get(ctx, orderID)
			if gerr == nil && cur.Status == StatusDelivered {
				return cur, nil
			}
			return nil, fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
		}
		return nil, err
	}

	if o.DeliveryFee > 0 {
		if err := s.ledger.Credit(ctx, riderID, o.DeliveryFee, "delivery fee payout", orderID); err != nil {
			// Delivery stands; the payout is retried out of band.
			log.Printf("[orders] delivery fee payout failed for order=%s rider=%s: %v", orderID, riderID, err)
		}
	}

	s.notifier.Publish(ctx, aws.Event{
		Kind:    aws.EventOrderStatusChanged,
		OrderID: orderID,
		RiderID: riderID,
		Status:  string(StatusDelivered),
	})

	return s.Get(ctx, orderID)
}

// refundIfPaid issues the compensating wallet credit when a wallet-paid,
// already-debited order is cancelled.
func (s *Service) refundIfPaid(ctx context.Context, o *Order) error {
	if o.PaymentMethod != PaymentMethodWallet || o.PaymentStatus != PaymentPaid {
		return nil
	}
	if err := s.ledger.Credit(ctx, o.CustomerID, o.Total, "order cancellation refund", o.OrderID); err != nil {
		return fmt.Errorf("refund wallet credit: %w", err)
	}
	return nil
}

// authorize enforces who may request each transition.
func authorize(o *Order, next Status, actor Actor) error {
	if actor.Role == RoleSystem {
		return nil
	}
	switch next {
	case StatusAccepted, StatusPreparing:
		if actor.Role == RoleRestaurant && actor.ID == o.RestaurantID {
			return nil
		}
	case StatusReady:
		// preparing -> ready, and the assignment_failed -> ready manual retry.
		if actor.Role == RoleRestaurant && actor.ID == o.RestaurantID {
			return nil
		}
	case StatusPickedUp:
		if actor.Role == RoleRider && o.RiderID != "" && actor.ID == o.RiderID {
			return nil
		}
	case StatusCancelled:
		switch actor.Role {
		case RoleCustomer:
			if actor.ID == o.CustomerID && o.Status == StatusPending {
				return nil
			}
		case RoleRestaurant:
			if actor.ID == o.RestaurantID && (o.Status == StatusPending || o.Status == StatusAccepted ||
				o.Status == StatusAssignmentFailed) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s/%s may not set %s", ErrUnauthorized, actor.Role, actor.ID, next)
}

// GenerateConfirmationCode returns the 6-digit delivery confirmation code
// generated once at checkout.
func GenerateConfirmationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
