package assignment

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/riders"
)

// Default sweep cadences and timeouts.
const (
	DefaultAssignInterval    = 60 * time.Second
	DefaultReapInterval      = 5 * time.Minute
	DefaultAssignmentTimeout = 5 * time.Minute
	DefaultMatchWindow       = 15 * time.Minute
	DefaultRiderIdleTimeout  = 30 * time.Minute
)

// Sweeper owns the two background reconciliation passes: reassignment of
// timed-out assignments (plus matching of waiting orders) and idle-rider
// reaping. Both are safe to run concurrently with any number of synchronous
// Assign calls: every write is a guarded transaction, so a lost race is a
// logged skip, never a half-applied state.
type Sweeper struct {
	Engine  *Engine
	Orders  *orders.Store
	Riders  *riders.Store
	Metrics *aws.SweepMetrics

	AssignInterval    time.Duration
	ReapInterval      time.Duration
	AssignmentTimeout time.Duration
	MatchWindow       time.Duration
	RiderIdleTimeout  time.Duration

	nowFunc func() time.Time
}

// NewSweeper returns a sweeper with default cadences.
func NewSweeper(engine *Engine, orderStore *orders.Store, riderStore *riders.Store, metrics *aws.SweepMetrics) *Sweeper {
	return &Sweeper{
		Engine:            engine,
		Orders:            orderStore,
		Riders:            riderStore,
		Metrics:           metrics,
		AssignInterval:    DefaultAssignInterval,
		ReapInterval:      DefaultReapInterval,
		AssignmentTimeout: DefaultAssignmentTimeout,
		MatchWindow:       DefaultMatchWindow,
		RiderIdleTimeout:  DefaultRiderIdleTimeout,
		nowFunc:           time.Now,
	}
}

// Run drives both sweeps on their tickers until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	assignTicker := time.NewTicker(s.AssignInterval)
	defer assignTicker.Stop()
	reapTicker := time.NewTicker(s.ReapInterval)
	defer reapTicker.Stop()

	log.Printf("[sweeper] running: assign every %s, reap every %s", s.AssignInterval, s.ReapInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sweeper] stopping: %v", ctx.Err())
			return
		case <-assignTicker.C:
			s.Tick(ctx)
		case <-reapTicker.C:
			s.ReapIdleRiders(ctx)
		}
	}
}

// Tick runs one assignment sweep: requeue timed-out assignments, then give
// every waiting order one matching attempt. Counters are pushed to
// CloudWatch.
func (s *Sweeper) Tick(ctx context.Context) {
	counts := map[string]int{
		"OrdersRequeued":   s.requeueTimedOut(ctx),
		"OrdersMatched":    0,
		"AssignmentFailed": 0,
	}
	matched, failed := s.matchWaiting(ctx)
	counts["OrdersMatched"] = matched
	counts["AssignmentFailed"] = failed
	s.Metrics.EmitCounts(ctx, counts)
}

// requeueTimedOut resets orders whose rider never picked up within the
// assignment timeout. One order's failure never aborts the rest.
func (s *Sweeper) requeueTimedOut(ctx context.Context) int {
	cutoff := s.nowFunc().Add(-s.AssignmentTimeout)
	stale, err := s.Orders.ListAssignedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[sweeper] list timed-out assignments: %v", err)
		return 0
	}

	requeued := 0
	for _, o := range stale {
		if o.RiderID == "" {
			continue
		}
		if err := s.Engine.Release(ctx, o.OrderID, o.RiderID); err != nil {
			log.Printf("[sweeper] requeue order=%s rider=%s: %v", o.OrderID, o.RiderID, err)
			continue
		}
		log.Printf("[sweeper] requeued order=%s after assignment timeout (rider=%s)", o.OrderID, o.RiderID)
		requeued++
	}
	return requeued
}

// matchWaiting attempts one assignment per waiting order. Orders past the
// match window with no candidate are flagged assignment_failed for the
// restaurant dashboard's manual retry.
func (s *Sweeper) matchWaiting(ctx context.Context) (matched, failed int) {
	waiting, err := s.Orders.ListAwaitingRider(ctx)
	if err != nil {
		log.Printf("[sweeper] list waiting orders: %v", err)
		return 0, 0
	}

	now := s.nowFunc()
	for _, o := range waiting {
		a, err := s.Engine.Assign(ctx, o.OrderID)
		if err == nil {
			log.Printf("[sweeper] matched order=%s rider=%s", a.OrderID, a.RiderID)
			matched++
			continue
		}
		switch {
		case errors.Is(err, ErrNoRiderAvailable):
			if s.exhausted(o, now) {
				if terr := s.Orders.TransitionStatus(ctx, o.OrderID, orders.StatusReady, orders.StatusAssignmentFailed); terr != nil {
					log.Printf("[sweeper] flag assignment_failed order=%s: %v", o.OrderID, terr)
					continue
				}
				log.Printf("[sweeper] order=%s exhausted the match window", o.OrderID)
				failed++
			}
		case errors.Is(err, ErrAssignmentConflict), errors.Is(err, ErrNotAssignable):
			// Lost a race with a synchronous caller or another sweep; the
			// order is revisited next tick if it still qualifies.
			log.Printf("[sweeper] skip order=%s: %v", o.OrderID, err)
		default:
			log.Printf("[sweeper] match order=%s: %v", o.OrderID, err)
		}
	}
	return matched, failed
}

func (s *Sweeper) exhausted(o orders.Order, now time.Time) bool {
	since := o.ReadyAt
	if since == nil {
		return false
	}
	return now.Sub(*since) >= s.MatchWindow
}

// ReapIdleRiders flips available riders with no activity inside the idle
// timeout to offline, removing them from future matching pools.
func (s *Sweeper) ReapIdleRiders(ctx context.Context) int {
	cutoff := s.nowFunc().Add(-s.RiderIdleTimeout)
	idle, err := s.Riders.ListIdleAvailable(ctx, cutoff)
	if err != nil {
		log.Printf("[sweeper] list idle riders: %v", err)
		return 0
	}

	reaped := 0
	for _, r := range idle {
		if err := s.Riders.MarkOffline(ctx, r.RiderID); err != nil {
			if errors.Is(err, riders.ErrStatusMismatch) {
				// Rider acted between the scan and the flip; leave them be.
				continue
			}
			log.Printf("[sweeper] reap rider=%s: %v", r.RiderID, err)
			continue
		}
		log.Printf("[sweeper] rider=%s reaped after inactivity", r.RiderID)
		reaped++
	}
	s.Metrics.EmitCounts(ctx, map[string]int{"RidersReaped": reaped})
	return reaped
}
