// Package sweeper reclaims order locks left behind by attempts that never
// reached a definitive answer.
//
// A stale order with a pending payment is reconciled through verification,
// never unlocked blindly, since the customer may have paid. An order with no
// pending payment holds a lock no attempt can release, and is unlocked.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/payment-reconciler/internal/lock"
	"github.com/jogardn/payment-reconciler/internal/payments"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/sirupsen/logrus"
)

type Reconciler interface {
	Verify(ctx context.Context, reference string) (*payments.VerifyResult, error)
}

type Config struct {
	StaleAfter  time.Duration `json:"stale_after"`
	Concurrency int           `json:"concurrency"`
	DryRun      bool          `json:"dry_run"`
}

type Result struct {
	TotalOrders    int           `json:"total_orders"`
	Reconciled     int           `json:"reconciled"`
	Released       int           `json:"released"`
	StillLocked    int           `json:"still_locked"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	ErrorDetails   []SweepError  `json:"error_details"`
	DryRun         bool          `json:"dry_run"`
	Timestamp      time.Time     `json:"timestamp"`
}

type SweepError struct {
	OrderID   string    `json:"order_id"`
	Reference string    `json:"reference,omitempty"`
	Error     string    `json:"error"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type Sweeper struct {
	orders     store.OrderStore
	payments   store.PaymentStore
	locks      *lock.Manager
	reconciler Reconciler
	config     Config
	now        func() time.Time
	logger     *logrus.Logger
}

func New(orders store.OrderStore, paymentStore store.PaymentStore, locks *lock.Manager, reconciler Reconciler, config Config, logger *logrus.Logger) *Sweeper {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Sweeper{
		orders:     orders,
		payments:   paymentStore,
		locks:      locks,
		reconciler: reconciler,
		config:     config,
		now:        time.Now,
		logger:     logger,
	}
}

// Sweep makes one pass over orders locked for longer than StaleAfter.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	startTime := time.Now()
	cutoff := s.now().Add(-s.config.StaleAfter)

	result := &Result{
		ErrorDetails: []SweepError{},
		DryRun:       s.config.DryRun,
		Timestamp:    startTime,
	}

	stale, err := s.orders.ListLockedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list locked orders: %w", err)
	}
	result.TotalOrders = len(stale)

	s.logger.WithFields(logrus.Fields{
		"count":   len(stale),
		"cutoff":  cutoff,
		"dry_run": s.config.DryRun,
	}).Info("Starting stale lock sweep")

	var wg sync.WaitGroup
	var mu sync.Mutex
	semaphore := make(chan struct{}, s.config.Concurrency)

	for _, order := range stale {
		wg.Add(1)
		go func(order *models.Order) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			outcome := s.sweepOrder(ctx, order)

			mu.Lock()
			outcome.apply(result)
			mu.Unlock()
		}(order)
	}
	wg.Wait()

	result.ProcessingTime = time.Since(startTime)

	s.logger.WithFields(logrus.Fields{
		"reconciled":   result.Reconciled,
		"released":     result.Released,
		"still_locked": result.StillLocked,
		"failed":       result.Failed,
		"skipped":      result.Skipped,
		"duration":     result.ProcessingTime,
	}).Info("Stale lock sweep completed")

	return result, ctx.Err()
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Stale lock sweep failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type orderOutcome struct {
	kind string
	err  *SweepError
}

func (o orderOutcome) apply(r *Result) {
	switch o.kind {
	case "reconciled":
		r.Reconciled++
	case "released":
		r.Released++
	case "still_locked":
		r.StillLocked++
	case "skipped":
		r.Skipped++
	default:
		r.Failed++
	}
	if o.err != nil {
		r.ErrorDetails = append(r.ErrorDetails, *o.err)
	}
}

func (s *Sweeper) sweepOrder(ctx context.Context, order *models.Order) orderOutcome {
	logger := s.logger.WithField("order_id", order.ID)
	if order.LockedAt != nil {
		logger = logger.WithField("locked_at", *order.LockedAt)
	}

	fail := func(reference, severity string, err error) *SweepError {
		return &SweepError{
			OrderID:   order.ID,
			Reference: reference,
			Error:     err.Error(),
			Severity:  severity,
			Timestamp: time.Now(),
		}
	}

	pending, err := s.payments.FindPendingByOrder(ctx, order.ID)
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
		if s.config.DryRun {
			logger.Info("DRY RUN: Would release lock without pending payment")
			return orderOutcome{kind: "skipped"}
		}
		if err := s.locks.Release(ctx, order.ID); err != nil {
			logger.WithError(err).Error("Failed to release stale lock")
			return orderOutcome{kind: "failed", err: fail("", "error", err)}
		}
		logger.Warn("Released stale lock without pending payment")
		return orderOutcome{kind: "released"}

	case err != nil:
		logger.WithError(err).Error("Failed to look up pending payment")
		return orderOutcome{kind: "failed", err: fail("", "error", err)}
	}

	logger = logger.WithField("reference", pending.Reference)
	if s.config.DryRun {
		logger.Info("DRY RUN: Would re-verify pending payment")
		return orderOutcome{kind: "skipped"}
	}

	_, err = s.reconciler.Verify(ctx, pending.Reference)
	switch payments.Kind(err) {
	case "", payments.KindRejected:
		logger.Info("Stale attempt reconciled")
		return orderOutcome{kind: "reconciled"}
	case payments.KindGatewayUnavailable:
		logger.WithError(err).Warn("Gateway still unavailable, order stays locked")
		return orderOutcome{kind: "still_locked", err: fail(pending.Reference, "warning", err)}
	default:
		logger.WithError(err).Error("Failed to reconcile stale attempt")
		return orderOutcome{kind: "failed", err: fail(pending.Reference, "error", err)}
	}
}
