package payments

import (
	"context"

	"github.com/jogardn/payment-reconciler/internal/events"
)

// DeferredVerifier answers verification requests taken off the broker. It
// never enqueues a new request itself; the consumer's retries and DLQ take
// over that role.
type DeferredVerifier struct {
	orchestrator *Orchestrator
}

func NewDeferredVerifier(o *Orchestrator) *DeferredVerifier {
	return &DeferredVerifier{orchestrator: o}
}

// HandleVerificationRequest treats a definitive "not paid" as handled: the
// payment is settled and the order unlocked.
func (d *DeferredVerifier) HandleVerificationRequest(ctx context.Context, req events.VerificationRequest) error {
	_, err := d.orchestrator.verify(ctx, req.Reference, false)
	if Kind(err) == KindRejected {
		d.orchestrator.logger.WithError(err).WithField("reference", req.Reference).Info("Deferred verification settled as failed")
		return nil
	}
	return err
}

func (d *DeferredVerifier) IsRetryable(err error) bool {
	return IsRetryable(err)
}
