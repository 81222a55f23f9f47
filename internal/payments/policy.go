package payments

import "github.com/jogardn/payment-reconciler/pkg/models"

// State is where a single payment attempt stands.
type State int

const (
	StateNotStarted State = iota
	StateInitializing
	StateAwaitingVerification
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInitializing:
		return "initializing"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event int

const (
	// EventInitialize is the lock being granted to a new attempt.
	EventInitialize Event = iota
	EventInitAccepted
	EventInitRejected
	EventInitError
	// EventPersistError is the gateway accepting a transaction we then
	// failed to record.
	EventPersistError
	EventVerifySuccess
	EventVerifyFailure
	// EventVerifyError means the provider's answer is unknown after every
	// retry.
	EventVerifyError
)

type Effect int

const (
	EffectPersistPayment Effect = iota
	EffectMarkPaymentCompleted
	EffectMarkPaymentFailed
	EffectMarkOrderPaid
	EffectReleaseLock
)

func (e Effect) String() string {
	switch e {
	case EffectPersistPayment:
		return "persist_payment"
	case EffectMarkPaymentCompleted:
		return "mark_payment_completed"
	case EffectMarkPaymentFailed:
		return "mark_payment_failed"
	case EffectMarkOrderPaid:
		return "mark_order_paid"
	case EffectReleaseLock:
		return "release_lock"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAwaitingVerification
	OutcomeInitFailed
	OutcomeGatewayUnavailable
	OutcomeCompleted
	OutcomeAlreadyReconciled
	OutcomeFailed
	// OutcomeAlreadyFailed is a repeated negative answer for an attempt that
	// was settled earlier.
	OutcomeAlreadyFailed
	OutcomeRetryLater
	// OutcomeBookkeepingDefect is a provider answer that our records cannot
	// account for.
	OutcomeBookkeepingDefect
)

// Snapshot is what the store knew about the attempt when the event arrived.
type Snapshot struct {
	PaymentFound  bool
	PaymentStatus models.PaymentStatus
	// OrderIDKnown is set when the order id is known from the payment row or
	// the provider's metadata, even if loading the order failed.
	OrderIDKnown bool
	OrderKnown   bool
	OrderPaid    bool
}

type Decision struct {
	Next    State
	Effects []Effect
	Outcome Outcome
}

// Decide maps an event on an attempt to the next state and the effects that
// realize it. It has no side effects. ReleaseLock, when present, is always the
// last effect.
func Decide(current State, event Event, snap Snapshot) Decision {
	switch event {
	case EventInitialize:
		if current != StateNotStarted {
			return Decision{Next: current}
		}
		return Decision{Next: StateInitializing}

	case EventInitAccepted:
		return Decision{
			Next:    StateAwaitingVerification,
			Effects: []Effect{EffectPersistPayment},
			Outcome: OutcomeAwaitingVerification,
		}

	case EventInitRejected:
		return Decision{Next: StateFailed, Effects: []Effect{EffectReleaseLock}, Outcome: OutcomeInitFailed}

	case EventInitError:
		return Decision{Next: StateFailed, Effects: []Effect{EffectReleaseLock}, Outcome: OutcomeGatewayUnavailable}

	case EventPersistError:
		return Decision{Next: StateFailed, Effects: []Effect{EffectReleaseLock}, Outcome: OutcomeBookkeepingDefect}

	case EventVerifySuccess:
		return decideSuccess(snap)

	case EventVerifyFailure:
		return decideFailure(snap)

	case EventVerifyError:
		// The customer may still have paid; keeping the lock prevents a
		// second charge until verification can be retried.
		return Decision{Next: StateAwaitingVerification, Outcome: OutcomeRetryLater}
	}
	return Decision{Next: current}
}

func decideSuccess(snap Snapshot) Decision {
	if !snap.PaymentFound {
		return Decision{Next: StateAwaitingVerification, Outcome: OutcomeBookkeepingDefect}
	}

	switch snap.PaymentStatus {
	case models.PaymentStatusPending:
		if !snap.OrderKnown {
			return Decision{
				Next:    StateCompleted,
				Effects: []Effect{EffectMarkPaymentCompleted},
				Outcome: OutcomeBookkeepingDefect,
			}
		}
		return Decision{
			Next:    StateCompleted,
			Effects: []Effect{EffectMarkPaymentCompleted, EffectMarkOrderPaid, EffectReleaseLock},
			Outcome: OutcomeCompleted,
		}

	case models.PaymentStatusCompleted:
		if snap.OrderKnown && !snap.OrderPaid {
			// An earlier run recorded the payment but stopped before the order.
			return Decision{
				Next:    StateCompleted,
				Effects: []Effect{EffectMarkOrderPaid, EffectReleaseLock},
				Outcome: OutcomeAlreadyReconciled,
			}
		}
		return Decision{Next: StateCompleted, Outcome: OutcomeAlreadyReconciled}

	default:
		// Failed locally, success at the provider. Payments never leave a
		// terminal status, so this needs an operator.
		return Decision{Next: StateFailed, Outcome: OutcomeBookkeepingDefect}
	}
}

func decideFailure(snap Snapshot) Decision {
	if snap.PaymentFound {
		switch snap.PaymentStatus {
		case models.PaymentStatusCompleted:
			return Decision{Next: StateCompleted, Outcome: OutcomeBookkeepingDefect}
		case models.PaymentStatusFailed:
			// The lock may belong to a later attempt on the same order by now.
			return Decision{Next: StateFailed, Outcome: OutcomeAlreadyFailed}
		}
	}

	var effects []Effect
	if snap.PaymentFound && snap.PaymentStatus == models.PaymentStatusPending {
		effects = append(effects, EffectMarkPaymentFailed)
	}
	// Releasing needs only the order id, not a successful order load.
	if snap.OrderIDKnown || snap.OrderKnown {
		effects = append(effects, EffectReleaseLock)
	}
	return Decision{Next: StateFailed, Effects: effects, Outcome: OutcomeFailed}
}
