package settlementd

import (
	"errors"

	"zkpayroll/services/settlementd/rail"
)

var (
	// ErrInsufficientAvailable is returned when a payout request exceeds
	// the vested, unwithdrawn balance at request time.
	ErrInsufficientAvailable = errors.New("settlementd: amount exceeds available balance")
	// ErrQuoteExpiredOrInvalid is returned when a payout references an
	// unknown or expired quote.
	ErrQuoteExpiredOrInvalid = errors.New("settlementd: quote expired or invalid")
	// ErrStaleIntent marks a scheduled intent that no longer matches the
	// stream's entitlement at processing time. The intent is dropped with
	// no mutation.
	ErrStaleIntent = errors.New("settlementd: stale intent")
	// ErrPayoutFailed marks a payout the rail conclusively declined. No
	// ledger mutation happens and no automatic retry is attempted.
	ErrPayoutFailed = errors.New("settlementd: payout failed at rail")
	// ErrProcessorPaused is returned when a payout is attempted while the
	// processor is paused.
	ErrProcessorPaused = errors.New("settlementd: processor paused")
	// ErrIntentInFlight is returned when a redelivered intent is still
	// being processed. The caller must not treat the redelivery as
	// settled; the first delivery owns the outcome.
	ErrIntentInFlight = errors.New("settlementd: intent already in flight")
	// ErrIntentNotFound is returned when an operator action names an
	// unknown intent.
	ErrIntentNotFound = errors.New("settlementd: intent not found")
	// ErrIntentNotResubmittable is returned when resubmission targets an
	// intent that is not in a failed terminal state.
	ErrIntentNotResubmittable = errors.New("settlementd: intent not in a resubmittable state")

	// ErrRailUnavailable surfaces a transport failure talking to the
	// settlement rail. The outcome is unknown: the ledger is untouched and
	// a reconciliation query must precede any compensating action.
	ErrRailUnavailable = rail.ErrUnavailable
)
