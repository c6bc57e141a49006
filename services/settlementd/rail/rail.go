package rail

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Status enumerates the terminal and transitional payout states reported by a
// settlement rail.
type Status string

const (
	// StatusPending marks a payout accepted by the rail but not yet
	// confirmed delivered.
	StatusPending Status = "PENDING"
	// StatusDelivered marks a payout confirmed at the destination.
	StatusDelivered Status = "DELIVERED"
	// StatusFailed marks a payout the rail could not complete.
	StatusFailed Status = "FAILED"
)

// Receipt proves the outcome of a payout execution or status query.
type Receipt struct {
	Reference   string
	Status      Status
	Destination string
	Amount      *big.Int
	Fee         *big.Int
	Currency    string
	Timestamp   time.Time
}

// Clone returns a deep copy of the receipt.
func (r Receipt) Clone() Receipt {
	clone := r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Fee != nil {
		clone.Fee = new(big.Int).Set(r.Fee)
	}
	return clone
}

var (
	// ErrUnavailable is returned when the rail cannot be reached or the
	// call timed out. The payout outcome is unknown: callers must
	// reconcile via Status before any compensating action.
	ErrUnavailable = errors.New("rail: unavailable")
	// ErrUnknownReference is returned when a status query names a payout
	// the rail has no record of.
	ErrUnknownReference = errors.New("rail: unknown reference")
)

// Gateway is the enqueue-side contract with an external settlement rail.
// Execute dispatches a payout and returns its initial receipt; Status
// re-queries a previously dispatched payout by reference. Implementations
// must never embed business rules in destination identifiers outside of test
// doubles.
type Gateway interface {
	Execute(ctx context.Context, destination string, amount *big.Int, currency, quoteID string) (Receipt, error)
	Status(ctx context.Context, reference string) (Receipt, error)
}
