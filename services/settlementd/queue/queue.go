package queue

import (
	"errors"
	"math/big"
	"time"
)

// Intent describes a single scheduled payout awaiting execution. Amount is
// nil for recurring period intents: the worker derives the entitlement at
// processing time so a stale schedule can never overdraw the ledger.
type Intent struct {
	StreamID       uint64
	Amount         *big.Int
	Destination    string
	Currency       string
	QuoteID        string
	IdempotencyKey string
	Delay          time.Duration
	EnqueuedAt     time.Time
}

// Clone returns a deep copy of the intent.
func (i Intent) Clone() Intent {
	clone := i
	if i.Amount != nil {
		clone.Amount = new(big.Int).Set(i.Amount)
	}
	return clone
}

var (
	// ErrDuplicateKey is returned when an intent with the same idempotency
	// key has already been enqueued. Schedulers rely on this collision to
	// make re-scheduling a safe no-op.
	ErrDuplicateKey = errors.New("queue: duplicate idempotency key")
	// ErrFull is returned when the bounded queue cannot accept more work.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned when enqueueing after shutdown.
	ErrClosed = errors.New("queue: closed")
)

// Queue is the enqueue/consume contract between the scheduler and the worker
// pool. The transport behind it may deliver at-least-once; consumers
// deduplicate via the idempotency key.
type Queue interface {
	Enqueue(intent Intent) error
	Consume() <-chan Intent
	Len() int
	Close()
}
