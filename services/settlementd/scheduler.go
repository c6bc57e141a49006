package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd/queue"
)

// payoutPeriod is the cadence of recurring automatic payouts.
const payoutPeriod = 24 * time.Hour

// RecurringKey derives the deterministic idempotency key for one recurring
// payout period of a stream. Re-scheduling the same stream reproduces the
// same keys, so the queue's key collision makes scheduling idempotent.
func RecurringKey(streamID uint64, period int) string {
	return fmt.Sprintf("auto-payout-%d-%d", streamID, period)
}

// PayoutHandle is returned to callers of asynchronous settlement requests.
type PayoutHandle struct {
	IntentKey string
	Status    string
	Reference string
	Amount    *big.Int
}

// Canceller is the optional queue capability to withdraw not-yet-dispatched
// intents.
type Canceller interface {
	Cancel(key string) bool
}

// Scheduler turns live streams into payout intents. The queue may be absent:
// settlement then degrades to a logged synchronous path instead of silently
// dropping work.
type Scheduler struct {
	ledger    *stream.Engine
	queue     queue.Queue
	processor *Processor
	logger    *slog.Logger
	clock     func() time.Time
}

// NewScheduler constructs a scheduler. A nil queue enables the synchronous
// degraded mode; the processor is required either way.
func NewScheduler(ledger *stream.Engine, q queue.Queue, processor *Processor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ledger:    ledger,
		queue:     q,
		processor: processor,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (s *Scheduler) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// ScheduleRecurring enqueues one delayed payout intent per daily period
// across the stream's remaining duration. Periods already scheduled collide
// on their idempotency key and are skipped, so the call is safely retryable.
// It returns the number of newly scheduled periods.
func (s *Scheduler) ScheduleRecurring(st *stream.Stream) (int, error) {
	if st == nil {
		return 0, fmt.Errorf("settlementd: stream required")
	}
	if strings.TrimSpace(st.PayoutDestination) == "" {
		return 0, nil
	}
	if s.queue == nil {
		s.logger.Warn("payout destination set but no async settlement path; automatic payouts disabled",
			"streamId", st.ID)
		return 0, nil
	}

	periods := int((st.Duration + int64(payoutPeriod/time.Second) - 1) / int64(payoutPeriod/time.Second))
	scheduled := 0
	for period := 1; period <= periods; period++ {
		intent := queue.Intent{
			StreamID:       st.ID,
			Destination:    st.PayoutDestination,
			Currency:       st.PayoutCurrency,
			IdempotencyKey: RecurringKey(st.ID, period),
			Delay:          time.Duration(period) * payoutPeriod,
		}
		err := s.queue.Enqueue(intent)
		switch {
		case err == nil:
			scheduled++
		case errors.Is(err, queue.ErrDuplicateKey):
			// Already scheduled by a previous invocation.
		default:
			return scheduled, fmt.Errorf("schedule period %d of stream %d: %w", period, st.ID, err)
		}
	}
	s.logger.Info("recurring payouts scheduled", "streamId", st.ID, "periods", scheduled)
	return scheduled, nil
}

// CancelRecurring withdraws still-delayed recurring intents after a stream
// cancellation. Intents already dispatched to a worker are unaffected; they
// re-check entitlement and reject themselves as stale.
func (s *Scheduler) CancelRecurring(st *stream.Stream) int {
	canceller, ok := s.queue.(Canceller)
	if !ok || st == nil {
		return 0
	}
	periods := int((st.Duration + int64(payoutPeriod/time.Second) - 1) / int64(payoutPeriod/time.Second))
	removed := 0
	for period := 1; period <= periods; period++ {
		if canceller.Cancel(RecurringKey(st.ID, period)) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("pending recurring payouts cancelled", "streamId", st.ID, "removed", removed)
	}
	return removed
}

// RequestOnDemandPayout validates the request against the current
// entitlement and enqueues exactly one intent. When no asynchronous path is
// reachable the settlement executes synchronously as an explicit, logged
// degraded mode.
func (s *Scheduler) RequestOnDemandPayout(ctx context.Context, streamID uint64, amount *big.Int, destination, currency, quoteID string) (*PayoutHandle, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, stream.ErrInvalidAmount
	}
	if strings.TrimSpace(destination) == "" {
		return nil, fmt.Errorf("settlementd: payout destination required")
	}
	available, err := s.ledger.Available(streamID)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(available) > 0 {
		return nil, ErrInsufficientAvailable
	}

	intent := queue.Intent{
		StreamID:       streamID,
		Amount:         new(big.Int).Set(amount),
		Destination:    strings.TrimSpace(destination),
		Currency:       strings.ToUpper(strings.TrimSpace(currency)),
		QuoteID:        strings.TrimSpace(quoteID),
		IdempotencyKey: fmt.Sprintf("payout-%d-%s", streamID, uuid.NewString()),
	}

	if s.queue == nil {
		s.logger.Warn("async settlement path unreachable; executing payout synchronously",
			"streamId", streamID, "intentKey", intent.IdempotencyKey)
		receipt, err := s.processor.Process(ctx, intent)
		if err != nil {
			return nil, err
		}
		return &PayoutHandle{
			IntentKey: intent.IdempotencyKey,
			Status:    strings.ToLower(string(receipt.Status)),
			Reference: receipt.Reference,
			Amount:    new(big.Int).Set(amount),
		}, nil
	}

	if err := s.queue.Enqueue(intent); err != nil {
		return nil, fmt.Errorf("enqueue payout intent: %w", err)
	}
	s.logger.Info("payout intent queued", "streamId", streamID, "intentKey", intent.IdempotencyKey)
	return &PayoutHandle{
		IntentKey: intent.IdempotencyKey,
		Status:    "queued",
		Amount:    new(big.Int).Set(amount),
	}, nil
}
