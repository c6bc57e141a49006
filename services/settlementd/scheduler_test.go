package settlementd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd/queue"
	"zkpayroll/services/settlementd/rail"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduleRecurringIdempotent(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	q := queue.NewMemoryQueue(16)
	defer q.Close()
	sched := NewScheduler(engine, q, proc, discardLogger())

	st, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	scheduled, err := sched.ScheduleRecurring(st)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if scheduled != 30 {
		t.Fatalf("scheduled = %d periods, want 30", scheduled)
	}

	// Re-scheduling reproduces the same keys and is skipped wholesale.
	again, err := sched.ScheduleRecurring(st)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if again != 0 {
		t.Fatalf("rescheduled = %d periods, want 0", again)
	}
}

func TestScheduleRecurringWithoutDestination(t *testing.T) {
	proc, engine, _ := testHarness(t, rail.NewMockGateway())
	q := queue.NewMemoryQueue(16)
	defer q.Close()
	sched := NewScheduler(engine, q, proc, discardLogger())

	scheduled, err := sched.ScheduleRecurring(&stream.Stream{ID: 7, Duration: 3 * 86400})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if scheduled != 0 {
		t.Fatalf("scheduled = %d for a stream without a destination, want 0", scheduled)
	}
}

func TestCancelRecurringRemovesDelayedIntents(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	q := queue.NewMemoryQueue(16)
	defer q.Close()
	sched := NewScheduler(engine, q, proc, discardLogger())

	st, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if _, err := sched.ScheduleRecurring(st); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	removed := sched.CancelRecurring(st)
	if removed != 30 {
		t.Fatalf("removed = %d delayed intents, want 30", removed)
	}
	if sched.CancelRecurring(st) != 0 {
		t.Fatalf("second cancellation removed intents")
	}
}

func TestRequestOnDemandPayoutQueued(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	q := queue.NewMemoryQueue(16)
	defer q.Close()
	sched := NewScheduler(engine, q, proc, discardLogger())

	handle, err := sched.RequestOnDemandPayout(context.Background(), 1, big.NewInt(1_000_000), "+254700000007", "KES", "")
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	if handle.Status != "queued" || !strings.HasPrefix(handle.IntentKey, "payout-1-") {
		t.Fatalf("handle = %+v", handle)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestRequestOnDemandPayoutValidation(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	q := queue.NewMemoryQueue(16)
	defer q.Close()
	sched := NewScheduler(engine, q, proc, discardLogger())
	ctx := context.Background()

	if _, err := sched.RequestOnDemandPayout(ctx, 1, big.NewInt(0), "+254700000007", "KES", ""); !errors.Is(err, stream.ErrInvalidAmount) {
		t.Fatalf("zero amount err = %v", err)
	}
	if _, err := sched.RequestOnDemandPayout(ctx, 1, big.NewInt(100), "", "KES", ""); err == nil {
		t.Fatalf("missing destination accepted")
	}
	if _, err := sched.RequestOnDemandPayout(ctx, 1, big.NewInt(20_000_000), "+254700000007", "KES", ""); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("over-entitlement err = %v", err)
	}
	if _, err := sched.RequestOnDemandPayout(ctx, 99, big.NewInt(100), "+254700000007", "KES", ""); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("unknown stream err = %v", err)
	}
}

func TestRequestOnDemandPayoutSynchronousFallback(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	sched := NewScheduler(engine, nil, proc, discardLogger())

	handle, err := sched.RequestOnDemandPayout(context.Background(), 1, big.NewInt(2_000_000), "+254700000007", "KES", "")
	if err != nil {
		t.Fatalf("synchronous payout: %v", err)
	}
	if handle.Status != "delivered" || handle.Reference == "" {
		t.Fatalf("handle = %+v, want a delivered synchronous settlement", handle)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("withdrawn = %s, want 2000000", updated.Withdrawn)
	}
}
