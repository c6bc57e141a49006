package settlementd

import (
	"context"
	"math/big"
	"testing"
	"time"

	"zkpayroll/services/settlementd/queue"
	"zkpayroll/services/settlementd/rail"
)

func TestWorkerPoolDrainsQueue(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	q := queue.NewMemoryQueue(16)
	defer q.Close()

	if err := q.Enqueue(testIntent(1, "payout-1-pool-a", 1_000_000)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(testIntent(1, "payout-1-pool-b", 2_000_000)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(q, proc, 2, discardLogger())
	pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		updated, err := engine.Get(1)
		if err != nil {
			t.Fatalf("get stream: %v", err)
		}
		if updated.Withdrawn.Cmp(big.NewInt(3_000_000)) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not drain the queue: withdrawn = %s", updated.Withdrawn)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	pool.Wait()
}

func TestWorkerPoolStopsOnCancel(t *testing.T) {
	proc, _, _ := testHarness(t, rail.NewMockGateway())
	q := queue.NewMemoryQueue(4)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(q, proc, 2, discardLogger())
	pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("workers did not exit after cancellation")
	}
}
