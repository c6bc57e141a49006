package queue

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestEnqueueDeduplicatesKeys(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	intent := Intent{StreamID: 1, Amount: big.NewInt(10), IdempotencyKey: "auto-payout-1-1"}
	if err := q.Enqueue(intent); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(intent); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate enqueue = %v, want ErrDuplicateKey", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

func TestEnqueueBounded(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	if err := q.Enqueue(Intent{StreamID: 1, IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(Intent{StreamID: 2, IdempotencyKey: "k2"}); !errors.Is(err, ErrFull) {
		t.Fatalf("overflow enqueue = %v, want ErrFull", err)
	}
	// A rejected intent releases its key for a later retry.
	<-q.Consume()
	if err := q.Enqueue(Intent{StreamID: 2, IdempotencyKey: "k2"}); err != nil {
		t.Fatalf("retry after overflow: %v", err)
	}
}

func TestDelayedDispatch(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	if err := q.Enqueue(Intent{StreamID: 3, IdempotencyKey: "later", Delay: 20 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("delayed intent dispatched early")
	}

	select {
	case intent := <-q.Consume():
		if intent.IdempotencyKey != "later" {
			t.Fatalf("unexpected intent %+v", intent)
		}
	case <-time.After(time.Second):
		t.Fatalf("delayed intent never dispatched")
	}
}

func TestCancelDelayedIntent(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	if err := q.Enqueue(Intent{StreamID: 4, IdempotencyKey: "doomed", Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	if !q.Cancel("doomed") {
		t.Fatalf("cancel of delayed intent failed")
	}
	// Cancelled keys may be rescheduled.
	if err := q.Enqueue(Intent{StreamID: 4, IdempotencyKey: "doomed"}); err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
	if q.Cancel("doomed") {
		t.Fatalf("cancelled a ready intent")
	}
}

func TestCloseStopsEnqueue(t *testing.T) {
	q := NewMemoryQueue(8)
	q.Close()
	if err := q.Enqueue(Intent{StreamID: 5}); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close = %v, want ErrClosed", err)
	}
	// Closing twice is safe.
	q.Close()
}
