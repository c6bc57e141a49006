package settlementd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd/queue"
	"zkpayroll/services/settlementd/rail"
	"zkpayroll/services/settlementd/storage"
)

const vestStart = int64(1_700_000_000)

// scriptedGateway plays back a fixed sequence of rail outcomes. The last
// entry repeats once the plan is exhausted.
type scriptedGateway struct {
	mu       sync.Mutex
	calls    int
	plan     []scriptedCall
	receipts map[string]rail.Receipt
}

type scriptedCall struct {
	err    error
	status rail.Status
}

func newScriptedGateway(plan ...scriptedCall) *scriptedGateway {
	return &scriptedGateway{plan: plan, receipts: make(map[string]rail.Receipt)}
}

func (g *scriptedGateway) Execute(ctx context.Context, destination string, amount *big.Int, currency, quoteID string) (rail.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	step := g.plan[len(g.plan)-1]
	if g.calls < len(g.plan) {
		step = g.plan[g.calls]
	}
	g.calls++
	if step.err != nil {
		return rail.Receipt{}, step.err
	}
	receipt := rail.Receipt{
		Reference:   fmt.Sprintf("STL-SCRIPT-%d", g.calls),
		Status:      step.status,
		Destination: destination,
		Amount:      new(big.Int).Set(amount),
		Currency:    currency,
	}
	g.receipts[receipt.Reference] = receipt
	return receipt, nil
}

func (g *scriptedGateway) Status(ctx context.Context, reference string) (rail.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	receipt, ok := g.receipts[reference]
	if !ok {
		return rail.Receipt{}, rail.ErrUnknownReference
	}
	return receipt, nil
}

func (g *scriptedGateway) executions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testStore(t *testing.T) *storage.Storage {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.Open(fmt.Sprintf("file:proc_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testHarness wires a ledger engine, storage and processor around the given
// gateway with the clock pinned ten days into the stream's vesting window.
func testHarness(t *testing.T, gateway rail.Gateway, opts ...ProcessorOption) (*Processor, *stream.Engine, *storage.Storage) {
	t.Helper()
	store := testStore(t)
	engine := stream.NewEngine()
	engine.SetState(store)
	engine.SetNowFunc(func() int64 { return vestStart + 10*86400 })
	opts = append(opts,
		WithProcessorClock(func() time.Time { return time.Unix(vestStart+10*86400, 0) }),
		WithProcessorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	proc := NewProcessor(engine, gateway, store, opts...)
	return proc, engine, store
}

// seedStream stores a 30-day stream of 30M units, so 10M has vested at the
// pinned harness clock.
func seedStream(t *testing.T, store *storage.Storage, id uint64) {
	t.Helper()
	err := store.StreamPut(&stream.Stream{
		ID:                id,
		Employer:          "acme",
		Employee:          "wanjiku",
		Principal:         big.NewInt(30_000_000),
		Withdrawn:         big.NewInt(0),
		StartTime:         vestStart,
		Duration:          30 * 86400,
		Active:            true,
		PayoutCurrency:    "KES",
		PayoutDestination: "+254700000007",
	})
	if err != nil {
		t.Fatalf("seed stream: %v", err)
	}
}

func testIntent(id uint64, key string, amount int64) queue.Intent {
	intent := queue.Intent{
		StreamID:       id,
		Destination:    "+254700000007",
		Currency:       "KES",
		IdempotencyKey: key,
	}
	if amount > 0 {
		intent.Amount = big.NewInt(amount)
	}
	return intent
}

func TestProcessorAppliesPayout(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()

	receipt, err := proc.Process(ctx, testIntent(1, "payout-1-a", 4_000_000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.Status != rail.StatusDelivered {
		t.Fatalf("status = %s, want delivered", receipt.Status)
	}

	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("withdrawn = %s, want 4000000", updated.Withdrawn)
	}
	if updated.TotalPayouts != 1 || len(updated.PayoutHistory) != 1 || updated.PayoutHistory[0] != receipt.Reference {
		t.Fatalf("payout history not recorded: %+v", updated)
	}

	state, reference, ok := proc.IntentStatus("payout-1-a")
	if !ok || state != StateApplied || reference != receipt.Reference {
		t.Fatalf("intent status = %s/%s/%v", state, reference, ok)
	}
	applied, err := store.AppliedJournal(ctx)
	if err != nil {
		t.Fatalf("applied journal: %v", err)
	}
	if _, ok := applied["payout-1-a"]; !ok {
		t.Fatalf("journal entry not marked applied")
	}
}

func TestProcessorSweepsRecurringIntent(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)

	// No amount on the intent: the full available balance is swept.
	if _, err := proc.Process(context.Background(), testIntent(1, "auto-payout-1-10", 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("withdrawn = %s, want the full vested 10000000", updated.Withdrawn)
	}
}

func TestProcessorIdempotentRedelivery(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()
	intent := testIntent(1, "payout-1-dup", 2_000_000)

	first, err := proc.Process(ctx, intent)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := proc.Process(ctx, intent)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.Reference != first.Reference {
		t.Fatalf("redelivery reference = %s, want %s", second.Reference, first.Reference)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("withdrawn = %s after redelivery, want 2000000", updated.Withdrawn)
	}
}

func TestProcessorRejectsStaleIntent(t *testing.T) {
	gateway := newScriptedGateway(scriptedCall{status: rail.StatusDelivered})
	proc, engine, store := testHarness(t, gateway)
	seedStream(t, store, 1)

	_, err := proc.Process(context.Background(), testIntent(1, "payout-1-stale", 20_000_000))
	if !errors.Is(err, ErrStaleIntent) {
		t.Fatalf("err = %v, want ErrStaleIntent", err)
	}
	if gateway.executions() != 0 {
		t.Fatalf("rail called for a stale intent")
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Sign() != 0 {
		t.Fatalf("stale intent mutated the ledger: withdrawn = %s", updated.Withdrawn)
	}
	state, _, _ := proc.IntentStatus("payout-1-stale")
	if state != StateRejected {
		t.Fatalf("state = %s, want rejected", state)
	}
}

func TestProcessorRejectsMissingStream(t *testing.T) {
	proc, _, _ := testHarness(t, rail.NewMockGateway())
	_, err := proc.Process(context.Background(), testIntent(99, "payout-99-a", 100))
	if !errors.Is(err, ErrStaleIntent) {
		t.Fatalf("err = %v, want ErrStaleIntent", err)
	}
}

func TestProcessorRejectsExpiredQuote(t *testing.T) {
	now := time.Unix(vestStart, 0)
	book := NewQuoteBook(nil, WithQuoteClock(func() time.Time { return now }))
	defer book.Close()
	quote, err := book.RequestQuote(context.Background(), "KES", big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	now = now.Add(QuoteTTL + time.Second)

	gateway := newScriptedGateway(scriptedCall{status: rail.StatusDelivered})
	proc, _, store := testHarness(t, gateway, WithQuoteBook(book))
	seedStream(t, store, 1)

	intent := testIntent(1, "payout-1-quote", 1_000_000)
	intent.QuoteID = quote.ID
	if _, err := proc.Process(context.Background(), intent); !errors.Is(err, ErrQuoteExpiredOrInvalid) {
		t.Fatalf("err = %v, want ErrQuoteExpiredOrInvalid", err)
	}
	if gateway.executions() != 0 {
		t.Fatalf("rail called with an expired quote")
	}
}

func TestProcessorRailDeclined(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()

	intent := testIntent(1, "payout-1-decline", 1_000_000)
	intent.Destination = "+254700000009"
	if _, err := proc.Process(ctx, intent); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("err = %v, want ErrPayoutFailed", err)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Sign() != 0 {
		t.Fatalf("declined payout mutated the ledger: withdrawn = %s", updated.Withdrawn)
	}
	pending, err := store.PendingJournal(ctx)
	if err != nil {
		t.Fatalf("pending journal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("journal not cleared after decline: %d entries", len(pending))
	}
}

func TestProcessorRailUnavailable(t *testing.T) {
	gateway := newScriptedGateway(scriptedCall{err: rail.ErrUnavailable})
	proc, engine, store := testHarness(t, gateway)
	seedStream(t, store, 1)
	ctx := context.Background()

	if _, err := proc.Process(ctx, testIntent(1, "payout-1-down", 1_000_000)); !errors.Is(err, rail.ErrUnavailable) {
		t.Fatalf("err = %v, want rail.ErrUnavailable", err)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Sign() != 0 {
		t.Fatalf("unknown outcome mutated the ledger")
	}
	// The dispatch record stays behind for reconciliation.
	pending, err := store.PendingJournal(ctx)
	if err != nil {
		t.Fatalf("pending journal: %v", err)
	}
	if len(pending) != 1 || pending[0].Reference != "" {
		t.Fatalf("pending journal = %+v, want one reference-less entry", pending)
	}
	state, _, _ := proc.IntentStatus("payout-1-down")
	if state != StateFailed {
		t.Fatalf("state = %s, want failed", state)
	}
}

func TestProcessorPauseResume(t *testing.T) {
	proc, _, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()

	proc.Pause()
	if _, err := proc.Process(ctx, testIntent(1, "payout-1-paused", 100)); !errors.Is(err, ErrProcessorPaused) {
		t.Fatalf("err = %v, want ErrProcessorPaused", err)
	}
	proc.Resume()
	if _, err := proc.Process(ctx, testIntent(1, "payout-1-paused", 100)); err != nil {
		t.Fatalf("process after resume: %v", err)
	}
}

func TestProcessorResubmit(t *testing.T) {
	gateway := newScriptedGateway(
		scriptedCall{err: rail.ErrUnavailable},
		scriptedCall{status: rail.StatusDelivered},
	)
	proc, engine, store := testHarness(t, gateway)
	seedStream(t, store, 1)
	ctx := context.Background()
	intent := testIntent(1, "payout-1-retry", 3_000_000)

	if _, err := proc.Process(ctx, intent); err == nil {
		t.Fatalf("first attempt unexpectedly succeeded")
	}
	receipt, err := proc.Resubmit(ctx, "payout-1-retry")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if receipt.Status != rail.StatusDelivered {
		t.Fatalf("resubmit status = %s", receipt.Status)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Fatalf("withdrawn = %s after resubmit, want 3000000", updated.Withdrawn)
	}

	// Applied intents cannot be resubmitted, unknown keys are reported.
	if _, err := proc.Resubmit(ctx, "payout-1-retry"); !errors.Is(err, ErrIntentNotResubmittable) {
		t.Fatalf("err = %v, want ErrIntentNotResubmittable", err)
	}
	if _, err := proc.Resubmit(ctx, "payout-1-missing"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestProcessorRecoverInFlight(t *testing.T) {
	gateway := rail.NewMockGateway()
	proc, engine, store := testHarness(t, gateway)
	seedStream(t, store, 1)
	ctx := context.Background()

	// Simulate a crash after rail execution but before the ledger commit:
	// the receipt exists at the rail and the journal holds the reference.
	receipt, err := gateway.Execute(ctx, "+254700000007", big.NewInt(5_000_000), "KES", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	now := time.Unix(vestStart+10*86400, 0)
	if err := store.JournalDispatch(ctx, "payout-1-crash", 1, big.NewInt(5_000_000), receipt.Reference, now); err != nil {
		t.Fatalf("journal dispatch: %v", err)
	}

	if err := proc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("withdrawn = %s after recovery, want 5000000", updated.Withdrawn)
	}

	// A redelivered copy of the recovered intent must not double-apply.
	intent := testIntent(1, "payout-1-crash", 5_000_000)
	if _, err := proc.Process(ctx, intent); err != nil {
		t.Fatalf("redelivery after recovery: %v", err)
	}
	updated, err = engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("recovered intent applied twice: withdrawn = %s", updated.Withdrawn)
	}
}

func TestProcessorRecoverUnreconcilable(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()

	// A crash before the rail call leaves a journal entry with no reference.
	now := time.Unix(vestStart+10*86400, 0)
	if err := store.JournalDispatch(ctx, "payout-1-lost", 1, big.NewInt(1_000_000), "", now); err != nil {
		t.Fatalf("journal dispatch: %v", err)
	}
	if err := proc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	state, _, ok := proc.IntentStatus("payout-1-lost")
	if !ok || state != StateFailed {
		t.Fatalf("state = %s/%v, want failed for operator review", state, ok)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Sign() != 0 {
		t.Fatalf("unreconcilable entry mutated the ledger")
	}
}

func TestProcessorResubmitRecoveredEntry(t *testing.T) {
	proc, engine, store := testHarness(t, rail.NewMockGateway())
	seedStream(t, store, 1)
	ctx := context.Background()

	now := time.Unix(vestStart+10*86400, 0)
	if err := store.JournalDispatch(ctx, "payout-1-lost", 1, big.NewInt(1_000_000), "", now); err != nil {
		t.Fatalf("journal dispatch: %v", err)
	}
	if err := proc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	// A resubmission rejected before processing must not erase the parked
	// record.
	proc.Pause()
	if _, err := proc.Resubmit(ctx, "payout-1-lost"); !errors.Is(err, ErrProcessorPaused) {
		t.Fatalf("paused resubmit err = %v, want ErrProcessorPaused", err)
	}
	if state, _, ok := proc.IntentStatus("payout-1-lost"); !ok || state != StateFailed {
		t.Fatalf("state = %s/%v after paused resubmit, want failed", state, ok)
	}
	proc.Resume()

	// The parked entry keeps enough of the original intent to be re-run by
	// an explicit operator action.
	receipt, err := proc.Resubmit(ctx, "payout-1-lost")
	if err != nil {
		t.Fatalf("resubmit recovered entry: %v", err)
	}
	if receipt.Status != rail.StatusDelivered {
		t.Fatalf("resubmit status = %s", receipt.Status)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("withdrawn = %s after resubmit, want 1000000", updated.Withdrawn)
	}
	state, _, ok := proc.IntentStatus("payout-1-lost")
	if !ok || state != StateApplied {
		t.Fatalf("state = %s/%v, want applied", state, ok)
	}
}

// blockingGateway parks Execute until released so a test can observe the
// processing window.
type blockingGateway struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Execute(ctx context.Context, destination string, amount *big.Int, currency, quoteID string) (rail.Receipt, error) {
	g.entered <- struct{}{}
	<-g.release
	return rail.Receipt{
		Reference:   "STL-BLOCK-1",
		Status:      rail.StatusDelivered,
		Destination: destination,
		Amount:      new(big.Int).Set(amount),
		Currency:    currency,
	}, nil
}

func (g *blockingGateway) Status(ctx context.Context, reference string) (rail.Receipt, error) {
	return rail.Receipt{}, rail.ErrUnknownReference
}

func TestProcessorRedeliveryWhileInFlight(t *testing.T) {
	gateway := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	proc, engine, store := testHarness(t, gateway)
	seedStream(t, store, 1)
	ctx := context.Background()
	intent := testIntent(1, "payout-1-inflight", 2_000_000)

	done := make(chan error, 1)
	go func() {
		_, err := proc.Process(ctx, intent)
		done <- err
	}()
	select {
	case <-gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("rail call never started")
	}

	// A redelivery during the processing window must not read as settled.
	if _, err := proc.Process(ctx, intent.Clone()); !errors.Is(err, ErrIntentInFlight) {
		t.Fatalf("redelivery err = %v, want ErrIntentInFlight", err)
	}

	close(gateway.release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}
	updated, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("withdrawn = %s, want 2000000", updated.Withdrawn)
	}
}
