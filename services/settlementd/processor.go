package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"zkpayroll/native/stream"
	"zkpayroll/observability"
	"zkpayroll/services/settlementd/queue"
	"zkpayroll/services/settlementd/rail"
	"zkpayroll/services/settlementd/storage"
)

// IntentState tracks an intent through the worker state machine. Applied,
// Rejected and Failed are terminal; nothing transitions out of them
// automatically.
type IntentState string

const (
	StateQueued     IntentState = "queued"
	StateProcessing IntentState = "processing"
	StateApplied    IntentState = "applied"
	StateRejected   IntentState = "rejected"
	StateFailed     IntentState = "failed"
)

type intentRecord struct {
	intent    queue.Intent
	state     IntentState
	reason    string
	reference string
	updatedAt time.Time
}

// Processor consumes payout intents, executes them against the settlement
// rail, and commits the ledger mutation exactly once per idempotency key.
type Processor struct {
	ledger      *stream.Engine
	gateway     rail.Gateway
	store       *storage.Storage
	quotes      *QuoteBook
	metrics     *observability.SettlementMetrics
	logger      *slog.Logger
	tracer      trace.Tracer
	railTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	paused  bool
	intents map[string]*intentRecord
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithQuoteBook wires quote re-validation at consumption time.
func WithQuoteBook(book *QuoteBook) ProcessorOption {
	return func(p *Processor) { p.quotes = book }
}

// WithRailTimeout bounds each rail execution call.
func WithRailTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.railTimeout = d }
}

// WithProcessorClock sets the function used to derive timestamps.
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithProcessorLogger overrides the default logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor constructs a payout processor. The storage handle may be nil
// in ephemeral setups; crash recovery then has no journal to replay.
func NewProcessor(ledger *stream.Engine, gateway rail.Gateway, store *storage.Storage, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		ledger:      ledger,
		gateway:     gateway,
		store:       store,
		metrics:     observability.Settlement(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("settlementd/processor"),
		railTimeout: 10 * time.Second,
		now:         time.Now,
		intents:     make(map[string]*intentRecord),
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// Pause halts new payout processing. In-flight rail calls are not cancelled.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume re-enables payout processing.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// IntentStatus reports the current state of a tracked intent.
func (p *Processor) IntentStatus(key string) (IntentState, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.intents[key]
	if !ok {
		return "", "", false
	}
	return record.state, record.reference, true
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused     bool     `json:"paused"`
	Queued     int      `json:"queued"`
	Processing int      `json:"processing"`
	Applied    int      `json:"applied"`
	Rejected   int      `json:"rejected"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`
}

// Status reports the current processor snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := Status{Paused: p.paused}
	for key, record := range p.intents {
		switch record.state {
		case StateQueued:
			status.Queued++
		case StateProcessing:
			status.Processing++
		case StateApplied:
			status.Applied++
		case StateRejected:
			status.Rejected++
		case StateFailed:
			status.Failed++
			status.FailedKeys = append(status.FailedKeys, key)
		}
	}
	return status
}

// Process runs one intent through the state machine:
// availability re-check, rail execution, then the idempotent ledger commit.
// Redelivery of an already-applied intent is a no-op returning the original
// receipt.
func (p *Processor) Process(ctx context.Context, intent queue.Intent) (rail.Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "processor.process")
	defer span.End()

	key := strings.TrimSpace(intent.IdempotencyKey)
	if key == "" {
		return rail.Receipt{}, fmt.Errorf("settlementd: intent idempotency key required")
	}
	span.SetAttributes(attribute.String("intent.key", key))
	currency := strings.ToUpper(strings.TrimSpace(intent.Currency))

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.metrics.RecordError(currency, "paused")
		return rail.Receipt{}, ErrProcessorPaused
	}
	if record, ok := p.intents[key]; ok {
		switch record.state {
		case StateApplied:
			reference := record.reference
			p.mu.Unlock()
			return p.storedReceipt(ctx, reference)
		case StateRejected:
			p.mu.Unlock()
			return rail.Receipt{}, fmt.Errorf("%w: %s", ErrStaleIntent, record.reason)
		case StateFailed:
			p.mu.Unlock()
			return rail.Receipt{}, fmt.Errorf("%w: %s", ErrPayoutFailed, record.reason)
		case StateProcessing:
			p.mu.Unlock()
			return rail.Receipt{}, ErrIntentInFlight
		}
	}
	p.intents[key] = &intentRecord{intent: intent.Clone(), state: StateProcessing, updatedAt: p.now()}
	p.mu.Unlock()

	start := p.now()
	receipt, err := p.execute(ctx, intent, key, currency)
	if err != nil {
		return receipt, err
	}
	p.metrics.ObserveLatency(currency, p.now().Sub(start))
	return receipt, nil
}

func (p *Processor) execute(ctx context.Context, intent queue.Intent, key, currency string) (rail.Receipt, error) {
	// Quotes are re-validated at the moment of use, never trusted from an
	// earlier capture.
	if quoteID := strings.TrimSpace(intent.QuoteID); quoteID != "" {
		if p.quotes == nil || !p.quotes.ValidateQuote(quoteID) {
			p.reject(key, "quote expired or invalid")
			p.metrics.RecordError(currency, "quote")
			return rail.Receipt{}, ErrQuoteExpiredOrInvalid
		}
	}

	available, err := p.ledger.Available(intent.StreamID)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			p.reject(key, "stream not found")
			p.metrics.RecordStaleIntent()
			return rail.Receipt{}, fmt.Errorf("%w: stream %d not found", ErrStaleIntent, intent.StreamID)
		}
		p.fail(key, "ledger read failed")
		p.metrics.RecordError(currency, "ledger")
		return rail.Receipt{}, err
	}

	amount := intent.Amount
	if amount == nil {
		// Recurring intents carry no amount: they sweep whatever is
		// available at processing time.
		amount = available
	}
	if amount.Sign() <= 0 || amount.Cmp(available) > 0 {
		p.reject(key, "entitlement changed since scheduling")
		p.metrics.RecordStaleIntent()
		p.logger.Warn("stale intent dropped",
			"intentKey", key, "streamId", intent.StreamID,
			"amount", amount.String(), "available", available.String())
		return rail.Receipt{}, ErrStaleIntent
	}

	if err := p.journalDispatch(ctx, key, intent.StreamID, amount, ""); err != nil {
		p.fail(key, "journal write failed")
		p.metrics.RecordError(currency, "journal")
		return rail.Receipt{}, err
	}

	railCtx := ctx
	if p.railTimeout > 0 {
		var cancel context.CancelFunc
		railCtx, cancel = context.WithTimeout(ctx, p.railTimeout)
		defer cancel()
	}
	receipt, err := p.gateway.Execute(railCtx, intent.Destination, amount, currency, intent.QuoteID)
	if err != nil {
		// Unknown outcome: the journal entry stays for reconciliation
		// and nothing is committed. No automatic retry.
		p.fail(key, "rail unavailable")
		p.metrics.RecordError(currency, "rail_unavailable")
		p.logger.Error("rail execution outcome unknown", "intentKey", key, "err", err)
		return rail.Receipt{}, fmt.Errorf("execute payout: %w", err)
	}

	if err := p.journalDispatch(ctx, key, intent.StreamID, amount, receipt.Reference); err != nil {
		p.fail(key, "journal write failed")
		p.metrics.RecordError(currency, "journal")
		return receipt, err
	}
	p.saveReceipt(ctx, receipt)

	if receipt.Status == rail.StatusFailed {
		p.fail(key, "rail declined")
		p.journalDelete(ctx, key)
		p.metrics.RecordPayout(currency, string(StateFailed))
		p.logger.Warn("payout failed at rail", "intentKey", key, "reference", receipt.Reference)
		return receipt, ErrPayoutFailed
	}

	// Delivered or Pending both commit the withdrawal; a pending payout is
	// already dispatched money.
	if _, err := p.ledger.ApplyWithdrawal(intent.StreamID, amount, receipt.Reference, key); err != nil {
		p.fail(key, "ledger commit failed")
		p.metrics.RecordError(currency, "ledger")
		p.logger.Error("ledger commit failed after rail execution",
			"intentKey", key, "reference", receipt.Reference, "err", err)
		return receipt, err
	}
	p.journalApply(ctx, key)
	p.applied(key, receipt.Reference)
	p.metrics.RecordPayout(currency, string(StateApplied))
	p.logger.Info("payout applied",
		"intentKey", key, "streamId", intent.StreamID,
		"amount", amount.String(), "reference", receipt.Reference, "railStatus", string(receipt.Status))
	return receipt, nil
}

// Resubmit re-runs a conclusively failed intent. Resubmission is an explicit
// operator action: failed intents are never retried automatically because a
// blind retry of a money-movement call risks a duplicate payout.
func (p *Processor) Resubmit(ctx context.Context, key string) (rail.Receipt, error) {
	p.mu.Lock()
	record, ok := p.intents[key]
	if !ok {
		p.mu.Unlock()
		return rail.Receipt{}, ErrIntentNotFound
	}
	if record.state != StateFailed {
		p.mu.Unlock()
		return rail.Receipt{}, fmt.Errorf("%w: %s", ErrIntentNotResubmittable, record.state)
	}
	intent := record.intent.Clone()
	if strings.TrimSpace(intent.IdempotencyKey) == "" {
		intent.IdempotencyKey = key
	}
	delete(p.intents, key)
	p.mu.Unlock()

	p.logger.Info("operator resubmission", "intentKey", key)
	receipt, err := p.Process(ctx, intent)
	if err != nil {
		// A rejection before the intent was tracked again (e.g. a pause
		// racing the resubmission) must not erase the failed record the
		// operator is acting on.
		p.mu.Lock()
		if _, tracked := p.intents[key]; !tracked {
			p.intents[key] = record
		}
		p.mu.Unlock()
	}
	return receipt, err
}

// Recover reconciles journal entries left by a crash between rail execution
// and ledger commit. Entries with a known rail reference are re-queried by
// reference; committed-looking outcomes complete the idempotent apply,
// declined outcomes clear the journal. Entries without a reference have an
// unknown outcome and are surfaced for operator review.
func (p *Processor) Recover(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	applied, err := p.store.AppliedJournal(ctx)
	if err != nil {
		return fmt.Errorf("load applied journal: %w", err)
	}
	p.ledger.RestoreApplied(applied)
	for key, result := range applied {
		p.applied(key, result.Reference)
	}

	pending, err := p.store.PendingJournal(ctx)
	if err != nil {
		return fmt.Errorf("load pending journal: %w", err)
	}
	for _, entry := range pending {
		if strings.TrimSpace(entry.Reference) == "" {
			p.failRecovered(entry, "outcome unknown, no rail reference")
			p.logger.Error("unreconcilable journal entry",
				"intentKey", entry.IdempotencyKey, "streamId", entry.StreamID)
			continue
		}
		receipt, err := p.gateway.Status(ctx, entry.Reference)
		if err != nil {
			p.failRecovered(entry, "reconciliation query failed")
			p.logger.Error("rail reconciliation failed",
				"intentKey", entry.IdempotencyKey, "reference", entry.Reference, "err", err)
			continue
		}
		p.saveReceipt(ctx, receipt)
		if receipt.Status == rail.StatusFailed {
			p.failRecovered(entry, "rail declined")
			p.journalDelete(ctx, entry.IdempotencyKey)
			continue
		}
		if _, err := p.ledger.ApplyWithdrawal(entry.StreamID, entry.Amount, entry.Reference, entry.IdempotencyKey); err != nil {
			p.failRecovered(entry, "ledger commit failed")
			p.logger.Error("recovery commit failed",
				"intentKey", entry.IdempotencyKey, "reference", entry.Reference, "err", err)
			continue
		}
		p.journalApply(ctx, entry.IdempotencyKey)
		p.applied(entry.IdempotencyKey, entry.Reference)
		p.logger.Info("recovered in-flight payout",
			"intentKey", entry.IdempotencyKey, "reference", entry.Reference)
	}
	return nil
}

func (p *Processor) storedReceipt(ctx context.Context, reference string) (rail.Receipt, error) {
	if p.store != nil {
		if receipt, ok, err := p.store.GetReceipt(ctx, reference); err == nil && ok {
			return receipt, nil
		}
	}
	return rail.Receipt{Reference: reference, Status: rail.StatusDelivered}, nil
}

func (p *Processor) setState(key string, state IntentState, reason, reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.intents[key]
	if !ok {
		record = &intentRecord{}
		p.intents[key] = record
	}
	record.state = state
	record.reason = reason
	if reference != "" {
		record.reference = reference
	}
	record.updatedAt = p.now()
}

// failRecovered parks a journal entry as failed with enough of the original
// intent reconstructed that an operator resubmission can re-run it. The
// destination and currency live on the stream record, not in the journal.
func (p *Processor) failRecovered(entry storage.JournalEntry, reason string) {
	intent := queue.Intent{
		StreamID:       entry.StreamID,
		IdempotencyKey: entry.IdempotencyKey,
	}
	if entry.Amount != nil {
		intent.Amount = new(big.Int).Set(entry.Amount)
	}
	if snapshot, err := p.ledger.Get(entry.StreamID); err == nil {
		intent.Destination = snapshot.PayoutDestination
		intent.Currency = snapshot.PayoutCurrency
	}
	p.mu.Lock()
	p.intents[entry.IdempotencyKey] = &intentRecord{
		intent:    intent,
		state:     StateFailed,
		reason:    reason,
		updatedAt: p.now(),
	}
	p.mu.Unlock()
}

func (p *Processor) reject(key, reason string) { p.setState(key, StateRejected, reason, "") }

func (p *Processor) fail(key, reason string) { p.setState(key, StateFailed, reason, "") }

func (p *Processor) applied(key, reference string) { p.setState(key, StateApplied, "", reference) }

func (p *Processor) journalDispatch(ctx context.Context, key string, streamID uint64, amount *big.Int, reference string) error {
	if p.store == nil {
		return nil
	}
	return p.store.JournalDispatch(ctx, key, streamID, amount, reference, p.now())
}

func (p *Processor) journalApply(ctx context.Context, key string) {
	if p.store == nil {
		return
	}
	if err := p.store.JournalApply(ctx, key, p.now()); err != nil {
		p.logger.Error("journal apply failed", "intentKey", key, "err", err)
	}
}

func (p *Processor) journalDelete(ctx context.Context, key string) {
	if p.store == nil {
		return
	}
	if err := p.store.JournalDelete(ctx, key); err != nil {
		p.logger.Error("journal delete failed", "intentKey", key, "err", err)
	}
}

func (p *Processor) saveReceipt(ctx context.Context, receipt rail.Receipt) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveReceipt(ctx, receipt); err != nil {
		p.logger.Error("receipt save failed", "reference", receipt.Reference, "err", err)
	}
}
