package settlementd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"zkpayroll/observability"
)

// QuoteTTL is the fixed lifetime of an FX quote. Quotes self-expire and are
// never re-derived at consumption time.
const QuoteTTL = 120 * time.Second

// quoteFeeBps is the fixed conversion fee charged on a quoted amount.
const quoteFeeBps = 50

// fxRates maps supported payout currencies to their mock source-asset rates.
// Unsupported currencies fall back to the USD rate. A production deployment
// replaces this table with an oracle feed behind the same RequestQuote call.
var fxRates = map[string]string{
	"KES": "324156.25",
	"USD": "2156.75",
	"NGN": "2847382.50",
	"GHS": "25489.30",
	"ZAR": "40234.80",
}

// Quote is a time-bounded exchange-rate and fee commitment for a prospective
// payout.
type Quote struct {
	ID           string
	Currency     string
	SourceAmount *big.Int
	Rate         string
	Fee          *big.Int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := q
	if q.SourceAmount != nil {
		clone.SourceAmount = new(big.Int).Set(q.SourceAmount)
	}
	if q.Fee != nil {
		clone.Fee = new(big.Int).Set(q.Fee)
	}
	return clone
}

// QuoteBook owns the short-lived quote registry. It is explicit shared state
// with defined init and teardown: a background janitor evicts expired quotes
// and Close stops it.
type QuoteBook struct {
	clock   func() time.Time
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.SettlementMetrics
	tracer  trace.Tracer

	mu     sync.Mutex
	quotes map[string]Quote

	done      chan struct{}
	closeOnce sync.Once
}

// QuoteBookOption customises the quote book.
type QuoteBookOption func(*QuoteBook)

// WithQuoteClock overrides the time source for deterministic testing.
func WithQuoteClock(clock func() time.Time) QuoteBookOption {
	return func(b *QuoteBook) { b.clock = clock }
}

// WithQuoteTTL overrides the quote lifetime.
func WithQuoteTTL(ttl time.Duration) QuoteBookOption {
	return func(b *QuoteBook) { b.ttl = ttl }
}

// NewQuoteBook constructs the quote registry and starts its eviction janitor.
func NewQuoteBook(logger *slog.Logger, opts ...QuoteBookOption) *QuoteBook {
	if logger == nil {
		logger = slog.Default()
	}
	book := &QuoteBook{
		clock:   time.Now,
		ttl:     QuoteTTL,
		logger:  logger,
		metrics: observability.Settlement(),
		tracer:  otel.Tracer("settlementd/quotes"),
		quotes:  make(map[string]Quote),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(book)
	}
	go book.janitor()
	return book
}

// RequestQuote computes a rate and fee for converting the amount into the
// requested currency and stores the resulting quote until its TTL elapses.
func (b *QuoteBook) RequestQuote(ctx context.Context, currency string, amount *big.Int) (Quote, error) {
	_, span := b.tracer.Start(ctx, "quotes.request")
	defer span.End()

	if amount == nil || amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("settlementd: quote amount must be positive")
	}
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	if normalized == "" {
		return Quote{}, fmt.Errorf("settlementd: quote currency required")
	}
	rate, ok := fxRates[normalized]
	if !ok {
		rate = fxRates["USD"]
	}
	fee := new(big.Int).Mul(amount, big.NewInt(quoteFeeBps))
	fee.Quo(fee, big.NewInt(10_000))

	now := b.clock()
	quote := Quote{
		ID:           "QUOTE-" + uuid.NewString(),
		Currency:     normalized,
		SourceAmount: new(big.Int).Set(amount),
		Rate:         rate,
		Fee:          fee,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.ttl),
	}
	span.SetAttributes(attribute.String("quote.id", quote.ID), attribute.String("quote.currency", normalized))

	b.mu.Lock()
	b.quotes[quote.ID] = quote.Clone()
	active := len(b.quotes)
	b.mu.Unlock()
	b.metrics.QuoteIssued(active)

	b.logger.Info("quote issued", "quoteId", quote.ID, "currency", normalized, "rate", rate)
	return quote, nil
}

// ValidateQuote reports whether a non-expired quote with the id is currently
// stored. Validation never re-derives rates; a missing or expired quote is
// simply invalid.
func (b *QuoteBook) ValidateQuote(id string) bool {
	_, ok := b.Get(id)
	return ok
}

// Get returns the quote when it is present and unexpired at the moment of the
// call. Stale captures of a quote must be re-checked through this method
// before consumption.
func (b *QuoteBook) Get(id string) (Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	quote, ok := b.quotes[strings.TrimSpace(id)]
	if !ok {
		return Quote{}, false
	}
	if !b.clock().Before(quote.ExpiresAt) {
		delete(b.quotes, quote.ID)
		b.metrics.QuotesActive(len(b.quotes))
		return Quote{}, false
	}
	return quote.Clone(), true
}

// Active reports the number of unexpired quotes currently stored.
func (b *QuoteBook) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quotes)
}

func (b *QuoteBook) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.evictExpired()
		case <-b.done:
			return
		}
	}
}

func (b *QuoteBook) evictExpired() {
	now := b.clock()
	b.mu.Lock()
	for id, quote := range b.quotes {
		if !now.Before(quote.ExpiresAt) {
			delete(b.quotes, id)
		}
	}
	active := len(b.quotes)
	b.mu.Unlock()
	b.metrics.QuotesActive(active)
}

// Close stops the eviction janitor. Stored quotes become unreachable.
func (b *QuoteBook) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
