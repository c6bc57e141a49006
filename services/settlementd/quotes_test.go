package settlementd

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestRequestQuoteRatesAndFee(t *testing.T) {
	book := NewQuoteBook(nil)
	defer book.Close()
	ctx := context.Background()

	quote, err := book.RequestQuote(ctx, "kes", big.NewInt(10_000))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if quote.Currency != "KES" || quote.Rate != "324156.25" {
		t.Fatalf("quote = %+v", quote)
	}
	// 50 bps of 10000.
	if quote.Fee.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("fee = %s, want 50", quote.Fee)
	}

	// Unsupported currencies fall back to the USD rate.
	fallback, err := book.RequestQuote(ctx, "EUR", big.NewInt(100))
	if err != nil {
		t.Fatalf("fallback quote: %v", err)
	}
	if fallback.Rate != "2156.75" {
		t.Fatalf("fallback rate = %s, want USD rate", fallback.Rate)
	}

	if _, err := book.RequestQuote(ctx, "KES", big.NewInt(0)); err == nil {
		t.Fatalf("zero amount quote accepted")
	}
}

func TestQuoteValidityWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	now := base
	book := NewQuoteBook(nil, WithQuoteClock(func() time.Time { return now }))
	defer book.Close()

	quote, err := book.RequestQuote(context.Background(), "KES", big.NewInt(500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	if !book.ValidateQuote(quote.ID) {
		t.Fatalf("quote invalid at issue time")
	}
	now = base.Add(119 * time.Second)
	if !book.ValidateQuote(quote.ID) {
		t.Fatalf("quote invalid inside the TTL window")
	}
	now = base.Add(120 * time.Second)
	if book.ValidateQuote(quote.ID) {
		t.Fatalf("quote still valid at TTL boundary")
	}
	if book.ValidateQuote("QUOTE-unknown") {
		t.Fatalf("unknown quote validated")
	}
}

func TestQuoteEviction(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	now := base
	book := NewQuoteBook(nil, WithQuoteClock(func() time.Time { return now }))
	defer book.Close()

	if _, err := book.RequestQuote(context.Background(), "USD", big.NewInt(100)); err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if book.Active() != 1 {
		t.Fatalf("active quotes = %d, want 1", book.Active())
	}
	now = base.Add(QuoteTTL + time.Second)
	book.evictExpired()
	if book.Active() != 0 {
		t.Fatalf("expired quote not evicted")
	}
}
