package rail

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock transaction fee charged by the simulated mobile-money provider,
// expressed in basis points of the payout amount.
const mockFeeBps = 250

// MockGateway is a deterministic in-memory settlement rail double. The final
// digit of the destination selects the outcome: 0-7 delivered, 8 pending,
// 9 failed. Receipts are remembered so Status queries resolve after a
// simulated crash.
type MockGateway struct {
	clock   func() time.Time
	latency time.Duration

	mu       sync.Mutex
	receipts map[string]Receipt
}

// MockOption customises the mock gateway.
type MockOption func(*MockGateway)

// WithClock sets the time source used for receipt timestamps.
func WithClock(clock func() time.Time) MockOption {
	return func(m *MockGateway) { m.clock = clock }
}

// WithLatency introduces an artificial processing delay on Execute.
func WithLatency(d time.Duration) MockOption {
	return func(m *MockGateway) { m.latency = d }
}

// NewMockGateway constructs the deterministic test double.
func NewMockGateway(opts ...MockOption) *MockGateway {
	m := &MockGateway{
		clock:    time.Now,
		receipts: make(map[string]Receipt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute simulates a mobile-money payout. The context deadline is honoured:
// an expired context surfaces as ErrUnavailable with an unknown outcome.
func (m *MockGateway) Execute(ctx context.Context, destination string, amount *big.Int, currency, quoteID string) (Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("rail: amount must be positive")
	}
	dest := normalizeDestination(destination)
	if dest == "" {
		return Receipt{}, fmt.Errorf("rail: destination required")
	}
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fee := new(big.Int).Mul(amount, big.NewInt(mockFeeBps))
	fee.Quo(fee, big.NewInt(10_000))
	receipt := Receipt{
		Reference:   "MOCK-" + uuid.NewString(),
		Status:      outcomeFor(dest),
		Destination: dest,
		Amount:      new(big.Int).Set(amount),
		Fee:         fee,
		Currency:    strings.ToUpper(strings.TrimSpace(currency)),
		Timestamp:   m.clock(),
	}

	m.mu.Lock()
	m.receipts[receipt.Reference] = receipt.Clone()
	m.mu.Unlock()
	return receipt, nil
}

// Status returns the remembered receipt for the reference. Pending payouts
// resolve to delivered on re-query, mimicking an eventually-settling rail.
func (m *MockGateway) Status(ctx context.Context, reference string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[strings.TrimSpace(reference)]
	if !ok {
		return Receipt{}, ErrUnknownReference
	}
	if receipt.Status == StatusPending {
		receipt.Status = StatusDelivered
		m.receipts[receipt.Reference] = receipt.Clone()
	}
	return receipt.Clone(), nil
}

func normalizeDestination(destination string) string {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "+") {
		trimmed = "+" + trimmed
	}
	return trimmed
}

func outcomeFor(destination string) Status {
	last := destination[len(destination)-1]
	switch {
	case last >= '0' && last <= '7':
		return StatusDelivered
	case last == '8':
		return StatusPending
	default:
		return StatusFailed
	}
}
