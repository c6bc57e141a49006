package settlementd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"zkpayroll/native/admission"
	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd/rail"
	"zkpayroll/services/settlementd/storage"
)

const defaultPayoutCurrency = "KES"

// CreateStreamParams bundles the inputs for funding a new salary stream.
type CreateStreamParams struct {
	Employer          string
	Employee          string
	Principal         *big.Int
	Duration          int64
	Proof             *admission.ProofArtifact
	PublicSignals     []string
	PayoutCurrency    string
	PayoutDestination string
}

// Service is the external surface of the settlement daemon: proof-gated
// stream admission, vesting queries, withdrawals, quoting, and payouts.
type Service struct {
	ledger    *stream.Engine
	gate      *admission.Gate
	store     *storage.Storage
	quotes    *QuoteBook
	scheduler *Scheduler
	processor *Processor
	gateway   rail.Gateway
	logger    *slog.Logger
	clock     func() time.Time

	// createMu serializes id reservation with the initial persist so
	// concurrent creations cannot collide on an id.
	createMu sync.Mutex
}

// NewService wires the service facade.
func NewService(ledger *stream.Engine, gate *admission.Gate, store *storage.Storage,
	quotes *QuoteBook, scheduler *Scheduler, processor *Processor, gateway rail.Gateway,
	logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    ledger,
		gate:      gate,
		store:     store,
		quotes:    quotes,
		scheduler: scheduler,
		processor: processor,
		gateway:   gateway,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// CreateStream admits the proof, validates the stream definition, persists
// it under the next monotonic id, and schedules recurring payouts when a
// destination is configured. A stream is only ever created after admission
// succeeds.
func (s *Service) CreateStream(ctx context.Context, params CreateStreamParams) (*stream.Stream, error) {
	result, err := s.gate.Verify(ctx, params.Proof, params.PublicSignals)
	if err != nil {
		return nil, err
	}

	now := s.clock().Unix()
	candidate := &stream.Stream{
		Employer:          params.Employer,
		Employee:          params.Employee,
		Principal:         params.Principal,
		StartTime:         now,
		Duration:          params.Duration,
		Withdrawn:         big.NewInt(0),
		Active:            true,
		Commitment:        result.Commitment,
		PayoutCurrency:    params.PayoutCurrency,
		PayoutDestination: params.PayoutDestination,
		PayoutHistory:     []string{},
	}
	sanitized, err := stream.SanitizeStream(candidate)
	if err != nil {
		return nil, err
	}
	if sanitized.PayoutCurrency == "" {
		sanitized.PayoutCurrency = defaultPayoutCurrency
	}

	s.createMu.Lock()
	id, err := s.store.NextStreamID(ctx)
	if err != nil {
		s.createMu.Unlock()
		return nil, err
	}
	sanitized.ID = id
	if err := s.ledger.Create(sanitized); err != nil {
		s.createMu.Unlock()
		return nil, err
	}
	s.createMu.Unlock()

	s.logger.Info("stream created",
		"streamId", id, "employer", sanitized.Employer, "employee", sanitized.Employee,
		"principal", sanitized.Principal.String(), "duration", sanitized.Duration)

	if sanitized.PayoutDestination != "" {
		if _, err := s.scheduler.ScheduleRecurring(sanitized); err != nil {
			s.logger.Error("recurring schedule failed", "streamId", id, "err", err)
		}
	}
	return sanitized.Clone(), nil
}

// GetStream returns a snapshot of the stream.
func (s *Service) GetStream(ctx context.Context, id uint64) (*stream.Stream, error) {
	return s.ledger.Get(id)
}

// GetAvailable returns the currently withdrawable balance of the stream.
func (s *Service) GetAvailable(ctx context.Context, id uint64) (*big.Int, error) {
	return s.ledger.Available(id)
}

// StreamsByEmployee lists the active streams paying the employee.
func (s *Service) StreamsByEmployee(ctx context.Context, employee string) ([]*stream.Stream, error) {
	return s.store.StreamsByEmployee(ctx, employee)
}

// StreamsByEmployer lists the active streams funded by the employer.
func (s *Service) StreamsByEmployer(ctx context.Context, employer string) ([]*stream.Stream, error) {
	return s.store.StreamsByEmployer(ctx, employer)
}

// Withdraw requests settlement of vested balance to the stream's configured
// destination. A nil amount withdraws everything currently available.
func (s *Service) Withdraw(ctx context.Context, id uint64, amount *big.Int) (*PayoutHandle, error) {
	snapshot, err := s.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount, err = s.ledger.Available(id)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("%w: nothing vested to withdraw", ErrInsufficientAvailable)
		}
	}
	destination := snapshot.PayoutDestination
	if destination == "" {
		return nil, fmt.Errorf("settlementd: stream %d has no payout destination", id)
	}
	currency := snapshot.PayoutCurrency
	if currency == "" {
		currency = defaultPayoutCurrency
	}
	return s.scheduler.RequestOnDemandPayout(ctx, id, amount, destination, currency, "")
}

// CancelStream deactivates the stream and withdraws any still-delayed
// recurring intents. The frozen vested balance stays claimable.
func (s *Service) CancelStream(ctx context.Context, id uint64) (*stream.Stream, error) {
	snapshot, err := s.ledger.Cancel(id)
	if err != nil {
		return nil, err
	}
	s.scheduler.CancelRecurring(snapshot)
	return snapshot, nil
}

// RequestQuote issues a short-lived FX quote for the amount and currency.
func (s *Service) RequestQuote(ctx context.Context, currency string, amount *big.Int) (Quote, error) {
	return s.quotes.RequestQuote(ctx, currency, amount)
}

// ValidateQuote reports whether the quote is currently stored and unexpired.
func (s *Service) ValidateQuote(id string) bool {
	return s.quotes.ValidateQuote(id)
}

// CreatePayout executes a direct payout through the rail. A supplied quote id
// is re-validated at the moment of use.
func (s *Service) CreatePayout(ctx context.Context, destination string, amount *big.Int, currency, quoteID string) (rail.Receipt, error) {
	if quoteID = strings.TrimSpace(quoteID); quoteID != "" {
		if !s.quotes.ValidateQuote(quoteID) {
			return rail.Receipt{}, ErrQuoteExpiredOrInvalid
		}
	}
	receipt, err := s.gateway.Execute(ctx, destination, amount, currency, quoteID)
	if err != nil {
		return rail.Receipt{}, fmt.Errorf("execute payout: %w", err)
	}
	if saveErr := s.store.SaveReceipt(ctx, receipt); saveErr != nil {
		s.logger.Error("receipt save failed", "reference", receipt.Reference, "err", saveErr)
	}
	return receipt, nil
}

// GetPayoutStatus resolves a settlement reference, preferring the stored
// receipt and falling back to a live rail query.
func (s *Service) GetPayoutStatus(ctx context.Context, reference string) (rail.Receipt, error) {
	stored, ok, err := s.store.GetReceipt(ctx, reference)
	if err == nil && ok && stored.Status != rail.StatusPending {
		return stored, nil
	}
	receipt, railErr := s.gateway.Status(ctx, reference)
	if railErr != nil {
		if ok {
			return stored, nil
		}
		return rail.Receipt{}, railErr
	}
	if saveErr := s.store.SaveReceipt(ctx, receipt); saveErr != nil {
		s.logger.Error("receipt save failed", "reference", receipt.Reference, "err", saveErr)
	}
	return receipt, nil
}

// VerifyProof exposes the admission gate for pre-flight proof checks.
func (s *Service) VerifyProof(ctx context.Context, artifact *admission.ProofArtifact, signals []string) (admission.Result, error) {
	return s.gate.Verify(ctx, artifact, signals)
}

// Processor returns the payout processor for administrative control.
func (s *Service) Processor() *Processor { return s.processor }
