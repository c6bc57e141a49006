package stream

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// MinDuration is the shortest stream the ledger accepts (one day).
	MinDuration int64 = 24 * 60 * 60
	// MaxDuration is the longest stream the ledger accepts (one year).
	MaxDuration int64 = 365 * 24 * 60 * 60
)

// Stream captures the canonical accounting state of a single salary stream.
// The identifier is assigned monotonically by the backing store; principal and
// withdrawn amounts are tracked in the smallest currency unit using
// arbitrary-precision integers so repeated partial vesting computations never
// diverge between mirrored ledgers.
type Stream struct {
	ID                uint64
	Employer          string
	Employee          string
	Principal         *big.Int
	StartTime         int64
	Duration          int64
	Withdrawn         *big.Int
	Active            bool
	CancelledAt       int64
	Commitment        [32]byte
	PayoutCurrency    string
	PayoutDestination string
	PayoutHistory     []string
	TotalPayouts      uint64
	LastPayoutAt      int64
}

// Clone returns a deep copy of the stream so callers can safely mutate the
// copy without affecting the stored instance.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Principal != nil {
		clone.Principal = new(big.Int).Set(s.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if s.Withdrawn != nil {
		clone.Withdrawn = new(big.Int).Set(s.Withdrawn)
	} else {
		clone.Withdrawn = big.NewInt(0)
	}
	if s.PayoutHistory != nil {
		clone.PayoutHistory = append([]string(nil), s.PayoutHistory...)
	}
	return &clone
}

// SanitizeStream validates and normalises the supplied stream definition,
// returning a cloned instance with trimmed identifiers and non-nil amount
// fields. The function does not mutate the original value.
func SanitizeStream(s *Stream) (*Stream, error) {
	if s == nil {
		return nil, fmt.Errorf("stream: nil stream")
	}
	clone := s.Clone()
	clone.Employer = strings.TrimSpace(clone.Employer)
	clone.Employee = strings.TrimSpace(clone.Employee)
	if clone.Employee == "" {
		return nil, ErrInvalidEmployee
	}
	if clone.Employer != "" && strings.EqualFold(clone.Employer, clone.Employee) {
		return nil, ErrInvalidEmployee
	}
	if clone.Principal == nil || clone.Principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if clone.Duration < MinDuration || clone.Duration > MaxDuration {
		return nil, ErrInvalidDuration
	}
	if clone.Withdrawn.Sign() < 0 {
		return nil, fmt.Errorf("stream: withdrawn must be non-negative")
	}
	if clone.Withdrawn.Cmp(clone.Principal) > 0 {
		return nil, fmt.Errorf("stream: withdrawn exceeds principal")
	}
	clone.PayoutCurrency = strings.ToUpper(strings.TrimSpace(clone.PayoutCurrency))
	clone.PayoutDestination = strings.TrimSpace(clone.PayoutDestination)
	return clone, nil
}
