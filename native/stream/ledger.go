package stream

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var errNilState = errors.New("stream engine: state not configured")

// State abstracts the subset of store functionality required by the ledger
// engine.
type State interface {
	StreamPut(*Stream) error
	StreamGet(id uint64) (*Stream, bool, error)
}

// WithdrawalResult records the committed outcome of a withdrawal so repeated
// applications of the same idempotency key return the original result instead
// of moving money twice.
type WithdrawalResult struct {
	StreamID  uint64
	Amount    *big.Int
	Reference string
	AppliedAt int64
}

func (r *WithdrawalResult) clone() *WithdrawalResult {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}

// Engine wires the vesting ledger business logic with external state and
// event emitters. All mutation of a single stream is serialized through a
// per-stream mutex so concurrent withdraw and payout requests can never
// double-spend the same vested balance.
type Engine struct {
	state   State
	emitter Emitter
	nowFn   func() int64

	mu      sync.Mutex
	locks   map[uint64]*sync.Mutex
	applied map[string]*WithdrawalResult
}

// NewEngine creates a ledger engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[uint64]*sync.Mutex),
		applied: make(map[string]*WithdrawalResult),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// streamLock returns the mutex serializing mutations of the given stream.
func (e *Engine) streamLock(id uint64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// VestedAt computes the vested principal of the stream at the given unix
// timestamp using integer arithmetic only. Once a stream is cancelled the
// clock is clamped to the cancellation instant, freezing further vesting
// while keeping the already-vested balance intact.
func VestedAt(s *Stream, now int64) *big.Int {
	if s == nil || s.Principal == nil || s.Duration <= 0 {
		return big.NewInt(0)
	}
	if !s.Active && s.CancelledAt > 0 && now > s.CancelledAt {
		now = s.CancelledAt
	}
	if now <= s.StartTime {
		return big.NewInt(0)
	}
	elapsed := now - s.StartTime
	if elapsed >= s.Duration {
		return new(big.Int).Set(s.Principal)
	}
	vested := new(big.Int).Mul(s.Principal, big.NewInt(elapsed))
	return vested.Quo(vested, big.NewInt(s.Duration))
}

// AvailableAt computes the vested-but-unwithdrawn balance at the given unix
// timestamp. The result is always within [0, principal-withdrawn].
func AvailableAt(s *Stream, now int64) *big.Int {
	vested := VestedAt(s, now)
	if s == nil || s.Withdrawn == nil {
		return vested
	}
	available := vested.Sub(vested, s.Withdrawn)
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

// Get returns a snapshot of the stream.
func (e *Engine) Get(id uint64) (*Stream, error) {
	if e.state == nil {
		return nil, errNilState
	}
	stored, ok, err := e.state.StreamGet(id)
	if err != nil {
		return nil, fmt.Errorf("stream engine: load stream %d: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

// Create persists an admitted stream and announces it. The record must be
// sanitized and carry its reserved identifier; admission checks happen
// before the engine ever sees the stream.
func (e *Engine) Create(record *Stream) error {
	if e.state == nil {
		return errNilState
	}
	if record == nil {
		return fmt.Errorf("stream engine: record must not be nil")
	}
	lock := e.streamLock(record.ID)
	lock.Lock()
	defer lock.Unlock()
	if err := e.state.StreamPut(record); err != nil {
		return fmt.Errorf("stream engine: persist stream %d: %w", record.ID, err)
	}
	e.emit(Created{
		StreamID:  record.ID,
		Employer:  record.Employer,
		Employee:  record.Employee,
		Principal: record.Principal.String(),
		Duration:  record.Duration,
	})
	return nil
}

// Available returns the currently withdrawable balance of the stream.
func (e *Engine) Available(id uint64) (*big.Int, error) {
	stored, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return AvailableAt(stored, e.now()), nil
}

// Applied reports whether the idempotency key has already been committed and
// returns the recorded result when it has.
func (e *Engine) Applied(key string) (*WithdrawalResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.applied[key]
	return result.clone(), ok
}

// RestoreApplied preloads committed idempotency keys, typically replayed from
// the persistence journal after a restart so a resumed apply never
// double-counts.
func (e *Engine) RestoreApplied(results map[string]*WithdrawalResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, result := range results {
		if key == "" || result == nil {
			continue
		}
		e.applied[key] = result.clone()
	}
}

// ApplyWithdrawal atomically debits the vested balance of the stream,
// appending the settlement reference to the payout history. The idempotency
// key guards the mutation: re-applying a committed key returns the original
// result without moving money again. A cancelled stream keeps its frozen
// vested balance claimable; only the unvested remainder stops accruing.
func (e *Engine) ApplyWithdrawal(id uint64, amount *big.Int, reference, key string) (*WithdrawalResult, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	lock := e.streamLock(id)
	lock.Lock()
	defer lock.Unlock()

	if key != "" {
		if prior, ok := e.Applied(key); ok {
			return prior, nil
		}
	}

	stored, ok, err := e.state.StreamGet(id)
	if err != nil {
		return nil, fmt.Errorf("stream engine: load stream %d: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	now := e.now()
	available := AvailableAt(stored, now)
	if !stored.Active && available.Sign() == 0 {
		return nil, ErrStreamInactive
	}
	if amount.Cmp(available) > 0 {
		return nil, ErrInsufficientVested
	}

	updated := stored.Clone()
	updated.Withdrawn = new(big.Int).Add(updated.Withdrawn, amount)
	updated.PayoutHistory = append(updated.PayoutHistory, reference)
	updated.TotalPayouts++
	updated.LastPayoutAt = now
	if err := e.state.StreamPut(updated); err != nil {
		return nil, fmt.Errorf("stream engine: persist stream %d: %w", id, err)
	}

	result := &WithdrawalResult{
		StreamID:  id,
		Amount:    new(big.Int).Set(amount),
		Reference: reference,
		AppliedAt: now,
	}
	if key != "" {
		e.mu.Lock()
		e.applied[key] = result.clone()
		e.mu.Unlock()
	}
	e.emit(Withdrawn{StreamID: id, Amount: amount.String(), Reference: reference})
	return result.clone(), nil
}

// Cancel deactivates the stream, freezing vesting at the cancellation
// instant. Withdrawn is never reduced and the vested unwithdrawn balance
// remains claimable afterwards.
func (e *Engine) Cancel(id uint64) (*Stream, error) {
	if e.state == nil {
		return nil, errNilState
	}
	lock := e.streamLock(id)
	lock.Lock()
	defer lock.Unlock()

	stored, ok, err := e.state.StreamGet(id)
	if err != nil {
		return nil, fmt.Errorf("stream engine: load stream %d: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !stored.Active {
		return stored.Clone(), nil
	}
	updated := stored.Clone()
	updated.Active = false
	updated.CancelledAt = e.now()
	if err := e.state.StreamPut(updated); err != nil {
		return nil, fmt.Errorf("stream engine: persist stream %d: %w", id, err)
	}
	e.emit(Cancelled{StreamID: id, CancelledAt: updated.CancelledAt})
	return updated.Clone(), nil
}
