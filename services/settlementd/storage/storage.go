package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd/rail"
)

// Storage wraps the settlementd persistence layer. It is the canonical store
// for streams, payout receipts, and the worker commit journal.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("settlementd storage path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS streams (
    id INTEGER PRIMARY KEY,
    employer TEXT NOT NULL,
    employee TEXT NOT NULL,
    principal TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    duration INTEGER NOT NULL,
    withdrawn TEXT NOT NULL,
    active INTEGER NOT NULL,
    cancelled_at INTEGER NOT NULL DEFAULT 0,
    commitment TEXT NOT NULL,
    payout_currency TEXT NOT NULL DEFAULT '',
    payout_destination TEXT NOT NULL DEFAULT '',
    payout_history TEXT NOT NULL DEFAULT '[]',
    total_payouts INTEGER NOT NULL DEFAULT 0,
    last_payout_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_streams_employee ON streams(employee);
CREATE INDEX IF NOT EXISTS idx_streams_employer ON streams(employer);

CREATE TABLE IF NOT EXISTS payout_receipts (
    reference TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    destination TEXT NOT NULL,
    amount TEXT NOT NULL,
    fee TEXT NOT NULL,
    currency TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payout_journal (
    idempotency_key TEXT PRIMARY KEY,
    stream_id INTEGER NOT NULL,
    amount TEXT NOT NULL,
    reference TEXT NOT NULL DEFAULT '',
    applied INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextStreamID reserves the next monotonically increasing stream identifier.
func (s *Storage) NextStreamID(ctx context.Context) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM streams`)
	var next uint64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next stream id: %w", err)
	}
	return next, nil
}

// StreamPut upserts the full stream record. It satisfies stream.State.
func (s *Storage) StreamPut(record *stream.Stream) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if record == nil {
		return fmt.Errorf("stream record must not be nil")
	}
	history, err := json.Marshal(record.PayoutHistory)
	if err != nil {
		return fmt.Errorf("encode payout history: %w", err)
	}
	active := 0
	if record.Active {
		active = 1
	}
	_, err = s.db.Exec(`
        INSERT INTO streams(id, employer, employee, principal, start_time, duration,
            withdrawn, active, cancelled_at, commitment, payout_currency,
            payout_destination, payout_history, total_payouts, last_payout_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            withdrawn = excluded.withdrawn,
            active = excluded.active,
            cancelled_at = excluded.cancelled_at,
            payout_history = excluded.payout_history,
            total_payouts = excluded.total_payouts,
            last_payout_at = excluded.last_payout_at
    `, record.ID, record.Employer, record.Employee, bigText(record.Principal),
		record.StartTime, record.Duration, bigText(record.Withdrawn), active,
		record.CancelledAt, hex.EncodeToString(record.Commitment[:]),
		record.PayoutCurrency, record.PayoutDestination, string(history),
		record.TotalPayouts, record.LastPayoutAt)
	if err != nil {
		return fmt.Errorf("upsert stream %d: %w", record.ID, err)
	}
	return nil
}

// StreamGet loads a stream by identifier. It satisfies stream.State.
func (s *Storage) StreamGet(id uint64) (*stream.Stream, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRow(`
        SELECT id, employer, employee, principal, start_time, duration, withdrawn,
            active, cancelled_at, commitment, payout_currency, payout_destination,
            payout_history, total_payouts, last_payout_at
        FROM streams WHERE id = ?
    `, id)
	record, err := scanStream(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record, true, nil
}

// StreamsByEmployee returns the active streams paying the given employee.
func (s *Storage) StreamsByEmployee(ctx context.Context, employee string) ([]*stream.Stream, error) {
	return s.queryStreams(ctx, `employee = ? AND active = 1`, strings.TrimSpace(employee))
}

// StreamsByEmployer returns the active streams funded by the given employer.
func (s *Storage) StreamsByEmployer(ctx context.Context, employer string) ([]*stream.Stream, error) {
	return s.queryStreams(ctx, `employer = ? AND active = 1`, strings.TrimSpace(employer))
}

func (s *Storage) queryStreams(ctx context.Context, where string, arg any) ([]*stream.Stream, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, employer, employee, principal, start_time, duration, withdrawn,
            active, cancelled_at, commitment, payout_currency, payout_destination,
            payout_history, total_payouts, last_payout_at
        FROM streams WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()
	var streams []*stream.Stream
	for rows.Next() {
		record, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, record)
	}
	return streams, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*stream.Stream, error) {
	var (
		record     stream.Stream
		principal  string
		withdrawn  string
		active     int
		commitment string
		history    string
	)
	if err := row.Scan(&record.ID, &record.Employer, &record.Employee, &principal,
		&record.StartTime, &record.Duration, &withdrawn, &active, &record.CancelledAt,
		&commitment, &record.PayoutCurrency, &record.PayoutDestination, &history,
		&record.TotalPayouts, &record.LastPayoutAt); err != nil {
		return nil, err
	}
	var err error
	if record.Principal, err = parseBigText(principal); err != nil {
		return nil, fmt.Errorf("stream %d principal: %w", record.ID, err)
	}
	if record.Withdrawn, err = parseBigText(withdrawn); err != nil {
		return nil, fmt.Errorf("stream %d withdrawn: %w", record.ID, err)
	}
	record.Active = active != 0
	raw, err := hex.DecodeString(commitment)
	if err != nil || len(raw) != len(record.Commitment) {
		return nil, fmt.Errorf("stream %d commitment malformed", record.ID)
	}
	copy(record.Commitment[:], raw)
	if err := json.Unmarshal([]byte(history), &record.PayoutHistory); err != nil {
		return nil, fmt.Errorf("stream %d payout history: %w", record.ID, err)
	}
	return &record, nil
}

// SaveReceipt records the rail outcome keyed by settlement reference.
func (s *Storage) SaveReceipt(ctx context.Context, receipt rail.Receipt) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(receipt.Reference) == "" {
		return fmt.Errorf("receipt reference required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payout_receipts(reference, status, destination, amount, fee, currency, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(reference) DO UPDATE SET status = excluded.status
    `, receipt.Reference, string(receipt.Status), receipt.Destination,
		bigText(receipt.Amount), bigText(receipt.Fee), receipt.Currency,
		receipt.Timestamp.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save receipt %s: %w", receipt.Reference, err)
	}
	return nil
}

// GetReceipt loads a payout receipt by reference.
func (s *Storage) GetReceipt(ctx context.Context, reference string) (rail.Receipt, bool, error) {
	var receipt rail.Receipt
	if s == nil {
		return receipt, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT reference, status, destination, amount, fee, currency, created_at
        FROM payout_receipts WHERE reference = ?
    `, strings.TrimSpace(reference))
	var (
		status    string
		amount    string
		fee       string
		createdAt int64
	)
	if err := row.Scan(&receipt.Reference, &status, &receipt.Destination, &amount, &fee,
		&receipt.Currency, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return receipt, false, nil
		}
		return receipt, false, fmt.Errorf("query receipt: %w", err)
	}
	receipt.Status = rail.Status(status)
	var err error
	if receipt.Amount, err = parseBigText(amount); err != nil {
		return receipt, false, fmt.Errorf("receipt %s amount: %w", receipt.Reference, err)
	}
	if receipt.Fee, err = parseBigText(fee); err != nil {
		return receipt, false, fmt.Errorf("receipt %s fee: %w", receipt.Reference, err)
	}
	receipt.Timestamp = time.Unix(createdAt, 0).UTC()
	return receipt, true, nil
}

// JournalEntry tracks a worker commit in flight: the rail reference is
// recorded before the ledger mutation so a crash between the two can be
// reconciled on restart.
type JournalEntry struct {
	IdempotencyKey string
	StreamID       uint64
	Amount         *big.Int
	Reference      string
	Applied        bool
	UpdatedAt      int64
}

// JournalDispatch records that a rail execution was dispatched for the key.
func (s *Storage) JournalDispatch(ctx context.Context, key string, streamID uint64, amount *big.Int, reference string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("journal idempotency key required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payout_journal(idempotency_key, stream_id, amount, reference, applied, updated_at)
        VALUES(?, ?, ?, ?, 0, ?)
        ON CONFLICT(idempotency_key) DO UPDATE SET
            reference = excluded.reference,
            updated_at = excluded.updated_at
    `, key, streamID, bigText(amount), reference, now.UTC().Unix())
	if err != nil {
		return fmt.Errorf("journal dispatch %s: %w", key, err)
	}
	return nil
}

// JournalApply marks the ledger commit for the key as completed.
func (s *Storage) JournalApply(ctx context.Context, key string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE payout_journal SET applied = 1, updated_at = ? WHERE idempotency_key = ?
    `, now.UTC().Unix(), key)
	if err != nil {
		return fmt.Errorf("journal apply %s: %w", key, err)
	}
	return nil
}

// JournalDelete removes a journal entry whose rail execution conclusively
// failed, freeing the key for an explicit operator resubmission.
func (s *Storage) JournalDelete(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payout_journal WHERE idempotency_key = ?`, key); err != nil {
		return fmt.Errorf("journal delete %s: %w", key, err)
	}
	return nil
}

// PendingJournal lists dispatched-but-uncommitted entries for crash recovery.
func (s *Storage) PendingJournal(ctx context.Context) ([]JournalEntry, error) {
	return s.queryJournal(ctx, `applied = 0`)
}

// AppliedJournal returns the committed entries keyed by idempotency key so a
// restarted ledger engine can reject duplicate applies.
func (s *Storage) AppliedJournal(ctx context.Context) (map[string]*stream.WithdrawalResult, error) {
	entries, err := s.queryJournal(ctx, `applied = 1`)
	if err != nil {
		return nil, err
	}
	restored := make(map[string]*stream.WithdrawalResult, len(entries))
	for _, entry := range entries {
		restored[entry.IdempotencyKey] = &stream.WithdrawalResult{
			StreamID:  entry.StreamID,
			Amount:    entry.Amount,
			Reference: entry.Reference,
			AppliedAt: entry.UpdatedAt,
		}
	}
	return restored, nil
}

func (s *Storage) queryJournal(ctx context.Context, where string) ([]JournalEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT idempotency_key, stream_id, amount, reference, applied, updated_at
        FROM payout_journal WHERE `+where+` ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var (
			entry   JournalEntry
			amount  string
			applied int
		)
		if err := rows.Scan(&entry.IdempotencyKey, &entry.StreamID, &amount,
			&entry.Reference, &applied, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if entry.Amount, err = parseBigText(amount); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", entry.IdempotencyKey, err)
		}
		entry.Applied = applied != 0
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBigText(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", raw)
	}
	return parsed, nil
}
