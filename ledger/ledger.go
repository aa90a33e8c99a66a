/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Double-entry-style credit ledger with debt tolerance.
             Balance mutations and their Transaction rows are applied
             as one unit of visibility per user: serialized through a
             per-user in-process lock and written inside a single
             Postgres transaction spanning the balance and transaction
             tables.
Root Cause:  Sprint task T201 — credit ledger with debt-tolerant usage
             billing and payment-webhook reconciliation.
Context:     Usage cost is only known after analysis completes, so the
             ledger must tolerate negative balances between admission
             and charge, and must clear debt atomically on top-up.
Suitability: L4 — financial correctness, serialize and review closely.
──────────────────────────────────────────────────────────────
*/

// Package ledger is the Credit Ledger (component C): per-user credit
// balances, an append-only Transaction log, and payment reconciliation.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func generateTxnID() string {
	return "txn_" + uuid.NewString()
}

type TxnType string

const (
	TxnCredit TxnType = "credit"
	TxnDebit  TxnType = "debit"
	TxnBonus  TxnType = "bonus"
	TxnRefund TxnType = "refund"
)

// Balance is a user's current credit standing. Remaining may be negative.
type Balance struct {
	Owner     string
	Total     int
	Used      int
	Remaining int
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID            string
	Owner         string
	Type          TxnType
	Amount        int // debits are subtracted via Type; SetCredits records a signed delta
	Description   string
	JobID         *string
	APIKeyID      *string
	PaymentID     *string
	BalanceBefore int
	BalanceAfter  int
	CreatedAt     time.Time
}

type ledgerError string

func (e ledgerError) Error() string { return string(e) }

// ErrWriteFailed is returned when a balance/transaction pair could not be
// applied atomically. Per the error-handling design, this never fails the
// owning job — it is logged with high severity and surfaced to operators.
const ErrWriteFailed ledgerError = "ledger: could not apply mutation atomically"

// keyedMutex serializes per-user writes. Kept local to this package
// (rather than shared with the HTTP concurrency guard) because its
// correctness requirement — no lost updates on the balance row — is
// specific to ledger mutations, not request shaping.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Ledger is the Ledger (component C).
type Ledger struct {
	db     *sql.DB
	redis  *redis.Client
	locks  *keyedMutex
	logger zerolog.Logger

	// alerter is called on ErrWriteFailed so operators get paged; nil is a
	// valid no-op (tests, or deployments without an alerting surface).
	alerter func(owner string, err error)
}

func New(db *sql.DB, rdb *redis.Client, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		redis:  rdb,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// SetAlerter registers a callback invoked whenever a ledger mutation fails
// to apply atomically.
func (l *Ledger) SetAlerter(fn func(owner string, err error)) {
	l.alerter = fn
}

const Schema = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	owner     TEXT PRIMARY KEY,
	total     INT NOT NULL DEFAULT 0,
	used      INT NOT NULL DEFAULT 0,
	remaining INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	type           TEXT NOT NULL,
	amount         INT NOT NULL,
	description    TEXT NOT NULL,
	job_id         TEXT,
	api_key_id     TEXT,
	payment_id     TEXT,
	balance_before INT NOT NULL,
	balance_after  INT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_txn_owner ON ledger_transactions (owner, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_txn_payment ON ledger_transactions (payment_id) WHERE payment_id IS NOT NULL;
`

// getOrInitBalance loads the balance row, creating a zeroed one if absent.
// Must be called with the owner's lock held.
func (l *Ledger) getOrInitBalance(ctx context.Context, tx *sql.Tx, owner string) (Balance, error) {
	var b Balance
	b.Owner = owner
	err := tx.QueryRowContext(ctx, `SELECT total, used, remaining FROM ledger_balances WHERE owner=$1 FOR UPDATE`, owner).
		Scan(&b.Total, &b.Used, &b.Remaining)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `INSERT INTO ledger_balances (owner, total, used, remaining) VALUES ($1,0,0,0)`, owner)
		return b, err
	}
	return b, err
}

func (l *Ledger) writeTxn(ctx context.Context, tx *sql.Tx, t Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, owner, type, amount, description, job_id, api_key_id,
			payment_id, balance_before, balance_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.Owner, t.Type, t.Amount, t.Description, t.JobID, t.APIKeyID, t.PaymentID,
		t.BalanceBefore, t.BalanceAfter, t.CreatedAt)
	return err
}

func (l *Ledger) saveBalance(ctx context.Context, tx *sql.Tx, b Balance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET total=$1, used=$2, remaining=$3 WHERE owner=$4`,
		b.Total, b.Used, b.Remaining, b.Owner)
	return err
}

// apply runs fn under the owner's lock and inside a DB transaction,
// reporting ErrWriteFailed (and alerting) on any failure rather than
// propagating the raw driver error to callers that must not fail a job
// because of a ledger hiccup.
func (l *Ledger) apply(ctx context.Context, owner string, fn func(tx *sql.Tx, b Balance) (Balance, Transaction, error)) (Transaction, error) {
	unlock := l.locks.lock(owner)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, ErrWriteFailed
	}
	defer tx.Rollback()

	bal, err := l.getOrInitBalance(ctx, tx, owner)
	if err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, ErrWriteFailed
	}

	newBal, txn, err := fn(tx, bal)
	if err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, err
	}

	if err := l.saveBalance(ctx, tx, newBal); err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, ErrWriteFailed
	}
	if err := l.writeTxn(ctx, tx, txn); err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, ErrWriteFailed
	}
	if err := tx.Commit(); err != nil {
		l.reportFailure(owner, err)
		return Transaction{}, ErrWriteFailed
	}
	l.cacheBalance(ctx, newBal)
	return txn, nil
}

func (l *Ledger) reportFailure(owner string, err error) {
	l.logger.Error().Err(err).Str("owner", owner).Msg("ledger mutation failed to apply atomically")
	if l.alerter != nil {
		l.alerter(owner, err)
	}
}

// AddCredits increases total and remaining by amount and records a
// Transaction of the given kind (credit or bonus).
func (l *Ledger) AddCredits(ctx context.Context, owner string, amount int, description string, kind TxnType) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("ledger: AddCredits amount must be positive, got %d", amount)
	}
	return l.apply(ctx, owner, func(tx *sql.Tx, b Balance) (Balance, Transaction, error) {
		before := b.Remaining
		b.Total += amount
		b.Remaining += amount
		return b, newTxn(owner, kind, amount, description, before, b.Remaining, nil, nil, nil), nil
	})
}

// SetCredits replaces total/remaining and zeroes used. Admin-only by
// convention of the caller; not gated here.
func (l *Ledger) SetCredits(ctx context.Context, owner string, amount int, description string) (Transaction, error) {
	return l.apply(ctx, owner, func(tx *sql.Tx, b Balance) (Balance, Transaction, error) {
		before := b.Remaining
		b.Total = amount
		b.Used = 0
		b.Remaining = amount
		return b, newTxn(owner, TxnCredit, amount-before, description, before, b.Remaining, nil, nil, nil), nil
	})
}

// DeductUsage subtracts amount from remaining without a pre-check; this
// may drive remaining below zero (debt tolerance).
func (l *Ledger) DeductUsage(ctx context.Context, owner string, amount int, jobID string, apiKeyID *string, description string) (Transaction, error) {
	return l.apply(ctx, owner, func(tx *sql.Tx, b Balance) (Balance, Transaction, error) {
		before := b.Remaining
		b.Used += amount
		b.Remaining -= amount
		return b, newTxn(owner, TxnDebit, amount, description, before, b.Remaining, &jobID, apiKeyID, nil), nil
	})
}

// Refund adds amount back to remaining and reduces used, floor-clamped at
// zero. This floor clamp is a known deviation from invariant #1 over long
// histories — see the open-question note in the design ledger.
func (l *Ledger) Refund(ctx context.Context, owner string, amount int, jobID string, reason string) (Transaction, error) {
	return l.apply(ctx, owner, func(tx *sql.Tx, b Balance) (Balance, Transaction, error) {
		before := b.Remaining
		b.Remaining += amount
		b.Used -= amount
		if b.Used < 0 {
			b.Used = 0
		}
		return b, newTxn(owner, TxnRefund, amount, reason, before, b.Remaining, &jobID, nil, nil), nil
	})
}

// HasAtLeast is the admission-gate check; it does not lock or mutate. It
// consults the Redis hot-path cache first (populated by every successful
// apply()) and falls back to Postgres on a miss, refreshing the cache.
func (l *Ledger) HasAtLeast(ctx context.Context, owner string, threshold int) (bool, Balance, error) {
	if l.redis != nil {
		if b, ok := l.cachedBalance(ctx, owner); ok {
			return b.Remaining >= threshold, b, nil
		}
	}

	var b Balance
	b.Owner = owner
	err := l.db.QueryRowContext(ctx, `SELECT total, used, remaining FROM ledger_balances WHERE owner=$1`, owner).
		Scan(&b.Total, &b.Used, &b.Remaining)
	if err == sql.ErrNoRows {
		return threshold <= 0, b, nil
	}
	if err != nil {
		return false, b, fmt.Errorf("ledger: has-at-least: %w", err)
	}
	l.cacheBalance(ctx, b)
	return b.Remaining >= threshold, b, nil
}

func cacheKey(owner string) string { return "ledger:balance:" + owner }

func (l *Ledger) cacheBalance(ctx context.Context, b Balance) {
	if l.redis == nil {
		return
	}
	l.redis.HSet(ctx, cacheKey(b.Owner), map[string]interface{}{
		"total": b.Total, "used": b.Used, "remaining": b.Remaining,
	})
	l.redis.Expire(ctx, cacheKey(b.Owner), 30*time.Second)
}

func (l *Ledger) cachedBalance(ctx context.Context, owner string) (Balance, bool) {
	vals, err := l.redis.HGetAll(ctx, cacheKey(owner)).Result()
	if err != nil || len(vals) == 0 {
		return Balance{}, false
	}
	b := Balance{Owner: owner}
	fmt.Sscanf(vals["total"], "%d", &b.Total)
	fmt.Sscanf(vals["used"], "%d", &b.Used)
	fmt.Sscanf(vals["remaining"], "%d", &b.Remaining)
	return b, true
}

// PaymentResult is returned by AddCreditsFromPayment.
type PaymentResult struct {
	Balance     Balance
	Txn         Transaction
	DebtCleared int
}

// AddCreditsFromPayment is idempotent on paymentID: if a Transaction
// already references this payment, that Transaction is returned with the
// owner's current balance and DebtCleared 0 rather than double-crediting
// (webhook replay safety, property 5/S6).
func (l *Ledger) AddCreditsFromPayment(ctx context.Context, owner string, amount int, paymentID string, description string) (PaymentResult, error) {
	if existing, ok, err := l.findByPayment(ctx, paymentID); err != nil {
		return PaymentResult{}, err
	} else if ok {
		b, err := l.currentBalance(ctx, owner)
		if err != nil {
			return PaymentResult{}, err
		}
		return PaymentResult{Balance: b, Txn: existing, DebtCleared: 0}, nil
	}

	var result PaymentResult
	txn, err := l.apply(ctx, owner, func(tx *sql.Tx, b Balance) (Balance, Transaction, error) {
		before := b.Remaining
		debt := 0
		if before < 0 {
			debt = -before
		}
		b.Total += amount
		b.Remaining += amount

		desc := description
		if debt > 0 {
			desc = fmt.Sprintf("%s (Debt cleared: %d credits)", description, debt)
		}
		result.DebtCleared = debt
		result.Balance = b
		pid := paymentID
		return b, newTxn(owner, TxnCredit, amount, desc, before, b.Remaining, nil, nil, &pid), nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	result.Txn = txn
	return result, nil
}

// Snapshot returns owner's current balance, preferring the Redis cache
// and falling back to Postgres on a miss. Used by the credits endpoint.
func (l *Ledger) Snapshot(ctx context.Context, owner string) (Balance, error) {
	if b, ok := l.cachedBalance(ctx, owner); ok {
		return b, nil
	}
	b, err := l.currentBalance(ctx, owner)
	if err != nil {
		return Balance{}, err
	}
	l.cacheBalance(ctx, b)
	return b, nil
}

func (l *Ledger) currentBalance(ctx context.Context, owner string) (Balance, error) {
	var b Balance
	b.Owner = owner
	err := l.db.QueryRowContext(ctx, `SELECT total, used, remaining FROM ledger_balances WHERE owner=$1`, owner).
		Scan(&b.Total, &b.Used, &b.Remaining)
	if err == sql.ErrNoRows {
		return b, nil
	}
	return b, err
}

func (l *Ledger) findByPayment(ctx context.Context, paymentID string) (Transaction, bool, error) {
	var t Transaction
	var jobID, apiKeyID, paymentIDCol sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT id, owner, type, amount, description, job_id, api_key_id, payment_id,
			balance_before, balance_after, created_at
		FROM ledger_transactions WHERE payment_id=$1`, paymentID).
		Scan(&t.ID, &t.Owner, &t.Type, &t.Amount, &t.Description, &jobID, &apiKeyID, &paymentIDCol,
			&t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("ledger: find by payment: %w", err)
	}
	return t, true, nil
}

// Reconcile scans for balance rows whose running transaction delta
// doesn't match the stored remaining — the "missing pair" case called out
// in the design notes (balance advanced but transaction write failed
// after commit, or vice versa under a crash window). It logs findings;
// callers decide whether to alert or attempt a repair.
func (l *Ledger) Reconcile(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT owner, total, used, remaining FROM ledger_balances`)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile query: %w", err)
	}
	defer rows.Close()

	var suspect []string
	for rows.Next() {
		var owner string
		var total, used, remaining int
		if err := rows.Scan(&owner, &total, &used, &remaining); err != nil {
			return nil, err
		}

		var sum sql.NullInt64
		err := l.db.QueryRowContext(ctx, `
			SELECT SUM(CASE WHEN type='debit' THEN -amount ELSE amount END)
			FROM ledger_transactions WHERE owner=$1`, owner).Scan(&sum)
		if err != nil {
			return nil, err
		}
		if sum.Valid && sum.Int64 != int64(remaining) {
			suspect = append(suspect, owner)
			l.logger.Warn().Str("owner", owner).Int64("txn_sum", sum.Int64).Int("remaining", remaining).
				Msg("ledger reconciler found balance/transaction mismatch")
		}
	}
	return suspect, rows.Err()
}

func newTxn(owner string, t TxnType, amount int, description string, before, after int, jobID, apiKeyID, paymentID *string) Transaction {
	return Transaction{
		ID:            generateTxnID(),
		Owner:         owner,
		Type:          t,
		Amount:        amount,
		Description:   description,
		JobID:         jobID,
		APIKeyID:      apiKeyID,
		PaymentID:     paymentID,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     time.Now().UTC(),
	}
}
