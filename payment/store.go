package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Status is a Payment's lifecycle state. Transitions are monotone except
// that success -> refunded is allowed.
type Status string

const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

// Payment is the order record a checkout step creates before the gateway
// ever calls back; the webhook resolves against this row instead of
// trusting whatever owner/plan the callback body claims.
type Payment struct {
	ID               string
	Owner            string
	GatewayOrderID   string
	GatewayPaymentID *string
	Signature        *string
	PlanID           string
	PlanName         string
	CreditsToGrant   int
	AmountPaise      int64
	Currency         string
	Status           Status
	Method           *string
	CardMeta         *string
	CreditsAdded     bool
	RefundMeta       *string
	FailureReason    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the Postgres-backed Payment record store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "payment_store").Logger()}
}

const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	owner              TEXT NOT NULL,
	gateway_order_id   TEXT NOT NULL UNIQUE,
	gateway_payment_id TEXT,
	signature          TEXT,
	plan_id            TEXT NOT NULL,
	plan_name          TEXT NOT NULL,
	credits_to_grant   INTEGER NOT NULL,
	amount_paise       BIGINT NOT NULL,
	currency           TEXT NOT NULL DEFAULT 'INR',
	status             TEXT NOT NULL,
	method             TEXT,
	card_meta          TEXT,
	credits_added      BOOLEAN NOT NULL DEFAULT FALSE,
	refund_meta        TEXT,
	failure_reason     TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

// CreateOrder persists a new Payment row in the created state, for a
// checkout step that happens before the gateway ever calls back. The
// gateway order id is assigned by the caller (the gateway SDK returns it
// when the order is opened on its side).
func (s *Store) CreateOrder(ctx context.Context, owner, gatewayOrderID, planID string) (Payment, error) {
	plan, ok := PriceList[planID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	now := time.Now().UTC()
	p := Payment{
		ID:             gatewayOrderID,
		Owner:          owner,
		GatewayOrderID: gatewayOrderID,
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		CreditsToGrant: plan.Credits,
		AmountPaise:    plan.Paise,
		Currency:       "INR",
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, owner, gateway_order_id, plan_id, plan_name, credits_to_grant,
			amount_paise, currency, status, credits_added, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,$10,$11)`,
		p.ID, p.Owner, p.GatewayOrderID, p.PlanID, p.PlanName, p.CreditsToGrant,
		p.AmountPaise, p.Currency, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: create order: %w", err)
	}
	return p, nil
}

// FindByOrderID resolves a gateway order id to its Payment row. This is
// the order lookup the webhook uses instead of trusting the callback
// body's owner/plan fields directly.
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (Payment, error) {
	var p Payment
	var gatewayPaymentID, signature, method, cardMeta, refundMeta, failureReason sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, gateway_order_id, gateway_payment_id, signature, plan_id, plan_name,
			credits_to_grant, amount_paise, currency, status, method, card_meta, credits_added,
			refund_meta, failure_reason, created_at, updated_at
		FROM payments WHERE gateway_order_id=$1`, orderID).
		Scan(&p.ID, &p.Owner, &p.GatewayOrderID, &gatewayPaymentID, &signature, &p.PlanID, &p.PlanName,
			&p.CreditsToGrant, &p.AmountPaise, &p.Currency, &p.Status, &method, &cardMeta, &p.CreditsAdded,
			&refundMeta, &failureReason, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Payment{}, ErrUnknownOrder
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payment: find by order: %w", err)
	}

	if gatewayPaymentID.Valid {
		p.GatewayPaymentID = &gatewayPaymentID.String
	}
	if signature.Valid {
		p.Signature = &signature.String
	}
	if method.Valid {
		p.Method = &method.String
	}
	if cardMeta.Valid {
		p.CardMeta = &cardMeta.String
	}
	if refundMeta.Valid {
		p.RefundMeta = &refundMeta.String
	}
	if failureReason.Valid {
		p.FailureReason = &failureReason.String
	}
	return p, nil
}

// MarkCaptured transitions a Payment to success with credits_added set.
// Safe to call repeatedly: the ledger side of crediting is idempotent on
// payment id, and this update is itself an idempotent status write.
func (s *Store) MarkCaptured(ctx context.Context, orderID, gatewayPaymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET gateway_payment_id=$1, status=$2, credits_added=TRUE, updated_at=$3
		WHERE gateway_order_id=$4 AND status<>$5`,
		gatewayPaymentID, StatusSuccess, time.Now().UTC(), orderID, StatusRefunded)
	if err != nil {
		return fmt.Errorf("payment: mark captured: %w", err)
	}
	return nil
}

// MarkFailed transitions a Payment to failed with the gateway's reason.
func (s *Store) MarkFailed(ctx context.Context, orderID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status=$1, failure_reason=$2, updated_at=$3
		WHERE gateway_order_id=$4 AND status NOT IN ($5, $6)`,
		StatusFailed, reason, time.Now().UTC(), orderID, StatusSuccess, StatusRefunded)
	if err != nil {
		return fmt.Errorf("payment: mark failed: %w", err)
	}
	return nil
}
