package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed billing store.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore wraps a pool.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Account(ctx context.Context, userID string) (*Account, error) {
	var a Account
	a.UserID = userID
	err := s.db.QueryRow(ctx, `
		SELECT balance_cents, free_tokens_used, monthly_cap_cents, monthly_spend_cents,
		       auto_reup_enabled, auto_reup_cents, auto_reup_trigger_cents,
		       COALESCE(payment_method_id, '')
		FROM billing_accounts WHERE user_id = $1`, userID,
	).Scan(&a.BalanceCents, &a.FreeTokensUsed, &a.MonthlyCapCents, &a.MonthlySpendCents,
		&a.AutoReupEnabled, &a.AutoReupCents, &a.AutoReupTriggerCents, &a.PaymentMethodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: account: %w", err)
	}
	return &a, nil
}

func (s *PGStore) Credit(ctx context.Context, userID string, amountCents int64, kind string) (int64, error) {
	var newBalance int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			UPDATE billing_accounts
			SET balance_cents = balance_cents + $2
			WHERE user_id = $1
			RETURNING balance_cents`, userID, amountCents,
		).Scan(&newBalance); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO billing_transactions (id, user_id, kind, amount_cents, balance_after_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			uuid.New(), userID, kind, amountCents, newBalance)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("billing: credit: %w", err)
	}
	return newBalance, nil
}

// Deduct applies a usage deduction as one transaction. The balance is
// floored at zero: overshoot between pre-check and deduction is absorbed,
// never carried as debt.
func (s *PGStore) Deduct(ctx context.Context, userID string, freeTokens, paidTokens, costCents int64) (int64, error) {
	var newBalance int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			UPDATE billing_accounts
			SET free_tokens_used = free_tokens_used + $2,
			    balance_cents = GREATEST(0, balance_cents - $3),
			    monthly_spend_cents = monthly_spend_cents + $3
			WHERE user_id = $1
			RETURNING balance_cents`, userID, freeTokens, costCents,
		).Scan(&newBalance); err != nil {
			return err
		}
		if costCents <= 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO billing_transactions (id, user_id, kind, amount_cents, balance_after_cents, created_at)
			VALUES ($1, $2, 'usage', $3, $4, now())`,
			uuid.New(), userID, -costCents, newBalance)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("billing: deduct: %w", err)
	}
	return newBalance, nil
}
