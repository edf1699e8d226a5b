// Package billing implements the prepaid balance checkpoint.
//
// Memory tokens are priced at $0.20 per million. Every account carries a
// 50M-token free tier that is consumed before paid balance. The pre-request
// check fails open on infrastructure errors: availability is preferred over
// strict enforcement at this edge. The post-request deduction runs in the
// background and never surfaces errors to the caller.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/nulpointcorp/memory-router/internal/blocklist"
)

const (
	// FreeTierTokens is the per-account free allowance.
	FreeTierTokens int64 = 50_000_000

	// centsPerToken prices memory tokens at $0.20 per million.
	centsPerToken = 0.00002

	// defaultReupCents is charged when the account has no configured
	// auto-reup amount ($20).
	defaultReupCents int64 = 2000
)

var (
	ErrNoPaymentMethod = errors.New("billing: no payment method")
	ErrPaymentFailed   = errors.New("billing: payment failed")
	ErrCapReached      = errors.New("billing: monthly cap reached")
	ErrBlocked         = errors.New("billing: key is blocked")
)

// PaymentError is the 402 payload: which sub-kind failed plus the figures
// the client needs to act on it.
type PaymentError struct {
	Err                 error
	BalanceCents        int64
	FreeTokensRemaining int64
}

func (e *PaymentError) Error() string { return e.Err.Error() }
func (e *PaymentError) Unwrap() error { return e.Err }

// Kind renders the machine-readable sub-kind for the error body.
func (e *PaymentError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrNoPaymentMethod):
		return "no_payment_method"
	case errors.Is(e.Err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(e.Err, ErrCapReached):
		return "cap_reached"
	default:
		return "blocked"
	}
}

// Account is one billing_accounts row.
type Account struct {
	UserID               string
	BalanceCents         int64
	FreeTokensUsed       int64
	MonthlyCapCents      *int64
	MonthlySpendCents    int64
	AutoReupEnabled      bool
	AutoReupCents        int64
	AutoReupTriggerCents int64
	PaymentMethodID      string
}

func (a *Account) freeRemaining() int64 {
	return max(0, FreeTierTokens-a.FreeTokensUsed)
}

func (a *Account) reupCents() int64 {
	if a.AutoReupCents > 0 {
		return a.AutoReupCents
	}
	return defaultReupCents
}

// CostCents converts paid tokens to cents, rounded up.
func CostCents(paidTokens int64) int64 {
	if paidTokens <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(paidTokens) * centsPerToken))
}

// SplitFreeFirst divides tokens into the free-tier part and the paid part.
func SplitFreeFirst(freeRemaining, tokens int64) (freeTokens, paidTokens int64) {
	if tokens <= 0 {
		return 0, 0
	}
	freeTokens = min(freeRemaining, tokens)
	return freeTokens, tokens - freeTokens
}

// Store is the persistence seam. The Postgres implementation lives in this
// package; tests substitute a fake.
type Store interface {
	// Account returns the row for a user, or (nil, nil) when absent.
	Account(ctx context.Context, userID string) (*Account, error)

	// Credit adds funds and records a transaction of the given kind.
	Credit(ctx context.Context, userID string, amountCents int64, kind string) (newBalance int64, err error)

	// Deduct applies a usage deduction as one batch: free-tier counter,
	// balance (floored at zero), monthly spend, and the usage transaction
	// when costCents > 0.
	Deduct(ctx context.Context, userID string, freeTokens, paidTokens, costCents int64) (newBalance int64, err error)
}

// Charger talks to the payment processor. Charges are single confirmed
// off-session intents and are never retried automatically.
type Charger interface {
	Charge(ctx context.Context, paymentMethodID string, amountCents int64) error
}

// Service ties the store, the payment processor, and the blocked cache
// together.
type Service struct {
	store   Store
	charger Charger
	blocked *blocklist.List
	log     *slog.Logger
}

// NewService creates a billing service. charger may be nil when no payment
// processor is configured; blocked may be nil in tests.
func NewService(store Store, charger Charger, blocked *blocklist.List, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if blocked == nil {
		blocked = blocklist.New(nil)
	}
	return &Service{store: store, charger: charger, blocked: blocked, log: log}
}

// EnsureBalance is the pre-request checkpoint. A nil return allows the
// request; a *PaymentError maps to 402. Infrastructure failures allow.
func (s *Service) EnsureBalance(ctx context.Context, memoryKey, userID string, estimatedTokens int64) error {
	if reason, blocked := s.blocked.Check(ctx, memoryKey); blocked {
		err := ErrBlocked
		if reason == blocklist.ReasonBalance {
			err = ErrNoPaymentMethod
		}
		return &PaymentError{Err: err}
	}

	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		s.log.Warn("balance check failed open",
			slog.String("user_id", userID), slog.String("error", err.Error()))
		return nil
	}
	if acct == nil {
		// Unknown account: cannot bill, allow.
		return nil
	}

	_, paid := SplitFreeFirst(acct.freeRemaining(), estimatedTokens)
	cost := CostCents(paid)

	if acct.MonthlyCapCents != nil && acct.MonthlySpendCents+cost > *acct.MonthlyCapCents {
		s.blocked.Block(ctx, memoryKey, blocklist.ReasonBalance)
		return &PaymentError{
			Err:                 ErrCapReached,
			BalanceCents:        acct.BalanceCents,
			FreeTokensRemaining: acct.freeRemaining(),
		}
	}

	if acct.BalanceCents-cost >= 0 {
		return nil
	}

	// Charge-first: top up before letting the request through.
	if acct.PaymentMethodID != "" && s.charger != nil {
		amount := acct.reupCents()
		if err := s.charger.Charge(ctx, acct.PaymentMethodID, amount); err != nil {
			s.log.Warn("auto-reup charge failed",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			s.blocked.Block(ctx, memoryKey, blocklist.ReasonBalance)
			return &PaymentError{
				Err:                 ErrPaymentFailed,
				BalanceCents:        acct.BalanceCents,
				FreeTokensRemaining: acct.freeRemaining(),
			}
		}
		if _, err := s.store.Credit(ctx, userID, amount, "credit"); err != nil {
			// Funds were captured; allowing is the only defensible outcome.
			s.log.Error("credit write failed after successful charge",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}
		return nil
	}

	s.blocked.Block(ctx, memoryKey, blocklist.ReasonBalance)
	return &PaymentError{
		Err:                 ErrNoPaymentMethod,
		BalanceCents:        acct.BalanceCents,
		FreeTokensRemaining: acct.freeRemaining(),
	}
}

// RequirePaymentMethod enforces the bulk-import gate: the account must have
// a payment method on file even when the free tier would cover the tokens.
// Infrastructure failures and unknown accounts allow, like EnsureBalance.
func (s *Service) RequirePaymentMethod(ctx context.Context, userID string) error {
	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		s.log.Warn("payment method check failed open",
			slog.String("user_id", userID), slog.String("error", err.Error()))
		return nil
	}
	if acct == nil {
		return nil
	}
	if acct.PaymentMethodID == "" {
		return &PaymentError{
			Err:                 ErrNoPaymentMethod,
			BalanceCents:        acct.BalanceCents,
			FreeTokensRemaining: acct.freeRemaining(),
		}
	}
	return nil
}

// RecordUsageAndDeduct applies the post-request deduction and triggers
// auto-reup when the new balance crosses the threshold. Runs in the
// post-response background; errors are logged, never returned.
func (s *Service) RecordUsageAndDeduct(ctx context.Context, userID string, actualTokens int64) {
	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		s.log.Warn("usage deduction skipped",
			slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	if acct == nil || actualTokens <= 0 {
		return
	}

	free, paid := SplitFreeFirst(acct.freeRemaining(), actualTokens)
	cost := CostCents(paid)

	newBalance, err := s.store.Deduct(ctx, userID, free, paid, cost)
	if err != nil {
		s.log.Error("usage deduction failed",
			slog.String("user_id", userID),
			slog.Int64("cost_cents", cost),
			slog.String("error", err.Error()))
		return
	}

	s.checkAndReupIfNeeded(ctx, acct, newBalance)
}

// checkAndReupIfNeeded tops the account up when the balance dropped under
// the configured trigger. Never throws.
func (s *Service) checkAndReupIfNeeded(ctx context.Context, acct *Account, balance int64) {
	if !acct.AutoReupEnabled || acct.PaymentMethodID == "" || s.charger == nil {
		return
	}
	if balance >= acct.AutoReupTriggerCents {
		return
	}

	amount := acct.reupCents()
	if err := s.charger.Charge(ctx, acct.PaymentMethodID, amount); err != nil {
		s.log.Warn("auto-reup failed",
			slog.String("user_id", acct.UserID), slog.String("error", err.Error()))
		return
	}
	if _, err := s.store.Credit(ctx, acct.UserID, amount, "auto_reup"); err != nil {
		s.log.Error("auto-reup credit write failed",
			slog.String("user_id", acct.UserID), slog.String("error", err.Error()))
		return
	}
	s.log.Info("auto-reup applied",
		slog.String("user_id", acct.UserID), slog.Int64("amount_cents", amount))
}

// EstimateTokens approximates the memory-token count of a prompt for the
// pre-request check (~4 chars per token).
func EstimateTokens(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64((chars + 3) / 4)
}
