package billing

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	acct        *Account
	acctErr     error
	acctCalls   int
	credits     []int64
	creditKinds []string
	deductErr   error
	deducted    struct {
		free, paid, cost int64
	}
	balanceAfterDeduct int64
}

func (f *fakeStore) Account(_ context.Context, _ string) (*Account, error) {
	f.acctCalls++
	if f.acctErr != nil {
		return nil, f.acctErr
	}
	if f.acct == nil {
		return nil, nil
	}
	a := *f.acct
	return &a, nil
}

func (f *fakeStore) Credit(_ context.Context, _ string, amount int64, kind string) (int64, error) {
	f.credits = append(f.credits, amount)
	f.creditKinds = append(f.creditKinds, kind)
	return f.acct.BalanceCents + amount, nil
}

func (f *fakeStore) Deduct(_ context.Context, _ string, free, paid, cost int64) (int64, error) {
	if f.deductErr != nil {
		return 0, f.deductErr
	}
	f.deducted.free, f.deducted.paid, f.deducted.cost = free, paid, cost
	return f.balanceAfterDeduct, nil
}

type fakeCharger struct {
	err     error
	charges []int64
}

func (f *fakeCharger) Charge(_ context.Context, _ string, amount int64) error {
	if f.err != nil {
		return f.err
	}
	f.charges = append(f.charges, amount)
	return nil
}

func TestCostCents(t *testing.T) {
	tests := []struct {
		tokens int64
		want   int64
	}{
		{0, 0},
		{1, 1},          // rounds up
		{1_000_000, 20}, // $0.20 per million
		{3_000_000, 60},
		{-5, 0},
	}
	for _, tt := range tests {
		if got := CostCents(tt.tokens); got != tt.want {
			t.Fatalf("CostCents(%d) = %d, want %d", tt.tokens, got, tt.want)
		}
	}
}

func TestSplitFreeFirst(t *testing.T) {
	tests := []struct {
		remaining, tokens    int64
		wantFree, wantPaid   int64
	}{
		{100, 40, 40, 0},
		{100, 100, 100, 0},
		{100, 150, 100, 50},
		{0, 80, 0, 80},
		{100, 0, 0, 0},
	}
	for _, tt := range tests {
		free, paid := SplitFreeFirst(tt.remaining, tt.tokens)
		if free != tt.wantFree || paid != tt.wantPaid {
			t.Fatalf("SplitFreeFirst(%d, %d) = (%d, %d), want (%d, %d)",
				tt.remaining, tt.tokens, free, paid, tt.wantFree, tt.wantPaid)
		}
	}
}

func TestEnsureBalanceAllowsWithinFreeTier(t *testing.T) {
	store := &fakeStore{acct: &Account{UserID: "u1", BalanceCents: 0}}
	s := NewService(store, nil, nil, nil)

	if err := s.EnsureBalance(context.Background(), "mk_a", "u1", 1_000_000); err != nil {
		t.Fatalf("free-tier request rejected: %v", err)
	}
}

func TestEnsureBalanceFailsOpen(t *testing.T) {
	s := NewService(&fakeStore{acctErr: errors.New("db down")}, nil, nil, nil)
	if err := s.EnsureBalance(context.Background(), "mk_a", "u1", 5_000_000); err != nil {
		t.Fatalf("infrastructure error must fail open: %v", err)
	}

	s = NewService(&fakeStore{}, nil, nil, nil) // no account row
	if err := s.EnsureBalance(context.Background(), "mk_a", "u1", 5_000_000); err != nil {
		t.Fatalf("missing account must fail open: %v", err)
	}
}

func TestEnsureBalanceNoPaymentMethod(t *testing.T) {
	// Balance 50¢, free tier exhausted, 3M tokens estimated → 60¢ > 50¢.
	store := &fakeStore{acct: &Account{
		UserID:         "u1",
		BalanceCents:   50,
		FreeTokensUsed: FreeTierTokens,
	}}
	s := NewService(store, nil, nil, nil)

	err := s.EnsureBalance(context.Background(), "mk_a", "u1", 3_000_000)
	var pe *PaymentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PaymentError", err)
	}
	if !errors.Is(err, ErrNoPaymentMethod) || pe.Kind() != "no_payment_method" {
		t.Fatalf("kind = %q, err = %v", pe.Kind(), err)
	}
	if pe.BalanceCents != 50 || pe.FreeTokensRemaining != 0 {
		t.Fatalf("payload = %+v", pe)
	}

	// The key is now blocked: the next check returns 402 with no DB read.
	calls := store.acctCalls
	err = s.EnsureBalance(context.Background(), "mk_a", "u1", 10)
	if !errors.As(err, &pe) {
		t.Fatalf("blocked key allowed: %v", err)
	}
	if store.acctCalls != calls {
		t.Fatalf("blocked path hit the store (%d → %d calls)", calls, store.acctCalls)
	}
}

func TestEnsureBalanceChargeFirst(t *testing.T) {
	store := &fakeStore{acct: &Account{
		UserID:          "u1",
		BalanceCents:    10,
		FreeTokensUsed:  FreeTierTokens,
		PaymentMethodID: "pm_1",
		AutoReupCents:   2000,
	}}
	charger := &fakeCharger{}
	s := NewService(store, charger, nil, nil)

	if err := s.EnsureBalance(context.Background(), "mk_a", "u1", 3_000_000); err != nil {
		t.Fatalf("charge-first path rejected: %v", err)
	}
	if len(charger.charges) != 1 || charger.charges[0] != 2000 {
		t.Fatalf("charges = %v, want one $20 charge", charger.charges)
	}
	if len(store.credits) != 1 || store.creditKinds[0] != "credit" {
		t.Fatalf("credits = %v kinds = %v", store.credits, store.creditKinds)
	}
}

func TestEnsureBalancePaymentFailed(t *testing.T) {
	store := &fakeStore{acct: &Account{
		UserID:          "u1",
		BalanceCents:    0,
		FreeTokensUsed:  FreeTierTokens,
		PaymentMethodID: "pm_1",
	}}
	s := NewService(store, &fakeCharger{err: errors.New("card declined")}, nil, nil)

	err := s.EnsureBalance(context.Background(), "mk_a", "u1", 3_000_000)
	var pe *PaymentError
	if !errors.As(err, &pe) || pe.Kind() != "payment_failed" {
		t.Fatalf("err = %v", err)
	}
}

func TestEnsureBalanceMonthlyCap(t *testing.T) {
	capCents := int64(100)
	store := &fakeStore{acct: &Account{
		UserID:            "u1",
		BalanceCents:      10_000,
		FreeTokensUsed:    FreeTierTokens,
		MonthlyCapCents:   &capCents,
		MonthlySpendCents: 90,
	}}
	s := NewService(store, nil, nil, nil)

	err := s.EnsureBalance(context.Background(), "mk_a", "u1", 3_000_000)
	var pe *PaymentError
	if !errors.As(err, &pe) || pe.Kind() != "cap_reached" {
		t.Fatalf("err = %v", err)
	}
}

func TestRequirePaymentMethod(t *testing.T) {
	tests := []struct {
		name     string
		store    *fakeStore
		wantKind string
	}{
		{
			name:  "method on file",
			store: &fakeStore{acct: &Account{UserID: "u1", PaymentMethodID: "pm_1"}},
		},
		{
			name:     "no method",
			store:    &fakeStore{acct: &Account{UserID: "u1", BalanceCents: 10_000}},
			wantKind: "no_payment_method",
		},
		{
			name:  "store error fails open",
			store: &fakeStore{acctErr: errors.New("db down")},
		},
		{
			name:  "unknown account allows",
			store: &fakeStore{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(tt.store, nil, nil, nil)
			err := s.RequirePaymentMethod(context.Background(), "u1")
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			var pe *PaymentError
			if !errors.As(err, &pe) || pe.Kind() != tt.wantKind {
				t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestRecordUsageAndDeductSplitsFreeFirst(t *testing.T) {
	store := &fakeStore{
		acct: &Account{
			UserID:         "u1",
			BalanceCents:   500,
			FreeTokensUsed: FreeTierTokens - 1_000_000,
		},
		balanceAfterDeduct: 460,
	}
	s := NewService(store, nil, nil, nil)

	s.RecordUsageAndDeduct(context.Background(), "u1", 3_000_000)

	if store.deducted.free != 1_000_000 || store.deducted.paid != 2_000_000 {
		t.Fatalf("split = %+v", store.deducted)
	}
	if store.deducted.cost != 40 {
		t.Fatalf("cost = %d, want 40", store.deducted.cost)
	}
}

func TestRecordUsageTriggersAutoReup(t *testing.T) {
	store := &fakeStore{
		acct: &Account{
			UserID:               "u1",
			BalanceCents:         600,
			FreeTokensUsed:       FreeTierTokens,
			AutoReupEnabled:      true,
			AutoReupCents:        2000,
			AutoReupTriggerCents: 500,
			PaymentMethodID:      "pm_1",
		},
		balanceAfterDeduct: 400, // dropped under the trigger
	}
	charger := &fakeCharger{}
	s := NewService(store, charger, nil, nil)

	s.RecordUsageAndDeduct(context.Background(), "u1", 10_000_000)

	if len(charger.charges) != 1 || charger.charges[0] != 2000 {
		t.Fatalf("charges = %v", charger.charges)
	}
	if len(store.creditKinds) != 1 || store.creditKinds[0] != "auto_reup" {
		t.Fatalf("credit kinds = %v", store.creditKinds)
	}
}

func TestRecordUsageReupFailureIsSwallowed(t *testing.T) {
	store := &fakeStore{
		acct: &Account{
			UserID:               "u1",
			FreeTokensUsed:       FreeTierTokens,
			AutoReupEnabled:      true,
			AutoReupTriggerCents: 500,
			PaymentMethodID:      "pm_1",
		},
		balanceAfterDeduct: 0,
	}
	s := NewService(store, &fakeCharger{err: errors.New("declined")}, nil, nil)

	// Must not panic or surface anything.
	s.RecordUsageAndDeduct(context.Background(), "u1", 1_000_000)
	if len(store.credits) != 0 {
		t.Fatalf("credit written despite failed charge: %v", store.credits)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(9); got != 3 {
		t.Fatalf("EstimateTokens(9) = %d", got)
	}
	if got := EstimateTokens(0); got != 0 {
		t.Fatalf("EstimateTokens(0) = %d", got)
	}
}
