package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecopoints-system/internal/model"
	"github.com/mmeshcher/ecopoints-system/internal/payout"
	"github.com/mmeshcher/ecopoints-system/internal/repository"
)

type stubRepo struct {
	claimResult *repository.ClaimResult
	claimErr    error

	withdrawErr     error
	withdrawCalled  bool
	withdrawCents   int64
	withdrawRef     string
	withdrawKey     string
	withdrawEntryID uuid.UUID
	seenKeys        map[string]bool

	balanceCurrent   int64
	balanceWithdrawn int64
	balanceErr       error

	entries    []model.LedgerEntry
	entriesErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateAccountIfAbsent(ctx context.Context, userID string) error {
	return nil
}

func (s *stubRepo) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return nil, repository.ErrAccountNotFound
}

func (s *stubRepo) GetToken(ctx context.Context, tokenID string) (*model.Token, error) {
	return nil, repository.ErrTokenNotFound
}

func (s *stubRepo) ClaimToken(ctx context.Context, tokenID, userID string) (*repository.ClaimResult, error) {
	return s.claimResult, s.claimErr
}

func (s *stubRepo) CreateWithdrawal(ctx context.Context, userID string, amountCents int64, payoutRef, idempotencyKey string) (*repository.WithdrawalResult, error) {
	s.withdrawCalled = true
	s.withdrawCents = amountCents
	s.withdrawRef = payoutRef
	s.withdrawKey = idempotencyKey
	if s.withdrawErr != nil {
		return nil, s.withdrawErr
	}

	if s.seenKeys == nil {
		s.seenKeys = make(map[string]bool)
	}
	replayed := s.seenKeys[idempotencyKey]
	s.seenKeys[idempotencyKey] = true

	return &repository.WithdrawalResult{EntryID: s.withdrawEntryID, Replayed: replayed}, nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID string) (int64, int64, error) {
	return s.balanceCurrent, s.balanceWithdrawn, s.balanceErr
}

func (s *stubRepo) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.entries, s.entriesErr
}

func (s *stubRepo) GetWithdrawals(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.entries, s.entriesErr
}

func TestClaimToken_ConvertsAmount(t *testing.T) {
	repo := &stubRepo{
		claimResult: &repository.ClaimResult{AmountCents: 2500, Category: model.CategoryDry},
	}
	svc := NewService(repo, nil, nil, nil)

	summary, err := svc.ClaimToken(context.Background(), "ECO-1", "u1")
	if err != nil {
		t.Fatalf("ClaimToken error: %v", err)
	}
	if !summary.Amount.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("Amount = %s, want 25.00", summary.Amount)
	}
	if summary.Category != model.CategoryDry {
		t.Fatalf("Category = %s, want dry", summary.Category)
	}
	if summary.AlreadyRedeemed {
		t.Fatalf("first claim must not be marked as already redeemed")
	}
}

func TestClaimToken_IdempotentRepeat(t *testing.T) {
	repo := &stubRepo{
		claimResult: &repository.ClaimResult{AmountCents: 2500, Category: model.CategoryWet, AlreadyRedeemed: true},
	}
	svc := NewService(repo, nil, nil, nil)

	summary, err := svc.ClaimToken(context.Background(), "ECO-1", "u1")
	if err != nil {
		t.Fatalf("ClaimToken error: %v", err)
	}
	if !summary.AlreadyRedeemed {
		t.Fatalf("repeat claim must be marked as already redeemed")
	}
	if !summary.Amount.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("repeat claim must return the original amount, got %s", summary.Amount)
	}
}

func TestClaimToken_PropagatesEngineErrors(t *testing.T) {
	repo := &stubRepo{claimErr: repository.ErrTokenAlreadyRedeemed}
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ClaimToken(context.Background(), "ECO-1", "u2")
	if !errors.Is(err, repository.ErrTokenAlreadyRedeemed) {
		t.Fatalf("expected ErrTokenAlreadyRedeemed, got %v", err)
	}
}

func TestWithdraw_Validation(t *testing.T) {
	tests := []struct {
		name    string
		sum     decimal.Decimal
		upi     string
		key     string
		wantErr error
	}{
		{
			name:    "missing idempotency key",
			sum:     decimal.RequireFromString("10"),
			upi:     "alice@bank",
			key:     "",
			wantErr: ErrIdempotencyKeyRequired,
		},
		{
			name:    "invalid payout reference",
			sum:     decimal.RequireFromString("10"),
			upi:     "alice",
			key:     "key-1",
			wantErr: ErrInvalidPayoutRef,
		},
		{
			name:    "zero amount",
			sum:     decimal.Zero,
			upi:     "alice@bank",
			key:     "key-1",
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			sum:     decimal.RequireFromString("-1"),
			upi:     "alice@bank",
			key:     "key-1",
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "fraction of a cent",
			sum:     decimal.RequireFromString("10.005"),
			upi:     "alice@bank",
			key:     "key-1",
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{}
			svc := NewService(repo, nil, nil, nil)

			err := svc.Withdraw(context.Background(), "u1", tt.sum, tt.upi, tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Withdraw error = %v, want %v", err, tt.wantErr)
			}
			if repo.withdrawCalled {
				t.Fatalf("validation failure must not reach the store")
			}
		})
	}
}

func TestWithdraw_ConvertsSumToCents(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, nil)

	err := svc.Withdraw(context.Background(), "u1", decimal.RequireFromString("25.50"), "alice@bank", "key-1")
	if err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if !repo.withdrawCalled {
		t.Fatalf("expected CreateWithdrawal call")
	}
	if repo.withdrawCents != 2550 {
		t.Fatalf("amount = %d cents, want 2550", repo.withdrawCents)
	}
	if repo.withdrawRef != "alice@bank" || repo.withdrawKey != "key-1" {
		t.Fatalf("unexpected withdrawal args: ref=%q key=%q", repo.withdrawRef, repo.withdrawKey)
	}
}

func TestWithdraw_NotifiesPayoutGateway(t *testing.T) {
	received := make(chan payout.Order, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payouts" {
			t.Errorf("path = %s, want /api/payouts", r.URL.Path)
		}
		var order payout.Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			t.Errorf("decode order: %v", err)
		}
		received <- order
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	entryID := uuid.New()
	repo := &stubRepo{withdrawEntryID: entryID}
	svc := NewService(repo, payout.NewClient(ts.URL), nil, nil)

	err := svc.Withdraw(context.Background(), "u1", decimal.RequireFromString("25"), "alice@bank", "key-1")
	if err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}

	select {
	case order := <-received:
		if order.Reference != "alice@bank" {
			t.Fatalf("payout reference = %q, want alice@bank", order.Reference)
		}
		if !order.Amount.Equal(decimal.RequireFromString("25")) {
			t.Fatalf("payout amount = %s, want 25", order.Amount)
		}
		if order.EntryID != entryID.String() {
			t.Fatalf("payout entry id = %q, want %s", order.EntryID, entryID)
		}
	case <-time.After(time.Second):
		t.Fatalf("payout gateway was not notified")
	}
}

func TestWithdraw_ReplayedKeyNotifiesGatewayOnce(t *testing.T) {
	var orders atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orders.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	repo := &stubRepo{withdrawEntryID: uuid.New()}
	svc := NewService(repo, payout.NewClient(ts.URL), nil, nil)

	for i := 0; i < 2; i++ {
		err := svc.Withdraw(context.Background(), "u1", decimal.RequireFromString("25"), "alice@bank", "key-1")
		if err != nil {
			t.Fatalf("Withdraw #%d error: %v", i+1, err)
		}
	}

	if got := orders.Load(); got != 1 {
		t.Fatalf("payout gateway received %d orders for one idempotency key, want 1", got)
	}
}

func TestWithdraw_PayoutFailureDoesNotFailWithdrawal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	repo := &stubRepo{}
	svc := NewService(repo, payout.NewClient(ts.URL), nil, nil)

	err := svc.Withdraw(context.Background(), "u1", decimal.RequireFromString("25"), "alice@bank", "key-1")
	if err != nil {
		t.Fatalf("committed withdrawal must not fail on notification error, got %v", err)
	}
}

func TestWithdraw_PropagatesInsufficientBalance(t *testing.T) {
	repo := &stubRepo{withdrawErr: repository.ErrInsufficientBalance}
	svc := NewService(repo, nil, nil, nil)

	err := svc.Withdraw(context.Background(), "u1", decimal.RequireFromString("0.01"), "alice@bank", "key-1")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestGetBalance_ConvertsToDecimal(t *testing.T) {
	repo := &stubRepo{
		balanceCurrent:   150,
		balanceWithdrawn: 50,
	}
	svc := NewService(repo, nil, nil, nil)

	balance, err := svc.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if !balance.Current.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("Current = %s, want 1.5", balance.Current)
	}
	if !balance.Withdrawn.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("Withdrawn = %s, want 0.5", balance.Withdrawn)
	}
}

func TestGetLedgerEntries_PassThrough(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		entries: []model.LedgerEntry{
			{AccountID: "u1", AmountCents: 2500, Direction: model.DirectionCredit, CreatedAt: now},
		},
	}
	svc := NewService(repo, nil, nil, nil)

	res, err := svc.GetLedgerEntries(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetLedgerEntries error: %v", err)
	}
	if len(res) != 1 || res[0].AmountCents != 2500 {
		t.Fatalf("unexpected entries: %+v", res)
	}
}
