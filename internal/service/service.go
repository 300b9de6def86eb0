// Package service реализует бизнес-логику сервиса ecopoints.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecopoints-system/internal/metrics"
	"github.com/mmeshcher/ecopoints-system/internal/model"
	"github.com/mmeshcher/ecopoints-system/internal/payout"
	"github.com/mmeshcher/ecopoints-system/internal/repository"
	"github.com/mmeshcher/ecopoints-system/internal/validation"
)

// ErrInvalidAmount возвращается, если сумма вывода не положительна или не кратна копейке.
var (
	ErrInvalidAmount = errors.New("withdraw amount must be a positive amount in whole cents")
	// ErrInvalidPayoutRef возвращается при синтаксически некорректном платёжном идентификаторе.
	ErrInvalidPayoutRef = errors.New("invalid payout reference")
	// ErrIdempotencyKeyRequired возвращается, если запрос на вывод не содержит ключа идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccountIfAbsent(ctx context.Context, userID string) error
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetToken(ctx context.Context, tokenID string) (*model.Token, error)
	ClaimToken(ctx context.Context, tokenID, userID string) (*repository.ClaimResult, error)
	CreateWithdrawal(ctx context.Context, userID string, amountCents int64, payoutRef, idempotencyKey string) (*repository.WithdrawalResult, error)
	GetBalance(ctx context.Context, userID string) (int64, int64, error)
	GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	GetWithdrawals(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// Service содержит бизнес-логику сервиса ecopoints.
type Service struct {
	repo          Repository
	payoutClient  *payout.Client
	engineMetrics *metrics.EngineMetrics
	logger        *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжного шлюза.
func NewService(repo Repository, payoutClient *payout.Client, em *metrics.EngineMetrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		payoutClient:  payoutClient,
		engineMetrics: em,
		logger:        logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EnsureAccount создаёт счёт пользователя при первом входе. Повторные вызовы
// идемпотентны.
func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	return s.repo.CreateAccountIfAbsent(ctx, userID)
}

// ClaimToken погашает купон в пользу пользователя и возвращает сумму и
// категорию. Повторное погашение тем же пользователем возвращает исходную
// сумму без повторного зачисления.
func (s *Service) ClaimToken(ctx context.Context, tokenID, userID string) (*model.ClaimSummary, error) {
	start := time.Now()
	res, err := s.repo.ClaimToken(ctx, tokenID, userID)
	s.engineMetrics.ObserveDuration("claim", time.Since(start))
	if err != nil {
		s.engineMetrics.IncClaim(claimOutcome(err))
		return nil, err
	}

	if res.AlreadyRedeemed {
		s.engineMetrics.IncClaim("idempotent")
	} else {
		s.engineMetrics.IncClaim("success")
	}

	return &model.ClaimSummary{
		Amount:          model.CentsToDecimal(res.AmountCents),
		Category:        res.Category,
		AlreadyRedeemed: res.AlreadyRedeemed,
	}, nil
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		return "invalid_token"
	case errors.Is(err, repository.ErrTokenAlreadyRedeemed):
		return "already_claimed"
	case errors.Is(err, repository.ErrAccountNotFound):
		return "unknown_account"
	case errors.Is(err, repository.ErrContention):
		return "contention"
	}
	return "error"
}

// Withdraw списывает сумму со счёта пользователя в пользу платёжного
// идентификатора. Все проверки выполняются до каких-либо изменений.
func (s *Service) Withdraw(ctx context.Context, userID string, sum decimal.Decimal, payoutRef, idempotencyKey string) error {
	if idempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	if !validation.IsValidPayoutRef(payoutRef) {
		return ErrInvalidPayoutRef
	}

	amountCents, err := decimalToCents(sum)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := s.repo.CreateWithdrawal(ctx, userID, amountCents, payoutRef, idempotencyKey)
	s.engineMetrics.ObserveDuration("withdraw", time.Since(start))
	if err != nil {
		s.engineMetrics.IncWithdrawal(withdrawOutcome(err))
		return err
	}

	// Повтор уже выполненной операции: списание зафиксировано раньше,
	// шлюз уже получил поручение, второе отправлять нельзя.
	if res.Replayed {
		s.engineMetrics.IncWithdrawal("idempotent")
		return nil
	}
	s.engineMetrics.IncWithdrawal("success")

	s.notifyPayout(ctx, payoutRef, amountCents, res.EntryID)

	return nil
}

func withdrawOutcome(err error) string {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, repository.ErrAccountNotFound):
		return "unknown_account"
	case errors.Is(err, repository.ErrIdempotencyKeyReused):
		return "key_conflict"
	case errors.Is(err, repository.ErrContention):
		return "contention"
	}
	return "error"
}

// notifyPayout передаёт поручение на перевод внешнему шлюзу. Списание уже
// зафиксировано, поэтому ошибка уведомления только логируется. Идентификатор
// записи журнала передаётся шлюзу как ключ дедупликации поручения.
func (s *Service) notifyPayout(ctx context.Context, payoutRef string, amountCents int64, entryID uuid.UUID) {
	if s.payoutClient == nil {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	order := payout.Order{
		Reference: payoutRef,
		Amount:    model.CentsToDecimal(amountCents),
		EntryID:   entryID.String(),
	}
	if err := s.payoutClient.SendOrder(notifyCtx, order); err != nil {
		s.logger.Warn("payout gateway notification failed",
			zap.Error(err), zap.String("reference", payoutRef))
	}
}

func decimalToCents(sum decimal.Decimal) (int64, error) {
	if sum.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	cents := sum.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return 0, ErrInvalidAmount
	}
	if !cents.BigInt().IsInt64() {
		return 0, ErrInvalidAmount
	}

	return cents.IntPart(), nil
}

// GetAccount возвращает счёт пользователя.
func (s *Service) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.repo.GetAccount(ctx, userID)
}

// GetToken возвращает купон по идентификатору.
func (s *Service) GetToken(ctx context.Context, tokenID string) (*model.Token, error) {
	return s.repo.GetToken(ctx, tokenID)
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	current, withdrawn, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current:   model.CentsToDecimal(current),
		Withdrawn: model.CentsToDecimal(withdrawn),
	}, nil
}

// GetLedgerEntries возвращает журнал операций пользователя, новые записи первыми.
func (s *Service) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerEntries(ctx, userID)
}

// GetWithdrawals возвращает историю выводов средств пользователя.
func (s *Service) GetWithdrawals(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.repo.GetWithdrawals(ctx, userID)
}
