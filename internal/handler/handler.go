// Package handler содержит HTTP-обработчики API сервиса ecopoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecopoints-system/internal/middleware"
	"github.com/mmeshcher/ecopoints-system/internal/model"
	"github.com/mmeshcher/ecopoints-system/internal/repository"
	"github.com/mmeshcher/ecopoints-system/internal/service"
	"github.com/mmeshcher/ecopoints-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureAccount(ctx context.Context, userID string) error
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	ClaimToken(ctx context.Context, tokenID, userID string) (*model.ClaimSummary, error)
	Withdraw(ctx context.Context, userID string, sum decimal.Decimal, payoutRef, idempotencyKey string) error
	GetToken(ctx context.Context, tokenID string) (*model.Token, error)
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	GetWithdrawals(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// Handler реализует HTTP-обработчики API сервиса ecopoints.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metricsHandler http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metricsHandler: metricsHandler,
	}
}

// EnsureAccount создаёт счёт для аутентифицированного пользователя, если его
// ещё нет. Вызывается системой аутентификации при первом входе; повторные
// вызовы идемпотентны.
func (h *Handler) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.EnsureAccount(r.Context(), userID); err != nil {
		h.logger.Error("ensure account error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type accountResponse struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at"`
}

// GetAccount возвращает счёт текущего пользователя.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	account, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get account error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := accountResponse{
		UserID:    account.UserID,
		Balance:   model.CentsToDecimal(account.BalanceCents),
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Claim погашает отсканированный купон в пользу текущего пользователя.
// Тело запроса — сырая строка со сканера; полный URL с наклейки приводится
// к идентификатору купона.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tokenID, ok := validation.NormalizeTokenID(string(body))
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	summary, err := h.service.ClaimToken(r.Context(), tokenID, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTokenAlreadyRedeemed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrContention) || repository.IsUnavailable(err):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("claim error", zap.Error(err), zap.String("token", tokenID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type tokenResponse struct {
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Category string          `json:"category"`
	Redeemed bool            `json:"redeemed"`
}

// GetToken возвращает информацию о купоне по идентификатору.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if !validation.IsValidTokenID(tokenID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	token, err := h.service.GetToken(r.Context(), tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get token error", zap.Error(err), zap.String("token", tokenID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := tokenResponse{
		ID:       token.ID,
		Amount:   model.CentsToDecimal(token.AmountCents),
		Category: string(token.Category),
		Redeemed: token.Redeemed,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type withdrawRequest struct {
	Sum decimal.Decimal `json:"sum"`
	UPI string          `json:"upi"`
}

// Withdraw создаёт операцию вывода средств для текущего пользователя.
// Заголовок Idempotency-Key обязателен: повтор запроса с тем же ключом
// не приводит ко второму списанию.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	err := h.service.Withdraw(r.Context(), userID, req.Sum, req.UPI, idempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrIdempotencyKeyRequired) || errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidPayoutRef):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrIdempotencyKeyReused):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrContention) || repository.IsUnavailable(err):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("withdraw error", zap.Error(err), zap.String("userID", userID), zap.String("upi", req.UPI))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type withdrawalResponse struct {
	UPI         string          `json:"upi"`
	Sum         decimal.Decimal `json:"sum"`
	ProcessedAt string          `json:"processed_at"`
}

// GetWithdrawals возвращает историю выводов средств текущего пользователя.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	withdrawals, err := h.service.GetWithdrawals(r.Context(), userID)
	if err != nil {
		h.logger.Error("get withdrawals error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(withdrawals))
	for _, entry := range withdrawals {
		resp = append(resp, withdrawalResponse{
			UPI:         entry.Reference,
			Sum:         model.CentsToDecimal(entry.AmountCents),
			ProcessedAt: entry.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type transactionResponse struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// GetTransactions возвращает журнал операций текущего пользователя,
// новые записи первыми.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetLedgerEntries(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, transactionResponse{
			ID:          entry.ID.String(),
			Amount:      model.CentsToDecimal(entry.AmountCents),
			Direction:   string(entry.Direction),
			Status:      string(entry.Status),
			Reference:   entry.Reference,
			Description: entry.Description,
			CreatedAt:   entry.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
