// Package model содержит доменные сущности сервиса ecopoints.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category описывает класс отходов, к которому относится купон.
// Множество значений закрытое: неизвестная категория — это ошибка данных,
// а не повод подставить значение по умолчанию.
type Category string

const (
	CategoryDry Category = "dry"
	CategoryWet Category = "wet"
)

// ParseCategory проверяет, что строка является известной категорией.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryDry, CategoryWet:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown waste category: %q", s)
}

// Token представляет одноразовый купон, напечатанный в пункте приёма отходов.
// Сумма и категория фиксируются при выпуске; после первого успешного
// погашения запись становится неизменяемой.
type Token struct {
	ID          string
	AmountCents int64
	Category    Category
	Redeemed    bool
	RedeemedBy  *string
	RedeemedAt  *time.Time
	CreatedAt   time.Time
}

// Account представляет счёт пользователя. Баланс меняется только внутри
// транзакций движка погашения и вывода средств.
type Account struct {
	UserID       string
	BalanceCents int64
	CreatedAt    time.Time
}

// Direction описывает направление движения средств в записи журнала.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// EntryStatus описывает статус записи журнала. Оба пути движка пишут
// completed; pending и failed зарезервированы под асинхронные сценарии.
type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusFailed    EntryStatus = "failed"
)

// LedgerEntry описывает одно движение средств по счёту. Записи журнала
// добавляются в той же транзакции, что и изменение баланса, и никогда
// не изменяются и не удаляются.
type LedgerEntry struct {
	ID          uuid.UUID
	AccountID   string
	AmountCents int64
	Direction   Direction
	Status      EntryStatus
	Reference   string
	Description string
	CreatedAt   time.Time
}

// ClaimSummary содержит результат погашения купона для отдачи вызывающей
// стороне: сумму, категорию и признак идемпотентного повтора.
type ClaimSummary struct {
	Amount          decimal.Decimal `json:"amount"`
	Category        Category        `json:"category"`
	AlreadyRedeemed bool            `json:"already_claimed"`
}

// Balance содержит текущий баланс пользователя и сумму всех выводов.
type Balance struct {
	Current   decimal.Decimal `json:"current"`
	Withdrawn decimal.Decimal `json:"withdrawn"`
}

// CentsToDecimal переводит сумму в копейках в точное десятичное представление.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
