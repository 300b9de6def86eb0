// Package payout предоставляет клиент для внешнего платёжного шлюза.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Order описывает поручение на перевод средств получателю.
type Order struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	EntryID   string          `json:"entry_id,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SendOrder отправляет поручение на перевод в платёжный шлюз. Вызов делается
// после фиксации списания и не влияет на его результат: шлюз — внешний
// исполнитель, запись журнала уже неизменяема.
func (c *Client) SendOrder(ctx context.Context, order Order) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("payout client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	url := fmt.Sprintf("%s/api/payouts", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
