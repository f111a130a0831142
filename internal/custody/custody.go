// Package custody integrates the external custody/wallet service that holds
// actual agent funds. The core only depends on the balance and transfer
// contracts; transfers are idempotent on tx_id at the service side.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt acknowledges a custody transfer.
type Receipt struct {
	TransferRef string          `json:"transfer_ref"`
	Amount      decimal.Decimal `json:"amount"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Client is the custody/wallet service contract.
type Client interface {
	// GetBalance returns the custodial balance for an agent.
	GetBalance(ctx context.Context, agentID string) (decimal.Decimal, error)

	// Transfer moves funds between custody accounts. txID is the
	// idempotency key: replays return the original receipt.
	Transfer(ctx context.Context, txID, from, to string, amount decimal.Decimal) (Receipt, error)
}

// HTTPClient calls a custody service over its JSON API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a custody client. timeout bounds each call.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
	Error   string          `json:"error,omitempty"`
}

func (c *HTTPClient) GetBalance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/accounts/"+agentID+"/balance", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody: get balance: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody: read response: %w", err)
	}
	var out balanceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("custody: unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("custody: get balance: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Balance, nil
}

type transferRequest struct {
	TxID   string          `json:"tx_id"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type transferResponse struct {
	Receipt
	Error string `json:"error,omitempty"`
}

func (c *HTTPClient) Transfer(ctx context.Context, txID, from, to string, amount decimal.Decimal) (Receipt, error) {
	payload, err := json.Marshal(transferRequest{TxID: txID, From: from, To: to, Amount: amount})
	if err != nil {
		return Receipt{}, fmt.Errorf("custody: marshal transfer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("custody: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("custody: transfer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("custody: read response: %w", err)
	}
	var out transferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Receipt{}, fmt.Errorf("custody: unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Receipt{}, fmt.Errorf("custody: transfer: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Receipt, nil
}
