// Package treasury manages each pool's split between liquid funds and a
// yield source, guaranteeing settlement liquidity without ever breaching
// the minimum reserve ratio.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// YieldClient is the yield-protocol contract. Withdraw may return less than
// requested under protocol-level caps.
type YieldClient interface {
	Deposit(ctx context.Context, amount decimal.Decimal) error
	Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	GetAPY(ctx context.Context) (float64, error)
}

// HTTPYieldClient calls a yield protocol gateway over its JSON API.
type HTTPYieldClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPYieldClient creates a yield client. timeout bounds each call; the
// allocator additionally bounds withdrawals with its own deadline.
func NewHTTPYieldClient(baseURL, apiKey string, timeout time.Duration) *HTTPYieldClient {
	return &HTTPYieldClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type yieldRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type yieldResponse struct {
	Amount decimal.Decimal `json:"amount"`
	APY    float64         `json:"apy"`
	Error  string          `json:"error,omitempty"`
}

func (c *HTTPYieldClient) post(ctx context.Context, path string, amount decimal.Decimal) (yieldResponse, error) {
	payload, err := json.Marshal(yieldRequest{Amount: amount})
	if err != nil {
		return yieldResponse{}, fmt.Errorf("treasury: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return yieldResponse{}, fmt.Errorf("treasury: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return yieldResponse{}, fmt.Errorf("treasury: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return yieldResponse{}, fmt.Errorf("treasury: read response: %w", err)
	}
	var out yieldResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return yieldResponse{}, fmt.Errorf("treasury: unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return yieldResponse{}, fmt.Errorf("treasury: %s: status %d: %s", path, resp.StatusCode, out.Error)
	}
	return out, nil
}

func (c *HTTPYieldClient) Deposit(ctx context.Context, amount decimal.Decimal) error {
	_, err := c.post(ctx, "/v1/deposit", amount)
	return err
}

func (c *HTTPYieldClient) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	out, err := c.post(ctx, "/v1/withdraw", amount)
	if err != nil {
		return decimal.Zero, err
	}
	return out.Amount, nil
}

func (c *HTTPYieldClient) GetAPY(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/apy", nil)
	if err != nil {
		return 0, fmt.Errorf("treasury: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("treasury: get apy: %w", err)
	}
	defer resp.Body.Close()

	var out yieldResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("treasury: decode apy: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("treasury: get apy: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.APY, nil
}

// SimYieldClient is an in-process yield source for development and tests.
// WithdrawCap, when set, limits each withdrawal, mirroring protocol caps.
type SimYieldClient struct {
	mu          sync.Mutex
	deposited   decimal.Decimal
	apy         float64
	WithdrawCap decimal.Decimal
	WithdrawErr error

	// WithdrawDelay simulates a slow protocol; combined with the
	// allocator's timeout it exercises the timeout branch.
	WithdrawDelay time.Duration
}

// NewSimYieldClient creates a simulated yield source seeded with a balance.
func NewSimYieldClient(seed decimal.Decimal, apy float64) *SimYieldClient {
	return &SimYieldClient{deposited: seed, apy: apy}
}

func (c *SimYieldClient) Deposit(ctx context.Context, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposited = c.deposited.Add(amount)
	return nil
}

func (c *SimYieldClient) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if c.WithdrawDelay > 0 {
		select {
		case <-time.After(c.WithdrawDelay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WithdrawErr != nil {
		return decimal.Zero, c.WithdrawErr
	}
	granted := amount
	if !c.WithdrawCap.IsZero() && granted.GreaterThan(c.WithdrawCap) {
		granted = c.WithdrawCap
	}
	if granted.GreaterThan(c.deposited) {
		granted = c.deposited
	}
	c.deposited = c.deposited.Sub(granted)
	return granted, nil
}

func (c *SimYieldClient) GetAPY(ctx context.Context) (float64, error) {
	return c.apy, nil
}
