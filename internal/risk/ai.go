// Package risk implements the risk/compliance evaluator: a weighted
// composite of ledger-derived signals and an external AI risk score, with a
// deterministic rule-based fallback when the AI service is unavailable.
package risk

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

// Recommendation is the AI service's coarse advice, carried through for
// audit purposes; the composite score is what drives the vote.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// ScoreRequest is the payload sent to the AI risk-scoring service.
type ScoreRequest struct {
	TxID            string          `json:"tx_id"`
	AgentID         string          `json:"agent_id"`
	CounterpartyRef string          `json:"counterparty_ref"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Purpose         string          `json:"purpose"`

	// Agent history summary.
	ReputationScore float64         `json:"reputation_score"`
	TxCount         int64           `json:"tx_count"`
	AvgTxAmount     decimal.Decimal `json:"avg_tx_amount"`
}

// ScoreResponse is the AI service's assessment.
type ScoreResponse struct {
	RiskScore      float64        `json:"risk_score"`
	Flags          []string       `json:"flags,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	Error          string         `json:"error,omitempty"`
}

// Scorer is the AI risk-scoring contract. Calls must return within the
// caller's deadline; there are no retries on this path, a failure degrades
// to rule-based scoring rather than blocking the evaluation.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResponse, error)
}

// HTTPScorer calls an AI risk-scoring service over its JSON API.
type HTTPScorer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer. timeout is the per-call budget (2s by
// default); the aggregator additionally bounds the call with ctx.
func NewHTTPScorer(baseURL, apiKey string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, reqBody ScoreRequest) (ScoreResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ScoreResponse{}, fmt.Errorf("risk: marshal score request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return ScoreResponse{}, fmt.Errorf("risk: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ScoreResponse{}, fmt.Errorf("risk: score request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ScoreResponse{}, fmt.Errorf("risk: read response: %w", err)
	}
	var out ScoreResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return ScoreResponse{}, fmt.Errorf("risk: unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ScoreResponse{}, fmt.Errorf("risk: score request: status %d: %s", resp.StatusCode, out.Error)
	}
	if out.RiskScore < 0 || out.RiskScore > 1 {
		return ScoreResponse{}, fmt.Errorf("risk: score %v outside [0, 1]", out.RiskScore)
	}
	return out, nil
}
