package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/auth"
	"github.com/clearline-hq/clearline/internal/engine"
	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

// Processor runs a transaction through the decision pipeline.
// *engine.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, tx model.Transaction) (engine.Result, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               store.Store
	processor           Processor
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	ping                func(ctx context.Context) error
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Ping may be nil; readiness then reports ready unconditionally.
type HandlersDeps struct {
	Store               store.Store
	Processor           Processor
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Ping                func(ctx context.Context) error
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		processor:           d.Processor,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		ping:                d.Ping,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// AuthTokenRequest is the body for POST /v1/auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse carries the issued bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      auth.Role `json:"role"`
}

// HandleAuthToken handles POST /v1/auth/token: exchanges an API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.AgentID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and api_key are required")
		return
	}

	role, err := h.keyring.Verify(req.AgentID, req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(model.Agent{AgentID: req.AgentID}, role)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "issue token failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, AuthTokenResponse{Token: token, ExpiresAt: expiresAt, Role: role})
}

// SubmitTransactionRequest is the body for POST /v1/transactions. tx_id is
// the caller's idempotency key; resubmitting replays the recorded outcome.
type SubmitTransactionRequest struct {
	TxID            string          `json:"tx_id"`
	AgentID         string          `json:"agent_id"`
	CounterpartyRef string          `json:"counterparty_ref"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Purpose         string          `json:"purpose,omitempty"`
}

// TransactionResponse is the outcome returned for a submitted transaction.
type TransactionResponse struct {
	TxID          string                  `json:"tx_id"`
	Status        engine.Status           `json:"status"`
	Reason        model.ReasonCode        `json:"reason,omitempty"`
	State         model.TxState           `json:"state"`
	SettlementRef string                  `json:"settlement_ref,omitempty"`
	RiskScore     *float64                `json:"composite_risk_score,omitempty"`
	Votes         []model.Vote            `json:"votes,omitempty"`
	Settlement    *model.SettlementRecord `json:"settlement,omitempty"`
}

func toTransactionResponse(res engine.Result) TransactionResponse {
	return TransactionResponse{
		TxID:          res.TxID,
		Status:        res.Status,
		Reason:        res.Reason,
		State:         res.Transaction.State,
		SettlementRef: res.Transaction.SettlementRef,
		RiskScore:     res.Transaction.CompositeRiskScore,
		Votes:         res.Transaction.Votes,
		Settlement:    res.Settlement,
	}
}

// HandleSubmitTransaction handles POST /v1/transactions.
func (h *Handlers) HandleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req SubmitTransactionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.AgentID == "" {
		req.AgentID = claims.AgentID
	}
	// Agents may only move their own funds; operators may act for any agent.
	if claims.Role != auth.RoleOperator && req.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot submit for another agent")
		return
	}

	res, err := h.processor.Process(r.Context(), model.Transaction{
		TxID:            req.TxID,
		AgentID:         req.AgentID,
		CounterpartyRef: req.CounterpartyRef,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Purpose:         req.Purpose,
	})
	if err != nil {
		if model.ReasonOf(err) == model.ReasonValidation {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "pipeline error", "tx_id", req.TxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "transaction processing failed")
		return
	}

	status := http.StatusOK
	if res.Status == engine.StatusPendingReconciliation || res.Status == engine.StatusInFlight {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, toTransactionResponse(res))
}

// TransactionDetail is the body for GET /v1/transactions/{tx_id}: the
// transaction plus its append-only transition history.
type TransactionDetail struct {
	Transaction model.Transaction  `json:"transaction"`
	Transitions []model.TxLogEntry `json:"transitions"`
}

// HandleGetTransaction handles GET /v1/transactions/{tx_id}.
func (h *Handlers) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	txID := r.PathValue("tx_id")

	tx, err := h.store.GetTransaction(r.Context(), txID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "transaction not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get transaction failed", "tx_id", txID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}

	if claims.Role != auth.RoleOperator && tx.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your transaction")
		return
	}

	transitions, err := h.store.ListTransitions(r.Context(), txID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list transitions failed", "tx_id", txID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}

	writeJSON(w, r, http.StatusOK, TransactionDetail{Transaction: tx, Transitions: transitions})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	if claims.Role != auth.RoleOperator && agentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your account")
		return
	}

	agent, _, err := h.store.Load(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load agent failed", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}

	writeJSON(w, r, http.StatusOK, agent)
}

// CreateAgentRequest is the body for POST /v1/agents (operator only).
type CreateAgentRequest struct {
	AgentID         string          `json:"agent_id"`
	Balance         decimal.Decimal `json:"balance"`
	CreditLimit     decimal.Decimal `json:"credit_limit"`
	ReputationScore float64         `json:"reputation_score"`
}

// HandleCreateAgent handles POST /v1/agents. New agents start active with
// their full balance available.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.ReputationScore == 0 {
		req.ReputationScore = 50
	}

	agent := model.Agent{
		AgentID:          req.AgentID,
		Balance:          req.Balance,
		AvailableBalance: req.Balance,
		CreditLimit:      req.CreditLimit,
		ReputationScore:  req.ReputationScore,
		Tier:             model.TierForScore(req.ReputationScore),
		Status:           model.StatusActive,
	}
	if err := agent.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	err := h.store.CreateAgent(r.Context(), agent)
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent already exists")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "create agent failed", "agent_id", req.AgentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "create failed")
		return
	}

	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleFreezeAgent handles POST /v1/agents/{agent_id}/freeze.
func (h *Handlers) HandleFreezeAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, model.StatusFrozen)
}

// HandleUnfreezeAgent handles POST /v1/agents/{agent_id}/unfreeze. This is
// the manual-resolution path after a reconciliation break.
func (h *Handlers) HandleUnfreezeAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, model.StatusActive)
}

func (h *Handlers) setAgentStatus(w http.ResponseWriter, r *http.Request, status model.AgentStatus) {
	agentID := r.PathValue("agent_id")

	_, err := store.WithCAS(r.Context(), h.store, agentID, func(a *model.Agent) error {
		a.Status = status
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "set agent status failed",
			"agent_id", agentID, "status", string(status), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update failed")
		return
	}

	claims := ClaimsFromContext(r.Context())
	h.logger.InfoContext(r.Context(), "agent status changed",
		"agent_id", agentID, "status", string(status), "operator", claims.AgentID)

	agent, _, err := h.store.Load(r.Context(), agentID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "reload failed")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleGetTreasury handles GET /v1/treasury/{pool_id}.
func (h *Handlers) HandleGetTreasury(w http.ResponseWriter, r *http.Request) {
	poolID := r.PathValue("pool_id")

	pos, err := h.store.LoadPosition(r.Context(), poolID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pool not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load treasury position failed", "pool_id", poolID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}

	writeJSON(w, r, http.StatusOK, pos)
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// HandleHealthz handles GET /healthz: process liveness only.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// HandleReadyz handles GET /readyz: verifies the backing store is reachable.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "store unreachable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "ready",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
