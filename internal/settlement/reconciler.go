package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/reconcile"
	"github.com/clearline-hq/clearline/internal/reputation"
	"github.com/clearline-hq/clearline/internal/store"
)

// OutcomeApplier receives the reputation effect of a settlement that was
// resolved asynchronously. *reputation.Updater satisfies it.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, agentID string, outcome reputation.Outcome, amount decimal.Decimal) error
}

// ReconcilerConfig tunes the reconciliation worker.
type ReconcilerConfig struct {
	// PollInterval is the wait before an unresolved task is re-queued.
	PollInterval time.Duration
	// MaxAge is how long a record may stay SUBMITTED, measured from its
	// creation, before a reconciliation break is declared.
	MaxAge time.Duration
	// SweepLimit bounds how many orphaned SUBMITTED records one startup
	// sweep re-queues.
	SweepLimit int
}

// DefaultReconcilerConfig returns production defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		PollInterval: 5 * time.Second,
		MaxAge:       15 * time.Minute,
		SweepLimit:   100,
	}
}

func (c ReconcilerConfig) applyDefaults() ReconcilerConfig {
	def := DefaultReconcilerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = def.SweepLimit
	}
	return c
}

// Reconciler resolves settlements whose confirmation outlived the
// executor's deadline. It re-polls the rail until the receipt lands,
// then finishes what the executor could not: confirm, or fail and
// release the hold. A record that stays ambiguous past MaxAge becomes a
// reconciliation break, which freezes the agent and demands manual
// resolution rather than guessing.
type Reconciler struct {
	records  store.SettlementStore
	accounts store.AccountStore
	txlog    store.TransactionLog
	client   Client
	releaser FundsReleaser
	queue    reconcile.Queue
	outcomes OutcomeApplier
	cfg      ReconcilerConfig
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler wires the worker. outcomes may be nil when reputation
// feedback is handled elsewhere.
func NewReconciler(st store.Store, client Client, releaser FundsReleaser, queue reconcile.Queue, outcomes OutcomeApplier, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		records:  st,
		accounts: st,
		txlog:    st,
		client:   client,
		releaser: releaser,
		queue:    queue,
		outcomes: outcomes,
		cfg:      cfg.applyDefaults(),
		logger:   logger.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// Run consumes the queue until ctx is cancelled or the queue closes. It
// begins with a sweep so SUBMITTED records orphaned by a crash are not
// lost with the in-memory half of the queue.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		r.logger.WarnContext(ctx, "startup sweep failed", "error", err)
	}
	for {
		task, err := r.queue.Dequeue(ctx)
		if errors.Is(err, reconcile.ErrQueueClosed) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("settlement: dequeue reconcile task: %w", err)
		}
		r.Process(ctx, task)
	}
}

// Sweep re-queues every SUBMITTED record so a restart resumes where the
// previous process stopped.
func (r *Reconciler) Sweep(ctx context.Context) error {
	recs, err := r.records.ListSettlementsByStatus(ctx, model.SettlementSubmitted, r.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("settlement: list submitted records: %w", err)
	}
	for _, rec := range recs {
		tx, err := r.txlog.GetTransaction(ctx, rec.TxID)
		if err != nil {
			r.logger.WarnContext(ctx, "submitted record without transaction",
				"tx_id", rec.TxID, "error", err)
			continue
		}
		task := reconcile.Task{
			TxID:          rec.TxID,
			AgentID:       tx.AgentID,
			PoolID:        rec.PoolID,
			ExternalTxRef: rec.ExternalTxRef,
		}
		if err := r.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("settlement: requeue %s: %w", rec.TxID, err)
		}
	}
	if len(recs) > 0 {
		r.logger.InfoContext(ctx, "sweep requeued submitted records", "count", len(recs))
	}
	return nil
}

// Process resolves one task. Unresolved tasks go back on the queue after
// the poll interval; terminal outcomes are written through and the task
// is dropped.
func (r *Reconciler) Process(ctx context.Context, task reconcile.Task) {
	ctx, span := tracer.Start(ctx, "settlement.reconcile", trace.WithAttributes(
		attribute.String("tx.id", task.TxID),
	))
	defer span.End()

	rec, err := r.records.GetSettlement(ctx, task.TxID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.WarnContext(ctx, "task without settlement record", "tx_id", task.TxID)
		return
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "load settlement record failed", "tx_id", task.TxID, "error", err)
		r.requeue(ctx, task)
		return
	}
	if rec.Status != model.SettlementSubmitted {
		// Resolved between enqueue and now, nothing to do.
		return
	}

	ref := rec.ExternalTxRef
	if ref == "" {
		ref = task.ExternalTxRef
	}
	receipt, err := r.client.GetReceipt(ctx, ref)
	if err != nil {
		r.logger.WarnContext(ctx, "receipt poll failed", "tx_id", task.TxID, "error", err)
		receipt = Receipt{Status: ReceiptPending}
	}

	switch receipt.Status {
	case ReceiptConfirmed:
		r.resolveConfirmed(ctx, task, rec)
	case ReceiptFailed:
		r.resolveFailed(ctx, task, rec)
	default:
		if r.now().Sub(rec.CreatedAt) > r.cfg.MaxAge {
			r.declareBreak(ctx, task, rec)
			return
		}
		r.requeue(ctx, task)
	}
}

func (r *Reconciler) resolveConfirmed(ctx context.Context, task reconcile.Task, rec model.SettlementRecord) {
	rec.Status = model.SettlementConfirmed
	rec.LastError = ""
	if err := r.records.UpdateSettlement(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "confirm settlement failed", "tx_id", task.TxID, "error", err)
		r.requeue(ctx, task)
		return
	}
	tx := r.transition(ctx, task, model.TxReconciled, "confirmed after deadline")
	// The funds moved: the hold placed at submission becomes a ledger
	// debit, exactly as the synchronous settled path does it.
	r.finalizeHold(ctx, task.AgentID, rec.HoldAmount)
	if r.outcomes != nil {
		if err := r.outcomes.ApplyOutcome(ctx, task.AgentID, reputation.OutcomeSettled, tx.Amount); err != nil {
			r.logger.WarnContext(ctx, "reputation update failed", "tx_id", task.TxID, "error", err)
		}
	}
	r.logger.InfoContext(ctx, "settlement reconciled as confirmed",
		"tx_id", task.TxID, "external_ref", rec.ExternalTxRef)
}

func (r *Reconciler) resolveFailed(ctx context.Context, task reconcile.Task, rec model.SettlementRecord) {
	rec.Status = model.SettlementFailed
	rec.LastError = "rail reported failure during reconciliation"
	if err := r.records.UpdateSettlement(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "fail settlement failed", "tx_id", task.TxID, "error", err)
		r.requeue(ctx, task)
		return
	}
	tx := r.transition(ctx, task, model.TxSettlementFailed, string(model.ReasonSettlementTerminal))
	// Nothing moved: the agent hold goes back and the treasury hold is
	// released.
	r.refundHold(ctx, task.AgentID, rec.HoldAmount)
	poolID := rec.PoolID
	if poolID == "" {
		poolID = task.PoolID
	}
	if r.releaser != nil && poolID != "" && tx.Amount.IsPositive() {
		if err := r.releaser.Release(ctx, poolID, tx.Amount); err != nil {
			r.logger.ErrorContext(ctx, "release hold failed",
				"tx_id", task.TxID, "pool_id", poolID, "error", err)
		}
	}
	// A rail-side failure surfacing this late cannot be attributed to
	// the agent, so the score holds.
	r.logger.InfoContext(ctx, "settlement reconciled as failed", "tx_id", task.TxID)
}

func (r *Reconciler) finalizeHold(ctx context.Context, agentID string, hold decimal.Decimal) {
	if !hold.IsPositive() {
		return
	}
	if _, err := store.WithCAS(ctx, r.accounts, agentID, func(a *model.Agent) error {
		a.Balance = a.Balance.Sub(hold)
		return nil
	}); err != nil {
		r.logger.ErrorContext(ctx, "finalize hold failed", "agent_id", agentID, "error", err)
	}
}

func (r *Reconciler) refundHold(ctx context.Context, agentID string, hold decimal.Decimal) {
	if !hold.IsPositive() {
		return
	}
	if _, err := store.WithCAS(ctx, r.accounts, agentID, func(a *model.Agent) error {
		a.AvailableBalance = a.AvailableBalance.Add(hold)
		return nil
	}); err != nil {
		r.logger.ErrorContext(ctx, "refund hold failed", "agent_id", agentID, "error", err)
	}
}

// declareBreak handles a record ambiguous past MaxAge: the internal ledger
// and the rail disagree, automation stops, the agent is frozen until an
// operator resolves the break. The record leaves SUBMITTED so later sweeps
// do not re-queue and re-freeze the same break.
func (r *Reconciler) declareBreak(ctx context.Context, task reconcile.Task, rec model.SettlementRecord) {
	r.logger.ErrorContext(ctx, "reconciliation break",
		"tx_id", task.TxID,
		"agent_id", task.AgentID,
		"external_ref", rec.ExternalTxRef,
		"submitted_at", rec.CreatedAt,
		"reason", string(model.ReasonReconciliationBreak))

	rec.Status = model.SettlementBreak
	if err := r.records.UpdateSettlement(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "record break on settlement failed", "tx_id", task.TxID, "error", err)
	}

	if _, err := store.WithCAS(ctx, r.accounts, task.AgentID, func(a *model.Agent) error {
		a.Status = model.StatusFrozen
		return nil
	}); err != nil {
		r.logger.ErrorContext(ctx, "freeze agent failed", "agent_id", task.AgentID, "error", err)
	}

	if tx, err := r.txlog.GetTransaction(ctx, task.TxID); err == nil {
		tx.FailureReason = string(model.ReasonReconciliationBreak)
		if err := r.txlog.SaveTransaction(ctx, tx); err != nil {
			r.logger.ErrorContext(ctx, "record break on transaction failed", "tx_id", task.TxID, "error", err)
		}
	}
}

func (r *Reconciler) requeue(ctx context.Context, task reconcile.Task) {
	if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
		return
	}
	if err := r.queue.Enqueue(ctx, task); err != nil {
		r.logger.ErrorContext(ctx, "requeue failed", "tx_id", task.TxID, "error", err)
	}
}

// transition advances the transaction state with an audit entry and
// returns the updated transaction for downstream effects.
func (r *Reconciler) transition(ctx context.Context, task reconcile.Task, to model.TxState, reason string) model.Transaction {
	tx, err := r.txlog.GetTransaction(ctx, task.TxID)
	if err != nil {
		r.logger.WarnContext(ctx, "transaction missing during reconciliation", "tx_id", task.TxID, "error", err)
		return model.Transaction{}
	}
	if !model.CanTransition(tx.State, to) {
		r.logger.WarnContext(ctx, "illegal transition skipped",
			"tx_id", task.TxID, "from", string(tx.State), "to", string(to))
		return tx
	}
	entry := model.TxLogEntry{
		TxID:      task.TxID,
		AgentID:   tx.AgentID,
		FromState: tx.State,
		ToState:   to,
		Reason:    reason,
	}
	if err := r.txlog.AppendTransition(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "append transition failed", "tx_id", task.TxID, "error", err)
	}
	tx.State = to
	if to == model.TxSettlementFailed {
		tx.FailureReason = reason
	}
	if err := r.txlog.SaveTransaction(ctx, tx); err != nil {
		r.logger.ErrorContext(ctx, "save transaction failed", "tx_id", task.TxID, "error", err)
	}
	return tx
}
