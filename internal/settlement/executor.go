package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/reconcile"
	"github.com/clearline-hq/clearline/internal/store"
)

var tracer = otel.Tracer("clearline/settlement")

// ErrConfirmationPending is returned when submission succeeded but finality
// was not observed within the deadline. The record stays SUBMITTED and a
// reconciliation task is queued; the settlement must never be resubmitted.
var ErrConfirmationPending = errors.New("settlement: confirmation pending, queued for reconciliation")

// FundsReleaser returns reserved pool funds after a terminal failure.
// The treasury allocator implements it.
type FundsReleaser interface {
	Release(ctx context.Context, poolID string, amount decimal.Decimal) error
}

// Config tunes the executor. Zero values take the defaults below.
type Config struct {
	BackoffBase   time.Duration // first retry delay (default 1s)
	BackoffFactor int           // delay multiplier per attempt (default 2)
	MaxAttempts   int           // submission attempts (default 5)
	ConfirmPoll   time.Duration // receipt polling interval (default 1s)
	ConfirmWithin time.Duration // finality deadline (default 30s)
}

// DefaultConfig returns the standard retry and confirmation settings.
func DefaultConfig() Config {
	return Config{
		BackoffBase:   time.Second,
		BackoffFactor: 2,
		MaxAttempts:   5,
		ConfirmPoll:   time.Second,
		ConfirmWithin: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor < 2 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = d.ConfirmPoll
	}
	if c.ConfirmWithin <= 0 {
		c.ConfirmWithin = d.ConfirmWithin
	}
}

// Executor settles approved transactions against the external rail with
// at-most-once semantics keyed by tx_id.
type Executor struct {
	records  store.SettlementStore
	client   Client
	releaser FundsReleaser
	queue    reconcile.Queue
	cfg      Config
	logger   *slog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a settlement executor.
func NewExecutor(records store.SettlementStore, client Client, releaser FundsReleaser, queue reconcile.Queue, cfg Config, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		records:  records,
		client:   client,
		releaser: releaser,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Execute settles the request exactly once. A CONFIRMED record for the same
// tx_id is returned as-is without touching the rail; a SUBMITTED record is
// likewise never resubmitted.
func (x *Executor) Execute(ctx context.Context, req SubmitRequest) (model.SettlementRecord, error) {
	ctx, span := tracer.Start(ctx, "settlement.execute")
	defer span.End()
	span.SetAttributes(attribute.String("clearline.tx_id", req.TxID))

	// Idempotency: replay completed work, never race an in-flight record.
	existing, err := x.records.GetSettlement(ctx, req.TxID)
	switch {
	case err == nil:
		switch existing.Status {
		case model.SettlementConfirmed:
			return existing, nil
		case model.SettlementFailed:
			return existing, model.NewPipelineError(model.ReasonSettlementTerminal, existing.LastError, nil)
		case model.SettlementSubmitted:
			return existing, ErrConfirmationPending
		}
		// PENDING from a crashed run: resume below without re-creating.
	case errors.Is(err, store.ErrNotFound):
		rec := model.SettlementRecord{
			TxID:       req.TxID,
			Status:     model.SettlementPending,
			PoolID:     req.PoolID,
			HoldAmount: req.HoldAmount,
		}
		if err := x.records.CreateSettlement(ctx, rec); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				// Lost a race with a duplicate request; defer to its record.
				return x.Execute(ctx, req)
			}
			return model.SettlementRecord{}, fmt.Errorf("settlement: create record: %w", err)
		}
		existing = rec
	default:
		return model.SettlementRecord{}, fmt.Errorf("settlement: load record: %w", err)
	}

	return x.submitAndConfirm(ctx, req, existing)
}

func (x *Executor) submitAndConfirm(ctx context.Context, req SubmitRequest, rec model.SettlementRecord) (model.SettlementRecord, error) {
	delay := x.cfg.BackoffBase
	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		rec.Attempts++
		rec.LastAttemptAt = time.Now().UTC()

		ref, err := x.client.Submit(ctx, req)
		if err == nil {
			rec.Status = model.SettlementSubmitted
			rec.ExternalTxRef = ref
			rec.LastError = ""
			if uerr := x.records.UpdateSettlement(ctx, rec); uerr != nil {
				return rec, fmt.Errorf("settlement: record submission: %w", uerr)
			}
			return x.awaitConfirmation(ctx, req, rec)
		}

		rec.LastError = err.Error()
		if !IsTransient(err) {
			return x.failTerminal(ctx, req, rec, err)
		}

		x.logger.Warn("settlement: transient submission failure",
			"tx_id", req.TxID, "attempt", attempt, "error", err)
		if uerr := x.records.UpdateSettlement(ctx, rec); uerr != nil {
			return rec, fmt.Errorf("settlement: record attempt: %w", uerr)
		}
		if attempt == x.cfg.MaxAttempts {
			break
		}
		if serr := x.sleep(ctx, jitter(delay)); serr != nil {
			return rec, serr
		}
		delay *= time.Duration(x.cfg.BackoffFactor)
	}

	// Retries exhausted: terminal from the pipeline's point of view.
	return x.failTerminal(ctx, req, rec,
		fmt.Errorf("settlement: %d submission attempts exhausted: %s", x.cfg.MaxAttempts, rec.LastError))
}

// awaitConfirmation polls for finality until the deadline. Past the
// deadline the record is left SUBMITTED and handed to reconciliation:
// an ambiguous result must never be treated as failure.
func (x *Executor) awaitConfirmation(ctx context.Context, req SubmitRequest, rec model.SettlementRecord) (model.SettlementRecord, error) {
	deadline := time.Now().Add(x.cfg.ConfirmWithin)
	for time.Now().Before(deadline) {
		receipt, err := x.client.GetReceipt(ctx, rec.ExternalTxRef)
		if err != nil {
			if !IsTransient(err) {
				return x.failTerminal(ctx, req, rec, err)
			}
			x.logger.Warn("settlement: receipt poll failed",
				"tx_id", req.TxID, "external_ref", rec.ExternalTxRef, "error", err)
		} else {
			switch receipt.Status {
			case ReceiptConfirmed:
				rec.Status = model.SettlementConfirmed
				if uerr := x.records.UpdateSettlement(ctx, rec); uerr != nil {
					return rec, fmt.Errorf("settlement: record confirmation: %w", uerr)
				}
				return rec, nil
			case ReceiptFailed:
				return x.failTerminal(ctx, req, rec, fmt.Errorf("settlement: rail reported failure"))
			}
		}
		if serr := x.sleep(ctx, x.cfg.ConfirmPoll); serr != nil {
			return rec, serr
		}
	}

	task := reconcile.Task{
		TxID:          req.TxID,
		AgentID:       req.AgentID,
		PoolID:        req.PoolID,
		ExternalTxRef: rec.ExternalTxRef,
		EnqueuedAt:    time.Now().UTC(),
	}
	if qerr := x.queue.Enqueue(ctx, task); qerr != nil {
		x.logger.Error("settlement: enqueue reconciliation",
			"tx_id", req.TxID, "error", qerr)
	}
	x.logger.Warn("settlement: confirmation deadline passed, queued for reconciliation",
		"tx_id", req.TxID, "external_ref", rec.ExternalTxRef)
	return rec, ErrConfirmationPending
}

func (x *Executor) failTerminal(ctx context.Context, req SubmitRequest, rec model.SettlementRecord, cause error) (model.SettlementRecord, error) {
	rec.Status = model.SettlementFailed
	rec.LastError = cause.Error()
	if uerr := x.records.UpdateSettlement(ctx, rec); uerr != nil {
		x.logger.Error("settlement: record terminal failure", "tx_id", req.TxID, "error", uerr)
	}
	if rerr := x.releaser.Release(ctx, req.PoolID, req.Amount); rerr != nil {
		x.logger.Error("settlement: release reserved funds", "tx_id", req.TxID, "error", rerr)
	}
	return rec, model.NewPipelineError(model.ReasonSettlementTerminal, "settlement failed", cause)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d)/2+1)) //nolint:gosec // backoff jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
