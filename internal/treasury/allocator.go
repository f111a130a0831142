package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/store"
)

var tracer = otel.Tracer("clearline/treasury")

// Config tunes the allocator.
type Config struct {
	// WithdrawTimeout bounds a single yield-source withdrawal. A slow
	// protocol must not hold up the settlement path indefinitely.
	WithdrawTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{WithdrawTimeout: 10 * time.Second}
}

func (c Config) applyDefaults() Config {
	if c.WithdrawTimeout <= 0 {
		c.WithdrawTimeout = 10 * time.Second
	}
	return c
}

// Allocator is the single writer for treasury positions. It places holds
// for outgoing settlements, pulling from the yield source when the liquid
// balance falls short, and refuses any hold that would drop the pool's
// reserve ratio below its minimum.
type Allocator struct {
	store  store.TreasuryStore
	yield  YieldClient
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*sync.Mutex
}

// NewAllocator creates the allocator over a treasury store and yield source.
func NewAllocator(st store.TreasuryStore, yield YieldClient, cfg Config, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:  st,
		yield:  yield,
		cfg:    cfg.applyDefaults(),
		logger: logger.With("component", "treasury"),
		pools:  make(map[string]*sync.Mutex),
	}
}

func (a *Allocator) poolLock(poolID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	mu, ok := a.pools[poolID]
	if !ok {
		mu = &sync.Mutex{}
		a.pools[poolID] = mu
	}
	return mu
}

// ratioOf is ReserveRatio over projected balances that are not yet stored.
func ratioOf(liquid, invested decimal.Decimal) float64 {
	total := liquid.Add(invested)
	if total.IsZero() {
		return 1
	}
	ratio, _ := liquid.Div(total).Float64()
	return ratio
}

// EnsureLiquidity places a hold of amount against the pool, withdrawing
// from the yield source when the liquid balance cannot cover it. The
// withdrawal targets the post-settlement target ratio, not the bare
// shortfall, so a run of settlements does not thrash the yield source.
// If the pool cannot cover the hold without breaching its minimum reserve
// ratio the hold is refused with a liquidity_unavailable failure and any
// funds already pulled stay liquid.
func (a *Allocator) EnsureLiquidity(ctx context.Context, poolID string, amount decimal.Decimal) error {
	ctx, span := tracer.Start(ctx, "treasury.ensure_liquidity", trace.WithAttributes(
		attribute.String("pool.id", poolID),
		attribute.String("amount", amount.String()),
	))
	defer span.End()

	if amount.IsNegative() || amount.IsZero() {
		return model.NewPipelineError(model.ReasonValidation, "hold amount must be positive", nil)
	}

	mu := a.poolLock(poolID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := a.store.LoadPosition(ctx, poolID)
	if err != nil {
		return fmt.Errorf("treasury: load position %s: %w", poolID, err)
	}

	// Withdraw enough that the post-settlement liquid balance lands on
	// the target ratio of the post-settlement total.
	postTotal := pos.LiquidBalance.Add(pos.InvestedBalance).Sub(amount)
	if postTotal.IsNegative() {
		return model.NewPipelineError(model.ReasonLiquidityUnavailable,
			fmt.Sprintf("pool %s total %s below hold %s", poolID, postTotal.Add(amount), amount), nil)
	}
	targetLiquid := postTotal.Mul(decimal.NewFromFloat(pos.TargetReserveRatio))
	want := amount.Add(targetLiquid).Sub(pos.LiquidBalance)
	if want.GreaterThan(pos.InvestedBalance) {
		want = pos.InvestedBalance
	}

	var withdrawErr error
	if want.IsPositive() {
		wctx, cancel := context.WithTimeout(ctx, a.cfg.WithdrawTimeout)
		got, err := a.yield.Withdraw(wctx, want)
		cancel()
		if err != nil {
			withdrawErr = err
			a.logger.WarnContext(ctx, "yield withdrawal failed",
				"pool_id", poolID, "requested", want.String(), "error", err)
			// Fall through: the hold may still be coverable from the
			// liquid balance alone.
		} else {
			pos.LiquidBalance = pos.LiquidBalance.Add(got)
			pos.InvestedBalance = pos.InvestedBalance.Sub(got)
			if got.LessThan(want) {
				a.logger.InfoContext(ctx, "partial yield withdrawal",
					"pool_id", poolID, "requested", want.String(), "granted", got.String())
			}
		}
	}

	postLiquid := pos.LiquidBalance.Sub(amount)
	refuse := func(msg string) error {
		// Keep pulled funds liquid; that only raises the ratio.
		pos.UpdatedAt = time.Now().UTC()
		if serr := a.store.SavePosition(ctx, pos); serr != nil {
			a.logger.ErrorContext(ctx, "save position after refusal failed",
				"pool_id", poolID, "error", serr)
		}
		// A timed-out withdrawal is a transient fault of the yield
		// protocol, not a reserve-ratio verdict: the caller may retry.
		if errors.Is(withdrawErr, context.DeadlineExceeded) {
			return model.NewPipelineError(model.ReasonSettlementTransient, msg, withdrawErr)
		}
		return model.NewPipelineError(model.ReasonLiquidityUnavailable, msg, nil)
	}

	if postLiquid.IsNegative() {
		return refuse(fmt.Sprintf("pool %s liquid %s cannot cover hold %s",
			poolID, pos.LiquidBalance, amount))
	}
	if ratio := ratioOf(postLiquid, pos.InvestedBalance); ratio < pos.MinReserveRatio {
		return refuse(fmt.Sprintf("pool %s reserve ratio %.4f would fall below minimum %.4f",
			poolID, ratio, pos.MinReserveRatio))
	}

	pos.LiquidBalance = postLiquid
	pos.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("treasury: save position %s: %w", poolID, err)
	}
	a.logger.InfoContext(ctx, "liquidity hold placed",
		"pool_id", poolID, "amount", amount.String(),
		"liquid", pos.LiquidBalance.String(), "invested", pos.InvestedBalance.String())
	return nil
}

// Release returns a held amount to the pool's liquid balance. Used when a
// settlement fails terminally after its hold was placed.
func (a *Allocator) Release(ctx context.Context, poolID string, amount decimal.Decimal) error {
	ctx, span := tracer.Start(ctx, "treasury.release", trace.WithAttributes(
		attribute.String("pool.id", poolID),
		attribute.String("amount", amount.String()),
	))
	defer span.End()

	mu := a.poolLock(poolID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := a.store.LoadPosition(ctx, poolID)
	if err != nil {
		return fmt.Errorf("treasury: load position %s: %w", poolID, err)
	}
	pos.LiquidBalance = pos.LiquidBalance.Add(amount)
	pos.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("treasury: save position %s: %w", poolID, err)
	}
	a.logger.InfoContext(ctx, "hold released", "pool_id", poolID, "amount", amount.String())
	return nil
}

// Rebalance moves the pool back to its target reserve ratio: excess liquid
// goes to the yield source, a shortfall is pulled back. Run periodically;
// holds placed between load and save are excluded by the pool lock.
func (a *Allocator) Rebalance(ctx context.Context, poolID string) error {
	ctx, span := tracer.Start(ctx, "treasury.rebalance", trace.WithAttributes(
		attribute.String("pool.id", poolID),
	))
	defer span.End()

	mu := a.poolLock(poolID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := a.store.LoadPosition(ctx, poolID)
	if err != nil {
		return fmt.Errorf("treasury: load position %s: %w", poolID, err)
	}

	total := pos.LiquidBalance.Add(pos.InvestedBalance)
	targetLiquid := total.Mul(decimal.NewFromFloat(pos.TargetReserveRatio))
	diff := pos.LiquidBalance.Sub(targetLiquid)

	switch {
	case diff.IsPositive():
		if err := a.yield.Deposit(ctx, diff); err != nil {
			return fmt.Errorf("treasury: deposit excess for %s: %w", poolID, err)
		}
		pos.LiquidBalance = targetLiquid
		pos.InvestedBalance = pos.InvestedBalance.Add(diff)
	case diff.IsNegative():
		want := diff.Neg()
		if want.GreaterThan(pos.InvestedBalance) {
			want = pos.InvestedBalance
		}
		wctx, cancel := context.WithTimeout(ctx, a.cfg.WithdrawTimeout)
		got, err := a.yield.Withdraw(wctx, want)
		cancel()
		if err != nil {
			return fmt.Errorf("treasury: withdraw shortfall for %s: %w", poolID, err)
		}
		pos.LiquidBalance = pos.LiquidBalance.Add(got)
		pos.InvestedBalance = pos.InvestedBalance.Sub(got)
	default:
		return nil
	}

	pos.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("treasury: save position %s: %w", poolID, err)
	}

	apy, err := a.yield.GetAPY(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "apy fetch failed", "pool_id", poolID, "error", err)
		apy = -1
	}
	a.logger.InfoContext(ctx, "pool rebalanced",
		"pool_id", poolID,
		"liquid", pos.LiquidBalance.String(),
		"invested", pos.InvestedBalance.String(),
		"ratio", pos.ReserveRatio(),
		"apy", apy)
	return nil
}
