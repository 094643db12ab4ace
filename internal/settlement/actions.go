package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/instrument"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/product"
	"github.com/atmx/settlement-engine/internal/store"
)

// Open validates req, prices it at entry, and debits the stake and persists
// the position as one unit. On any error nothing has changed.
func (e *Engine) Open(ctx context.Context, req product.OpenRequest) (*model.Position, error) {
	pos, err := e.open(ctx, req)
	if err != nil {
		metrics.OpenRejections.WithLabelValues(string(req.Kind), rejectReason(err)).Inc()
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Kind)).Inc()
	e.logger.Info("position opened",
		"position_id", pos.ID,
		"user_id", pos.UserID,
		"kind", string(pos.Kind),
		"instrument", pos.Instrument,
		"side", string(pos.Side),
		"stake", pos.Stake.String(),
		"entry_price", pos.EntryPrice.String(),
	)
	if e.notifier != nil {
		e.notifier.PositionOpened(*pos)
	}
	out := *pos
	return &out, nil
}

func (e *Engine) open(ctx context.Context, req product.OpenRequest) (*model.Position, error) {
	adapter, err := e.products.Get(req.Kind)
	if err != nil {
		return nil, err
	}
	sym, err := instrument.Parse(req.Instrument)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnknownInstrument, err)
	}
	req.Instrument = sym.Raw

	price, err := e.prices.Price(sym.Raw)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()

	mark := product.Mark{Price: price, Now: e.clock.Now(), Policy: policy}
	pos, deltas, err := adapter.Open(req, mark)
	if err != nil {
		return nil, err
	}
	pos.State = model.StateActive
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	if e.limiter.Enabled() {
		e.openMu.Lock()
		defer e.openMu.Unlock()

		if err := e.limiter.CheckLimit(pos.Instrument, notional(pos, sym, price), e.exposure(pos.UserID)); err != nil {
			metrics.ExposureLimitRejections.Inc()
			return nil, fmt.Errorf("%w: %v", model.ErrExposureLimit, err)
		}
	}

	if err := e.ledger.Open(ctx, pos, deltas); err != nil {
		return nil, err
	}
	e.register(pos)
	return pos, nil
}

// notional is the open exposure of p in quote terms.
func notional(p *model.Position, sym instrument.Symbol, price decimal.Decimal) decimal.Decimal {
	if p.Asset == sym.Quote {
		return p.Stake
	}
	return p.Stake.Mul(price)
}

// exposure sums the user's active notional per instrument at entry prices.
func (e *Engine) exposure(userID string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal)
	for _, p := range e.active {
		if p.UserID != userID {
			continue
		}
		sym, err := instrument.Parse(p.Instrument)
		if err != nil {
			continue
		}
		out[p.Instrument] = out[p.Instrument].Add(notional(p, sym, p.EntryPrice))
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, model.ErrExposureLimit):
		return "exposure_limit"
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidPosition):
		return "invalid_request"
	}
	return "error"
}

// Close settles a futures position at the current price.
func (e *Engine) Close(ctx context.Context, userID, positionID string) (*model.Position, error) {
	return e.settleNow(ctx, userID, positionID, model.TriggerClose)
}

// Repay settles a borrow: the total repayment is debited in the loan asset
// and the collateral is returned.
func (e *Engine) Repay(ctx context.Context, userID, positionID string) (*model.Position, error) {
	return e.settleNow(ctx, userID, positionID, model.TriggerRepay)
}

// Withdraw settles a lend. Before maturity only the principal is returned.
func (e *Engine) Withdraw(ctx context.Context, userID, positionID string) (*model.Position, error) {
	return e.settleNow(ctx, userID, positionID, model.TriggerWithdraw)
}

// settleNow runs a user-requested early settlement through the same path
// as tick-driven expiry.
func (e *Engine) settleNow(ctx context.Context, userID, positionID string, trigger model.Trigger) (*model.Position, error) {
	e.mu.Lock()
	p, ok := e.active[positionID]
	busy := e.settling[positionID]
	e.mu.Unlock()

	if !ok {
		stored, err := e.store.GetPosition(ctx, positionID)
		if err != nil {
			return nil, err
		}
		if stored.UserID != userID {
			return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
		}
		if stored.State.Terminal() {
			return nil, model.ErrAlreadySettled
		}
		return nil, fmt.Errorf("%w: %s is not monitored", model.ErrPositionNotFound, positionID)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
	}
	if busy {
		return nil, fmt.Errorf("%w: settlement in progress", model.ErrAlreadySettled)
	}

	adapter, err := e.products.Get(p.Kind)
	if err != nil {
		return nil, err
	}
	if err := adapter.Allow(p, trigger); err != nil {
		return nil, err
	}

	price, err := e.prices.Price(p.Instrument)
	if err != nil {
		if product.NeedsPrice(adapter, p) {
			return nil, err
		}
		price = p.EntryPrice
	}

	if !e.claim(positionID) {
		return nil, fmt.Errorf("%w: settlement in progress", model.ErrAlreadySettled)
	}

	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()

	return e.settle(ctx, p, trigger, product.Mark{Price: price, Now: e.clock.Now(), Policy: policy})
}

// SetOutcomeMode persists the operator override and applies it to every
// subsequent decision.
func (e *Engine) SetOutcomeMode(ctx context.Context, mode outcome.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", outcome.ErrInvalidMode, mode)
	}
	if err := e.store.PutSetting(ctx, store.SettingOutcomeMode, string(mode)); err != nil {
		return fmt.Errorf("persist outcome mode: %w", err)
	}

	e.mu.Lock()
	prev := e.policy.Mode
	e.policy = e.policy.WithMode(mode)
	e.mu.Unlock()

	e.logger.Warn("outcome mode changed", "from", string(prev), "to", string(mode))
	return nil
}

// OutcomeMode returns the override currently in force.
func (e *Engine) OutcomeMode() outcome.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.Mode
}

// Deposit funds a simulated account.
func (e *Engine) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if userID == "" || asset == "" {
		return decimal.Zero, fmt.Errorf("%w: user and asset are required", model.ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: deposit must be positive", model.ErrInvalidAmount)
	}
	bal, err := e.ledger.Credit(ctx, userID, asset, amount)
	if err != nil {
		return decimal.Zero, err
	}
	e.logger.Info("deposit", "user_id", userID, "asset", asset, "amount", amount.String())
	return bal, nil
}

// --- Display queries ---

// Position returns one position by id, settled or not.
func (e *Engine) Position(ctx context.Context, positionID string) (*model.Position, error) {
	return e.store.GetPosition(ctx, positionID)
}

// ListOpenPositions returns the user's non-settled positions, oldest first.
func (e *Engine) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return e.store.ListUserPositions(ctx, userID)
}

// ListHistory returns the user's settled positions, newest first.
func (e *Engine) ListHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	return e.store.ListHistory(ctx, userID, limit)
}

// Balance returns one balance.
func (e *Engine) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	return e.ledger.Balance(ctx, userID, asset)
}

// Balances returns every balance the user holds.
func (e *Engine) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return e.ledger.Balances(ctx, userID)
}

// Prices returns the current synthetic prices.
func (e *Engine) Prices() []model.Instrument {
	return e.prices.Snapshot()
}

// Products lists the product kinds the engine accepts.
func (e *Engine) Products() []model.Kind {
	return e.products.Kinds()
}
