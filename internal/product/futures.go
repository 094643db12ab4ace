package product

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// FuturesConfig parameterizes leveraged futures.
type FuturesConfig struct {
	MaxLeverage decimal.Decimal
	MinStake    decimal.Decimal
}

// Futures is an open-ended leveraged position, closed on demand or by
// liquidation when the margin is gone.
type Futures struct {
	cfg FuturesConfig
}

// NewFutures creates the adapter. A zero max leverage means 100x.
func NewFutures(cfg FuturesConfig) *Futures {
	if !cfg.MaxLeverage.IsPositive() {
		cfg.MaxLeverage = decimal.NewFromInt(100)
	}
	return &Futures{cfg: cfg}
}

func (f *Futures) Kind() model.Kind { return model.KindFutures }

func (f *Futures) Open(req OpenRequest, m Mark) (*model.Position, []model.Delta, error) {
	sym, err := checkCommon(req, m)
	if err != nil {
		return nil, nil, err
	}
	if req.Side != model.SideLong && req.Side != model.SideShort {
		return nil, nil, fmt.Errorf("%w: futures side must be long or short, got %q", model.ErrInvalidRequest, req.Side)
	}
	if err := checkMinStake(req.Stake, f.cfg.MinStake); err != nil {
		return nil, nil, err
	}
	if req.Leverage.LessThan(one) || req.Leverage.GreaterThan(f.cfg.MaxLeverage) {
		return nil, nil, fmt.Errorf("%w: leverage %s outside [1, %s]", model.ErrInvalidRequest, req.Leverage, f.cfg.MaxLeverage)
	}

	p := newPosition(req, model.KindFutures, m)
	p.Asset = sym.Quote
	p.Leverage = req.Leverage
	return p, []model.Delta{model.Debit(req.UserID, p.Asset, req.Stake)}, nil
}

// PnL is ((exit-entry)/entry) * stake * leverage, negated for shorts.
func PnL(p *model.Position, exit decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(p.Stake).Mul(p.Leverage)
	if p.Side == model.SideShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// IsExpired is always false: futures have no term.
func (f *Futures) IsExpired(*model.Position, time.Time) bool { return false }

// Liquidated reports whether the loss at exit has consumed the margin.
func (f *Futures) Liquidated(p *model.Position, exit decimal.Decimal) bool {
	return PnL(p, exit).LessThanOrEqual(p.Stake.Neg())
}

// Payoff is stake+PnL, never below zero.
func (f *Futures) Payoff(p *model.Position, exit decimal.Decimal) decimal.Decimal {
	amount := p.Stake.Add(PnL(p, exit)).Round(8)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

func (f *Futures) Check(p *model.Position, m Mark) (model.Trigger, bool) {
	if f.Liquidated(p, m.Price) {
		return model.TriggerLiquidation, true
	}
	return "", false
}

func (f *Futures) Allow(_ *model.Position, trigger model.Trigger) error {
	if trigger == model.TriggerClose {
		return nil
	}
	return unsupported(model.KindFutures, trigger)
}

func (f *Futures) Settle(p *model.Position, trigger model.Trigger, m Mark) (model.Result, []model.Delta, error) {
	var o model.Outcome
	switch trigger {
	case model.TriggerClose:
		o = model.OutcomeClosed
		// A close that arrives after the margin is gone is a liquidation.
		if f.Liquidated(p, m.Price) {
			o = model.OutcomeLiquidated
		}
	case model.TriggerLiquidation:
		o = model.OutcomeLiquidated
	default:
		return model.Result{}, nil, unsupported(model.KindFutures, trigger)
	}

	amount := f.Payoff(p, m.Price)
	return result(o, trigger, amount, m.Price, m.Now), credit(p.UserID, p.Asset, amount), nil
}
