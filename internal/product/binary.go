package product

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// DefaultPayoutRate is the fraction of the stake a winning binary adds.
var DefaultPayoutRate = decimal.NewFromFloat(0.85)

// BinaryConfig parameterizes binary options.
type BinaryConfig struct {
	PayoutRate decimal.Decimal
	MinStake   decimal.Decimal
	Durations  []time.Duration // allowed terms; empty accepts any positive duration
}

// Binary is the up/down option over a fixed term.
type Binary struct {
	cfg BinaryConfig
}

// NewBinary creates the adapter. A zero payout rate uses DefaultPayoutRate.
func NewBinary(cfg BinaryConfig) *Binary {
	if !cfg.PayoutRate.IsPositive() {
		cfg.PayoutRate = DefaultPayoutRate
	}
	return &Binary{cfg: cfg}
}

func (b *Binary) Kind() model.Kind { return model.KindBinary }

func (b *Binary) Open(req OpenRequest, m Mark) (*model.Position, []model.Delta, error) {
	sym, err := checkCommon(req, m)
	if err != nil {
		return nil, nil, err
	}
	if req.Side != model.SideUp && req.Side != model.SideDown {
		return nil, nil, fmt.Errorf("%w: binary side must be up or down, got %q", model.ErrInvalidRequest, req.Side)
	}
	if err := checkMinStake(req.Stake, b.cfg.MinStake); err != nil {
		return nil, nil, err
	}
	if !b.durationAllowed(req.Duration) {
		return nil, nil, fmt.Errorf("%w: duration %s not offered", model.ErrInvalidRequest, req.Duration)
	}

	p := newPosition(req, model.KindBinary, m)
	p.Asset = sym.Quote
	p.PayoutRate = b.cfg.PayoutRate
	p.ExpiryTime = p.EntryTime.Add(req.Duration)
	return p, []model.Delta{model.Debit(req.UserID, p.Asset, req.Stake)}, nil
}

func (b *Binary) durationAllowed(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	if len(b.cfg.Durations) == 0 {
		return true
	}
	for _, allowed := range b.cfg.Durations {
		if d == allowed {
			return true
		}
	}
	return false
}

// IsExpired reports whether the term has run out.
func (b *Binary) IsExpired(p *model.Position, now time.Time) bool {
	return !now.Before(p.ExpiryTime)
}

// Payoff is stake*(1+payoutRate) on a win and zero on a loss.
func (b *Binary) Payoff(p *model.Position, won bool) decimal.Decimal {
	if !won {
		return decimal.Zero
	}
	return p.Stake.Mul(one.Add(p.PayoutRate))
}

func (b *Binary) Check(p *model.Position, m Mark) (model.Trigger, bool) {
	if b.IsExpired(p, m.Now) {
		return model.TriggerExpiry, true
	}
	return "", false
}

// Binary options run to expiry.
func (b *Binary) Allow(_ *model.Position, trigger model.Trigger) error {
	return unsupported(model.KindBinary, trigger)
}

func (b *Binary) Settle(p *model.Position, trigger model.Trigger, m Mark) (model.Result, []model.Delta, error) {
	if trigger != model.TriggerExpiry {
		return model.Result{}, nil, unsupported(model.KindBinary, trigger)
	}

	dec := m.Policy.Decide(p.Side, p.EntryPrice, m.Price)
	amount := b.Payoff(p, dec.Won)
	o := model.OutcomeLose
	if dec.Won {
		o = model.OutcomeWin
	}
	return result(o, trigger, amount, dec.ExitPrice, m.Now), credit(p.UserID, p.Asset, amount), nil
}
