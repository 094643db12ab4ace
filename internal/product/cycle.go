package product

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Tier is one row of the cycle capital table. MaxStake zero means unbounded.
type Tier struct {
	Name       string
	MinStake   decimal.Decimal
	MaxStake   decimal.Decimal
	ProfitRate decimal.Decimal
	Duration   time.Duration
}

func (t Tier) contains(stake decimal.Decimal) bool {
	if stake.LessThan(t.MinStake) {
		return false
	}
	return t.MaxStake.IsZero() || stake.LessThanOrEqual(t.MaxStake)
}

// CycleConfig is the capital-tiered table.
type CycleConfig struct {
	Tiers []Tier
}

// Cycle is the timed arbitrage product. Its payoff does not depend on price.
type Cycle struct {
	tiers []Tier
}

// NewCycle creates the adapter with tiers sorted by minimum stake.
func NewCycle(cfg CycleConfig) *Cycle {
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinStake.LessThan(tiers[j].MinStake) })
	return &Cycle{tiers: tiers}
}

// PriceFree is always true; a cycle pays its tier rate whatever the market did.
func (c *Cycle) PriceFree(*model.Position) bool { return true }

func (c *Cycle) Kind() model.Kind { return model.KindCycle }

// TierFor returns the tier a stake falls in.
func (c *Cycle) TierFor(stake decimal.Decimal) (Tier, error) {
	for _, t := range c.tiers {
		if t.contains(stake) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: stake %s is outside every cycle tier", model.ErrInvalidStake, stake)
}

// Tiers returns a copy of the table.
func (c *Cycle) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

func (c *Cycle) Open(req OpenRequest, m Mark) (*model.Position, []model.Delta, error) {
	sym, err := checkCommon(req, m)
	if err != nil {
		return nil, nil, err
	}
	tier, err := c.TierFor(req.Stake)
	if err != nil {
		return nil, nil, err
	}

	p := newPosition(req, model.KindCycle, m)
	p.Side = ""
	p.Asset = sym.Quote
	// Rate and term are fixed now; later table changes do not apply.
	p.ProfitRate = tier.ProfitRate
	p.ExpiryTime = p.EntryTime.Add(tier.Duration)
	return p, []model.Delta{model.Debit(req.UserID, p.Asset, req.Stake)}, nil
}

func (c *Cycle) IsExpired(p *model.Position, now time.Time) bool {
	return !now.Before(p.ExpiryTime)
}

// Payoff is stake + stake*profitRate.
func (c *Cycle) Payoff(p *model.Position) decimal.Decimal {
	return p.Stake.Add(p.Stake.Mul(p.ProfitRate))
}

func (c *Cycle) Check(p *model.Position, m Mark) (model.Trigger, bool) {
	if c.IsExpired(p, m.Now) {
		return model.TriggerExpiry, true
	}
	return "", false
}

func (c *Cycle) Allow(_ *model.Position, trigger model.Trigger) error {
	return unsupported(model.KindCycle, trigger)
}

func (c *Cycle) Settle(p *model.Position, trigger model.Trigger, m Mark) (model.Result, []model.Delta, error) {
	if trigger != model.TriggerExpiry {
		return model.Result{}, nil, unsupported(model.KindCycle, trigger)
	}
	amount := c.Payoff(p)
	return result(model.OutcomeMatured, trigger, amount, m.Price, m.Now), credit(p.UserID, p.Asset, amount), nil
}
