// Package product holds the per-product policies that parameterize the
// settlement engine. Each adapter decides how a position opens, when it
// becomes due, and what it pays; the engine owns scheduling and persistence.
package product

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/instrument"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
)

var one = decimal.NewFromInt(1)

// OpenRequest is what a user commits when opening a position.
type OpenRequest struct {
	UserID     string          `json:"user_id"`
	Kind       model.Kind      `json:"kind"`
	Instrument string          `json:"instrument"`
	Side       model.Side      `json:"side,omitempty"`
	Stake      decimal.Decimal `json:"stake"`               // borrow: collateral in the base asset
	Leverage   decimal.Decimal `json:"leverage,omitempty"`  // futures
	Duration   time.Duration   `json:"duration,omitempty"`  // binary, loan
	Principal  decimal.Decimal `json:"principal,omitempty"` // borrow: amount drawn in the quote asset
}

// Mark is the engine's view of the world at one instant.
type Mark struct {
	Price  decimal.Decimal
	Now    time.Time
	Policy outcome.Policy
}

// Adapter is one product's open/expiry/payoff policy.
type Adapter interface {
	Kind() model.Kind

	// Open validates req and builds the position plus the balance deltas
	// that must be applied together with persisting it.
	Open(req OpenRequest, m Mark) (*model.Position, []model.Delta, error)

	// Check reports whether pos is due at m, and why.
	Check(pos *model.Position, m Mark) (model.Trigger, bool)

	// Allow returns model.ErrUnsupportedAction unless a user may settle pos
	// early with trigger.
	Allow(pos *model.Position, trigger model.Trigger) error

	// Settle computes the terminal result and the balance deltas it implies.
	Settle(pos *model.Position, trigger model.Trigger, m Mark) (model.Result, []model.Delta, error)
}

// PriceFree is implemented by adapters that settle some positions without
// reading the mark price.
type PriceFree interface {
	PriceFree(pos *model.Position) bool
}

// NeedsPrice reports whether a needs a current price to check or settle pos.
func NeedsPrice(a Adapter, pos *model.Position) bool {
	pf, ok := a.(PriceFree)
	return !ok || !pf.PriceFree(pos)
}

// Registry maps product kinds to adapters.
type Registry struct {
	adapters map[model.Kind]Adapter
}

// NewRegistry registers adapters by their Kind. A later adapter replaces an
// earlier one of the same kind.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind model.Kind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for kind %q", model.ErrInvalidRequest, kind)
	}
	return a, nil
}

// Kinds lists the registered kinds in a stable order.
func (r *Registry) Kinds() []model.Kind {
	out := make([]model.Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// newPosition fills the fields every product shares.
func newPosition(req OpenRequest, kind model.Kind, m Mark) *model.Position {
	return &model.Position{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Instrument: req.Instrument,
		Kind:       kind,
		Side:       req.Side,
		Stake:      req.Stake,
		EntryPrice: m.Price,
		EntryTime:  m.Now.UTC(),
		State:      model.StateOpen,
	}
}

// checkCommon rejects requests no product accepts.
func checkCommon(req OpenRequest, m Mark) (instrument.Symbol, error) {
	if req.UserID == "" {
		return instrument.Symbol{}, fmt.Errorf("%w: missing user id", model.ErrInvalidRequest)
	}
	sym, err := instrument.Parse(req.Instrument)
	if err != nil {
		return instrument.Symbol{}, fmt.Errorf("%w: %v", model.ErrUnknownInstrument, err)
	}
	if !req.Stake.IsPositive() {
		return sym, fmt.Errorf("%w: stake must be positive, got %s", model.ErrInvalidStake, req.Stake)
	}
	if !m.Price.IsPositive() {
		return sym, fmt.Errorf("%w: no price for %s", model.ErrUnknownInstrument, req.Instrument)
	}
	return sym, nil
}

func checkMinStake(stake, min decimal.Decimal) error {
	if min.IsPositive() && stake.LessThan(min) {
		return fmt.Errorf("%w: stake %s below minimum %s", model.ErrInvalidStake, stake, min)
	}
	return nil
}

func unsupported(kind model.Kind, trigger model.Trigger) error {
	return fmt.Errorf("%w: %s does not support %s", model.ErrUnsupportedAction, kind, trigger)
}

func result(o model.Outcome, t model.Trigger, amount, exit decimal.Decimal, now time.Time) model.Result {
	return model.Result{
		Outcome:   o,
		Trigger:   t,
		Amount:    amount,
		ExitPrice: exit,
		SettledAt: now.UTC(),
	}
}

// credit returns a single-delta slice, or nil when amount is zero.
func credit(userID, asset string, amount decimal.Decimal) []model.Delta {
	if !amount.IsPositive() {
		return nil
	}
	return []model.Delta{model.Credit(userID, asset, amount)}
}

// Realized is the net ledger effect of a settled position and the asset it
// is measured in. Stake products net the payout against the stake. A borrow
// is measured in the loan asset: repaying costs the interest, while a
// liquidated or defaulted borrower keeps the principal and loses the
// collateral.
func Realized(p *model.Position, r model.Result) (decimal.Decimal, string) {
	if p.Kind != model.KindLoan || p.Side != model.SideBorrow {
		return r.Amount.Sub(p.Stake), p.Asset
	}
	if r.Outcome == model.OutcomeRepaid {
		return p.Principal.Sub(TotalRepayment(p)), p.LoanAsset
	}
	return p.Principal, p.LoanAsset
}
