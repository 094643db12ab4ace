package product

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var daysPerYear = decimal.NewFromInt(365)

// Term is one offered loan duration. For borrows Rate is the interest charged
// over the whole term; for lends it is an APY.
type Term struct {
	Duration time.Duration
	Rate     decimal.Decimal
}

// LoanConfig parameterizes collateralized borrowing and lending.
type LoanConfig struct {
	LTV         decimal.Decimal
	BorrowTerms []Term
	LendTerms   []Term
}

// Loan handles both sides of the lending desk. Borrows lock the instrument's
// base asset as collateral and pay out the quote asset; lends deposit the
// quote asset for a fixed term.
type Loan struct {
	cfg LoanConfig
}

// NewLoan creates the adapter.
func NewLoan(cfg LoanConfig) *Loan {
	return &Loan{cfg: cfg}
}

func (l *Loan) Kind() model.Kind { return model.KindLoan }

// PriceFree is true for lends; borrows are marked against their collateral.
func (l *Loan) PriceFree(p *model.Position) bool { return p.Side == model.SideLend }

// MaxBorrow is collateral * price * ltv.
func MaxBorrow(collateral, price, ltv decimal.Decimal) decimal.Decimal {
	return collateral.Mul(price).Mul(ltv)
}

// TotalRepayment is principal*(1+rate), the amount due on repay.
func TotalRepayment(p *model.Position) decimal.Decimal {
	return p.Principal.Mul(one.Add(p.ProfitRate))
}

// LiquidationPrice is the collateral price at or below which the loan
// value no longer covers the full repayment.
func LiquidationPrice(p *model.Position) decimal.Decimal {
	if !p.Stake.IsPositive() || !p.LTV.IsPositive() {
		return decimal.Zero
	}
	return TotalRepayment(p).Div(p.Stake).Div(p.LTV)
}

// AccruedInterest grows linearly from zero at entry to the full term
// interest at the due date.
func AccruedInterest(p *model.Position, now time.Time) decimal.Decimal {
	full := p.Principal.Mul(p.ProfitRate)
	term := p.Duration()
	if term <= 0 {
		return full
	}
	elapsed := now.Sub(p.EntryTime)
	switch {
	case elapsed <= 0:
		return decimal.Zero
	case elapsed >= term:
		return full
	}
	frac := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(term)))
	return full.Mul(frac)
}

// Undercollateralized reports collateral*price*LTV < principal + accrued.
func Undercollateralized(p *model.Position, price decimal.Decimal, now time.Time) bool {
	value := MaxBorrow(p.Stake, price, p.LTV)
	return value.LessThan(p.Principal.Add(AccruedInterest(p, now)))
}

// LendPayoff is principal + principal*APY*(days/365) at maturity and the
// bare principal before it.
func LendPayoff(p *model.Position, early bool) decimal.Decimal {
	if early {
		return p.Stake
	}
	days := decimal.NewFromFloat(p.Duration().Hours()).Div(decimal.NewFromInt(24))
	interest := p.Stake.Mul(p.ProfitRate).Mul(days).Div(daysPerYear)
	return p.Stake.Add(interest).Round(8)
}

func findTerm(terms []Term, d time.Duration) (Term, bool) {
	for _, t := range terms {
		if t.Duration == d {
			return t, true
		}
	}
	return Term{}, false
}

func (l *Loan) Open(req OpenRequest, m Mark) (*model.Position, []model.Delta, error) {
	sym, err := checkCommon(req, m)
	if err != nil {
		return nil, nil, err
	}

	switch req.Side {
	case model.SideBorrow:
		term, ok := findTerm(l.cfg.BorrowTerms, req.Duration)
		if !ok {
			return nil, nil, fmt.Errorf("%w: no borrow term of %s", model.ErrInvalidRequest, req.Duration)
		}
		if !req.Principal.IsPositive() {
			return nil, nil, fmt.Errorf("%w: principal must be positive", model.ErrInvalidRequest)
		}
		limit := MaxBorrow(req.Stake, m.Price, l.cfg.LTV)
		if req.Principal.GreaterThan(limit) {
			return nil, nil, fmt.Errorf("%w: principal %s exceeds max borrow %s", model.ErrInvalidRequest, req.Principal, limit)
		}

		p := newPosition(req, model.KindLoan, m)
		p.Asset = sym.Base
		p.LoanAsset = sym.Quote
		p.Principal = req.Principal
		p.LTV = l.cfg.LTV
		p.ProfitRate = term.Rate
		p.ExpiryTime = p.EntryTime.Add(term.Duration)
		return p, []model.Delta{
			model.Debit(req.UserID, p.Asset, req.Stake),
			model.Credit(req.UserID, p.LoanAsset, req.Principal),
		}, nil

	case model.SideLend:
		term, ok := findTerm(l.cfg.LendTerms, req.Duration)
		if !ok {
			return nil, nil, fmt.Errorf("%w: no lend term of %s", model.ErrInvalidRequest, req.Duration)
		}
		p := newPosition(req, model.KindLoan, m)
		p.Asset = sym.Quote
		p.ProfitRate = term.Rate
		p.ExpiryTime = p.EntryTime.Add(term.Duration)
		return p, []model.Delta{model.Debit(req.UserID, p.Asset, req.Stake)}, nil
	}
	return nil, nil, fmt.Errorf("%w: loan side must be borrow or lend, got %q", model.ErrInvalidRequest, req.Side)
}

// IsExpired is the due date for a borrow and maturity for a lend.
func (l *Loan) IsExpired(p *model.Position, now time.Time) bool {
	return !now.Before(p.ExpiryTime)
}

func (l *Loan) Check(p *model.Position, m Mark) (model.Trigger, bool) {
	if p.Side == model.SideBorrow && Undercollateralized(p, m.Price, m.Now) {
		return model.TriggerLiquidation, true
	}
	if l.IsExpired(p, m.Now) {
		return model.TriggerExpiry, true
	}
	return "", false
}

func (l *Loan) Allow(p *model.Position, trigger model.Trigger) error {
	switch {
	case p.Side == model.SideBorrow && trigger == model.TriggerRepay:
		return nil
	case p.Side == model.SideLend && trigger == model.TriggerWithdraw:
		return nil
	}
	return unsupported(model.KindLoan, trigger)
}

func (l *Loan) Settle(p *model.Position, trigger model.Trigger, m Mark) (model.Result, []model.Delta, error) {
	if p.Side == model.SideBorrow {
		switch trigger {
		case model.TriggerRepay:
			deltas := []model.Delta{
				model.Debit(p.UserID, p.LoanAsset, TotalRepayment(p)),
				model.Credit(p.UserID, p.Asset, p.Stake),
			}
			return result(model.OutcomeRepaid, trigger, p.Stake, m.Price, m.Now), deltas, nil
		case model.TriggerLiquidation:
			// Collateral is kept; the borrower keeps the principal and owes nothing.
			return result(model.OutcomeLiquidated, trigger, decimal.Zero, m.Price, m.Now), nil, nil
		case model.TriggerExpiry:
			return result(model.OutcomeDefaulted, trigger, decimal.Zero, m.Price, m.Now), nil, nil
		}
		return model.Result{}, nil, unsupported(model.KindLoan, trigger)
	}

	switch trigger {
	case model.TriggerExpiry:
		amount := LendPayoff(p, false)
		return result(model.OutcomeMatured, trigger, amount, m.Price, m.Now), credit(p.UserID, p.Asset, amount), nil
	case model.TriggerWithdraw:
		early := !l.IsExpired(p, m.Now)
		o := model.OutcomeWithdrawn
		if !early {
			o = model.OutcomeMatured
		}
		amount := LendPayoff(p, early)
		return result(o, trigger, amount, m.Price, m.Now), credit(p.UserID, p.Asset, amount), nil
	}
	return model.Result{}, nil, unsupported(model.KindLoan, trigger)
}
