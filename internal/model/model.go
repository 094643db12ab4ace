// Package model defines the core domain types shared across the settlement engine.
// All monetary values and prices use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the product a position belongs to.
type Kind string

const (
	KindBinary  Kind = "binary"
	KindFutures Kind = "futures"
	KindCycle   Kind = "cycle"
	KindLoan    Kind = "loan"
)

// Valid reports whether k is a known product kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBinary, KindFutures, KindCycle, KindLoan:
		return true
	}
	return false
}

// Side is the direction of a position. Which values apply depends on Kind.
type Side string

const (
	SideUp     Side = "up"
	SideDown   Side = "down"
	SideLong   Side = "long"
	SideShort  Side = "short"
	SideBorrow Side = "borrow"
	SideLend   Side = "lend"
)

// State is the lifecycle state of a position. The expired condition is
// decided and paid inside a single settle step and is never persisted.
type State string

const (
	StateOpen    State = "open"    // stake debited, not yet registered with the engine
	StateActive  State = "active"  // monitored on every tick
	StateSettled State = "settled" // terminal
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateSettled
}

// Outcome is the terminal result of a settled position.
type Outcome string

const (
	OutcomeWin        Outcome = "win"
	OutcomeLose       Outcome = "lose"
	OutcomeClosed     Outcome = "closed"     // futures closed on demand
	OutcomeLiquidated Outcome = "liquidated" // futures margin exhausted or loan undercollateralized
	OutcomeMatured    Outcome = "matured"    // cycle or lend ran its full term
	OutcomeRepaid     Outcome = "repaid"
	OutcomeWithdrawn  Outcome = "withdrawn" // lend withdrawn before maturity
	OutcomeDefaulted  Outcome = "defaulted" // borrow reached its due date unpaid
)

// Trigger names what caused a settlement.
type Trigger string

const (
	TriggerExpiry      Trigger = "expiry"
	TriggerLiquidation Trigger = "liquidation"
	TriggerClose       Trigger = "close"
	TriggerRepay       Trigger = "repay"
	TriggerWithdraw    Trigger = "withdraw"
)

// Instrument is the current state of one synthetic price series.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volatility float64         `json:"volatility"` // max fractional move per tick
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Position is one stake in any product, from open until settlement.
type Position struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Kind       Kind            `json:"kind" db:"kind"`
	Side       Side            `json:"side,omitempty" db:"side"`
	Asset      string          `json:"asset" db:"asset"` // asset the stake is debited in
	Stake      decimal.Decimal `json:"stake" db:"stake"`

	Leverage   decimal.Decimal `json:"leverage,omitempty" db:"leverage"`       // futures
	PayoutRate decimal.Decimal `json:"payout_rate,omitempty" db:"payout_rate"` // binary
	ProfitRate decimal.Decimal `json:"profit_rate,omitempty" db:"profit_rate"` // cycle; loan interest rate or APY
	LTV        decimal.Decimal `json:"ltv,omitempty" db:"ltv"`                 // borrow
	Principal  decimal.Decimal `json:"principal,omitempty" db:"principal"`     // borrow
	LoanAsset  string          `json:"loan_asset,omitempty" db:"loan_asset"`   // borrow

	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	EntryTime  time.Time       `json:"entry_time" db:"entry_time"`
	ExpiryTime time.Time       `json:"expiry_time,omitempty" db:"expiry_time"` // zero for futures

	State  State   `json:"state" db:"state"`
	Result *Result `json:"result,omitempty"`
}

// Result is recorded once a position settles.
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Trigger   Trigger         `json:"trigger"`
	Amount    decimal.Decimal `json:"amount"` // in Asset; for a borrow, the collateral returned
	ExitPrice decimal.Decimal `json:"exit_price"`
	SettledAt time.Time       `json:"settled_at"`
}

// HasExpiry reports whether the position carries a fixed expiry or due date.
func (p *Position) HasExpiry() bool {
	return !p.ExpiryTime.IsZero()
}

// Duration is the configured term of the position, or zero without an expiry.
func (p *Position) Duration() time.Duration {
	if !p.HasExpiry() {
		return 0
	}
	return p.ExpiryTime.Sub(p.EntryTime)
}

// Validate rejects positions that could never be interpreted consistently.
func (p *Position) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPosition)
	case p.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidPosition)
	case !p.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPosition, p.Kind)
	case p.Asset == "":
		return fmt.Errorf("%w: missing asset", ErrInvalidPosition)
	case !p.Stake.IsPositive():
		return fmt.Errorf("%w: stake must be positive, got %s", ErrInvalidStake, p.Stake)
	case !p.EntryPrice.IsPositive():
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidPosition)
	case p.EntryTime.IsZero():
		return fmt.Errorf("%w: missing entry time", ErrInvalidPosition)
	case p.HasExpiry() && !p.ExpiryTime.After(p.EntryTime):
		return fmt.Errorf("%w: expiry %s not after entry %s", ErrInvalidPosition,
			p.ExpiryTime.Format(time.RFC3339), p.EntryTime.Format(time.RFC3339))
	case p.Kind != KindFutures && !p.HasExpiry():
		return fmt.Errorf("%w: %s position requires an expiry", ErrInvalidPosition, p.Kind)
	}
	return nil
}

// Balance is a user's spendable amount of one asset.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Delta is one signed balance movement. Positive credits, negative debits.
type Delta struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Credit returns a positive delta.
func Credit(userID, asset string, amount decimal.Decimal) Delta {
	return Delta{UserID: userID, Asset: asset, Amount: amount}
}

// Debit returns a negative delta.
func Debit(userID, asset string, amount decimal.Decimal) Delta {
	return Delta{UserID: userID, Asset: asset, Amount: amount.Neg()}
}

// HistoryEntry is an immutable record of one settled position.
// Once created, these are never modified or deleted.
type HistoryEntry struct {
	ID         string          `json:"id" db:"id"` // ULID, sorts by settlement time
	PositionID string          `json:"position_id" db:"position_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Kind       Kind            `json:"kind" db:"kind"`
	Instrument string          `json:"instrument" db:"instrument"`
	Side       Side            `json:"side,omitempty" db:"side"`
	Asset      string          `json:"asset" db:"asset"`
	Stake      decimal.Decimal `json:"stake" db:"stake"`
	Outcome    Outcome         `json:"outcome" db:"outcome"`
	Trigger    Trigger         `json:"trigger" db:"trigger"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`         // settled amount
	Realized   decimal.Decimal `json:"realized" db:"realized"`     // net ledger effect of the position
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
	EntryTime  time.Time       `json:"entry_time" db:"entry_time"`
	SettledAt  time.Time       `json:"settled_at" db:"settled_at"`

	// RealizedAsset is the asset Realized is denominated in: Asset for
	// everything but a borrow, whose effect is measured in the loan asset.
	RealizedAsset string `json:"realized_asset" db:"realized_asset"`
}

// Settlement is everything one settle step writes, applied atomically by the store.
type Settlement struct {
	Position *Position    // carries State=settled and Result
	Deltas   []Delta      // balance movements
	Entry    HistoryEntry // appended to history
}
