// Package limits implements per-user exposure caps that account for
// correlation between instruments sharing a base asset.
//
// A user holding BTC/USDT and BTC/USDC positions carries one underlying risk.
// The limiter caps open notional per instrument and, across all instruments
// with the same base asset, in aggregate.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/instrument"
)

var (
	// ErrPerInstrumentLimitExceeded is returned when a new position would push
	// a single instrument's open notional beyond the per-instrument maximum.
	ErrPerInstrumentLimitExceeded = errors.New("limits: per-instrument exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a new position would push
	// the aggregate open notional across instruments sharing a base asset
	// beyond the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated exposure limit exceeded")
)

// ExposureLimiter enforces open-notional caps. A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerInstrument is the maximum open notional in any single instrument.
	MaxPerInstrument decimal.Decimal

	// MaxPerBase is the maximum aggregate open notional across all
	// instruments that share the same base asset.
	MaxPerBase decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerInstrument, maxPerBase decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerBase:       maxPerBase,
	}
}

// Enabled reports whether any cap is configured.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument.IsPositive() || l.MaxPerBase.IsPositive())
}

// CheckLimit validates whether adding notional to symbol respects the caps.
//
// Parameters:
//   - symbol: instrument of the position being opened
//   - notional: open notional being added, in quote terms
//   - existing: map of symbol → current open notional for this user
//
// Returns nil if the position is within limits.
func (l *ExposureLimiter) CheckLimit(
	symbol string,
	notional decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-instrument limit.
	inInstrument := existing[symbol].Add(notional)
	if l.MaxPerInstrument.IsPositive() && inInstrument.GreaterThan(l.MaxPerInstrument) {
		return ErrPerInstrumentLimitExceeded
	}

	// 2. Correlated exposure: sum across symbols sharing the base asset.
	if !l.MaxPerBase.IsPositive() {
		return nil
	}
	base := instrument.Base(symbol)
	total := inInstrument

	for other, exposure := range existing {
		if other == symbol {
			continue // already counted above
		}
		if base != "" && instrument.Base(other) == base {
			total = total.Add(exposure)
		}
	}

	if total.GreaterThan(l.MaxPerBase) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
