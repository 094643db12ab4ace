// Package outcome decides win/lose for binary-style positions.
//
// The natural decision compares the exit price against the entry price. An
// operator may switch the process into forceWin or forceLose, in which case
// the natural comparison is overridden for every position and user while the
// mode is active. The mode is a plain value handed to the Policy by its owner;
// the Policy never reads shared state.
package outcome

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Mode is the operator-controlled override.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeForceWin  Mode = "forceWin"
	ModeForceLose Mode = "forceLose"
)

// ErrInvalidMode is returned by ParseMode for unknown values.
var ErrInvalidMode = errors.New("outcome: mode must be auto, forceWin or forceLose")

// DefaultNudge is the fractional distance from entry a forced exit price is
// moved to when it has to be made consistent with the forced outcome.
var DefaultNudge = decimal.NewFromFloat(0.0005)

// ParseMode accepts the canonical names case-insensitively, plus the
// snake/kebab spellings an admin surface is likely to send.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(s))) {
	case "", "auto":
		return ModeAuto, nil
	case "forcewin", "win":
		return ModeForceWin, nil
	case "forcelose", "lose":
		return ModeForceLose, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Valid reports whether m is one of the three modes.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeForceWin || m == ModeForceLose
}

// Decision is the result of Decide.
type Decision struct {
	Won       bool
	ExitPrice decimal.Decimal // price to record; may differ from the observed one when forced
	Forced    bool
}

// Policy is an immutable decision strategy.
type Policy struct {
	Mode  Mode
	Nudge decimal.Decimal
}

// New returns a Policy for mode with the default nudge.
func New(mode Mode) Policy {
	return Policy{Mode: mode, Nudge: DefaultNudge}
}

// WithMode returns a copy of p using mode.
func (p Policy) WithMode(mode Mode) Policy {
	p.Mode = mode
	return p
}

// Natural reports the unforced result: an up position wins when the exit
// price is strictly above the entry price, a down position otherwise.
func Natural(side model.Side, entry, exit decimal.Decimal) bool {
	return (side == model.SideUp) == exit.GreaterThan(entry)
}

// Decide returns the outcome for a binary position settling at exit.
func (p Policy) Decide(side model.Side, entry, exit decimal.Decimal) Decision {
	natural := Natural(side, entry, exit)

	var want bool
	switch p.Mode {
	case ModeForceWin:
		want = true
	case ModeForceLose:
		want = false
	default:
		return Decision{Won: natural, ExitPrice: exit}
	}

	if want == natural {
		return Decision{Won: want, ExitPrice: exit, Forced: true}
	}
	return Decision{Won: want, ExitPrice: p.cosmeticExit(side, entry, want), Forced: true}
}

// cosmeticExit picks an exit price on the side of entry that agrees with won.
func (p Policy) cosmeticExit(side model.Side, entry decimal.Decimal, won bool) decimal.Decimal {
	nudge := p.Nudge
	if !nudge.IsPositive() {
		nudge = DefaultNudge
	}
	one := decimal.NewFromInt(1)

	// Up wins above entry, down wins at or below it.
	above := (side == model.SideUp) == won
	if above {
		return entry.Mul(one.Add(nudge)).Round(8)
	}
	return entry.Mul(one.Sub(nudge)).Round(8)
}
