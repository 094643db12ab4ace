// Package pricefeed produces synthetic price series as bounded random walks.
//
// Each tick moves an instrument's price by a uniform fraction in
// [-volatility, +volatility]. Prices are not market data and the random
// source is not cryptographic; reproducibility is only offered through an
// explicit seed for tests.
package pricefeed

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/instrument"
	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrInvalidPrice is returned when registering or setting a non-positive price.
	ErrInvalidPrice = errors.New("pricefeed: price must be positive")

	// ErrInvalidVolatility is returned for volatility outside [0, 1).
	ErrInvalidVolatility = errors.New("pricefeed: volatility must be in [0, 1)")

	// MinPrice is the floor a price is clamped to so it stays positive.
	MinPrice = decimal.New(1, -8)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8
)

// Generator holds the current price of every registered instrument.
// It is safe for concurrent use.
type Generator struct {
	mu          sync.RWMutex
	rng         *rand.Rand
	instruments map[string]*model.Instrument
	now         func() time.Time
}

// NewGenerator creates an empty generator. A zero seed draws a random one.
func NewGenerator(seed uint64) *Generator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		instruments: make(map[string]*model.Instrument),
		now:         time.Now,
	}
}

// Register adds or replaces an instrument's series.
func (g *Generator) Register(symbol string, price decimal.Decimal, volatility float64) error {
	sym, err := instrument.Parse(symbol)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s %s", ErrInvalidPrice, sym, price)
	}
	if volatility < 0 || volatility >= 1 {
		return fmt.Errorf("%w: %s %v", ErrInvalidVolatility, sym, volatility)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.instruments[sym.Raw] = &model.Instrument{
		Symbol:     sym.Raw,
		Price:      price.Round(PriceScale),
		Volatility: volatility,
		UpdatedAt:  g.now().UTC(),
	}
	return nil
}

// Tick advances one instrument and returns its new price.
func (g *Generator) Tick(symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst, ok := g.instruments[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, symbol)
	}
	g.stepLocked(inst)
	return inst.Price, nil
}

// TickAll advances every instrument once and returns the new prices.
func (g *Generator) TickAll() map[string]decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	prices := make(map[string]decimal.Decimal, len(g.instruments))
	for sym, inst := range g.instruments {
		g.stepLocked(inst)
		prices[sym] = inst.Price
	}
	return prices
}

// stepLocked applies: next = prev * (1 + uniform(-v, +v)), clamped positive.
func (g *Generator) stepLocked(inst *model.Instrument) {
	if inst.Volatility > 0 {
		move := (g.rng.Float64()*2 - 1) * inst.Volatility
		next := inst.Price.Mul(decimal.NewFromFloat(1 + move)).Round(PriceScale)
		if next.LessThan(MinPrice) {
			next = MinPrice
		}
		inst.Price = next
	}
	inst.UpdatedAt = g.now().UTC()
}

// Price returns the current price of symbol.
func (g *Generator) Price(symbol string) (decimal.Decimal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inst, ok := g.instruments[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, symbol)
	}
	return inst.Price, nil
}

// Set overrides the current price of a registered instrument.
func (g *Generator) Set(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s %s", ErrInvalidPrice, symbol, price)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	inst, ok := g.instruments[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownInstrument, symbol)
	}
	inst.Price = price.Round(PriceScale)
	inst.UpdatedAt = g.now().UTC()
	return nil
}

// Snapshot returns a copy of every instrument, sorted by symbol.
func (g *Generator) Snapshot() []model.Instrument {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]model.Instrument, 0, len(g.instruments))
	for _, inst := range g.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
