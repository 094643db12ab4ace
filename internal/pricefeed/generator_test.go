package pricefeed

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/instrument"
	"github.com/atmx/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRegister_Validates(t *testing.T) {
	g := NewGenerator(1)

	if err := g.Register("BTC/USDT", d(94500), 0.001); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Register("BTCUSDT", d(1), 0.001); !errors.Is(err, instrument.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
	if err := g.Register("ETH/USDT", d(0), 0.001); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
	if err := g.Register("ETH/USDT", d(10), 1.5); !errors.Is(err, ErrInvalidVolatility) {
		t.Errorf("expected ErrInvalidVolatility, got %v", err)
	}
	if err := g.Register("ETH/USDT", d(10), -0.1); !errors.Is(err, ErrInvalidVolatility) {
		t.Errorf("expected ErrInvalidVolatility, got %v", err)
	}
}

func TestTick_StaysWithinBand(t *testing.T) {
	g := NewGenerator(42)
	const vol = 0.003
	if err := g.Register("BTC/USDT", d(94500), vol); err != nil {
		t.Fatal(err)
	}

	prev, _ := g.Price("BTC/USDT")
	for i := 0; i < 1000; i++ {
		next, err := g.Tick("BTC/USDT")
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		// |next/prev - 1| <= vol, allowing for rounding to PriceScale.
		ratio := next.Div(prev).Sub(decimal.NewFromInt(1)).Abs()
		if ratio.GreaterThan(d(vol + 1e-9)) {
			t.Fatalf("tick %d moved %s, beyond volatility %v", i, ratio, vol)
		}
		if !next.IsPositive() {
			t.Fatalf("tick %d produced non-positive price %s", i, next)
		}
		prev = next
	}
}

func TestTick_ZeroVolatilityIsFlat(t *testing.T) {
	g := NewGenerator(7)
	g.Register("ETH/USDT", d(3400), 0)

	for i := 0; i < 10; i++ {
		p, _ := g.Tick("ETH/USDT")
		if !p.Equal(d(3400)) {
			t.Fatalf("expected flat price 3400, got %s", p)
		}
	}
}

func TestTick_ClampedPositive(t *testing.T) {
	g := NewGenerator(3)
	g.Register("DOGE/USDT", MinPrice, 0.9)

	for i := 0; i < 200; i++ {
		p, _ := g.Tick("DOGE/USDT")
		if p.LessThan(MinPrice) {
			t.Fatalf("price %s fell below floor", p)
		}
	}
}

func TestTick_UnknownInstrument(t *testing.T) {
	g := NewGenerator(1)
	if _, err := g.Tick("XRP/USDT"); !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if _, err := g.Price("XRP/USDT"); !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if err := g.Set("XRP/USDT", d(1)); !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestTickAll_AdvancesEverything(t *testing.T) {
	g := NewGenerator(9)
	g.Register("BTC/USDT", d(94500), 0.001)
	g.Register("ETH/USDT", d(3400), 0.001)

	prices := g.TickAll()
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	for sym, p := range prices {
		cur, _ := g.Price(sym)
		if !cur.Equal(p) {
			t.Errorf("%s: TickAll returned %s but Price is %s", sym, p, cur)
		}
	}
}

func TestSetAndSnapshot(t *testing.T) {
	g := NewGenerator(1)
	g.Register("ETH/USDT", d(3400), 0.001)
	g.Register("BTC/USDT", d(94500), 0.001)

	if err := g.Set("BTC/USDT", d(95000)); err != nil {
		t.Fatal(err)
	}
	if err := g.Set("BTC/USDT", d(-1)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}

	snap := g.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "BTC/USDT" || snap[1].Symbol != "ETH/USDT" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	if !snap[0].Price.Equal(d(95000)) {
		t.Errorf("expected 95000, got %s", snap[0].Price)
	}
}
