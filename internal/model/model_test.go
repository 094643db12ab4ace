package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func validBinary() *Position {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Position{
		ID:         "pos-1",
		UserID:     "user1",
		Instrument: "BTC/USDT",
		Kind:       KindBinary,
		Side:       SideUp,
		Asset:      "USDT",
		Stake:      d(1000),
		PayoutRate: d(0.85),
		EntryPrice: d(94500),
		EntryTime:  t0,
		ExpiryTime: t0.Add(time.Minute),
		State:      StateActive,
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validBinary().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Position)
		want   error
	}{
		{"zero stake", func(p *Position) { p.Stake = decimal.Zero }, ErrInvalidStake},
		{"negative stake", func(p *Position) { p.Stake = d(-5) }, ErrInvalidStake},
		{"missing id", func(p *Position) { p.ID = "" }, ErrInvalidPosition},
		{"missing user", func(p *Position) { p.UserID = "" }, ErrInvalidPosition},
		{"unknown kind", func(p *Position) { p.Kind = "swap" }, ErrInvalidPosition},
		{"missing asset", func(p *Position) { p.Asset = "" }, ErrInvalidPosition},
		{"zero entry price", func(p *Position) { p.EntryPrice = decimal.Zero }, ErrInvalidPosition},
		{"expiry equals entry", func(p *Position) { p.ExpiryTime = p.EntryTime }, ErrInvalidPosition},
		{"expiry before entry", func(p *Position) { p.ExpiryTime = p.EntryTime.Add(-time.Second) }, ErrInvalidPosition},
		{"binary without expiry", func(p *Position) { p.ExpiryTime = time.Time{} }, ErrInvalidPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validBinary()
			tt.mutate(p)
			if err := p.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_FuturesWithoutExpiry(t *testing.T) {
	p := validBinary()
	p.Kind = KindFutures
	p.Side = SideLong
	p.ExpiryTime = time.Time{}
	if err := p.Validate(); err != nil {
		t.Fatalf("futures positions need no expiry: %v", err)
	}
	if p.HasExpiry() || p.Duration() != 0 {
		t.Error("expected no expiry and zero duration")
	}
}

func TestDeltaHelpers(t *testing.T) {
	if c := Credit("u", "USDT", d(10)); !c.Amount.Equal(d(10)) {
		t.Errorf("credit amount = %s", c.Amount)
	}
	if db := Debit("u", "USDT", d(10)); !db.Amount.Equal(d(-10)) {
		t.Errorf("debit amount = %s", db.Amount)
	}
}

func TestStateTerminal(t *testing.T) {
	if StateActive.Terminal() || StateOpen.Terminal() {
		t.Error("open/active must not be terminal")
	}
	if !StateSettled.Terminal() {
		t.Error("settled must be terminal")
	}
}
