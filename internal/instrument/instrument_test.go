package instrument

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	s, err := Parse("BTC/USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", s.Base)
	}
	if s.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", s.Quote)
	}
	if s.String() != "BTC/USDT" {
		t.Errorf("expected BTC/USDT, got %s", s.String())
	}
}

func TestParse_Normalizes(t *testing.T) {
	s, err := Parse("  eth/usdt ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Raw != "ETH/USDT" {
		t.Errorf("expected ETH/USDT, got %s", s.Raw)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"BTC",
		"BTCUSDT",
		"BTC-USDT",
		"BTC/",
		"/USDT",
		"B/USDT",
		"BTC/USDT/EUR",
		"BTC$/USDT",
	}
	for _, raw := range tests {
		_, err := Parse(raw)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", raw, err)
		}
	}
}

func TestParse_SameAsset(t *testing.T) {
	_, err := Parse("BTC/BTC")
	if !errors.Is(err, ErrSameAsset) {
		t.Errorf("expected ErrSameAsset, got %v", err)
	}
}

func TestBase(t *testing.T) {
	if got := Base("SOL/USDT"); got != "SOL" {
		t.Errorf("expected SOL, got %q", got)
	}
	if got := Base("garbage"); got != "" {
		t.Errorf("expected empty base for invalid symbol, got %q", got)
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid symbol")
		}
	}()
	MustParse("nope")
}
