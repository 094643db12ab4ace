package outcome

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNatural(t *testing.T) {
	tests := []struct {
		side        model.Side
		entry, exit float64
		want        bool
	}{
		{model.SideUp, 94500, 94501, true},
		{model.SideUp, 94500, 94500, false}, // tie loses for up
		{model.SideUp, 94500, 94499, false},
		{model.SideDown, 94500, 94499, true},
		{model.SideDown, 94500, 94500, true}, // tie wins for down
		{model.SideDown, 94500, 94501, false},
	}
	for _, tt := range tests {
		if got := Natural(tt.side, d(tt.entry), d(tt.exit)); got != tt.want {
			t.Errorf("Natural(%s, %v, %v) = %v, want %v", tt.side, tt.entry, tt.exit, got, tt.want)
		}
	}
}

func TestDecide_AutoUsesNatural(t *testing.T) {
	p := New(ModeAuto)
	dec := p.Decide(model.SideUp, d(100), d(101))
	if !dec.Won || dec.Forced || !dec.ExitPrice.Equal(d(101)) {
		t.Errorf("unexpected decision %+v", dec)
	}
}

func TestDecide_ForceWin(t *testing.T) {
	p := New(ModeForceWin)

	for _, side := range []model.Side{model.SideUp, model.SideDown} {
		for _, exit := range []float64{90000, 94500, 99000} {
			dec := p.Decide(side, d(94500), d(exit))
			if !dec.Won {
				t.Errorf("forceWin %s exit=%v: expected win", side, exit)
			}
			// The recorded prices must tell the same story.
			if !Natural(side, d(94500), dec.ExitPrice) {
				t.Errorf("forceWin %s exit=%v: recorded exit %s contradicts win", side, exit, dec.ExitPrice)
			}
		}
	}
}

func TestDecide_ForceLose(t *testing.T) {
	p := New(ModeForceLose)

	for _, side := range []model.Side{model.SideUp, model.SideDown} {
		for _, exit := range []float64{90000, 94500, 99000} {
			dec := p.Decide(side, d(94500), d(exit))
			if dec.Won {
				t.Errorf("forceLose %s exit=%v: expected loss", side, exit)
			}
			if Natural(side, d(94500), dec.ExitPrice) {
				t.Errorf("forceLose %s exit=%v: recorded exit %s contradicts loss", side, exit, dec.ExitPrice)
			}
		}
	}
}

func TestDecide_ForcedAgreeingKeepsObservedExit(t *testing.T) {
	dec := New(ModeForceWin).Decide(model.SideUp, d(100), d(105))
	if !dec.ExitPrice.Equal(d(105)) {
		t.Errorf("expected observed exit 105 to be kept, got %s", dec.ExitPrice)
	}
}

func TestDecide_CosmeticExitIsDeterministic(t *testing.T) {
	p := New(ModeForceWin)
	a := p.Decide(model.SideUp, d(94500), d(94000))
	b := p.Decide(model.SideUp, d(94500), d(93000))
	if !a.ExitPrice.Equal(b.ExitPrice) {
		t.Errorf("expected identical cosmetic exits, got %s and %s", a.ExitPrice, b.ExitPrice)
	}
	if !a.ExitPrice.Equal(d(94547.25)) {
		t.Errorf("expected 94500*(1+0.0005)=94547.25, got %s", a.ExitPrice)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":           ModeAuto,
		"auto":       ModeAuto,
		"forceWin":   ModeForceWin,
		"force_win":  ModeForceWin,
		"FORCE-LOSE": ModeForceLose,
		"forceLose":  ModeForceLose,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}

	if _, err := ParseMode("rigged"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestWithMode(t *testing.T) {
	p := New(ModeAuto)
	q := p.WithMode(ModeForceLose)
	if p.Mode != ModeAuto {
		t.Error("WithMode must not mutate the receiver")
	}
	if q.Mode != ModeForceLose || !q.Nudge.Equal(p.Nudge) {
		t.Errorf("unexpected policy %+v", q)
	}
}
