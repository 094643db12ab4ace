// Package instrument handles trading pair symbol parsing and validation.
// Symbols take the form BASE/QUOTE, e.g. BTC/USDT: the base is the asset
// being priced and the quote is the asset prices are denominated in.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {BASE}/{QUOTE}
// Example: BTC/USDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrSameAsset     = errors.New("instrument: base and quote must differ")
)

// Symbol is a parsed trading pair.
type Symbol struct {
	Raw   string `json:"symbol"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form.
func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// Parse parses and validates a symbol. Surrounding whitespace is ignored and
// lowercase input is accepted.
func Parse(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, raw)
	}
	if matches[1] == matches[2] {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSameAsset, norm)
	}
	return Symbol{
		Raw:   norm,
		Base:  matches[1],
		Quote: matches[2],
	}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(raw string) Symbol {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Base returns the base asset of a symbol, or "" if it cannot be parsed.
func Base(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return ""
	}
	return s.Base
}
