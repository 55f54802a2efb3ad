// Package currency holds the value types shared by the rate, alert and
// conversion packages.
package currency

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedCurrency is returned for codes outside the supported set.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrInvalidRecipient is returned when a phone number fails structural validation.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInvalidAmount is returned for missing, non-numeric or non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidTargetRate is returned for missing, non-numeric or non-positive targets.
	ErrInvalidTargetRate = errors.New("invalid target rate")
)

// DefaultSupported lists the currency codes offered when config does not override them.
var DefaultSupported = []string{"USD", "INR", "EUR", "GBP", "JPY"}

// Pair is an ordered (base, quote) currency code tuple. Codes are compared exactly.
type Pair struct {
	Base  string `json:"from"`
	Quote string `json:"to"`
}

// NewPair builds a pair without validating it.
func NewPair(base, quote string) Pair {
	return Pair{Base: base, Quote: quote}
}

// IsIdentity reports whether base and quote are the same code.
func (p Pair) IsIdentity() bool {
	return p.Base == p.Quote
}

// Code renders the concatenated pair code, e.g. USDINR.
func (p Pair) Code() string {
	return p.Base + p.Quote
}

func (p Pair) String() string {
	return p.Base + "→" + p.Quote
}

// ParsePair accepts "USD/INR", "USD-INR", "USD→INR" or "USDINR".
func ParsePair(s string) (Pair, error) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{"/", "-", "→", ":"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			return NewPair(strings.TrimSpace(base), strings.TrimSpace(quote)), nil
		}
	}
	if len(s) == 6 {
		return NewPair(s[:3], s[3:]), nil
	}
	return Pair{}, fmt.Errorf("parse pair %q: %w", s, ErrUnsupportedCurrency)
}

// Mode selects where a rate comes from.
type Mode string

const (
	// ModeLive queries the configured providers.
	ModeLive Mode = "live"
	// ModeSimulated reads the static fallback table only.
	ModeSimulated Mode = "simulated"
)

// ParseMode validates a mode string. An empty string means live.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLive:
		return ModeLive, nil
	case ModeSimulated:
		return ModeSimulated, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Set is the fixed set of supported currency codes.
type Set map[string]struct{}

// NewSet builds a set from codes.
func NewSet(codes ...string) Set {
	set := make(Set, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

// Contains reports whether code is supported.
func (s Set) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

// Validate checks both sides of the pair against the set.
func (s Set) Validate(p Pair) error {
	if !s.Contains(p.Base) {
		return fmt.Errorf("%w: %q", ErrUnsupportedCurrency, p.Base)
	}
	if !s.Contains(p.Quote) {
		return fmt.Errorf("%w: %q", ErrUnsupportedCurrency, p.Quote)
	}
	return nil
}
