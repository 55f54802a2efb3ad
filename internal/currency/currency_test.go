package currency

import (
	"errors"
	"testing"
)

func TestParsePair(t *testing.T) {
	for _, raw := range []string{"USD/INR", "USD-INR", "USD→INR", "USD:INR", " USDINR ", "USD / INR"} {
		pair, err := ParsePair(raw)
		if err != nil {
			t.Fatalf("ParsePair(%q): %v", raw, err)
		}
		if pair != NewPair("USD", "INR") {
			t.Fatalf("ParsePair(%q) = %+v", raw, pair)
		}
	}

	if _, err := ParsePair("USDINRX"); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestPairRendering(t *testing.T) {
	pair := NewPair("EUR", "GBP")
	if pair.String() != "EUR→GBP" || pair.Code() != "EURGBP" {
		t.Fatalf("unexpected rendering %q / %q", pair.String(), pair.Code())
	}
	if pair.IsIdentity() || !NewPair("JPY", "JPY").IsIdentity() {
		t.Fatal("identity detection is wrong")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeLive, "live": ModeLive, " Simulated ": ModeSimulated}
	for raw, want := range cases {
		got, err := ParseMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseMode("forecast"); err == nil {
		t.Fatal("expected error for forecast mode")
	}
}

func TestSetValidate(t *testing.T) {
	set := NewSet(DefaultSupported...)
	if err := set.Validate(NewPair("USD", "INR")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := set.Validate(NewPair("USD", "usd")); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("codes are case sensitive, got %v", err)
	}
	if err := set.Validate(NewPair("BTC", "USD")); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("expected unsupported base, got %v", err)
	}
}
