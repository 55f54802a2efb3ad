package fetcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

// Extractor pulls the rate for pair out of a decoded JSON object.
type Extractor func(body map[string]json.RawMessage, pair currency.Pair) (decimal.Decimal, error)

// Response shapes understood by ExtractorByName.
const (
	FormatRates          = "rates"
	FormatQuotes         = "quotes"
	FormatResult         = "result"
	FormatConversionRate = "conversion_rate"
)

// ExtractorByName resolves a configured response format.
func ExtractorByName(name string) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FormatRates:
		return ExtractRates, nil
	case FormatQuotes:
		return ExtractQuotes, nil
	case FormatResult:
		return ExtractResult, nil
	case FormatConversionRate:
		return ExtractConversionRate, nil
	default:
		return nil, fmt.Errorf("unknown provider format %q", name)
	}
}

// ExtractRates reads {"rates": {"<quote>": n}}.
func ExtractRates(body map[string]json.RawMessage, pair currency.Pair) (decimal.Decimal, error) {
	return nestedRate(body, "rates", pair.Quote)
}

// ExtractQuotes reads {"quotes": {"<base><quote>": n}}.
func ExtractQuotes(body map[string]json.RawMessage, pair currency.Pair) (decimal.Decimal, error) {
	return nestedRate(body, "quotes", pair.Code())
}

// ExtractResult reads {"result": n}.
func ExtractResult(body map[string]json.RawMessage, _ currency.Pair) (decimal.Decimal, error) {
	return fieldRate(body, "result")
}

// ExtractConversionRate reads {"conversion_rate": n}.
func ExtractConversionRate(body map[string]json.RawMessage, _ currency.Pair) (decimal.Decimal, error) {
	return fieldRate(body, "conversion_rate")
}

func nestedRate(body map[string]json.RawMessage, field, key string) (decimal.Decimal, error) {
	raw, ok := body[field]
	if !ok || isNull(raw) {
		return decimal.Decimal{}, fmt.Errorf("%w: no %q object", ErrMissingRate, field)
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %q: %w", field, err)
	}
	value, ok := nested[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s.%s", ErrMissingRate, field, key)
	}
	return parseRate(value, field+"."+key)
}

func fieldRate(body map[string]json.RawMessage, field string) (decimal.Decimal, error) {
	raw, ok := body[field]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrMissingRate, field)
	}
	return parseRate(raw, field)
}

func parseRate(raw json.RawMessage, path string) (decimal.Decimal, error) {
	if isNull(raw) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is null", ErrMissingRate, path)
	}
	var rate decimal.Decimal
	if err := rate.UnmarshalJSON(raw); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrMissingRate, path, err)
	}
	return rate, nil
}

// reportedError returns the provider's own error object, if any. Providers
// signal errors with an "error" member or "success": false.
func reportedError(body map[string]json.RawMessage) error {
	if raw, ok := body["error"]; ok && !isNull(raw) && string(raw) != "false" {
		return fmt.Errorf("provider reported error: %s", describeError(raw))
	}
	if raw, ok := body["success"]; ok && strings.TrimSpace(string(raw)) == "false" {
		return fmt.Errorf("provider reported success=false")
	}
	return nil
}

func describeError(raw json.RawMessage) string {
	var obj struct {
		Info    string `json:"info"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Info != "":
			return obj.Info
		case obj.Message != "":
			return obj.Message
		case obj.Type != "":
			return obj.Type
		}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return text
	}
	return strings.TrimSpace(string(raw))
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
