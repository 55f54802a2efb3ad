package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

// Source names that are not providers.
const (
	SourceIdentity = "identity"
	SourceFallback = "fallback"
)

// Provider retrieves a rate for a pair from one upstream source.
type Provider interface {
	Name() string
	FetchRate(ctx context.Context, pair currency.Pair) (decimal.Decimal, error)
}

// RateSource is the fail-soft lookup used by alerts, digests and conversions.
type RateSource interface {
	GetRate(ctx context.Context, pair currency.Pair, mode currency.Mode) Quote
}

// HighEstimator approximates the best rate seen recently for a pair.
type HighEstimator interface {
	EstimateWeeklyHigh(ctx context.Context, pair currency.Pair) decimal.Decimal
}

// Quote is a resolved rate. Rate is always positive.
type Quote struct {
	Pair      currency.Pair
	Rate      decimal.Decimal
	Source    string
	Timestamp time.Time
	Attempts  []Attempt
}

// FromFallback reports whether the quote came from the static table.
func (q Quote) FromFallback() bool {
	return q.Source == SourceFallback
}

// Attempt is the outcome of querying a single provider: either Rate or Err is set.
type Attempt struct {
	Provider string
	Rate     decimal.Decimal
	Err      error
	Elapsed  time.Duration
}

// OK reports whether the attempt produced a usable rate.
func (a Attempt) OK() bool {
	return a.Err == nil
}

// Failure reasons carried by ProviderError.
const (
	ReasonTimeout       = "timeout"
	ReasonTransport     = "transport"
	ReasonStatus        = "status"
	ReasonMalformed     = "malformed"
	ReasonInvalidRate   = "invalid_rate"
	ReasonProviderError = "provider_error"
	ReasonCancelled     = "cancelled"
)

// ErrMissingRate marks a payload that decoded but carried no usable rate.
var ErrMissingRate = errors.New("rate missing from payload")

// ProviderError is a recoverable failure of one provider.
type ProviderError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func reasonOf(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ReasonTransport
}
