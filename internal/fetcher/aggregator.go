package fetcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
	"fxwatch/internal/metrics"
)

// AggregatorOptions parameterise the provider chain.
type AggregatorOptions struct {
	// Providers are queried in slice order.
	Providers []Provider
	Fallback  FallbackTable
	// Timeout bounds each provider call.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Aggregator resolves a rate from an ordered provider chain. It holds no state
// between calls and never fails: the decision order is identity, simulated,
// providers in priority order, fallback table.
type Aggregator struct {
	providers []Provider
	fallback  FallbackTable
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// NewAggregator constructs an aggregator.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = FallbackTable{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Aggregator{
		providers: append([]Provider(nil), opts.Providers...),
		fallback:  fallback,
		timeout:   timeout,
		metrics:   opts.Metrics,
		now:       now,
		logger:    logger.With().Str("component", "rate_aggregator").Logger(),
	}
}

// Providers returns the provider names in priority order.
func (a *Aggregator) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	return names
}

// GetRate returns a usable quote for pair.
func (a *Aggregator) GetRate(ctx context.Context, pair currency.Pair, mode currency.Mode) Quote {
	now := a.now().UTC()

	if pair.IsIdentity() {
		return Quote{Pair: pair, Rate: decimal.NewFromInt(1), Source: SourceIdentity, Timestamp: now}
	}

	if mode == currency.ModeSimulated {
		return a.fallbackQuote(pair, now, "simulated", nil)
	}

	attempts := make([]Attempt, 0, len(a.providers))
	for _, provider := range a.providers {
		if err := ctx.Err(); err != nil {
			a.logger.Warn().Err(err).Str("pair", pair.String()).Msg("rate lookup cancelled; skipping remaining providers")
			return a.fallbackQuote(pair, now, "cancelled", attempts)
		}

		attempt := a.query(ctx, provider, pair)
		attempts = append(attempts, attempt)
		if !attempt.OK() {
			a.logger.Warn().Err(attempt.Err).
				Str("provider", attempt.Provider).
				Str("pair", pair.String()).
				Dur("elapsed", attempt.Elapsed).
				Msg("provider failed; trying next")
			continue
		}

		a.logger.Debug().
			Str("provider", attempt.Provider).
			Str("pair", pair.String()).
			Str("rate", attempt.Rate.String()).
			Msg("rate resolved")
		return Quote{Pair: pair, Rate: attempt.Rate, Source: attempt.Provider, Timestamp: now, Attempts: attempts}
	}

	a.logger.Warn().Str("pair", pair.String()).Int("providers", len(a.providers)).Msg("all providers failed; using fallback rate")
	return a.fallbackQuote(pair, now, "exhausted", attempts)
}

func (a *Aggregator) query(ctx context.Context, provider Provider, pair currency.Pair) Attempt {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	rate, err := provider.FetchRate(callCtx, pair)
	elapsed := time.Since(start)

	if err == nil && !rate.IsPositive() {
		err = &ProviderError{Provider: provider.Name(), Reason: ReasonInvalidRate}
	}
	if err != nil {
		a.metrics.ObserveProvider(provider.Name(), reasonOf(err), elapsed)
		return Attempt{Provider: provider.Name(), Err: err, Elapsed: elapsed}
	}

	a.metrics.ObserveProvider(provider.Name(), "success", elapsed)
	return Attempt{Provider: provider.Name(), Rate: rate, Elapsed: elapsed}
}

func (a *Aggregator) fallbackQuote(pair currency.Pair, now time.Time, reason string, attempts []Attempt) Quote {
	a.metrics.ObserveFallback(reason)
	return Quote{
		Pair:      pair,
		Rate:      a.fallback.Resolve(pair),
		Source:    SourceFallback,
		Timestamp: now,
		Attempts:  attempts,
	}
}

var _ RateSource = (*Aggregator)(nil)
