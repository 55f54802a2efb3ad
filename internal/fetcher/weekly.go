package fetcher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

// DefaultWeeklySamples is one sample per day of the trailing week.
const DefaultWeeklySamples = 7

// WeeklyHigh approximates a pair's weekly high. There is no historical store,
// so every sample is a fresh live quote and the estimate is the maximum of N
// consecutive live polls. With stable upstreams it converges to the current
// live rate. It is not a true 7-day high.
type WeeklyHigh struct {
	source  RateSource
	samples int
	logger  zerolog.Logger
}

// NewWeeklyHigh builds an estimator sampling source up to samples times.
func NewWeeklyHigh(source RateSource, samples int, logger zerolog.Logger) *WeeklyHigh {
	if samples <= 0 {
		samples = DefaultWeeklySamples
	}
	return &WeeklyHigh{
		source:  source,
		samples: samples,
		logger:  logger.With().Str("component", "weekly_high").Logger(),
	}
}

// EstimateWeeklyHigh returns the highest successful live sample. Failed samples
// are dropped; with no successful sample it falls back to one direct live read.
func (w *WeeklyHigh) EstimateWeeklyHigh(ctx context.Context, pair currency.Pair) decimal.Decimal {
	var high decimal.Decimal
	taken := 0
	dropped := 0

	for i := 0; i < w.samples; i++ {
		if ctx.Err() != nil {
			dropped += w.samples - i
			break
		}
		quote := w.source.GetRate(ctx, pair, currency.ModeLive)
		if ctx.Err() != nil || !quote.Rate.IsPositive() {
			dropped++
			continue
		}
		if taken == 0 || quote.Rate.GreaterThan(high) {
			high = quote.Rate
		}
		taken++
	}

	if taken == 0 {
		w.logger.Warn().Str("pair", pair.String()).Int("dropped", dropped).Msg("no weekly samples succeeded; using a single live read")
		return w.source.GetRate(ctx, pair, currency.ModeLive).Rate
	}

	w.logger.Debug().
		Str("pair", pair.String()).
		Int("samples", taken).
		Int("dropped", dropped).
		Str("high", high.String()).
		Msg("weekly high estimated")
	return high
}

var _ HighEstimator = (*WeeklyHigh)(nil)
