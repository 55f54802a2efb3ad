package conversion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
)

const (
	amountDigits = 2
	rateDigits   = 6
)

// CostVariance is the relative band reported around every result.
var CostVariance = decimal.RequireFromString("0.01")

// Options wire the converter.
type Options struct {
	Source    fetcher.RateSource
	Store     storage.ConversionStore
	Supported currency.Set
	Metrics   *metrics.Metrics
	Now       func() time.Time
	// StrictPersistence returns history append failures to the caller.
	StrictPersistence bool
}

// Result is a recorded conversion plus the rate source that priced it.
type Result struct {
	storage.Conversion
	Source string `json:"source"`
}

// Converter prices amounts and records each conversion in history.
type Converter struct {
	opts   Options
	logger zerolog.Logger
}

// NewConverter constructs a converter.
func NewConverter(opts Options, logger zerolog.Logger) *Converter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Converter{
		opts:   opts,
		logger: logger.With().Str("component", "converter").Logger(),
	}
}

// Convert prices amount of pair.Base in pair.Quote and appends it to history.
func (c *Converter) Convert(ctx context.Context, pair currency.Pair, amount decimal.Decimal, mode currency.Mode) (Result, error) {
	if c.opts.Supported != nil {
		if err := c.opts.Supported.Validate(pair); err != nil {
			return Result{}, err
		}
	}
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", currency.ErrInvalidAmount, amount.String())
	}

	quote := c.opts.Source.GetRate(ctx, pair, mode)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("convert: %w", err)
	}

	record := Price(pair, amount, quote.Rate, mode, c.opts.Now().UTC())
	if c.opts.Store != nil {
		if err := c.opts.Store.AppendConversion(ctx, record); err != nil {
			c.opts.Metrics.ObservePersistenceError("conversions")
			if c.opts.StrictPersistence {
				return Result{}, fmt.Errorf("append conversion: %w", err)
			}
			c.logger.Error().Err(err).Msg("conversion not recorded in history")
		}
	}
	c.opts.Metrics.ObserveConversion(pair.Code(), string(mode))

	c.logger.Debug().
		Str("pair", pair.String()).
		Str("amount", amount.String()).
		Str("result", record.Result.String()).
		Str("source", quote.Source).
		Msg("conversion recorded")
	return Result{Conversion: record, Source: quote.Source}, nil
}

// History returns every recorded conversion, oldest first.
func (c *Converter) History(ctx context.Context) ([]storage.Conversion, error) {
	if c.opts.Store == nil {
		return []storage.Conversion{}, nil
	}
	history, err := c.opts.Store.LoadConversions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

// Price computes a conversion record: result rounded to cents, a ±1% cost
// band, and the rate kept to six decimals.
func Price(pair currency.Pair, amount, rate decimal.Decimal, mode currency.Mode, at time.Time) storage.Conversion {
	result := amount.Mul(rate).Round(amountDigits)
	one := decimal.NewFromInt(1)
	return storage.Conversion{
		Pair:   pair,
		Amount: amount,
		Result: result,
		Rate:   rate.Round(rateDigits),
		Mode:   mode,
		CostRange: storage.CostRange{
			Min:      result.Mul(one.Sub(CostVariance)).Round(amountDigits),
			Max:      result.Mul(one.Add(CostVariance)).Round(amountDigits),
			Variance: CostVariance,
		},
		Time: at,
	}
}
