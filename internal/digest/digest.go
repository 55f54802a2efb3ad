package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/alerting"
	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
)

const (
	placeholder = "N/A"
	footer      = "\nHave a good day! - Currency Studio"
)

// DefaultPairs are summarised when config names none.
func DefaultPairs() []currency.Pair {
	return []currency.Pair{
		currency.NewPair("USD", "INR"),
		currency.NewPair("EUR", "INR"),
		currency.NewPair("GBP", "INR"),
		currency.NewPair("USD", "EUR"),
	}
}

// Composer renders the daily summary text.
type Composer struct {
	source fetcher.RateSource
	now    func() time.Time
}

// NewComposer constructs a composer reading live rates from source.
func NewComposer(source fetcher.RateSource, now func() time.Time) *Composer {
	if now == nil {
		now = time.Now
	}
	return &Composer{source: source, now: now}
}

// BuildDigest renders one line per pair in order. A pair whose rate cannot be
// read is rendered as N/A; the digest itself never fails.
func (c *Composer) BuildDigest(ctx context.Context, pairs []currency.Pair) string {
	lines := make([]string, 0, len(pairs)+2)
	lines = append(lines, fmt.Sprintf("Daily Currency Summary — %s", c.now().Format("2006-01-02")))
	for _, pair := range pairs {
		lines = append(lines, fmt.Sprintf("%s: %s", pair, c.rateText(ctx, pair)))
	}
	lines = append(lines, footer)
	return strings.Join(lines, "\n")
}

func (c *Composer) rateText(ctx context.Context, pair currency.Pair) string {
	if ctx.Err() != nil {
		return placeholder
	}
	quote := c.source.GetRate(ctx, pair, currency.ModeLive)
	if ctx.Err() != nil || !quote.Rate.IsPositive() {
		return placeholder
	}
	return quote.Rate.StringFixed(6)
}

// SubscriberLister is the read side of the subscriber registry.
type SubscriberLister interface {
	List() []storage.Subscriber
}

type refresher interface {
	Refresh(ctx context.Context) error
}

// JobOptions wire the scheduled digest delivery.
type JobOptions struct {
	Composer    *Composer
	Subscribers SubscriberLister
	Dispatcher  alerting.Dispatcher
	Pairs       []currency.Pair
	Metrics     *metrics.Metrics
}

// Report summarises one digest run.
type Report struct {
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	Delivered   int    `json:"delivered"`
	Failed      int    `json:"failed"`
}

// Job sends the digest to every subscriber.
type Job struct {
	opts   JobOptions
	logger zerolog.Logger
}

// NewJob constructs a digest job.
func NewJob(opts JobOptions, logger zerolog.Logger) *Job {
	if len(opts.Pairs) == 0 {
		opts.Pairs = DefaultPairs()
	}
	return &Job{opts: opts, logger: logger.With().Str("component", "digest").Logger()}
}

// Name identifies the job to the scheduler.
func (j *Job) Name() string {
	return "daily_digest"
}

// Run builds one digest and delivers it to each subscriber. A failed delivery
// is logged and counted; it never stops delivery to the rest.
func (j *Job) Run(ctx context.Context) (Report, error) {
	if source, ok := j.opts.Subscribers.(refresher); ok {
		if err := source.Refresh(ctx); err != nil {
			return Report{}, fmt.Errorf("refresh subscribers: %w", err)
		}
	}
	subscribers := j.opts.Subscribers.List()
	if len(subscribers) == 0 {
		j.logger.Info().Msg("no subscribers; digest skipped")
		return Report{}, nil
	}

	message := j.opts.Composer.BuildDigest(ctx, j.opts.Pairs)
	report := Report{Message: message, Subscribers: len(subscribers)}

	for _, sub := range subscribers {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("digest interrupted: %w", err)
		}
		err := j.opts.Dispatcher.Send(ctx, sub.Recipient, message)
		j.opts.Metrics.ObserveDigest(err == nil)
		if err != nil {
			report.Failed++
			j.logger.Warn().Err(err).Str("recipient", sub.Recipient).Msg("digest not delivered")
			continue
		}
		report.Delivered++
	}

	j.logger.Info().
		Int("subscribers", report.Subscribers).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Msg("digest sent")
	return report, nil
}
