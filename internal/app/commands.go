package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/alerting"
	"fxwatch/internal/alerts"
	"fxwatch/internal/conversion"
	"fxwatch/internal/currency"
	"fxwatch/internal/digest"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

// Rate prints the current rate for pair.
func (a *App) Rate(ctx context.Context, pair currency.Pair, mode currency.Mode) (fetcher.Quote, error) {
	e, err := a.open(ctx)
	if err != nil {
		return fetcher.Quote{}, err
	}
	defer e.close()

	if err := e.supported.Validate(pair); err != nil {
		return fetcher.Quote{}, err
	}
	quote := e.rates.GetRate(ctx, pair, mode)

	fmt.Fprintf(a.Out, "%s: %s (source: %s, mode: %s)\n", pair, quote.Rate.StringFixed(6), quote.Source, mode)
	for _, attempt := range quote.Attempts {
		if !attempt.OK() {
			fmt.Fprintf(a.Out, "  %s failed after %s: %v\n", attempt.Provider, attempt.Elapsed.Round(time.Millisecond), attempt.Err)
		}
	}
	return quote, nil
}

// Convert prices amount and records it in history.
func (a *App) Convert(ctx context.Context, pair currency.Pair, amount decimal.Decimal, mode currency.Mode) (conversion.Result, error) {
	e, err := a.open(ctx)
	if err != nil {
		return conversion.Result{}, err
	}
	defer e.close()

	result, err := e.converter.Convert(ctx, pair, amount, mode)
	if err != nil {
		return conversion.Result{}, err
	}

	fmt.Fprintf(a.Out, "%s %s = %s %s\n", amount.String(), pair.Base, result.Result.StringFixed(2), pair.Quote)
	fmt.Fprintf(a.Out, "rate %s (source: %s), range %s - %s\n",
		result.Rate.StringFixed(6), result.Source,
		result.CostRange.Min.StringFixed(2), result.CostRange.Max.StringFixed(2))
	return result, nil
}

// AddAlert registers a target alert.
func (a *App) AddAlert(ctx context.Context, pair currency.Pair, target decimal.Decimal, recipient string) (storage.Alert, error) {
	e, err := a.open(ctx)
	if err != nil {
		return storage.Alert{}, err
	}
	defer e.close()

	alert, err := e.alerts.Register(ctx, pair, target, recipient)
	if err != nil {
		return storage.Alert{}, err
	}
	fmt.Fprintf(a.Out, "alert %s registered: %s target %s (current %s, weekly high %s)\n",
		alert.ID, pair, target.String(), alert.CurrentRate.StringFixed(6), alert.WeeklyHigh.StringFixed(6))
	return alert, nil
}

// ListAlerts prints every alert, terminal ones included.
func (a *App) ListAlerts(ctx context.Context) ([]storage.Alert, error) {
	e, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer e.close()

	list := e.alerts.List()
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no alerts registered")
		return list, nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPair\tTarget\tRecipient\tCreated\tTriggered\tWeekly High Sent\tSMS Sent")
	for _, alert := range list {
		triggered := "-"
		if alert.TriggeredAt != nil {
			triggered = alert.TriggeredAt.Format(timeLayout)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			alert.ID,
			alert.Pair,
			alert.TargetRate.String(),
			alert.Recipient,
			alert.CreatedAt.Format(timeLayout),
			triggered,
			alert.WeeklyHighNotified,
			alert.SMSSent,
		)
	}
	writer.Flush()
	return list, nil
}

// CheckAlerts runs one evaluation pass and publishes the resulting events.
func (a *App) CheckAlerts(ctx context.Context) ([]alerts.Notification, error) {
	e, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer e.close()

	notifications, err := e.service.EvaluateAll(ctx)
	a.printNotifications(notifications)
	return notifications, err
}

// Simulate evaluates the stored alerts against a pinned rate. Nothing is
// persisted, so the alerts stay armed; messages go through the configured
// dispatcher.
func (a *App) Simulate(ctx context.Context, pair currency.Pair, rate decimal.Decimal) ([]alerts.Notification, error) {
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: simulated rate %s", currency.ErrInvalidAmount, rate.String())
	}
	e, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer e.close()

	var armed []storage.Alert
	for _, alert := range e.alerts.List() {
		if alert.Pair == pair && !alert.Terminal() {
			armed = append(armed, alert)
		}
	}

	pinned := pinnedRate{pair: pair, rate: rate, next: e.rates}
	registry := alerts.NewRegistry(alerts.Options{
		Store:      discardStore{alerts: armed},
		Source:     pinned,
		Estimator:  pinned,
		Dispatcher: e.dispatcher,
		Metrics:    a.Metrics,
	}, a.Logger)
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}

	notifications, err := registry.EvaluateAll(ctx)
	a.printNotifications(notifications)
	return notifications, err
}

func (a *App) printNotifications(notifications []alerts.Notification) {
	if len(notifications) == 0 {
		fmt.Fprintln(a.Out, "no alerts fired")
		return
	}
	for _, n := range notifications {
		fmt.Fprintf(a.Out, "%s %s %s rate %s target %s delivered=%t\n",
			n.AlertID, n.Kind, n.Pair, n.Rate.StringFixed(6), n.Target.String(), n.Delivered)
	}
}

// Subscribe adds recipient to the daily digest.
func (a *App) Subscribe(ctx context.Context, recipient string) (storage.Subscriber, error) {
	e, err := a.open(ctx)
	if err != nil {
		return storage.Subscriber{}, err
	}
	defer e.close()

	sub, created, err := e.subscribers.Subscribe(ctx, recipient)
	if err != nil {
		return storage.Subscriber{}, err
	}
	if created {
		fmt.Fprintf(a.Out, "%s subscribed to the daily summary\n", sub.Recipient)
	} else {
		fmt.Fprintf(a.Out, "%s is already subscribed\n", sub.Recipient)
	}
	return sub, nil
}

// Digest prints the digest and, unless dryRun, delivers it to every subscriber.
func (a *App) Digest(ctx context.Context, dryRun bool) (digest.Report, error) {
	e, err := a.open(ctx)
	if err != nil {
		return digest.Report{}, err
	}
	defer e.close()

	if dryRun {
		message := e.composer.BuildDigest(ctx, a.digestPairs())
		fmt.Fprintln(a.Out, message)
		return digest.Report{Message: message}, nil
	}

	report, err := e.service.RunDigest(ctx)
	if err != nil {
		return report, err
	}
	fmt.Fprintf(a.Out, "digest delivered to %d of %d subscribers (%d failed)\n", report.Delivered, report.Subscribers, report.Failed)
	return report, nil
}

func (a *App) digestPairs() []currency.Pair {
	if pairs := a.Config.DigestPairs(); len(pairs) > 0 {
		return pairs
	}
	return digest.DefaultPairs()
}

// TestSMS sends a test message and reports the dispatcher mode.
func (a *App) TestSMS(ctx context.Context, recipient string) (string, error) {
	normalized, err := alerting.NormalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	dispatcher := a.newDispatcher()
	mode := "live"
	if dispatcher.Mode() == alerting.ModeDemo {
		mode = "demo"
	}

	if err := dispatcher.Send(ctx, normalized, alerting.RenderTest(time.Now())); err != nil {
		return mode, err
	}
	fmt.Fprintf(a.Out, "test message sent to %s (%s mode)\n", normalized, mode)
	return mode, nil
}

// Show prints recent conversions and history analytics.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	history, err := e.converter.History(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(a.Out, "no conversions recorded")
		return nil
	}

	recent := history
	if opts.Limit > 0 && len(recent) > opts.Limit {
		recent = recent[len(recent)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tPair\tAmount\tResult\tRate\tMode\tRange")
	for i := len(recent) - 1; i >= 0; i-- {
		item := recent[i]
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s - %s\n",
			item.Time.Format(timeLayout),
			item.Pair,
			item.Amount.String(),
			formatDecimal(item.Result, 2),
			formatDecimal(item.Rate, 6),
			item.Mode,
			formatDecimal(item.CostRange.Min, 2),
			formatDecimal(item.CostRange.Max, 2),
		)
	}
	writer.Flush()

	if !opts.Analytics {
		return nil
	}
	if analytics, ok := conversion.Analyze(history); ok {
		fmt.Fprintln(a.Out)
		fmt.Fprintf(a.Out, "conversions: %d, total amount: %s, unique pairs: %d\n",
			analytics.TotalConversions, formatDecimal(analytics.TotalAmount, 2), analytics.UniquePairs)
		fmt.Fprintf(a.Out, "most frequent: %s, largest: %s (%s), last: %s\n",
			analytics.MostFrequentPair,
			analytics.LargestAmount.String(),
			analytics.LargestAmountPair,
			analytics.LastConversionTime.Format(timeLayout))
	}
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// pinnedRate answers one pair with a fixed rate and defers the rest.
type pinnedRate struct {
	pair currency.Pair
	rate decimal.Decimal
	next fetcher.RateSource
}

func (p pinnedRate) GetRate(ctx context.Context, pair currency.Pair, mode currency.Mode) fetcher.Quote {
	if pair == p.pair {
		return fetcher.Quote{Pair: pair, Rate: p.rate, Source: "simulated", Timestamp: time.Now().UTC()}
	}
	return p.next.GetRate(ctx, pair, mode)
}

func (p pinnedRate) EstimateWeeklyHigh(ctx context.Context, pair currency.Pair) decimal.Decimal {
	return p.GetRate(ctx, pair, currency.ModeLive).Rate
}

// discardStore serves a fixed snapshot and drops writes.
type discardStore struct {
	alerts []storage.Alert
}

func (d discardStore) LoadAlerts(context.Context) ([]storage.Alert, error) {
	return d.alerts, nil
}

func (discardStore) SaveAlerts(context.Context, []storage.Alert) error {
	return nil
}
