package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxwatch/internal/alerting"
	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/storage"
)

type tableSource map[string]decimal.Decimal

func (s tableSource) GetRate(_ context.Context, pair currency.Pair, _ currency.Mode) fetcher.Quote {
	return fetcher.Quote{Pair: pair, Rate: s[pair.Code()]}
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC)
}

func TestBuildDigest(t *testing.T) {
	source := tableSource{
		"USDINR": decimal.RequireFromString("83.25"),
		"EURINR": decimal.RequireFromString("90.1234567"),
		"USDEUR": decimal.RequireFromString("0.92"),
	}
	composer := NewComposer(source, fixedNow)

	got := composer.BuildDigest(context.Background(), DefaultPairs())
	want := "Daily Currency Summary — 2025-06-14\n" +
		"USD→INR: 83.250000\n" +
		"EUR→INR: 90.123457\n" +
		"GBP→INR: N/A\n" +
		"USD→EUR: 0.920000\n" +
		"\nHave a good day! - Currency Studio"
	assert.Equal(t, want, got)
}

func TestBuildDigestCancelled(t *testing.T) {
	composer := NewComposer(tableSource{"USDINR": decimal.NewFromInt(83)}, fixedNow)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := composer.BuildDigest(ctx, []currency.Pair{currency.NewPair("USD", "INR")})
	assert.Contains(t, got, "USD→INR: N/A")
}

type staticSubscribers []storage.Subscriber

func (s staticSubscribers) List() []storage.Subscriber { return s }

type flakyDispatcher struct {
	failFor map[string]bool
	sent    []string
}

func (d *flakyDispatcher) Send(_ context.Context, recipient, _ string) error {
	d.sent = append(d.sent, recipient)
	if d.failFor[recipient] {
		return errors.Join(alerting.ErrDispatch, errors.New("unreachable"))
	}
	return nil
}

func (d *flakyDispatcher) Mode() string { return alerting.ModeDemo }

func TestJobContinuesPastFailures(t *testing.T) {
	dispatcher := &flakyDispatcher{failFor: map[string]bool{"+12345678902": true}}
	job := NewJob(JobOptions{
		Composer: NewComposer(tableSource{"USDINR": decimal.NewFromInt(83)}, fixedNow),
		Subscribers: staticSubscribers{
			{Recipient: "+12345678901"},
			{Recipient: "+12345678902"},
			{Recipient: "+12345678903"},
		},
		Dispatcher: dispatcher,
	}, zerolog.Nop())

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Subscribers)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, dispatcher.sent, 3)
	assert.Contains(t, report.Message, "USD→INR: 83.000000")
}

func TestJobWithoutSubscribers(t *testing.T) {
	dispatcher := &flakyDispatcher{}
	job := NewJob(JobOptions{
		Composer:    NewComposer(tableSource{}, fixedNow),
		Subscribers: staticSubscribers{},
		Dispatcher:  dispatcher,
	}, zerolog.Nop())

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Subscribers)
	assert.Empty(t, dispatcher.sent)
	assert.Equal(t, "daily_digest", job.Name())
}

type refreshingSubscribers struct {
	refreshed int
	list      []storage.Subscriber
	err       error
}

func (s *refreshingSubscribers) Refresh(context.Context) error {
	s.refreshed++
	return s.err
}

func (s *refreshingSubscribers) List() []storage.Subscriber { return s.list }

func TestJobRefreshesSubscribersBeforeDelivery(t *testing.T) {
	subs := &refreshingSubscribers{list: []storage.Subscriber{{Recipient: "+12345678901"}}}
	dispatcher := &flakyDispatcher{}
	job := NewJob(JobOptions{
		Composer:    NewComposer(tableSource{"USDINR": decimal.NewFromInt(83)}, fixedNow),
		Subscribers: subs,
		Dispatcher:  dispatcher,
	}, zerolog.Nop())

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, subs.refreshed)
	assert.Equal(t, 1, report.Delivered)

	subs.err = storage.ErrPersistence
	_, err = job.Run(context.Background())
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.Len(t, dispatcher.sent, 1)
}
