package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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

var usdInr = currency.NewPair("USD", "INR")

type fixedSource struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	calls int
}

func (s *fixedSource) set(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = decimal.NewFromFloat(rate)
}

func (s *fixedSource) GetRate(_ context.Context, pair currency.Pair, _ currency.Mode) fetcher.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fetcher.Quote{Pair: pair, Rate: s.rate, Source: "stub", Timestamp: time.Now()}
}

type fixedHigh struct {
	mu   sync.Mutex
	high decimal.Decimal
}

func (h *fixedHigh) set(high float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.high = decimal.NewFromFloat(high)
}

func (h *fixedHigh) EstimateWeeklyHigh(context.Context, currency.Pair) decimal.Decimal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.high
}

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (d *recordingDispatcher) Send(_ context.Context, _ string, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, message)
	if d.fail {
		return fmt.Errorf("%w: carrier rejected", alerting.ErrDispatch)
	}
	return nil
}

func (d *recordingDispatcher) Mode() string { return "test" }

func (d *recordingDispatcher) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.messages {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

type memoryStore struct {
	mu     sync.Mutex
	alerts []storage.Alert
	saves  int
	err    error
}

func (m *memoryStore) LoadAlerts(context.Context) ([]storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Alert(nil), m.alerts...), nil
}

func (m *memoryStore) SaveAlerts(_ context.Context, alerts []storage.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	m.alerts = append([]storage.Alert(nil), alerts...)
	return nil
}

type harness struct {
	registry   *Registry
	source     *fixedSource
	high       *fixedHigh
	dispatcher *recordingDispatcher
	store      *memoryStore
}

func newHarness(t *testing.T, rate, high float64) *harness {
	t.Helper()
	h := &harness{
		source:     &fixedSource{},
		high:       &fixedHigh{},
		dispatcher: &recordingDispatcher{},
		store:      &memoryStore{},
	}
	h.source.set(rate)
	h.high.set(high)
	h.registry = NewRegistry(Options{
		Store:      h.store,
		Source:     h.source,
		Estimator:  h.high,
		Dispatcher: h.dispatcher,
		Supported:  currency.NewSet(currency.DefaultSupported...),
	}, zerolog.Nop())
	return h
}

func (h *harness) register(t *testing.T, target float64) storage.Alert {
	t.Helper()
	alert, err := h.registry.Register(context.Background(), usdInr, decimal.NewFromFloat(target), "+12345678901")
	require.NoError(t, err)
	return alert
}

func TestRegisterSnapshotsContextAndConfirms(t *testing.T) {
	h := newHarness(t, 83.5, 84)
	alert := h.register(t, 90)

	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "+12345678901", alert.Recipient)
	assert.True(t, alert.CurrentRate.Equal(decimal.NewFromFloat(83.5)))
	assert.True(t, alert.WeeklyHigh.Equal(decimal.NewFromInt(84)))
	assert.Nil(t, alert.TriggeredAt)
	assert.Equal(t, 1, h.dispatcher.count("[Currency Alert Registered]"))
	assert.Equal(t, 1, h.store.saves)
	assert.Len(t, h.store.alerts, 1)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, 83, 84)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, currency.NewPair("USD", "XYZ"), decimal.NewFromInt(1), "+12345678901")
	assert.ErrorIs(t, err, currency.ErrUnsupportedCurrency)

	_, err = h.registry.Register(ctx, usdInr, decimal.Zero, "+12345678901")
	assert.ErrorIs(t, err, currency.ErrInvalidTargetRate)

	_, err = h.registry.Register(ctx, usdInr, decimal.NewFromInt(-3), "+12345678901")
	assert.ErrorIs(t, err, currency.ErrInvalidTargetRate)

	_, err = h.registry.Register(ctx, usdInr, decimal.NewFromInt(90), "12345")
	assert.ErrorIs(t, err, currency.ErrInvalidRecipient)

	assert.Empty(t, h.registry.List())
	assert.Zero(t, h.source.calls)
	assert.Empty(t, h.dispatcher.messages)
}

func TestRegisterConfirmationFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, 83, 84)
	h.dispatcher.fail = true

	alert := h.register(t, 90)
	assert.NotEmpty(t, alert.ID)
	assert.Len(t, h.registry.List(), 1)
}

func TestEvaluateAllIsIdempotent(t *testing.T) {
	h := newHarness(t, 88, 88)
	h.register(t, 80)

	first, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, KindTargetReached, first[0].Kind)

	second, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, h.dispatcher.count("[CURRENCY ALERT]"))
}

func TestTargetTakesPriorityOverWeeklyHigh(t *testing.T) {
	h := newHarness(t, 85, 92)
	h.register(t, 90)

	h.source.set(95)
	notes, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)

	require.Len(t, notes, 1)
	assert.Equal(t, KindTargetReached, notes[0].Kind)
	assert.Equal(t, 0, h.dispatcher.count("[WEEKLY HIGH ALERT]"))
	alerts := h.registry.List()
	assert.NotNil(t, alerts[0].TriggeredAt)
	assert.False(t, alerts[0].WeeklyHighNotified)
}

func TestWeeklyHighThenTarget(t *testing.T) {
	h := newHarness(t, 85, 84)
	h.register(t, 90)
	ctx := context.Background()

	notes, err := h.registry.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, KindWeeklyHigh, notes[0].Kind)

	notes, err = h.registry.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes, "weekly high notifies once")

	h.source.set(91)
	notes, err = h.registry.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, KindTargetReached, notes[0].Kind)

	alert := h.registry.List()[0]
	assert.True(t, alert.WeeklyHighNotified)
	assert.NotNil(t, alert.TriggeredAt)
	assert.True(t, alert.SMSSent)
}

func TestTerminalAlertIsNeverMutated(t *testing.T) {
	h := newHarness(t, 95, 99)
	h.register(t, 90)
	ctx := context.Background()

	_, err := h.registry.EvaluateAll(ctx)
	require.NoError(t, err)
	triggered := *h.registry.List()[0].TriggeredAt

	for _, rate := range []float64{70, 120, 99} {
		h.source.set(rate)
		notes, err := h.registry.EvaluateAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, notes)
	}

	alert := h.registry.List()[0]
	assert.True(t, alert.TriggeredAt.Equal(triggered))
	assert.False(t, alert.WeeklyHighNotified)
}

func TestDispatchFailureStillConsumesAlert(t *testing.T) {
	h := newHarness(t, 95, 99)
	h.register(t, 90)
	h.dispatcher.fail = true

	notes, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.False(t, notes[0].Delivered)

	alert := h.registry.List()[0]
	assert.NotNil(t, alert.TriggeredAt)
	assert.False(t, alert.SMSSent)

	notes, err = h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestEvaluateAllPersistsOncePerPass(t *testing.T) {
	h := newHarness(t, 95, 99)
	for i := 0; i < 3; i++ {
		h.register(t, 90)
	}
	savesBefore := h.store.saves

	notes, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, notes, 3)
	assert.Equal(t, savesBefore+1, h.store.saves)
	for _, alert := range h.store.alerts {
		assert.NotNil(t, alert.TriggeredAt)
		assert.True(t, alert.SMSSent)
	}

	_, err = h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, savesBefore+1, h.store.saves, "no mutation, no write")
}

func TestCancelledPassLeavesAlertsUntouched(t *testing.T) {
	h := newHarness(t, 95, 99)
	h.register(t, 90)
	savesBefore := h.store.saves

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	notes, err := h.registry.EvaluateAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, notes)
	assert.Nil(t, h.registry.List()[0].TriggeredAt)
	assert.Equal(t, savesBefore, h.store.saves)

	_, err = h.registry.Register(ctx, usdInr, decimal.NewFromInt(90), "+12345678901")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.registry.List(), 1)
}

func TestConcurrentPassesTriggerOnce(t *testing.T) {
	h := newHarness(t, 95, 99)
	h.register(t, 90)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			notes, err := h.registry.EvaluateAll(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += len(notes)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.Equal(t, 1, h.dispatcher.count("[CURRENCY ALERT]"))
}

func TestPersistencePolicy(t *testing.T) {
	storeErr := fmt.Errorf("%w: disk full", storage.ErrPersistence)

	t.Run("lenient", func(t *testing.T) {
		h := newHarness(t, 83, 84)
		h.store.err = storeErr
		alert := h.register(t, 90)
		assert.NotEmpty(t, alert.ID)
		assert.Len(t, h.registry.List(), 1)
	})

	t.Run("strict", func(t *testing.T) {
		h := newHarness(t, 83, 84)
		h.registry.opts.StrictPersistence = true
		h.store.err = storeErr

		_, err := h.registry.Register(context.Background(), usdInr, decimal.NewFromInt(90), "+12345678901")
		assert.True(t, errors.Is(err, storage.ErrPersistence))
		assert.Empty(t, h.registry.List())
		assert.Empty(t, h.dispatcher.messages)
	})
}

func TestLoadRestoresAlerts(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &memoryStore{alerts: []storage.Alert{
		{ID: "a", Pair: usdInr, TargetRate: decimal.NewFromInt(90), Recipient: "+12345678901", CreatedAt: now},
		{ID: "b", Pair: usdInr, TargetRate: decimal.NewFromInt(80), Recipient: "+12345678901", CreatedAt: now, TriggeredAt: &now},
	}}
	source := &fixedSource{}
	source.set(95)
	high := &fixedHigh{}
	high.set(99)
	dispatcher := &recordingDispatcher{}

	registry := NewRegistry(Options{Store: store, Source: source, Estimator: high, Dispatcher: dispatcher}, zerolog.Nop())
	require.NoError(t, registry.Load(context.Background()))
	require.Len(t, registry.List(), 2)

	notes, err := registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "a", notes[0].AlertID)
}

// Every provider fails, the fallback table says 88, and the target is 80.
func TestEndToEndFallbackTriggersOnce(t *testing.T) {
	failing := make([]fetcher.Provider, 0, 4)
	for i := 0; i < 4; i++ {
		failing = append(failing, failingProvider{name: fmt.Sprintf("p%d", i)})
	}
	aggregator := fetcher.NewAggregator(fetcher.AggregatorOptions{
		Providers: failing,
		Fallback:  fetcher.FallbackTable{"USD": {"INR": decimal.NewFromInt(88)}},
		Timeout:   time.Second,
	}, zerolog.Nop())
	dispatcher := &recordingDispatcher{}

	registry := NewRegistry(Options{
		Store:      &memoryStore{},
		Source:     aggregator,
		Estimator:  fetcher.NewWeeklyHigh(aggregator, 7, zerolog.Nop()),
		Dispatcher: dispatcher,
	}, zerolog.Nop())

	alert, err := registry.Register(context.Background(), usdInr, decimal.NewFromInt(80), "+12345678901")
	require.NoError(t, err)
	assert.True(t, alert.CurrentRate.Equal(decimal.NewFromInt(88)))

	notes, err := registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, KindTargetReached, notes[0].Kind)
	assert.True(t, notes[0].Delivered)
	assert.Equal(t, 1, dispatcher.count("[CURRENCY ALERT]"))
}

type failingProvider struct{ name string }

func (p failingProvider) Name() string { return p.name }

func (p failingProvider) FetchRate(context.Context, currency.Pair) (decimal.Decimal, error) {
	return decimal.Decimal{}, &fetcher.ProviderError{Provider: p.name, Reason: fetcher.ReasonTransport, Err: errors.New("connection refused")}
}

// A daemon and a one-shot CLI share one data directory.
func TestRegistriesSharingFileStoreKeepEachOthersAlerts(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	source := &fixedSource{}
	source.set(83)
	high := &fixedHigh{}
	high.set(99)

	open := func(id string) (*Registry, *recordingDispatcher) {
		dispatcher := &recordingDispatcher{}
		registry := NewRegistry(Options{
			Store:      store,
			Source:     source,
			Estimator:  high,
			Dispatcher: dispatcher,
			NewID:      func() string { return id },
		}, zerolog.Nop())
		require.NoError(t, registry.Load(ctx))
		return registry, dispatcher
	}
	daemon, daemonOut := open("a")
	cli, cliOut := open("b")

	_, err = daemon.Register(ctx, usdInr, decimal.NewFromInt(85), "+12345678901")
	require.NoError(t, err)
	_, err = cli.Register(ctx, usdInr, decimal.NewFromInt(90), "+12345678901")
	require.NoError(t, err)

	source.set(86)
	notes, err := daemon.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "a", notes[0].AlertID)

	stored, err := store.LoadAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2, "the daemon's save keeps the CLI's alert")
	assert.Equal(t, "a", stored[0].ID)
	assert.NotNil(t, stored[0].TriggeredAt)
	assert.Equal(t, "b", stored[1].ID)
	assert.Nil(t, stored[1].TriggeredAt)

	source.set(91)
	notes, err = cli.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1, "an alert fired by another process is not fired again")
	assert.Equal(t, "b", notes[0].AlertID)
	assert.Equal(t, 1, daemonOut.count("[CURRENCY ALERT]"))
	assert.Equal(t, 1, cliOut.count("[CURRENCY ALERT]"))

	stored, err = store.LoadAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, alert := range stored {
		assert.NotNil(t, alert.TriggeredAt, alert.ID)
		assert.True(t, alert.SMSSent, alert.ID)
	}
	require.NoError(t, daemon.Refresh(ctx))
	assert.True(t, daemon.List()[1].Terminal())
}

func TestRefreshKeepsProgressFromBothSides(t *testing.T) {
	h := newHarness(t, 85, 84)
	alert := h.register(t, 90)

	notes, err := h.registry.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, KindWeeklyHigh, notes[0].Kind)

	// Another writer saved a copy that predates the weekly-high event but
	// already carries a trigger.
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	stale := alert.Clone()
	stale.TriggeredAt = &at
	h.store.mu.Lock()
	h.store.alerts = []storage.Alert{stale}
	h.store.mu.Unlock()

	require.NoError(t, h.registry.Refresh(context.Background()))
	got := h.registry.List()
	require.Len(t, got, 1)
	assert.True(t, got[0].WeeklyHighNotified)
	require.NotNil(t, got[0].TriggeredAt)
	assert.True(t, got[0].TriggeredAt.Equal(at))
}

type cancellingDispatcher struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	ctxErrs []error
}

func (d *cancellingDispatcher) Send(ctx context.Context, _ string, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	if d.cancel != nil {
		d.cancel()
	}
	return ctx.Err()
}

func (d *cancellingDispatcher) Mode() string { return "test" }

func TestCallerCancellationAfterCommitStillNotifies(t *testing.T) {
	store := &memoryStore{}
	source := &fixedSource{}
	source.set(83)
	high := &fixedHigh{}
	high.set(99)
	dispatcher := &cancellingDispatcher{}
	registry := NewRegistry(Options{Store: store, Source: source, Estimator: high, Dispatcher: dispatcher}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := registry.Register(context.Background(), usdInr, decimal.NewFromInt(90), "+12345678901")
		require.NoError(t, err)
	}

	source.set(95)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.mu.Lock()
	dispatcher.cancel = cancel
	dispatcher.ctxErrs = nil
	dispatcher.mu.Unlock()

	notes, err := registry.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, note := range notes {
		assert.True(t, note.Delivered, note.AlertID)
	}
	assert.Equal(t, []error{nil, nil}, dispatcher.ctxErrs)
	require.Error(t, ctx.Err())

	require.Len(t, store.alerts, 2)
	for _, alert := range store.alerts {
		assert.True(t, alert.SMSSent, alert.ID)
	}
}
