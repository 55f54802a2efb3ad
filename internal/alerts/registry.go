package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/alerting"
	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
)

const snapshotLockTimeout = 30 * time.Second

// Notification kinds.
const (
	KindTargetReached = "target_reached"
	KindWeeklyHigh    = "weekly_high"
)

// Notification is emitted for every state transition of an alert, whether or
// not the message reached the recipient.
type Notification struct {
	AlertID    string          `json:"alert_id"`
	Kind       string          `json:"kind"`
	Pair       currency.Pair   `json:"pair"`
	Recipient  string          `json:"recipient"`
	Rate       decimal.Decimal `json:"rate"`
	WeeklyHigh decimal.Decimal `json:"weekly_high"`
	Target     decimal.Decimal `json:"target_rate"`
	Message    string          `json:"message"`
	Delivered  bool            `json:"delivered"`
	At         time.Time       `json:"at"`
}

// Options wire the registry to its collaborators.
type Options struct {
	Store      storage.AlertStore
	Source     fetcher.RateSource
	Estimator  fetcher.HighEstimator
	Dispatcher alerting.Dispatcher
	// Supported restricts pairs; nil accepts any code.
	Supported currency.Set
	Metrics   *metrics.Metrics
	Now       func() time.Time
	NewID     func() string
	// StrictPersistence returns snapshot write failures to the caller. When
	// false they are logged and in-memory state stays authoritative.
	StrictPersistence bool
}

// Registry owns the alert collection. Every mutation and snapshot write
// happens under mu; rate reads and dispatches never do. Writers take the
// store's snapshot lock before mu.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	alerts []storage.Alert
	index  map[string]int
}

// NewRegistry constructs an empty registry. Call Load to restore persisted alerts.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "alert_registry").Logger(),
		index:  make(map[string]int),
	}
}

// Load replaces the in-memory collection with the store's snapshot.
func (r *Registry) Load(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	loaded, err := r.opts.Store.LoadAlerts(ctx)
	if err != nil {
		r.opts.Metrics.ObservePersistenceError("alerts")
		return fmt.Errorf("load alerts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = make([]storage.Alert, 0, len(loaded))
	r.index = make(map[string]int, len(loaded))
	for _, alert := range loaded {
		r.index[alert.ID] = len(r.alerts)
		r.alerts = append(r.alerts, alert.Clone())
	}
	r.logger.Info().Int("alerts", len(r.alerts)).Msg("alerts loaded")
	return nil
}

// List returns a copy of every alert in registration order, terminal ones included.
func (r *Registry) List() []storage.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Register validates and stores a new alert, then sends a best-effort confirmation.
func (r *Registry) Register(ctx context.Context, pair currency.Pair, target decimal.Decimal, recipient string) (storage.Alert, error) {
	if r.opts.Supported != nil {
		if err := r.opts.Supported.Validate(pair); err != nil {
			return storage.Alert{}, err
		}
	}
	if !target.IsPositive() {
		return storage.Alert{}, fmt.Errorf("%w: %s", currency.ErrInvalidTargetRate, target.String())
	}
	normalized, err := alerting.NormalizeRecipient(recipient)
	if err != nil {
		return storage.Alert{}, err
	}

	quote := r.opts.Source.GetRate(ctx, pair, currency.ModeLive)
	high := r.opts.Estimator.EstimateWeeklyHigh(ctx, pair)
	if err := ctx.Err(); err != nil {
		return storage.Alert{}, fmt.Errorf("register alert: %w", err)
	}

	alert := storage.Alert{
		ID:          r.opts.NewID(),
		Pair:        pair,
		TargetRate:  target,
		Recipient:   normalized,
		CreatedAt:   r.opts.Now().UTC(),
		CurrentRate: quote.Rate,
		WeeklyHigh:  high,
	}

	if err := r.commitRegistration(ctx, alert); err != nil {
		return storage.Alert{}, err
	}

	r.logger.Info().
		Str("alert_id", alert.ID).
		Str("pair", pair.String()).
		Str("target", target.String()).
		Str("current", quote.Rate.String()).
		Str("source", quote.Source).
		Msg("alert registered")

	message := alerting.RenderConfirmation(alerting.AlertContext{
		Pair:       pair,
		Target:     target,
		Current:    quote.Rate,
		WeeklyHigh: high,
		At:         alert.CreatedAt,
	})
	r.dispatch(context.WithoutCancel(ctx), alert.ID, normalized, message)

	return alert, nil
}

type pending struct {
	id   string
	pair currency.Pair
}

type reading struct {
	rate decimal.Decimal
	high decimal.Decimal
}

// commitRegistration appends alert to the freshest snapshot and persists it.
// A strict persistence failure leaves the collection as it was.
func (r *Registry) commitRegistration(ctx context.Context, alert storage.Alert) error {
	unlock, err := r.lockSnapshot(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return err
	}
	r.index[alert.ID] = len(r.alerts)
	r.alerts = append(r.alerts, alert)
	if err := r.persistLocked(ctx); err != nil {
		r.alerts = r.alerts[:len(r.alerts)-1]
		delete(r.index, alert.ID)
		return err
	}
	return nil
}

// EvaluateAll runs one evaluation pass over every non-terminal alert and
// returns the transitions it committed. Target reached takes priority over a
// new weekly high, so an alert emits at most one event per pass. Terminal
// alerts are never touched again.
//
// Rates are read without any lock. The commit phase holds the store's
// snapshot lock, reloads the collection and re-checks every alert, so a
// second process sharing the store never fires or overwrites the same alert.
// A cancelled context stops further rate reads; alerts whose rates were
// already read are still committed, notified and persisted.
func (r *Registry) EvaluateAll(ctx context.Context) ([]Notification, error) {
	r.opts.Metrics.ObservePass()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work, err := r.pendingWork(ctx)
	if err != nil {
		return nil, err
	}
	readings, passErr := r.readRates(ctx, work)
	if len(readings) == 0 {
		r.logger.Debug().Int("evaluated", len(work)).Msg("evaluation pass finished without readings")
		return nil, passErr
	}

	notifications, err := r.commitPass(context.WithoutCancel(ctx), work, readings)
	if err != nil && passErr == nil {
		passErr = err
	}

	r.logger.Debug().
		Int("evaluated", len(work)).
		Int("notifications", len(notifications)).
		Msg("evaluation pass finished")
	return notifications, passErr
}

func (r *Registry) pendingWork(ctx context.Context) ([]pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}

	work := make([]pending, 0, len(r.alerts))
	for _, alert := range r.alerts {
		if alert.Terminal() {
			continue
		}
		work = append(work, pending{id: alert.ID, pair: alert.Pair})
	}
	return work, nil
}

// readRates reads each distinct pair once. Readings finished after ctx was
// cancelled are discarded.
func (r *Registry) readRates(ctx context.Context, work []pending) (map[currency.Pair]reading, error) {
	readings := make(map[currency.Pair]reading)
	for _, item := range work {
		if _, ok := readings[item.pair]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return readings, err
		}
		quote := r.opts.Source.GetRate(ctx, item.pair, currency.ModeLive)
		high := r.opts.Estimator.EstimateWeeklyHigh(ctx, item.pair)
		if err := ctx.Err(); err != nil {
			return readings, err
		}
		readings[item.pair] = reading{rate: quote.Rate, high: high}
	}
	return readings, nil
}

// commitPass applies readings under the snapshot lock. ctx is never cancelled
// by the caller here, so a committed transition is always notified and saved.
func (r *Registry) commitPass(ctx context.Context, work []pending, readings map[currency.Pair]reading) ([]Notification, error) {
	lockCtx, cancel := context.WithTimeout(ctx, snapshotLockTimeout)
	unlock, err := r.lockSnapshot(lockCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	defer unlock()

	r.mu.Lock()
	err = r.refreshLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var notifications []Notification
	for _, item := range work {
		current, ok := readings[item.pair]
		if !ok {
			continue
		}
		note, committed := r.transition(item.id, current)
		if !committed {
			continue
		}

		note.Delivered = r.dispatch(ctx, note.AlertID, note.Recipient, note.Message)
		if note.Kind == KindTargetReached && note.Delivered {
			r.markSent(note.AlertID)
		}
		notifications = append(notifications, note)
	}
	if len(notifications) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return notifications, r.persistLocked(ctx)
}

// transition re-checks the alert under the lock and commits at most one state change.
func (r *Registry) transition(id string, current reading) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[id]
	if !ok {
		return Notification{}, false
	}
	alert := &r.alerts[pos]
	if alert.Terminal() {
		return Notification{}, false
	}

	now := r.opts.Now().UTC()
	msgCtx := alerting.AlertContext{
		Pair:       alert.Pair,
		Target:     alert.TargetRate,
		Current:    current.rate,
		WeeklyHigh: current.high,
		At:         now,
	}
	note := Notification{
		AlertID:    alert.ID,
		Pair:       alert.Pair,
		Recipient:  alert.Recipient,
		Rate:       current.rate,
		WeeklyHigh: current.high,
		Target:     alert.TargetRate,
		At:         now,
	}

	switch {
	case current.rate.GreaterThanOrEqual(alert.TargetRate):
		alert.TriggeredAt = &now
		note.Kind = KindTargetReached
		note.Message = alerting.RenderTargetReached(msgCtx)
	case current.high.IsPositive() && current.rate.GreaterThanOrEqual(current.high) && !alert.WeeklyHighNotified:
		alert.WeeklyHighNotified = true
		note.Kind = KindWeeklyHigh
		note.Message = alerting.RenderWeeklyHigh(msgCtx)
	default:
		return Notification{}, false
	}

	r.opts.Metrics.ObserveTransition(note.Kind)
	r.logger.Info().
		Str("alert_id", alert.ID).
		Str("kind", note.Kind).
		Str("pair", alert.Pair.String()).
		Str("rate", current.rate.String()).
		Str("target", alert.TargetRate.String()).
		Msg("alert transition")
	return note, true
}

func (r *Registry) markSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos, ok := r.index[id]; ok {
		r.alerts[pos].SMSSent = true
	}
}

func (r *Registry) dispatch(ctx context.Context, alertID, recipient, message string) bool {
	if r.opts.Dispatcher == nil {
		return false
	}
	err := r.opts.Dispatcher.Send(ctx, recipient, message)
	r.opts.Metrics.ObserveDispatch(err == nil)
	if err != nil {
		r.logger.Warn().Err(err).Str("alert_id", alertID).Msg("notification not delivered")
		return false
	}
	return true
}

// Refresh merges the store's current snapshot into memory so alerts written by
// other processes become visible.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

// refreshLocked rebuilds the collection from the store. Stored order wins;
// alerts only held in memory are appended. For an alert present on both
// sides every lifecycle flag set on either side is kept.
func (r *Registry) refreshLocked(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	stored, err := r.opts.Store.LoadAlerts(ctx)
	if err != nil {
		r.opts.Metrics.ObservePersistenceError("alerts")
		if r.opts.StrictPersistence {
			return fmt.Errorf("reload alerts: %w", err)
		}
		r.logger.Warn().Err(err).Msg("alert snapshot not reloaded; using in-memory state")
		return nil
	}

	merged := make([]storage.Alert, 0, len(stored)+len(r.alerts))
	index := make(map[string]int, len(stored)+len(r.alerts))
	for _, alert := range stored {
		if _, dup := index[alert.ID]; dup {
			continue
		}
		alert = alert.Clone()
		if pos, ok := r.index[alert.ID]; ok {
			keepProgress(&alert, r.alerts[pos])
		}
		index[alert.ID] = len(merged)
		merged = append(merged, alert)
	}
	for _, alert := range r.alerts {
		if _, ok := index[alert.ID]; ok {
			continue
		}
		index[alert.ID] = len(merged)
		merged = append(merged, alert)
	}
	r.alerts, r.index = merged, index
	return nil
}

func keepProgress(dst *storage.Alert, other storage.Alert) {
	if dst.TriggeredAt == nil && other.TriggeredAt != nil {
		at := *other.TriggeredAt
		dst.TriggeredAt = &at
	}
	dst.WeeklyHighNotified = dst.WeeklyHighNotified || other.WeeklyHighNotified
	dst.SMSSent = dst.SMSSent || other.SMSSent
}

// lockSnapshot takes the store's cross-process lock when it has one. Under
// lenient persistence a lock failure is logged and the cycle runs unlocked.
func (r *Registry) lockSnapshot(ctx context.Context) (func(), error) {
	locker, ok := r.opts.Store.(storage.SnapshotLocker)
	if !ok {
		return func() {}, nil
	}
	unlock, err := locker.LockSnapshot(ctx, storage.CollectionAlerts)
	if err == nil {
		return unlock, nil
	}
	r.opts.Metrics.ObservePersistenceError("alerts")
	if r.opts.StrictPersistence || ctx.Err() != nil {
		return nil, fmt.Errorf("lock alerts: %w", err)
	}
	r.logger.Warn().Err(err).Msg("alert snapshot lock not acquired; continuing unlocked")
	return func() {}, nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	if err := r.opts.Store.SaveAlerts(ctx, r.snapshotLocked()); err != nil {
		r.opts.Metrics.ObservePersistenceError("alerts")
		if r.opts.StrictPersistence {
			return fmt.Errorf("save alerts: %w", err)
		}
		r.logger.Error().Err(err).Msg("alert snapshot not persisted; keeping in-memory state")
	}
	return nil
}

func (r *Registry) snapshotLocked() []storage.Alert {
	out := make([]storage.Alert, len(r.alerts))
	for i, alert := range r.alerts {
		out[i] = alert.Clone()
	}
	return out
}
