package subscribers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/alerting"
	"fxwatch/internal/currency"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
)

// Options wire the subscriber registry.
type Options struct {
	Store      storage.SubscriberStore
	Dispatcher alerting.Dispatcher
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// StrictPersistence mirrors alerts.Options.StrictPersistence.
	StrictPersistence bool
}

// Registry owns the digest subscriber set, deduplicated by recipient.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers []storage.Subscriber
	known       map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "subscriber_registry").Logger(),
		known:  make(map[string]struct{}),
	}
}

// Load replaces the in-memory set with the store's snapshot. Stored recipients
// are normalised; invalid ones are skipped and duplicates keep the first entry.
func (r *Registry) Load(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	loaded, err := r.opts.Store.LoadSubscribers(ctx)
	if err != nil {
		r.opts.Metrics.ObservePersistenceError("subscribers")
		return fmt.Errorf("load subscribers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = nil
	r.known = make(map[string]struct{}, len(loaded))
	r.mergeLocked(loaded)
	r.logger.Info().Int("subscribers", len(r.subscribers)).Msg("subscribers loaded")
	return nil
}

// Refresh merges the store's current snapshot into memory so subscriptions
// written by other processes become visible.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

// List returns a copy of every subscriber in subscription order.
func (r *Registry) List() []storage.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Subscriber(nil), r.subscribers...)
}

// Subscribe adds recipient to the digest list. Existing subscribers are
// returned unchanged with created=false and receive no confirmation.
func (r *Registry) Subscribe(ctx context.Context, recipient string) (storage.Subscriber, bool, error) {
	normalized, err := alerting.NormalizeRecipient(recipient)
	if err != nil {
		return storage.Subscriber{}, false, err
	}

	sub, created, err := r.commitSubscription(ctx, normalized)
	if err != nil || !created {
		return sub, created, err
	}

	r.logger.Info().Str("recipient", normalized).Msg("subscriber added")

	if r.opts.Dispatcher != nil {
		err := r.opts.Dispatcher.Send(context.WithoutCancel(ctx), normalized, alerting.RenderSubscribed(sub.CreatedAt))
		r.opts.Metrics.ObserveDispatch(err == nil)
		if err != nil {
			r.logger.Warn().Err(err).Str("recipient", normalized).Msg("subscription confirmation not delivered")
		}
	}
	return sub, true, nil
}

func (r *Registry) commitSubscription(ctx context.Context, normalized string) (storage.Subscriber, bool, error) {
	unlock, err := r.lockSnapshot(ctx)
	if err != nil {
		return storage.Subscriber{}, false, err
	}
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return storage.Subscriber{}, false, err
	}
	if _, dup := r.known[normalized]; dup {
		return r.findLocked(normalized), false, nil
	}

	sub := storage.Subscriber{
		Recipient:   normalized,
		CreatedAt:   r.opts.Now().UTC(),
		Preferences: storage.Preferences{Pairs: []currency.Pair{}},
	}
	r.known[normalized] = struct{}{}
	r.subscribers = append(r.subscribers, sub)
	if err := r.persistLocked(ctx); err != nil {
		r.subscribers = r.subscribers[:len(r.subscribers)-1]
		delete(r.known, normalized)
		return storage.Subscriber{}, false, err
	}
	return sub, true, nil
}

func (r *Registry) refreshLocked(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	stored, err := r.opts.Store.LoadSubscribers(ctx)
	if err != nil {
		r.opts.Metrics.ObservePersistenceError("subscribers")
		if r.opts.StrictPersistence {
			return fmt.Errorf("reload subscribers: %w", err)
		}
		r.logger.Warn().Err(err).Msg("subscriber snapshot not reloaded; using in-memory state")
		return nil
	}
	r.mergeLocked(stored)
	return nil
}

// mergeLocked rebuilds the set with stored entries first, then subscribers
// only held in memory.
func (r *Registry) mergeLocked(stored []storage.Subscriber) {
	current := r.subscribers
	r.subscribers = make([]storage.Subscriber, 0, len(stored)+len(current))
	r.known = make(map[string]struct{}, len(stored)+len(current))
	for _, sub := range stored {
		normalized, err := alerting.NormalizeRecipient(sub.Recipient)
		if err != nil {
			r.logger.Warn().Err(err).Str("recipient", sub.Recipient).Msg("skipping stored subscriber")
			continue
		}
		sub.Recipient = normalized
		r.addLocked(sub)
	}
	for _, sub := range current {
		r.addLocked(sub)
	}
}

func (r *Registry) addLocked(sub storage.Subscriber) {
	if _, dup := r.known[sub.Recipient]; dup {
		return
	}
	r.known[sub.Recipient] = struct{}{}
	r.subscribers = append(r.subscribers, sub)
}

func (r *Registry) lockSnapshot(ctx context.Context) (func(), error) {
	locker, ok := r.opts.Store.(storage.SnapshotLocker)
	if !ok {
		return func() {}, nil
	}
	unlock, err := locker.LockSnapshot(ctx, storage.CollectionSubscribers)
	if err == nil {
		return unlock, nil
	}
	r.opts.Metrics.ObservePersistenceError("subscribers")
	if r.opts.StrictPersistence || ctx.Err() != nil {
		return nil, fmt.Errorf("lock subscribers: %w", err)
	}
	r.logger.Warn().Err(err).Msg("subscriber snapshot lock not acquired; continuing unlocked")
	return func() {}, nil
}

func (r *Registry) findLocked(recipient string) storage.Subscriber {
	for _, sub := range r.subscribers {
		if sub.Recipient == recipient {
			return sub
		}
	}
	return storage.Subscriber{}
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	snapshot := append([]storage.Subscriber(nil), r.subscribers...)
	if err := r.opts.Store.SaveSubscribers(ctx, snapshot); err != nil {
		r.opts.Metrics.ObservePersistenceError("subscribers")
		if r.opts.StrictPersistence {
			return fmt.Errorf("save subscribers: %w", err)
		}
		r.logger.Error().Err(err).Msg("subscriber snapshot not persisted; keeping in-memory state")
	}
	return nil
}
