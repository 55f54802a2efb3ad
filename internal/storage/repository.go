package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPersistence wraps every failed load or save.
	ErrPersistence = errors.New("persistence failure")
)

// AlertStore persists the alert collection as a whole snapshot.
type AlertStore interface {
	LoadAlerts(ctx context.Context) ([]Alert, error)
	SaveAlerts(ctx context.Context, alerts []Alert) error
}

// SubscriberStore persists the subscriber collection as a whole snapshot.
type SubscriberStore interface {
	LoadSubscribers(ctx context.Context) ([]Subscriber, error)
	SaveSubscribers(ctx context.Context, subscribers []Subscriber) error
}

// ConversionStore is the append-only conversion history.
type ConversionStore interface {
	LoadConversions(ctx context.Context) ([]Conversion, error)
	AppendConversion(ctx context.Context, conversion Conversion) error
}

// Snapshot collections.
const (
	CollectionAlerts      = "alerts"
	CollectionSubscribers = "subscribers"
)

// SnapshotLocker serialises load-modify-save cycles on one collection across
// every process sharing the store. unlock must be called exactly once.
type SnapshotLocker interface {
	LockSnapshot(ctx context.Context, collection string) (unlock func(), err error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend bundles every collection behind one handle.
type Backend interface {
	AlertStore
	SubscriberStore
	ConversionStore
	SnapshotLocker
	Close()
}
