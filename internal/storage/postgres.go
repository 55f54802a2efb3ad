package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS alerts (
        seq                  BIGSERIAL,
        id                   TEXT PRIMARY KEY,
        base_currency        TEXT NOT NULL,
        quote_currency       TEXT NOT NULL,
        target_rate          NUMERIC NOT NULL,
        recipient            TEXT NOT NULL,
        created_at           TIMESTAMPTZ NOT NULL,
        current_rate         NUMERIC NOT NULL,
        weekly_high          NUMERIC NOT NULL,
        triggered_at         TIMESTAMPTZ NULL,
        weekly_high_notified BOOLEAN NOT NULL DEFAULT FALSE,
        sms_sent             BOOLEAN NOT NULL DEFAULT FALSE
    );
    CREATE TABLE IF NOT EXISTS subscribers (
        seq        BIGSERIAL,
        recipient  TEXT PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL,
        prefs      JSONB NOT NULL DEFAULT '{}'::jsonb
    );
    CREATE TABLE IF NOT EXISTS conversions (
        id             BIGSERIAL PRIMARY KEY,
        base_currency  TEXT NOT NULL,
        quote_currency TEXT NOT NULL,
        amount         NUMERIC NOT NULL,
        result         NUMERIC NOT NULL,
        rate           NUMERIC NOT NULL,
        mode           TEXT NOT NULL,
        cost_min       NUMERIC NOT NULL,
        cost_max       NUMERIC NOT NULL,
        cost_variance  NUMERIC NOT NULL,
        converted_at   TIMESTAMPTZ NOT NULL
    );`

	upsertAlertSQL = `INSERT INTO alerts (
        id,
        base_currency,
        quote_currency,
        target_rate,
        recipient,
        created_at,
        current_rate,
        weekly_high,
        triggered_at,
        weekly_high_notified,
        sms_sent
    ) VALUES (
        $1,$2,$3,$4::numeric,$5,$6,$7::numeric,$8::numeric,$9,$10,$11
    )
    ON CONFLICT (id) DO UPDATE
    SET
        triggered_at         = EXCLUDED.triggered_at,
        weekly_high_notified = EXCLUDED.weekly_high_notified,
        sms_sent             = EXCLUDED.sms_sent;`

	listAlertsSQL = `SELECT
        id,
        base_currency,
        quote_currency,
        target_rate::text,
        recipient,
        created_at,
        current_rate::text,
        weekly_high::text,
        triggered_at,
        weekly_high_notified,
        sms_sent
    FROM alerts
    ORDER BY seq;`

	upsertSubscriberSQL = `INSERT INTO subscribers (recipient, created_at, prefs)
    VALUES ($1,$2,$3)
    ON CONFLICT (recipient) DO UPDATE
    SET prefs = EXCLUDED.prefs;`

	listSubscribersSQL = `SELECT recipient, created_at, prefs FROM subscribers ORDER BY seq;`

	insertConversionSQL = `INSERT INTO conversions (
        base_currency,
        quote_currency,
        amount,
        result,
        rate,
        mode,
        cost_min,
        cost_max,
        cost_variance,
        converted_at
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6,$7::numeric,$8::numeric,$9::numeric,$10
    );`

	listConversionsSQL = `SELECT
        base_currency,
        quote_currency,
        amount::text,
        result::text,
        rate::text,
        mode,
        cost_min::text,
        cost_max::text,
        cost_variance::text,
        converted_at
    FROM conversions
    ORDER BY id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryLockSQL    = `SELECT pg_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists every collection in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrPersistence, err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LockSnapshot blocks on a session advisory lock derived from collection.
func (s *Store) LockSnapshot(ctx context.Context, collection string) (func(), error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", ErrPersistence, err)
	}
	key := snapshotLockKey(collection)
	if _, err := conn.Exec(ctx, advisoryLockSQL, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistence, collection, err)
	}

	return func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}, nil
}

func snapshotLockKey(collection string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("fxwatch:snapshot:" + collection))
	return int64(h.Sum64())
}

// LoadAlerts lists every alert in registration order.
func (s *Store) LoadAlerts(ctx context.Context) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list alerts: %v", ErrPersistence, err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, scanErr)
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, rows.Err())
	}
	return alerts, nil
}

// SaveAlerts upserts the whole snapshot in one transaction.
func (s *Store) SaveAlerts(ctx context.Context, alerts []Alert) error {
	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(upsertAlertSQL,
			a.ID,
			a.Pair.Base,
			a.Pair.Quote,
			a.TargetRate.String(),
			a.Recipient,
			a.CreatedAt,
			a.CurrentRate.String(),
			a.WeeklyHigh.String(),
			a.TriggeredAt,
			a.WeeklyHighNotified,
			a.SMSSent,
		)
	}
	return s.sendBatch(ctx, "save alerts", batch)
}

// LoadSubscribers lists every subscriber in registration order.
func (s *Store) LoadSubscribers(ctx context.Context) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSubscribersSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscribers: %v", ErrPersistence, err)
	}
	defer rows.Close()

	subs := make([]Subscriber, 0)
	for rows.Next() {
		var (
			sub   Subscriber
			prefs []byte
		)
		if err := rows.Scan(&sub.Recipient, &sub.CreatedAt, &prefs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if len(prefs) > 0 {
			if err := json.Unmarshal(prefs, &sub.Preferences); err != nil {
				return nil, fmt.Errorf("%w: decode prefs: %v", ErrPersistence, err)
			}
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, rows.Err())
	}
	return subs, nil
}

// SaveSubscribers upserts the whole snapshot in one transaction.
func (s *Store) SaveSubscribers(ctx context.Context, subscribers []Subscriber) error {
	batch := &pgx.Batch{}
	for _, sub := range subscribers {
		prefs, err := json.Marshal(sub.Preferences)
		if err != nil {
			return fmt.Errorf("%w: encode prefs: %v", ErrPersistence, err)
		}
		batch.Queue(upsertSubscriberSQL, sub.Recipient, sub.CreatedAt, prefs)
	}
	return s.sendBatch(ctx, "save subscribers", batch)
}

// LoadConversions lists history oldest first.
func (s *Store) LoadConversions(ctx context.Context) ([]Conversion, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listConversionsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	history := make([]Conversion, 0)
	for rows.Next() {
		conv, scanErr := scanConversion(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, scanErr)
		}
		history = append(history, conv)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, rows.Err())
	}
	return history, nil
}

// AppendConversion inserts one history row.
func (s *Store) AppendConversion(ctx context.Context, c Conversion) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertConversionSQL,
		c.Pair.Base,
		c.Pair.Quote,
		c.Amount.String(),
		c.Result.String(),
		c.Rate.String(),
		string(c.Mode),
		c.CostRange.Min.String(),
		c.CostRange.Max.String(),
		c.CostRange.Variance.String(),
		c.Time,
	)
	if execErr != nil {
		return fmt.Errorf("%w: append conversion: %v", ErrPersistence, execErr)
	}
	return nil
}

func (s *Store) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %v", ErrPersistence, op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %s: commit: %v", ErrPersistence, op, err)
	}
	return nil
}

func scanAlert(rows pgx.Rows) (Alert, error) {
	var (
		alert                          Alert
		base, quote                    string
		targetStr, currentStr, highStr string
		triggeredAt                    *time.Time
	)
	if err := rows.Scan(
		&alert.ID,
		&base,
		&quote,
		&targetStr,
		&alert.Recipient,
		&alert.CreatedAt,
		&currentStr,
		&highStr,
		&triggeredAt,
		&alert.WeeklyHighNotified,
		&alert.SMSSent,
	); err != nil {
		return Alert{}, err
	}

	alert.Pair = currency.NewPair(base, quote)
	alert.TriggeredAt = triggeredAt

	var err error
	if alert.TargetRate, err = decimal.NewFromString(targetStr); err != nil {
		return Alert{}, fmt.Errorf("parse target rate: %w", err)
	}
	if alert.CurrentRate, err = decimal.NewFromString(currentStr); err != nil {
		return Alert{}, fmt.Errorf("parse current rate: %w", err)
	}
	if alert.WeeklyHigh, err = decimal.NewFromString(highStr); err != nil {
		return Alert{}, fmt.Errorf("parse weekly high: %w", err)
	}
	return alert, nil
}

func scanConversion(rows pgx.Rows) (Conversion, error) {
	var (
		conv                          Conversion
		base, quote, mode             string
		amountStr, resultStr, rateStr string
		minStr, maxStr, varianceStr   string
	)
	if err := rows.Scan(
		&base,
		&quote,
		&amountStr,
		&resultStr,
		&rateStr,
		&mode,
		&minStr,
		&maxStr,
		&varianceStr,
		&conv.Time,
	); err != nil {
		return Conversion{}, err
	}

	conv.Pair = currency.NewPair(base, quote)
	conv.Mode = currency.Mode(mode)

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"amount", amountStr, &conv.Amount},
		{"result", resultStr, &conv.Result},
		{"rate", rateStr, &conv.Rate},
		{"cost min", minStr, &conv.CostRange.Min},
		{"cost max", maxStr, &conv.CostRange.Max},
		{"cost variance", varianceStr, &conv.CostRange.Variance},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Conversion{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = value
	}
	return conv, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
