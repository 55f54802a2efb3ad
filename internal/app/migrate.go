package app

import (
	"context"
	"errors"
	"fmt"

	"fxwatch/internal/storage"
)

// MigrateReport counts the records copied by Migrate.
type MigrateReport struct {
	Alerts      int
	Subscribers int
	Conversions int
}

// Migrate copies file-backed alerts, subscribers and history into Postgres.
// Records already present in the target are skipped, so reruns are safe.
func (a *App) Migrate(ctx context.Context, opts MigrateOptions) (MigrateReport, error) {
	dir := opts.DataDir
	if dir == "" {
		dir = a.Config.Storage.DataDir
	}
	source, err := storage.NewFileStore(dir)
	if err != nil {
		return MigrateReport{}, err
	}
	defer source.Close()

	var target storage.Backend
	if opts.DryRun {
		a.Logger.Warn().Msg("migrate dry-run: nothing will be written")
	} else {
		if a.Config.Storage.DSN == "" {
			return MigrateReport{}, errors.New("storage.dsn is not configured, cannot migrate")
		}
		store, err := a.openPostgres(ctx)
		if err != nil {
			return MigrateReport{}, err
		}
		defer store.Close()
		target = store
	}

	report, err := migrateCollections(ctx, source, target)
	if err != nil {
		return report, err
	}

	a.Logger.Info().
		Str("data_dir", dir).
		Bool("dry_run", opts.DryRun).
		Int("alerts", report.Alerts).
		Int("subscribers", report.Subscribers).
		Int("conversions", report.Conversions).
		Msg("migration complete")
	fmt.Fprintf(a.Out, "alerts: %d, subscribers: %d, conversions: %d\n", report.Alerts, report.Subscribers, report.Conversions)
	return report, nil
}

// migrateCollections copies everything in source that target lacks. A nil
// target counts what would be copied.
func migrateCollections(ctx context.Context, source, target storage.Backend) (MigrateReport, error) {
	var report MigrateReport

	alerts, err := source.LoadAlerts(ctx)
	if err != nil {
		return report, err
	}
	subs, err := source.LoadSubscribers(ctx)
	if err != nil {
		return report, err
	}
	history, err := source.LoadConversions(ctx)
	if err != nil {
		return report, err
	}

	if target == nil {
		return MigrateReport{Alerts: len(alerts), Subscribers: len(subs), Conversions: len(history)}, nil
	}

	unlockAlerts, err := target.LockSnapshot(ctx, storage.CollectionAlerts)
	if err != nil {
		return report, err
	}
	defer unlockAlerts()
	existingAlerts, err := target.LoadAlerts(ctx)
	if err != nil {
		return report, err
	}
	seenAlerts := make(map[string]struct{}, len(existingAlerts))
	for _, alert := range existingAlerts {
		seenAlerts[alert.ID] = struct{}{}
	}
	merged := existingAlerts
	for _, alert := range alerts {
		if _, ok := seenAlerts[alert.ID]; ok {
			continue
		}
		seenAlerts[alert.ID] = struct{}{}
		merged = append(merged, alert)
		report.Alerts++
	}
	if report.Alerts > 0 {
		if err := target.SaveAlerts(ctx, merged); err != nil {
			return report, err
		}
	}

	unlockSubs, err := target.LockSnapshot(ctx, storage.CollectionSubscribers)
	if err != nil {
		return report, err
	}
	defer unlockSubs()
	existingSubs, err := target.LoadSubscribers(ctx)
	if err != nil {
		return report, err
	}
	seenSubs := make(map[string]struct{}, len(existingSubs))
	for _, sub := range existingSubs {
		seenSubs[sub.Recipient] = struct{}{}
	}
	mergedSubs := existingSubs
	for _, sub := range subs {
		if _, ok := seenSubs[sub.Recipient]; ok {
			continue
		}
		seenSubs[sub.Recipient] = struct{}{}
		mergedSubs = append(mergedSubs, sub)
		report.Subscribers++
	}
	if report.Subscribers > 0 {
		if err := target.SaveSubscribers(ctx, mergedSubs); err != nil {
			return report, err
		}
	}

	existingHistory, err := target.LoadConversions(ctx)
	if err != nil {
		return report, err
	}
	seenHistory := make(map[string]int, len(existingHistory))
	for _, item := range existingHistory {
		seenHistory[conversionKey(item)]++
	}
	for _, item := range history {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		key := conversionKey(item)
		if seenHistory[key] > 0 {
			seenHistory[key]--
			continue
		}
		if err := target.AppendConversion(ctx, item); err != nil {
			return report, err
		}
		report.Conversions++
	}
	return report, nil
}

func conversionKey(c storage.Conversion) string {
	return fmt.Sprintf("%s|%s|%s|%d", c.Pair, c.Amount.String(), c.Mode, c.Time.UnixMicro())
}
