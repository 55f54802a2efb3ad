package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxwatch/internal/alerting"
	"fxwatch/internal/alerts"
	"fxwatch/internal/config"
	"fxwatch/internal/conversion"
	"fxwatch/internal/currency"
	"fxwatch/internal/digest"
	"fxwatch/internal/events"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/metrics"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/server"
	"fxwatch/internal/service"
	"fxwatch/internal/storage"
	"fxwatch/internal/subscribers"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Out receives human-readable command output.
	Out io.Writer

	registry *prometheus.Registry
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		Config:   cfg,
		Logger:   logger.With().Str("component", "app").Logger(),
		Metrics:  metrics.New(registry),
		Out:      os.Stdout,
		registry: registry,
	}
}

// engine is the fully wired rate, alert and digest stack.
type engine struct {
	backend     storage.Backend
	locker      storage.AdvisoryLocker
	supported   currency.Set
	rates       *fetcher.Aggregator
	weekly      *fetcher.WeeklyHigh
	dispatcher  alerting.Dispatcher
	alerts      *alerts.Registry
	subscribers *subscribers.Registry
	converter   *conversion.Converter
	composer    *digest.Composer
	digest      *digest.Job
	publisher   events.Publisher
	service     *service.Service
}

func (e *engine) close() {
	if e.publisher != nil {
		_ = e.publisher.Close()
	}
	if e.backend != nil {
		e.backend.Close()
	}
}

// open builds the engine and restores persisted state.
func (a *App) open(ctx context.Context) (*engine, error) {
	backend, locker, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	e := &engine{
		backend:    backend,
		locker:     locker,
		supported:  currency.NewSet(a.Config.Rates.Currencies...),
		dispatcher: a.newDispatcher(),
	}

	providers, err := a.newProviders()
	if err != nil {
		e.close()
		return nil, err
	}

	fallback := fetcher.DefaultFallbackTable()
	if len(a.Config.Rates.Fallback) > 0 {
		fallback = fetcher.FallbackTableFromFloats(a.Config.Rates.Fallback)
	}

	e.rates = fetcher.NewAggregator(fetcher.AggregatorOptions{
		Providers: providers,
		Fallback:  fallback,
		Timeout:   a.Config.Providers.Timeout,
		Metrics:   a.Metrics,
	}, a.Logger)
	e.weekly = fetcher.NewWeeklyHigh(e.rates, a.Config.Rates.WeeklyHighSamples, a.Logger)

	strict := a.Config.Storage.Strict
	e.alerts = alerts.NewRegistry(alerts.Options{
		Store:             backend,
		Source:            e.rates,
		Estimator:         e.weekly,
		Dispatcher:        e.dispatcher,
		Supported:         e.supported,
		Metrics:           a.Metrics,
		StrictPersistence: strict,
	}, a.Logger)
	e.subscribers = subscribers.NewRegistry(subscribers.Options{
		Store:             backend,
		Dispatcher:        e.dispatcher,
		Metrics:           a.Metrics,
		StrictPersistence: strict,
	}, a.Logger)
	e.converter = conversion.NewConverter(conversion.Options{
		Source:            e.rates,
		Store:             backend,
		Supported:         e.supported,
		Metrics:           a.Metrics,
		StrictPersistence: strict,
	}, a.Logger)

	e.composer = digest.NewComposer(e.rates, nil)
	e.digest = digest.NewJob(digest.JobOptions{
		Composer:    e.composer,
		Subscribers: e.subscribers,
		Dispatcher:  e.dispatcher,
		Pairs:       a.Config.DigestPairs(),
		Metrics:     a.Metrics,
	}, a.Logger)

	e.publisher = a.newPublisher()
	e.service = service.New(service.Options{
		Alerts:    e.alerts,
		Digest:    e.digest,
		Publisher: e.publisher,
		Locker:    locker,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	if err := e.alerts.Load(ctx); err != nil {
		e.close()
		return nil, err
	}
	if err := e.subscribers.Load(ctx); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, storage.AdvisoryLocker, error) {
	switch a.Config.Storage.Driver {
	case config.DriverPostgres:
		store, err := a.openPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := storage.NewFileStore(a.Config.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func (a *App) openPostgres(ctx context.Context) (*storage.Store, error) {
	pool, err := storage.NewPool(ctx, a.Config.Storage)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *App) newProviders() ([]fetcher.Provider, error) {
	providers := make([]fetcher.Provider, 0, len(a.Config.Providers.Sources))
	for _, src := range a.Config.Providers.Sources {
		if src.Disabled {
			continue
		}
		extractor, err := fetcher.ExtractorByName(src.Format)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", src.Name, err)
		}
		providers = append(providers, fetcher.NewHTTPProvider(fetcher.ProviderOptions{
			Name:        src.Name,
			URLTemplate: src.URL,
			Extractor:   extractor,
			Headers:     src.Headers,
			Timeout:     a.Config.Providers.Timeout,
			UserAgent:   a.Config.Providers.UserAgent,
		}, a.Logger))
	}
	return providers, nil
}

func (a *App) newDispatcher() alerting.Dispatcher {
	if a.Config.DispatchMode() == config.DispatchTwilio {
		cfg := a.Config.Alerting.Twilio
		return alerting.NewTwilioDispatcher(alerting.TwilioOptions{
			AccountSID: cfg.AccountSID,
			AuthToken:  cfg.AuthToken,
			From:       cfg.FromNumber,
			APIBase:    cfg.APIBase,
			Timeout:    cfg.Timeout,
		}, a.Logger)
	}
	return alerting.NewDemoDispatcher(a.Logger)
}

func (a *App) newPublisher() events.Publisher {
	if !a.Config.Events.Enabled {
		return events.NopPublisher{}
	}
	return events.NewKafkaPublisher(a.Config.Events.Brokers, a.Config.Events.Topic, a.Logger)
}

func (a *App) newScheduler() (*scheduler.Scheduler, *scheduler.Cron, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	return sched, scheduler.NewCron(loc, a.Logger), nil
}

func (a *App) background(e *engine) (*service.Service, error) {
	sched, cron, err := a.newScheduler()
	if err != nil {
		return nil, err
	}
	return service.New(service.Options{
		Alerts:         e.alerts,
		Digest:         e.digest,
		Publisher:      e.publisher,
		Locker:         e.locker,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
		Scheduler:      sched,
		Cron:           cron,
		DigestSchedule: a.Config.Scheduler.DigestCron,
	}, a.Logger), nil
}

// Run executes the long-running evaluation and digest service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	svc, err := a.background(e)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Str("digest_cron", a.Config.Scheduler.DigestCron).
		Str("dispatch_mode", e.dispatcher.Mode()).
		Msg("starting monitoring service")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Serve runs the HTTP API next to the background service until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	svc, err := a.background(e)
	if err != nil {
		return err
	}
	loc, err := a.Config.Location()
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:        a.Config.Server.Addr,
		Rates:       e.rates,
		Supported:   e.supported,
		Converter:   e.converter,
		Alerts:      e.alerts,
		Evaluator:   svc,
		Subscribers: e.subscribers,
		Dispatcher:  e.dispatcher,
		Gatherer:    a.registry,
		Location:    loc,
	}, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start()
	})
	group.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// ExportOptions hold parameters for exporting conversion history.
type ExportOptions struct {
	Pair      *currency.Pair
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the history command.
type ShowOptions struct {
	Limit int
	// Analytics appends the history summary below the table.
	Analytics bool
}

// MigrateOptions configure copying file-backed state into Postgres.
type MigrateOptions struct {
	DataDir string
	DryRun  bool
}
