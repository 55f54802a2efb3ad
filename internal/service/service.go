package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/alerts"
	"fxwatch/internal/digest"
	"fxwatch/internal/events"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/storage"
)

// Evaluator runs one alert evaluation pass.
type Evaluator interface {
	EvaluateAll(ctx context.Context) ([]alerts.Notification, error)
}

// DigestRunner delivers one daily digest.
type DigestRunner interface {
	Run(ctx context.Context) (digest.Report, error)
}

// Options wire the background service.
type Options struct {
	Alerts    Evaluator
	Digest    DigestRunner
	Publisher events.Publisher
	// Locker serialises scheduled work across processes; nil disables it.
	Locker  storage.AdvisoryLocker
	LockKey int64

	Scheduler      *scheduler.Scheduler
	Cron           *scheduler.Cron
	DigestSchedule string
}

// Service runs scheduled alert evaluation and the daily digest.
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs the monitoring service.
func New(opts Options, logger zerolog.Logger) *Service {
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	return &Service{opts: opts, logger: logger.With().Str("component", "service").Logger()}
}

// Run starts the digest cron and blocks in the evaluation loop until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if s.opts.Cron != nil && s.opts.Digest != nil && s.opts.DigestSchedule != "" {
		if err := s.opts.Cron.AddJob(s.opts.DigestSchedule, digestJob{s}); err != nil {
			return err
		}
		s.opts.Cron.Start()
		defer s.opts.Cron.Stop()
	}

	return s.opts.Scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick is the scheduler callback for one evaluation pass.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	notifications, err := s.EvaluateAll(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().Time("tick", tick).Int("notifications", len(notifications)).Msg("evaluation pass complete")
	return nil
}

// EvaluateAll runs one evaluation pass and publishes its notifications. The
// pass is skipped when another process holds the advisory lock.
func (s *Service) EvaluateAll(ctx context.Context) ([]alerts.Notification, error) {
	unlock, proceed, err := s.acquireLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip evaluation because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	notifications, err := s.opts.Alerts.EvaluateAll(ctx)
	if len(notifications) > 0 {
		if perr := s.opts.Publisher.Publish(ctx, notifications); perr != nil {
			s.logger.Error().Err(perr).Int("events", len(notifications)).Msg("failed to publish notifications")
		}
	}
	if err != nil {
		return notifications, fmt.Errorf("evaluate alerts: %w", err)
	}
	return notifications, nil
}

// RunDigest delivers the digest once, guarded by the digest lock.
func (s *Service) RunDigest(ctx context.Context) (digest.Report, error) {
	if s.opts.Digest == nil {
		return digest.Report{}, fmt.Errorf("digest not configured")
	}
	unlock, proceed, err := s.acquireLock(ctx, s.digestLockKey())
	if err != nil {
		return digest.Report{}, err
	}
	if !proceed {
		s.logger.Info().Msg("skip digest because advisory lock held elsewhere")
		return digest.Report{}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.opts.Digest.Run(ctx)
}

func (s *Service) digestLockKey() int64 {
	if s.opts.LockKey == 0 {
		return 0
	}
	return s.opts.LockKey + 1
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var _ Evaluator = (*Service)(nil)

type digestJob struct {
	s *Service
}

func (j digestJob) Name() string {
	return "daily_digest"
}

func (j digestJob) Run(ctx context.Context) error {
	_, err := j.s.RunDigest(ctx)
	return err
}
