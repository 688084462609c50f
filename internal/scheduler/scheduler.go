package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner starts one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context, req domain.RunRequest) (*domain.SyncRun, error)
}

type Options struct {
	// Location is the time zone the daily window is evaluated in.
	Location        *time.Location
	DefaultInterval int
}

// Scheduler triggers changed-scope runs on the persisted auto-sync interval.
type Scheduler struct {
	runner  Runner
	repo    repository.AutoSyncRepository
	cron    *cron.Cron
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	// interval turns a config into the tick period. cron.Every rounds it
	// down to whole seconds, with one second as the floor.
	interval func(domain.AutoSyncConfig) time.Duration

	mu    sync.Mutex
	cfg   domain.AutoSyncConfig
	entry cron.EntryID
	ctx   context.Context
}

func New(runner Runner, repo repository.AutoSyncRepository, opts Options, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = domain.DefaultIntervalMinutes
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}

	return &Scheduler{
		runner:   runner,
		repo:     repo,
		cron:     cron.New(cron.WithLocation(opts.Location), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		interval: domain.AutoSyncConfig.Interval,
		ctx:      context.Background(),
	}
}

// Start loads the persisted configuration and starts the timer. ctx is the
// parent of every scheduled run.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, found, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		cfg = domain.AutoSyncConfig{IntervalMinutes: s.opts.DefaultInterval}
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.Apply(cfg)
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("interval_minutes", cfg.IntervalMinutes),
		zap.String("location", s.opts.Location.String()),
	)
	return nil
}

// Apply replaces the schedule. The new interval counts from now; a run that
// is already in flight is left to finish.
func (s *Scheduler) Apply(cfg domain.AutoSyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.cfg = cfg
	if !cfg.Enabled || cfg.IntervalMinutes <= 0 {
		s.logger.Info("auto-sync disabled")
		return
	}

	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})).Then(cron.FuncJob(s.tick))
	s.entry = s.cron.Schedule(cron.Every(s.interval(cfg)), job)
	s.logger.Info("auto-sync scheduled",
		zap.Int("interval_minutes", cfg.IntervalMinutes),
		zap.String("start_time", cfg.StartTime),
		zap.String("end_time", cfg.EndTime),
	)
}

// NextRun is the next scheduled tick, zero when auto-sync is off.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Stop halts the timer and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	cfg, ctx := s.cfg, s.ctx
	s.mu.Unlock()

	if !cfg.Enabled {
		s.metrics.ObserveTick("disabled")
		return
	}
	now := s.now().In(s.opts.Location)
	if !cfg.InWindow(now) {
		s.logger.Debug("tick outside sync window",
			zap.String("now", now.Format("15:04")),
			zap.String("start_time", cfg.StartTime),
			zap.String("end_time", cfg.EndTime),
		)
		s.metrics.ObserveTick("outside_window")
		return
	}

	run, err := s.runner.RunOnce(ctx, domain.RunRequest{Scope: domain.ScopeChanged, Trigger: domain.TriggerScheduler})
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		s.logger.Debug("tick dropped, run in progress")
		s.metrics.ObserveTick("skipped")
	case err != nil:
		s.logger.Warn("scheduled run did not start", zap.Error(err))
		s.metrics.ObserveTick("error")
	default:
		s.logger.Debug("scheduled run finished", zap.String("run_id", run.ID), zap.String("outcome", string(run.Outcome)))
		s.metrics.ObserveTick(string(run.Outcome))
	}
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
