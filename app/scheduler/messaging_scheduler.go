// Package scheduler runs the recurring and event-triggered messaging jobs
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job names persisted in job_runs
const (
	JobModeratorSweep = "moderator_sweep"
	JobGlobalSweep    = "global_sweep"
	JobDispatch       = "dispatch"
	JobExpireCommands = "expire_commands"
	JobRetryFailed    = "retry_failed"
	JobCleanup        = "cleanup_commands"

	globalScope = "global"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// FailedMessageRetrier requeues failed messages that still have attempts left
type FailedMessageRetrier interface {
	RetryFailedMessagesAsync(ctx context.Context, maxBatch int) (int, error)
}

// MessagingScheduler owns every dispatch cycle. Cycles start from three places:
// an explicit Trigger after user actions, the per-moderator sweep and the global sweep.
type MessagingScheduler struct {
	dispatcher  businessflow.Dispatcher
	commands    businessflow.CommandFlow
	retrier     FailedMessageRetrier
	messageRepo repository.MessageRepository
	quotaRepo   repository.QuotaRepository
	jobRuns     repository.JobRunRepository
	cfg         config.MessagingConfig
	logger      *zap.Logger

	cron     *cron.Cron
	triggers chan uint

	mu         sync.Mutex
	registered map[uint]cron.EntryID
	pending    map[uint]struct{}
	ctx        context.Context
}

// NewMessagingScheduler creates the scheduler. It does nothing until Start.
func NewMessagingScheduler(
	dispatcher businessflow.Dispatcher,
	commands businessflow.CommandFlow,
	messageRepo repository.MessageRepository,
	quotaRepo repository.QuotaRepository,
	jobRuns repository.JobRunRepository,
	cfg config.MessagingConfig,
	logger *zap.Logger,
) *MessagingScheduler {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.With(zap.String("component", "scheduler"))

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("Unknown scheduler timezone, using UTC", zap.String("timezone", cfg.Timezone))
		loc = time.UTC
	}
	if cfg.SweepParallelism <= 0 {
		cfg.SweepParallelism = 4
	}

	return &MessagingScheduler{
		dispatcher:  dispatcher,
		commands:    commands,
		messageRepo: messageRepo,
		quotaRepo:   quotaRepo,
		jobRuns:     jobRuns,
		cfg:         cfg,
		logger:      logger,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger{logger.Sugar()}),
		),
		triggers:   make(chan uint, 1024),
		registered: make(map[uint]cron.EntryID),
		pending:    make(map[uint]struct{}),
		ctx:        context.Background(),
	}
}

// UseRetrier wires the automatic retry of failed messages into the global sweep.
// The retrier itself triggers the scheduler, so it is attached after construction.
func (s *MessagingScheduler) UseRetrier(retrier FailedMessageRetrier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrier = retrier
}

// Start registers the sweeps, starts the trigger workers and returns a stop function
func (s *MessagingScheduler) Start(parent context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddJob(s.cfg.GlobalSweepSpec, s.guard(func() {
		if err := s.RunGlobalSweep(s.context()); err != nil {
			s.logger.Error("Global sweep finished with errors", zap.Error(err))
		}
	})); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule global sweep: %w", err)
	}

	moderators, err := s.quotaRepo.ModeratorIDs(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to list moderators: %w", err)
	}
	for _, id := range moderators {
		if err := s.RegisterModerator(id); err != nil {
			s.logger.Error("Failed to register moderator sweep", zap.Uint("moderator_id", id), zap.Error(err))
		}
	}

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.SweepParallelism; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.triggerWorker(ctx)
		}()
	}

	s.cron.Start()
	s.logger.Info("Messaging scheduler started",
		zap.Int("moderators", len(moderators)),
		zap.Int("workers", s.cfg.SweepParallelism),
	)

	return func() {
		stopped := s.cron.Stop()
		<-stopped.Done()
		cancel()
		workers.Wait()
		s.logger.Info("Messaging scheduler stopped")
	}, nil
}

func (s *MessagingScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// guard wraps a job so a slow run is skipped instead of stacked and a panic is logged
func (s *MessagingScheduler) guard(fn func()) cron.Job {
	logger := cronLogger{s.logger.Sugar()}
	return cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(fn))
}

// Trigger asks for a dispatch cycle of a moderator as soon as a worker is free.
// Repeated triggers for a moderator that is already waiting collapse into one.
func (s *MessagingScheduler) Trigger(moderatorID uint) {
	s.mu.Lock()
	if _, ok := s.pending[moderatorID]; ok {
		s.mu.Unlock()
		return
	}
	s.pending[moderatorID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.triggers <- moderatorID:
	default:
		s.mu.Lock()
		delete(s.pending, moderatorID)
		s.mu.Unlock()
		s.logger.Warn("Dispatch trigger dropped, the sweep will pick it up", zap.Uint("moderator_id", moderatorID))
	}
}

func (s *MessagingScheduler) triggerWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.triggers:
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
			if err := s.RunModerator(ctx, id); err != nil {
				s.logger.Error("Triggered dispatch failed", zap.Uint("moderator_id", id), zap.Error(err))
			}
		}
	}
}

// RegisterModerator adds the recurring sweep of a moderator. Registering twice is a no-op.
func (s *MessagingScheduler) RegisterModerator(moderatorID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registered[moderatorID]; ok {
		return nil
	}
	id, err := s.cron.AddJob(s.cfg.ModeratorSweepSpec, s.guard(func() {
		s.moderatorSweep(s.context(), moderatorID)
	}))
	if err != nil {
		return fmt.Errorf("failed to schedule sweep of moderator %d: %w", moderatorID, err)
	}
	s.registered[moderatorID] = id
	return nil
}

func (s *MessagingScheduler) isRegistered(moderatorID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[moderatorID]
	return ok
}

func (s *MessagingScheduler) moderatorSweep(ctx context.Context, moderatorID uint) {
	scope := fmt.Sprintf("moderator:%d", moderatorID)
	err := s.runJob(ctx, JobModeratorSweep, scope, func(ctx context.Context) error {
		return s.RunModerator(ctx, moderatorID)
	})
	if err != nil {
		s.logger.Error("Moderator sweep failed", zap.Uint("moderator_id", moderatorID), zap.Error(err))
	}
}

// RunModerator runs one dispatch cycle. A systemic pause is an expected outcome
// and is not reported as an error.
func (s *MessagingScheduler) RunModerator(ctx context.Context, moderatorID uint) error {
	timer := time.Now()
	defer func() {
		businessflow.SweepDuration.WithLabelValues(JobDispatch).Observe(time.Since(timer).Seconds())
	}()

	report, err := s.dispatcher.RunCycle(ctx, moderatorID)
	if pauseErr, ok := businessflow.AsSystemicPause(err); ok {
		s.logger.Info("Moderator paused during dispatch",
			zap.Uint("moderator_id", moderatorID),
			zap.String("kind", string(pauseErr.Kind)),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if report != nil && (report.Dispatched+report.Sent+report.Failed+report.QuotaExhausted+report.Exceptions) > 0 {
		s.logger.Info("Dispatch cycle finished",
			zap.Uint("moderator_id", moderatorID),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("quota_exhausted", report.QuotaExhausted),
			zap.Int("exceptions", report.Exceptions),
			zap.String("stopped", report.Stopped),
		)
	}
	return nil
}

// RunGlobalSweep expires stale leases, retries failed messages, dispatches for
// moderators that have queued work but no registered sweep and purges old commands.
// A failing step does not stop the others.
func (s *MessagingScheduler) RunGlobalSweep(ctx context.Context) error {
	return s.runJob(ctx, JobGlobalSweep, globalScope, func(ctx context.Context) error {
		var result *multierror.Error

		if err := s.timed(JobExpireCommands, func() error {
			_, err := s.commands.ExpireStale(ctx)
			if err != nil {
				return err
			}
			_, err = s.commands.CleanupOrphans(ctx)
			return err
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("expire commands: %w", err))
		}

		s.mu.Lock()
		retrier := s.retrier
		s.mu.Unlock()
		if retrier != nil {
			if err := s.timed(JobRetryFailed, func() error {
				_, err := retrier.RetryFailedMessagesAsync(ctx, s.cfg.RetryBatchSize)
				return err
			}); err != nil {
				result = multierror.Append(result, fmt.Errorf("retry failed messages: %w", err))
			}
		}

		if err := s.dispatchUnregistered(ctx); err != nil {
			result = multierror.Append(result, err)
		}

		if err := s.timed(JobCleanup, func() error {
			_, err := s.commands.PurgeOld(ctx)
			return err
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("purge commands: %w", err))
		}

		return result.ErrorOrNil()
	})
}

// dispatchUnregistered runs cycles for moderators the per-moderator sweep does not cover
func (s *MessagingScheduler) dispatchUnregistered(ctx context.Context) error {
	moderators, err := s.messageRepo.ModeratorsWithQueuedWork(ctx)
	if err != nil {
		return fmt.Errorf("list moderators with queued work: %w", err)
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.SweepParallelism)
	for _, id := range moderators {
		if s.isRegistered(id) {
			continue
		}
		moderatorID := id
		eg.Go(func() error {
			if err := s.RunModerator(egCtx, moderatorID); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("moderator %d: %w", moderatorID, err))
				mu.Unlock()
			}
			// one moderator never cancels the others
			return nil
		})
	}
	_ = eg.Wait()
	return result.ErrorOrNil()
}

func (s *MessagingScheduler) timed(job string, fn func() error) error {
	start := time.Now()
	err := fn()
	businessflow.SweepDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	return err
}

// runJob claims the job run for the scope, runs fn and records the outcome.
// A run that another instance started within the minimum interval is skipped.
func (s *MessagingScheduler) runJob(ctx context.Context, job, scope string, fn func(context.Context) error) error {
	now := utils.UTCNow()
	ok, err := s.jobRuns.TryStart(ctx, job, scope, s.cfg.SweepMinInterval, now)
	if err != nil {
		return fmt.Errorf("failed to claim %s/%s: %w", job, scope, err)
	}
	if !ok {
		return nil
	}

	runErr := fn(ctx)

	// record the outcome even when the run was cancelled
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.jobRuns.Finish(finishCtx, job, scope, runErr, utils.UTCNow()); err != nil {
		s.logger.Warn("Failed to record job run", zap.String("job", job), zap.String("scope", scope), zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// cronLogger adapts zap to the cron logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
