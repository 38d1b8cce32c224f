package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/app/services"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"go.uber.org/zap"
)

// Dispatcher runs dispatch cycles: it hands queued messages of one moderator to
// the provider in createdAt order and applies synchronous results
type Dispatcher interface {
	// RunCycle returns a *SystemicPauseError when the provider reported that the
	// moderator's channel needs re-authentication or network recovery
	RunCycle(ctx context.Context, moderatorID uint) (*DispatchReport, error)
}

// Why a cycle did not start or stopped early
const (
	CycleSkippedLocked       = "locked"
	CycleSkippedPaused       = "paused"
	CycleStoppedUnavailable  = "provider_unavailable"
	CycleStoppedWaiting      = "provider_waiting"
	CycleStoppedSystemic     = "systemic_pause"
	CycleStoppedGateClosed   = "gate_closed"
	CycleStoppedNoProvider   = "no_provider"
	CycleStoppedLockLost     = "lock_lost"
	outcomeSkipped           = "skipped"
	outcomeSystemicRequeued  = "systemic_requeued"
	outcomeExceptionRecorded = "exception"
)

// DispatchReport summarises one cycle
type DispatchReport struct {
	ModeratorID    uint
	Skipped        string
	Stopped        string
	Dispatched     int
	Sent           int
	Failed         int
	QuotaExhausted int
	Exceptions     int
}

func (r *DispatchReport) count(outcome string) {
	switch outcome {
	case dispatchResultDispatched:
		r.Dispatched++
	case dispatchResultSent:
		r.Sent++
	case dispatchResultFailed:
		r.Failed++
	case dispatchResultQuota:
		r.QuotaExhausted++
	case outcomeExceptionRecorded:
		r.Exceptions++
	}
}

var (
	errGateClosed      = errors.New("moderator channel is paused")
	errProviderWaiting = errors.New("provider asked to wait")
)

// sendFailure wraps a local provider error so the attempt is rolled back and
// then recorded as an exception
type sendFailure struct {
	err error
}

func (e *sendFailure) Error() string { return e.err.Error() }
func (e *sendFailure) Unwrap() error { return e.err }

// DispatcherImpl implements Dispatcher
type DispatcherImpl struct {
	tx          repository.Transactor
	messageRepo repository.MessageRepository
	sessionRepo repository.MessageSessionRepository
	quotaRepo   repository.QuotaRepository
	waRepo      repository.WhatsAppSessionRepository
	outcomes    *outcomeRecorder
	providers   ProviderFactory
	locker      DispatchLocker
	publisher   EventPublisher
	cfg         config.MessagingConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. locker may be nil when a single process
// owns dispatching.
func NewDispatcher(
	tx repository.Transactor,
	messageRepo repository.MessageRepository,
	sessionRepo repository.MessageSessionRepository,
	failedTaskRepo repository.FailedTaskRepository,
	quotaRepo repository.QuotaRepository,
	waRepo repository.WhatsAppSessionRepository,
	providers ProviderFactory,
	locker DispatchLocker,
	publisher EventPublisher,
	cfg config.MessagingConfig,
	logger *zap.Logger,
) Dispatcher {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &DispatcherImpl{
		tx:          tx,
		messageRepo: messageRepo,
		sessionRepo: sessionRepo,
		quotaRepo:   quotaRepo,
		waRepo:      waRepo,
		outcomes: &outcomeRecorder{
			messageRepo:    messageRepo,
			sessionRepo:    sessionRepo,
			failedTaskRepo: failedTaskRepo,
			quotaRepo:      quotaRepo,
			waRepo:         waRepo,
		},
		providers: providers,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "dispatcher")),
		now:       utils.UTCNow,
	}
}

func (d *DispatcherImpl) RunCycle(ctx context.Context, moderatorID uint) (*DispatchReport, error) {
	report := &DispatchReport{ModeratorID: moderatorID}
	logger := d.logger.With(zap.Uint("moderator_id", moderatorID))

	var lease services.DispatchLease
	if d.locker != nil {
		var ok bool
		var err error
		lease, ok, err = d.locker.TryLock(ctx, moderatorID, d.cfg.DispatchLockTTL)
		if err != nil {
			return report, fmt.Errorf("failed to acquire dispatch lock for moderator %d: %w", moderatorID, err)
		}
		if !ok {
			report.Skipped = CycleSkippedLocked
			return report, nil
		}
		defer lease.Release()
	}

	gate, err := d.waRepo.ByModeratorID(ctx, moderatorID)
	if err != nil {
		return report, fmt.Errorf("failed to load whatsapp session of moderator %d: %w", moderatorID, err)
	}
	if gate != nil && gate.IsPaused {
		report.Skipped = CycleSkippedPaused
		return report, nil
	}

	provider, err := d.providers.ProviderFor(ctx, moderatorID)
	if err != nil {
		return report, fmt.Errorf("failed to select provider for moderator %d: %w", moderatorID, err)
	}
	if provider == nil {
		report.Stopped = CycleStoppedNoProvider
		return report, nil
	}

	batchSize := d.cfg.DispatchBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := d.messageRepo.ListDispatchable(ctx, moderatorID, batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			return report, nil
		}

		progressed := 0
		for _, candidate := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			outcome, err := d.dispatchOne(ctx, provider, candidate.ID)
			if err == nil {
				if outcome != outcomeSkipped {
					progressed++
				}
				report.count(outcome)
				continue
			}

			if pauseErr, ok := AsSystemicPause(err); ok {
				report.Stopped = CycleStoppedSystemic
				logger.Warn("Dispatch cycle aborted by systemic pause",
					zap.Uint("message_id", pauseErr.MessageID),
					zap.String("kind", string(pauseErr.Kind)),
				)
				return report, err
			}
			switch {
			case errors.Is(err, ErrProviderUnavailable):
				report.Stopped = CycleStoppedUnavailable
				logger.Info("No live extension, dispatch cycle stopped")
				return report, nil
			case errors.Is(err, errProviderWaiting):
				report.Stopped = CycleStoppedWaiting
				return report, nil
			case errors.Is(err, errGateClosed):
				report.Stopped = CycleStoppedGateClosed
				return report, nil
			default:
				logger.Error("Dispatch cycle failed", zap.Uint("message_id", candidate.ID), zap.Error(err))
				return report, err
			}
		}

		if progressed == 0 || len(batch) < batchSize {
			return report, nil
		}

		// a long cycle renews its lock before every further batch
		if lease != nil {
			held, err := lease.Extend(ctx, d.cfg.DispatchLockTTL)
			if err != nil {
				return report, fmt.Errorf("failed to extend dispatch lock for moderator %d: %w", moderatorID, err)
			}
			if !held {
				report.Stopped = CycleStoppedLockLost
				logger.Warn("Dispatch lock lost, cycle stopped")
				return report, nil
			}
		}
	}
}

// dispatchOne runs one attempt in its own transaction. Systemic results and
// local provider errors roll the attempt back and are applied afterwards in a
// fresh transaction, so no quota or attempt is counted for them.
func (d *DispatcherImpl) dispatchOne(ctx context.Context, provider WhatsAppProvider, messageID uint) (string, error) {
	now := d.now()
	events := &eventBatch{}
	outcome := outcomeSkipped
	var msg *models.Message

	err := d.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		msg, err = d.messageRepo.LockForDispatch(txCtx, messageID)
		if err != nil {
			return err
		}
		if msg == nil || !isDispatchable(msg) {
			return nil
		}

		gate, err := d.waRepo.ByModeratorID(txCtx, msg.ModeratorID)
		if err != nil {
			return err
		}
		if gate != nil && gate.IsPaused {
			return errGateClosed
		}
		if msg.SessionID != nil {
			session, err := d.sessionRepo.ByID(txCtx, *msg.SessionID)
			if err != nil {
				return err
			}
			if session != nil && (session.IsPaused || session.Status != models.MessageSessionStatusActive) {
				return nil
			}
		}

		consumed, err := d.quotaRepo.TryConsumeMessages(txCtx, msg.ModeratorID, 1)
		if err != nil {
			return err
		}
		if !consumed {
			outcome = dispatchResultQuota
			_, err = d.outcomes.markQuotaExhausted(txCtx, msg, now, events)
			return err
		}

		result, sendErr := provider.Send(txCtx, msg)
		if sendErr != nil {
			if errors.Is(sendErr, ErrProviderUnavailable) {
				return sendErr
			}
			return &sendFailure{err: sendErr}
		}

		switch {
		case result.Dispatched:
			outcome = dispatchResultDispatched
			messagesDispatchedTotal.WithLabelValues(dispatchResultDispatched).Inc()
			return nil
		case result.Status == models.ResultStatusSuccess:
			outcome = dispatchResultSent
			_, err = d.outcomes.markSent(txCtx, msg, nil, now, events)
			return err
		case result.Status == models.ResultStatusFailed:
			outcome = dispatchResultFailed
			_, err = d.outcomes.markFailed(txCtx, msg, nil, models.FailureReasonProviderFailure, result.Error, 0, now, events)
			return err
		case result.Status.IsSystemic():
			kind, _ := PauseKindFromResult(result.Status)
			return &SystemicPauseError{ModeratorID: msg.ModeratorID, MessageID: msg.ID, Kind: kind}
		case result.Status == models.ResultStatusWaiting:
			return errProviderWaiting
		default:
			return &sendFailure{err: fmt.Errorf("unexpected provider result %q", result.Status)}
		}
	})

	if err == nil {
		events.flush(ctx, d.publisher)
		return outcome, nil
	}

	if pauseErr, ok := AsSystemicPause(err); ok {
		if applyErr := d.applySystemicPause(ctx, msg, pauseErr.Kind); applyErr != nil {
			return "", applyErr
		}
		messagesDispatchedTotal.WithLabelValues(dispatchResultPaused).Inc()
		return outcomeSystemicRequeued, pauseErr
	}

	var failure *sendFailure
	if errors.As(err, &failure) {
		d.logger.Warn("Provider failed locally",
			zap.Uint("moderator_id", msg.ModeratorID),
			zap.Uint("message_id", msg.ID),
			zap.Error(failure.err),
		)
		if recErr := d.recordException(ctx, msg, failure.err); recErr != nil {
			return "", recErr
		}
		return outcomeExceptionRecorded, nil
	}

	if errors.Is(err, errProviderWaiting) {
		messagesDispatchedTotal.WithLabelValues(dispatchResultWaiting).Inc()
	}
	return "", err
}

func isDispatchable(msg *models.Message) bool {
	return msg.Status == models.MessageStatusQueued &&
		!msg.IsPaused &&
		!msg.IsDeleted &&
		msg.InFlightCommandID == nil
}

// applySystemicPause closes the moderator gate and parks the message queued and paused
func (d *DispatcherImpl) applySystemicPause(ctx context.Context, msg *models.Message, kind PauseKind) error {
	now := d.now()
	events := &eventBatch{}
	err := d.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := d.outcomes.escalatePause(txCtx, msg.ModeratorID, kind, now, events); err != nil {
			return err
		}
		ok, err := d.messageRepo.PauseQueued(txCtx, msg.ID, kind.Reason())
		if err != nil {
			return fmt.Errorf("failed to pause message %d: %w", msg.ID, err)
		}
		if !ok {
			return nil
		}
		return d.outcomes.refreshSession(txCtx, msg.SessionID, now, events)
	})
	if err != nil {
		return err
	}
	events.flush(ctx, d.publisher)
	return nil
}

func (d *DispatcherImpl) recordException(ctx context.Context, msg *models.Message, cause error) error {
	now := d.now()
	events := &eventBatch{}
	err := d.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		_, err := d.outcomes.markException(txCtx, msg, cause, now, events)
		return err
	})
	if err != nil {
		return err
	}
	events.flush(ctx, d.publisher)
	return nil
}
