package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// outcomeRecorder applies the result of a send attempt to the message, its session,
// the failure log, the quota and the moderator's pause gate. Callers run it inside
// the transaction that owns the attempt.
type outcomeRecorder struct {
	messageRepo    repository.MessageRepository
	sessionRepo    repository.MessageSessionRepository
	failedTaskRepo repository.FailedTaskRepository
	quotaRepo      repository.QuotaRepository
	waRepo         repository.WhatsAppSessionRepository
}

// pendingEvent is published once the transaction that produced it committed
type pendingEvent struct {
	moderatorID uint
	name        string
	payload     any
}

type eventBatch struct {
	events []pendingEvent
}

func (b *eventBatch) add(moderatorID uint, name string, payload any) {
	if b == nil {
		return
	}
	b.events = append(b.events, pendingEvent{moderatorID: moderatorID, name: name, payload: payload})
}

func (b *eventBatch) flush(ctx context.Context, publisher EventPublisher) {
	if b == nil || publisher == nil {
		return
	}
	for _, e := range b.events {
		if err := publisher.Publish(ctx, e.moderatorID, e.name, e.payload); err != nil {
			zap.L().Warn("Failed to publish event",
				zap.Uint("moderator_id", e.moderatorID),
				zap.String("event", e.name),
				zap.Error(err),
			)
		}
	}
	b.events = nil
}

// SessionProgressEvent is the payload of session.progress
type SessionProgressEvent struct {
	SessionID uint    `json:"session_id"`
	Status    string  `json:"status"`
	IsPaused  bool    `json:"is_paused"`
	Total     int     `json:"total"`
	Sent      int     `json:"sent"`
	Failed    int     `json:"failed"`
	Ongoing   int     `json:"ongoing"`
	Progress  float64 `json:"progress"`
}

// WhatsAppPauseEvent is the payload of whatsapp.paused and whatsapp.resumed
type WhatsAppPauseEvent struct {
	Status      string  `json:"status"`
	IsPaused    bool    `json:"is_paused"`
	PauseReason *string `json:"pause_reason,omitempty"`
}

// markSent records a delivered message. commandID is nil for synchronous providers.
func (o *outcomeRecorder) markSent(ctx context.Context, msg *models.Message, commandID *uuid.UUID, now time.Time, events *eventBatch) (bool, error) {
	ok, err := o.messageRepo.MarkSent(ctx, msg.ID, commandID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %d sent: %w", msg.ID, err)
	}
	if !ok {
		return false, nil
	}
	messagesDispatchedTotal.WithLabelValues(dispatchResultSent).Inc()
	return true, o.refreshSession(ctx, msg.SessionID, now, events)
}

// markFailed records a real failed attempt, logs the failure and releases the
// quota unit the attempt consumed
func (o *outcomeRecorder) markFailed(ctx context.Context, msg *models.Message, commandID *uuid.UUID, reason models.FailureReason, errMsg *string, retryCount int, now time.Time, events *eventBatch) (bool, error) {
	ok, err := o.messageRepo.MarkFailed(ctx, msg.ID, commandID, reason, errMsg, true, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %d failed: %w", msg.ID, err)
	}
	if !ok {
		return false, nil
	}

	if err := o.recordFailure(ctx, msg, reason, errMsg, retryCount); err != nil {
		return false, err
	}
	if err := o.quotaRepo.RefundMessages(ctx, msg.ModeratorID, 1); err != nil {
		return false, fmt.Errorf("failed to refund quota for message %d: %w", msg.ID, err)
	}
	messagesDispatchedTotal.WithLabelValues(dispatchResultFailed).Inc()
	return true, o.refreshSession(ctx, msg.SessionID, now, events)
}

// markQuotaExhausted fails a message that never reached the provider
func (o *outcomeRecorder) markQuotaExhausted(ctx context.Context, msg *models.Message, now time.Time, events *eventBatch) (bool, error) {
	errMsg := ErrQuotaExceeded.Error()
	ok, err := o.messageRepo.MarkFailed(ctx, msg.ID, nil, models.FailureReasonQuotaExhausted, &errMsg, false, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %d quota exhausted: %w", msg.ID, err)
	}
	if !ok {
		return false, nil
	}
	if err := o.recordFailure(ctx, msg, models.FailureReasonQuotaExhausted, &errMsg, 0); err != nil {
		return false, err
	}
	quotaRejectionsTotal.Inc()
	messagesDispatchedTotal.WithLabelValues(dispatchResultQuota).Inc()
	return true, o.refreshSession(ctx, msg.SessionID, now, events)
}

// markException records a local failure of the provider. The attempt's own
// transaction was rolled back, so no quota unit is held.
// The failure record carries the attempts made before this one.
func (o *outcomeRecorder) markException(ctx context.Context, msg *models.Message, cause error, now time.Time, events *eventBatch) (bool, error) {
	errMsg := cause.Error()
	ok, err := o.messageRepo.MarkFailed(ctx, msg.ID, nil, models.FailureReasonException, &errMsg, true, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %d failed: %w", msg.ID, err)
	}
	if !ok {
		return false, nil
	}
	if err := o.recordFailure(ctx, msg, models.FailureReasonException, &errMsg, msg.Attempts); err != nil {
		return false, err
	}
	messagesDispatchedTotal.WithLabelValues(dispatchResultException).Inc()
	return true, o.refreshSession(ctx, msg.SessionID, now, events)
}

// requeue releases a message held by commandID without counting an attempt and
// returns its quota unit. A non-nil pauseReason leaves it paused.
func (o *outcomeRecorder) requeue(ctx context.Context, msg *models.Message, commandID uuid.UUID, pauseReason *string, now time.Time, events *eventBatch) (bool, error) {
	ok, err := o.messageRepo.Requeue(ctx, msg.ID, commandID, pauseReason)
	if err != nil {
		return false, fmt.Errorf("failed to requeue message %d: %w", msg.ID, err)
	}
	if !ok {
		return false, nil
	}
	if err := o.quotaRepo.RefundMessages(ctx, msg.ModeratorID, 1); err != nil {
		return false, fmt.Errorf("failed to refund quota for message %d: %w", msg.ID, err)
	}
	return true, o.refreshSession(ctx, msg.SessionID, now, events)
}

func (o *outcomeRecorder) recordFailure(ctx context.Context, msg *models.Message, reason models.FailureReason, errMsg *string, retryCount int) error {
	task := &models.FailedTask{
		MessageID:    msg.ID,
		ModeratorID:  msg.ModeratorID,
		SessionID:    msg.SessionID,
		Reason:       string(reason),
		ErrorMessage: errMsg,
		RetryCount:   retryCount,
	}
	if err := o.failedTaskRepo.Save(ctx, task); err != nil {
		return fmt.Errorf("failed to record failure of message %d: %w", msg.ID, err)
	}
	return nil
}

// escalatePause closes the moderator's global gate. A QR pause also moves the
// provider status to pending; a network pause leaves it as is.
func (o *outcomeRecorder) escalatePause(ctx context.Context, moderatorID uint, kind PauseKind, now time.Time, events *eventBatch) error {
	session, err := o.waRepo.ByModeratorIDForUpdate(ctx, moderatorID)
	if err != nil {
		return fmt.Errorf("failed to lock whatsapp session of moderator %d: %w", moderatorID, err)
	}
	if session == nil {
		if session, err = o.waRepo.Ensure(ctx, moderatorID); err != nil {
			return err
		}
	}

	updates := map[string]any{"updated_at": now}
	status := session.Status
	if kind == PauseKindQR {
		status = models.WhatsAppSessionStatusPending
		updates["status"] = status
	}
	reason := session.PauseReason
	if !session.IsPaused {
		reason = utils.ToPtr(kind.Reason())
		updates["is_paused"] = true
		updates["pause_reason"] = *reason
		updates["paused_at"] = now
		updates["paused_by"] = nil
	}
	if err := o.waRepo.Update(ctx, moderatorID, updates); err != nil {
		return fmt.Errorf("failed to pause whatsapp session of moderator %d: %w", moderatorID, err)
	}

	systemicPausesTotal.WithLabelValues(string(kind)).Inc()
	events.add(moderatorID, EventWhatsAppPaused, WhatsAppPauseEvent{
		Status:      status.String(),
		IsPaused:    true,
		PauseReason: reason,
	})
	zap.L().Warn("Moderator channel paused",
		zap.Uint("moderator_id", moderatorID),
		zap.String("kind", string(kind)),
	)
	return nil
}

// refreshSession recomputes the aggregates of a session from its members.
// A session completes when nothing is queued or sending; a completed session
// that gets work back (manual retry) reopens.
func (o *outcomeRecorder) refreshSession(ctx context.Context, sessionID *uint, now time.Time, events *eventBatch) error {
	if sessionID == nil {
		return nil
	}
	session, err := o.sessionRepo.ByIDForUpdate(ctx, *sessionID)
	if err != nil {
		return fmt.Errorf("failed to lock message session %d: %w", *sessionID, err)
	}
	if session == nil {
		return nil
	}

	counts, err := o.messageRepo.CountsBySession(ctx, session.ID)
	if err != nil {
		return err
	}

	status := session.Status
	completedAt := session.CompletedAt
	switch {
	case status == models.MessageSessionStatusCancelled:
	case counts.Ongoing == 0:
		status = models.MessageSessionStatusCompleted
		if completedAt == nil {
			completedAt = &now
		}
	case status == models.MessageSessionStatusCompleted:
		status = models.MessageSessionStatusActive
		if session.IsPaused {
			status = models.MessageSessionStatusPaused
		}
		completedAt = nil
	}

	if err := o.sessionRepo.ApplyCounts(ctx, session.ID, counts, status, completedAt); err != nil {
		return fmt.Errorf("failed to update message session %d: %w", session.ID, err)
	}

	session.Status = status
	session.TotalMessages = counts.Total
	session.SentMessages = counts.Sent
	session.FailedMessages = counts.Failed
	session.OngoingMessages = counts.Ongoing
	events.add(session.ModeratorID, EventSessionProgress, SessionProgressEvent{
		SessionID: session.ID,
		Status:    status.String(),
		IsPaused:  session.IsPaused,
		Total:     counts.Total,
		Sent:      counts.Sent,
		Failed:    counts.Failed,
		Ongoing:   counts.Ongoing,
		Progress:  session.Progress(),
	})
	return nil
}
