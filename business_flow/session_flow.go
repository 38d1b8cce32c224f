package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/amirphl/clinic-queue/utils"
	"go.uber.org/zap"
)

// SessionFlow controls message sessions owned by a moderator
type SessionFlow interface {
	PauseSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error)
	ResumeSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error)
	CancelSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error)
	GetOngoingSessions(ctx context.Context, moderatorID uint) (*dto.OngoingSessionsResponse, error)
}

// SessionFlowImpl implements SessionFlow
type SessionFlowImpl struct {
	tx          repository.Transactor
	sessionRepo repository.MessageSessionRepository
	messageRepo repository.MessageRepository
	outcomes    *outcomeRecorder
	trigger     DispatchTrigger
	publisher   EventPublisher
	now         func() time.Time
}

// NewSessionFlow creates a new session flow
func NewSessionFlow(
	tx repository.Transactor,
	sessionRepo repository.MessageSessionRepository,
	messageRepo repository.MessageRepository,
	failedTaskRepo repository.FailedTaskRepository,
	quotaRepo repository.QuotaRepository,
	waRepo repository.WhatsAppSessionRepository,
	trigger DispatchTrigger,
	publisher EventPublisher,
) SessionFlow {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &SessionFlowImpl{
		tx:          tx,
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		outcomes: &outcomeRecorder{
			messageRepo:    messageRepo,
			sessionRepo:    sessionRepo,
			failedTaskRepo: failedTaskRepo,
			quotaRepo:      quotaRepo,
			waRepo:         waRepo,
		},
		trigger:   trigger,
		publisher: publisher,
		now:       utils.UTCNow,
	}
}

// lockOwnedSession locks the session row and checks ownership
func (f *SessionFlowImpl) lockOwnedSession(ctx context.Context, moderatorID, sessionID uint) (*models.MessageSession, error) {
	session, err := f.sessionRepo.ByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.ModeratorID != moderatorID {
		return nil, ErrSessionAccessDenied
	}
	return session, nil
}

func (f *SessionFlowImpl) PauseSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error) {
	now := f.now()
	var session *models.MessageSession
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		session, err = f.lockOwnedSession(txCtx, req.ModeratorID, req.SessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return ErrSessionTerminal
		}
		if session.IsPaused {
			return nil
		}

		reason := models.PauseReasonUser
		if err := f.sessionRepo.Update(txCtx, session.ID, map[string]any{
			"is_paused":    true,
			"status":       models.MessageSessionStatusPaused,
			"paused_at":    now,
			"paused_by":    req.UserID,
			"pause_reason": reason,
			"updated_at":   now,
		}); err != nil {
			return fmt.Errorf("failed to pause message session %d: %w", session.ID, err)
		}
		session.IsPaused = true
		session.Status = models.MessageSessionStatusPaused
		session.PauseReason = &reason
		return nil
	})
	if err != nil {
		return nil, sessionError(err, "SESSION_PAUSE_FAILED", "Failed to pause session")
	}

	zap.L().Info("Message session paused",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("session_id", session.ID),
		zap.String("ip", metadataIP(metadata)),
	)
	f.publishProgress(ctx, session)

	return &dto.SessionActionResponse{
		Message:   "Session paused",
		SessionID: session.ID,
		Status:    session.Status.String(),
		IsPaused:  session.IsPaused,
	}, nil
}

func (f *SessionFlowImpl) ResumeSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error) {
	now := f.now()
	events := &eventBatch{}
	var session *models.MessageSession
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		session, err = f.lockOwnedSession(txCtx, req.ModeratorID, req.SessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return ErrSessionTerminal
		}

		if err := f.sessionRepo.Update(txCtx, session.ID, map[string]any{
			"is_paused":    false,
			"status":       models.MessageSessionStatusActive,
			"paused_at":    nil,
			"paused_by":    nil,
			"pause_reason": nil,
			"updated_at":   now,
		}); err != nil {
			return fmt.Errorf("failed to resume message session %d: %w", session.ID, err)
		}
		session.IsPaused = false
		session.Status = models.MessageSessionStatusActive
		session.PauseReason = nil

		// members may have finished while the session was paused
		if err := f.outcomes.refreshSession(txCtx, &session.ID, now, events); err != nil {
			return err
		}
		refreshed, err := f.sessionRepo.ByID(txCtx, session.ID)
		if err != nil {
			return err
		}
		if refreshed != nil {
			session = refreshed
		}
		return nil
	})
	if err != nil {
		return nil, sessionError(err, "SESSION_RESUME_FAILED", "Failed to resume session")
	}

	zap.L().Info("Message session resumed",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("session_id", session.ID),
		zap.String("ip", metadataIP(metadata)),
	)
	events.flush(ctx, f.publisher)
	if session.Status == models.MessageSessionStatusActive {
		f.trigger.Trigger(req.ModeratorID)
	}

	return &dto.SessionActionResponse{
		Message:   "Session resumed",
		SessionID: session.ID,
		Status:    session.Status.String(),
		IsPaused:  false,
	}, nil
}

// CancelSession cancels the queued members. Members already handed to the
// extension finish on their own and the session ignores them from then on.
func (f *SessionFlowImpl) CancelSession(ctx context.Context, req *dto.SessionActionRequest, metadata *ClientMetadata) (*dto.SessionActionResponse, error) {
	now := f.now()
	events := &eventBatch{}
	var session *models.MessageSession
	var cancelled int64
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		session, err = f.lockOwnedSession(txCtx, req.ModeratorID, req.SessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return ErrSessionTerminal
		}

		cancelled, err = f.messageRepo.CancelQueuedBySession(txCtx, session.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel messages of session %d: %w", session.ID, err)
		}
		if err := f.sessionRepo.Update(txCtx, session.ID, map[string]any{
			"status":       models.MessageSessionStatusCancelled,
			"is_paused":    false,
			"completed_at": now,
			"updated_at":   now,
		}); err != nil {
			return fmt.Errorf("failed to cancel message session %d: %w", session.ID, err)
		}
		session.Status = models.MessageSessionStatusCancelled
		session.IsPaused = false
		return f.outcomes.refreshSession(txCtx, &session.ID, now, events)
	})
	if err != nil {
		return nil, sessionError(err, "SESSION_CANCEL_FAILED", "Failed to cancel session")
	}

	zap.L().Info("Message session cancelled",
		zap.Uint("moderator_id", req.ModeratorID),
		zap.Uint("session_id", session.ID),
		zap.Int64("cancelled_messages", cancelled),
		zap.String("ip", metadataIP(metadata)),
	)
	events.flush(ctx, f.publisher)

	return &dto.SessionActionResponse{
		Message:   "Session cancelled",
		SessionID: session.ID,
		Status:    session.Status.String(),
		Cancelled: cancelled,
	}, nil
}

func (f *SessionFlowImpl) GetOngoingSessions(ctx context.Context, moderatorID uint) (*dto.OngoingSessionsResponse, error) {
	sessions, err := f.sessionRepo.ListOngoing(ctx, moderatorID)
	if err != nil {
		return nil, NewBusinessError("SESSION_LIST_FAILED", "Failed to list sessions", err)
	}

	out := make([]dto.OngoingSession, 0, len(sessions))
	for _, s := range sessions {
		members, err := f.messageRepo.ListBySession(ctx, s.ID)
		if err != nil {
			return nil, NewBusinessError("SESSION_LIST_FAILED", "Failed to list session messages", err)
		}
		out = append(out, ToOngoingSession(*s, members))
	}
	return &dto.OngoingSessionsResponse{Sessions: out}, nil
}

func (f *SessionFlowImpl) publishProgress(ctx context.Context, session *models.MessageSession) {
	events := &eventBatch{}
	events.add(session.ModeratorID, EventSessionProgress, SessionProgressEvent{
		SessionID: session.ID,
		Status:    session.Status.String(),
		IsPaused:  session.IsPaused,
		Total:     session.TotalMessages,
		Sent:      session.SentMessages,
		Failed:    session.FailedMessages,
		Ongoing:   session.OngoingMessages,
		Progress:  session.Progress(),
	})
	events.flush(ctx, f.publisher)
}

func sessionError(err error, code, message string) error {
	switch {
	case IsSessionNotFound(err):
		return NewBusinessError("SESSION_NOT_FOUND", "Session not found", err)
	case IsSessionAccessDenied(err):
		return NewBusinessError("SESSION_ACCESS_DENIED", "Session belongs to another moderator", err)
	case IsSessionTerminal(err):
		return NewBusinessError("SESSION_TERMINAL", "Session already finished", err)
	default:
		return businessErrorOr(err, code, message)
	}
}
