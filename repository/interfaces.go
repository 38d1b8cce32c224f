// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// QuotaRepository defines operations for the per-moderator quota ledger
type QuotaRepository interface {
	Repository[models.Quota, models.QuotaFilter]
	ByModeratorID(ctx context.Context, moderatorID uint) (*models.Quota, error)
	ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.Quota, error)
	// Ensure creates the quota row with the given limits unless it already exists
	Ensure(ctx context.Context, moderatorID uint, messagesLimit, queuesLimit int64) (*models.Quota, error)
	TryConsumeMessages(ctx context.Context, moderatorID uint, count int64) (bool, error)
	RefundMessages(ctx context.Context, moderatorID uint, count int64) error
	TryConsumeQueues(ctx context.Context, moderatorID uint, count int64) (bool, error)
	RefundQueues(ctx context.Context, moderatorID uint, count int64) error
	UpdateLimits(ctx context.Context, moderatorID uint, messagesLimit, queuesLimit *int64) error
	ModeratorIDs(ctx context.Context) ([]uint, error)
}

// QueueRepository defines operations for queues
type QueueRepository interface {
	Repository[models.Queue, models.QueueFilter]
}

// PatientRepository defines operations for patients
type PatientRepository interface {
	Repository[models.Patient, models.PatientFilter]
	ListActiveByQueue(ctx context.Context, queueID uint, ids []uint) ([]*models.Patient, error)
}

// MessageTemplateRepository defines operations for message templates
type MessageTemplateRepository interface {
	Repository[models.MessageTemplate, models.MessageTemplateFilter]
	ListActiveByQueue(ctx context.Context, queueID uint) ([]*models.MessageTemplate, error)
}

// MessageConditionRepository defines operations for message conditions
type MessageConditionRepository interface {
	Repository[models.MessageCondition, models.MessageConditionFilter]
	ListByQueue(ctx context.Context, queueID uint) ([]*models.MessageCondition, error)
	// LinkTemplate back-patches the template id once both rows exist
	LinkTemplate(ctx context.Context, conditionID, templateID uint) error
}

// MessageSessionRepository defines operations for bulk-send sessions
type MessageSessionRepository interface {
	Repository[models.MessageSession, models.MessageSessionFilter]
	ByIDForUpdate(ctx context.Context, id uint) (*models.MessageSession, error)
	ListOngoing(ctx context.Context, moderatorID uint) ([]*models.MessageSession, error)
	Update(ctx context.Context, id uint, updates map[string]any) error
	ApplyCounts(ctx context.Context, id uint, counts models.MessageSessionCounts, status models.MessageSessionStatus, completedAt *time.Time) error
}

// MessageRepository defines operations for outbound messages
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	// LockForDispatch locks the message row, skipping rows locked by a concurrent cycle
	LockForDispatch(ctx context.Context, id uint) (*models.Message, error)
	ListDispatchable(ctx context.Context, moderatorID uint, limit int) ([]*models.Message, error)
	ModeratorsWithQueuedWork(ctx context.Context) ([]uint, error)
	ListBySession(ctx context.Context, sessionID uint) ([]*models.Message, error)
	CountsBySession(ctx context.Context, sessionID uint) (models.MessageSessionCounts, error)
	ListFailed(ctx context.Context, moderatorID uint, limit, offset int) ([]*models.Message, error)
	ListRetryableFailed(ctx context.Context, maxAttempts, limit int) ([]*models.Message, error)

	MarkSending(ctx context.Context, id uint, commandID uuid.UUID, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id uint, commandID *uuid.UUID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, commandID *uuid.UUID, reason models.FailureReason, errorMessage *string, incrementAttempts bool, at time.Time) (bool, error)
	// Requeue puts an in-flight message back to queued without touching attempts
	Requeue(ctx context.Context, id uint, commandID uuid.UUID, pauseReason *string) (bool, error)
	PauseQueued(ctx context.Context, id uint, pauseReason string) (bool, error)
	RequeueFailed(ctx context.Context, ids []uint, resetAttempts bool) (int64, error)
	CancelQueuedBySession(ctx context.Context, sessionID uint) (int64, error)
	UnpauseByReasons(ctx context.Context, moderatorID uint, reasons []string) (int64, error)
	SoftDeleteFailed(ctx context.Context, moderatorID uint, ids []uint, at time.Time) ([]uint, error)
}

// ExtensionCommandRepository defines operations for extension commands
type ExtensionCommandRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.ExtensionCommand, error)
	ByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ExtensionCommand, error)
	ByFilter(ctx context.Context, filter models.ExtensionCommandFilter, orderBy string, limit, offset int) ([]*models.ExtensionCommand, error)
	Save(ctx context.Context, cmd *models.ExtensionCommand) error
	Count(ctx context.Context, filter models.ExtensionCommandFilter) (int64, error)

	// Transition moves the command to "to" only when its current status is one of from
	Transition(ctx context.Context, id uuid.UUID, from []models.CommandStatus, to models.CommandStatus, updates map[string]any) (bool, error)
	ClaimPending(ctx context.Context, moderatorID uint, deviceID uuid.UUID, limit int, now time.Time) ([]*models.ExtensionCommand, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.ExtensionCommand, error)
	ListOrphaned(ctx context.Context, createdBefore time.Time, limit int) ([]*models.ExtensionCommand, error)
	PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// WhatsAppSessionRepository defines operations for the per-moderator provider session
type WhatsAppSessionRepository interface {
	Repository[models.WhatsAppSession, models.WhatsAppSessionFilter]
	ByModeratorID(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error)
	ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error)
	Ensure(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error)
	Update(ctx context.Context, moderatorID uint, updates map[string]any) error
}

// ExtensionDeviceRepository defines operations for paired extension devices
type ExtensionDeviceRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.ExtensionDevice, error)
	Save(ctx context.Context, device *models.ExtensionDevice) error
	ActiveByModerator(ctx context.Context, moderatorID uint) (*models.ExtensionDevice, error)
	ListByModerator(ctx context.Context, moderatorID uint) ([]*models.ExtensionDevice, error)
	DeactivateOthers(ctx context.Context, moderatorID uint, keep uuid.UUID, at time.Time) error
	TouchHeartbeat(ctx context.Context, id uuid.UUID, extensionVersion string, at time.Time) error
	Revoke(ctx context.Context, moderatorID uint, id uuid.UUID, at time.Time) (bool, error)
}

// FailedTaskRepository defines operations for message failure records
type FailedTaskRepository interface {
	Repository[models.FailedTask, models.FailedTaskFilter]
	LatestByMessageIDs(ctx context.Context, messageIDs []uint) (map[uint]*models.FailedTask, error)
	MarkRetried(ctx context.Context, messageIDs []uint, at time.Time) error
	DeleteByMessageIDs(ctx context.Context, messageIDs []uint) (int64, error)
}

// JobRunRepository defines operations for persisted recurring job state
type JobRunRepository interface {
	ByKey(ctx context.Context, jobName, scopeKey string) (*models.JobRun, error)
	// TryStart claims the run when the previous start is older than minInterval
	TryStart(ctx context.Context, jobName, scopeKey string, minInterval time.Duration, now time.Time) (bool, error)
	Finish(ctx context.Context, jobName, scopeKey string, runErr error, now time.Time) error
}
