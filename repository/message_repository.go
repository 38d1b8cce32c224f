package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// inCancelledSession matches members of a cancelled session
const inCancelledSession = "session_id IN (SELECT id FROM message_sessions WHERE status = ?)"

// releasedStatus is queued, or cancelled when the session was cancelled meanwhile
func releasedStatus() any {
	return gorm.Expr("CASE WHEN "+inCancelledSession+" THEN ? ELSE ? END",
		models.MessageSessionStatusCancelled, models.MessageStatusCancelled, models.MessageStatusQueued)
}

// MessageRepositoryImpl implements MessageRepository interface
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db),
	}
}

// LockForDispatch locks a message row, returning nil when another transaction holds it
func (r *MessageRepositoryImpl) LockForDispatch(ctx context.Context, id uint) (*models.Message, error) {
	return r.byIDForUpdate(ctx, id, true)
}

// ListDispatchable returns queued messages of a moderator whose message and session
// levels are both unpaused, oldest first
func (r *MessageRepositoryImpl) ListDispatchable(ctx context.Context, moderatorID uint, limit int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Message{}).
		Select("messages.*").
		Joins("LEFT JOIN message_sessions ON message_sessions.id = messages.session_id").
		Where("messages.moderator_id = ?", moderatorID).
		Where("messages.status = ?", models.MessageStatusQueued).
		Where("messages.is_paused = ?", false).
		Where("messages.is_deleted = ?", false).
		Where("messages.in_flight_command_id IS NULL").
		Where("(messages.session_id IS NULL OR (message_sessions.is_paused = ? AND message_sessions.status = ?))",
			false, models.MessageSessionStatusActive).
		Order("messages.created_at ASC, messages.id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dispatchable messages: %w", err)
	}
	return rows, nil
}

// ModeratorsWithQueuedWork lists moderators owning at least one unpaused queued message
func (r *MessageRepositoryImpl) ModeratorsWithQueuedWork(ctx context.Context) ([]uint, error) {
	db := r.getDB(ctx)
	var ids []uint
	err := db.Model(&models.Message{}).
		Distinct("moderator_id").
		Where("status = ? AND is_paused = ? AND is_deleted = ?", models.MessageStatusQueued, false, false).
		Order("moderator_id ASC").
		Pluck("moderator_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListBySession lists the non-deleted messages of a session
func (r *MessageRepositoryImpl) ListBySession(ctx context.Context, sessionID uint) ([]*models.Message, error) {
	isDeleted := false
	return r.ByFilter(ctx, models.MessageFilter{SessionID: &sessionID, IsDeleted: &isDeleted}, "created_at ASC, id ASC", 0, 0)
}

// CountsBySession aggregates the member statuses of a session
func (r *MessageRepositoryImpl) CountsBySession(ctx context.Context, sessionID uint) (models.MessageSessionCounts, error) {
	db := r.getDB(ctx)
	var rows []struct {
		Status models.MessageStatus
		Total  int
	}
	err := db.Model(&models.Message{}).
		Select("status, COUNT(*) AS total").
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.MessageSessionCounts{}, fmt.Errorf("failed to count session messages: %w", err)
	}

	var counts models.MessageSessionCounts
	for _, row := range rows {
		counts.Total += row.Total
		switch row.Status {
		case models.MessageStatusSent:
			counts.Sent += row.Total
		case models.MessageStatusFailed:
			counts.Failed += row.Total
		case models.MessageStatusCancelled:
			counts.Cancelled += row.Total
		case models.MessageStatusQueued, models.MessageStatusSending:
			counts.Ongoing += row.Total
		}
	}
	return counts, nil
}

// ListFailed lists the failed, non-deleted messages of a moderator, latest attempt first
func (r *MessageRepositoryImpl) ListFailed(ctx context.Context, moderatorID uint, limit, offset int) ([]*models.Message, error) {
	status := models.MessageStatusFailed
	isDeleted := false
	return r.ByFilter(ctx, models.MessageFilter{
		ModeratorID: &moderatorID,
		Status:      &status,
		IsDeleted:   &isDeleted,
	}, "last_attempt_at DESC NULLS LAST, id DESC", limit, offset)
}

// ListRetryableFailed lists failed messages below maxAttempts, oldest attempt first.
// Quota exhaustion is never retried automatically and members of cancelled
// sessions are never retried at all.
func (r *MessageRepositoryImpl) ListRetryableFailed(ctx context.Context, maxAttempts, limit int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Message{}).
		Where("status = ? AND is_deleted = ?", models.MessageStatusFailed, false).
		Where("attempts < ?", maxAttempts).
		Where("(failure_reason IS NULL OR failure_reason <> ?)", string(models.FailureReasonQuotaExhausted)).
		Where("(session_id IS NULL OR NOT "+inCancelledSession+")", models.MessageSessionStatusCancelled).
		Order("last_attempt_at ASC NULLS FIRST, id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list retryable messages: %w", err)
	}
	return rows, nil
}

// MarkSending links a queued message to the command that now carries it
func (r *MessageRepositoryImpl) MarkSending(ctx context.Context, id uint, commandID uuid.UUID, at time.Time) (bool, error) {
	affected, err := r.updateColumns(ctx, map[string]any{
		"status":               models.MessageStatusSending,
		"in_flight_command_id": commandID,
		"last_attempt_at":      at,
		"updated_at":           at,
	}, "id = ? AND status = ? AND is_paused = ? AND in_flight_command_id IS NULL",
		id, models.MessageStatusQueued, false)
	return affected == 1, err
}

// inFlightClause matches the message only while commandID still holds it.
// A nil commandID matches a message that was never handed to a command.
func inFlightClause(id uint, commandID *uuid.UUID) (string, []any) {
	if commandID != nil {
		return "id = ? AND status = ? AND in_flight_command_id = ?",
			[]any{id, models.MessageStatusSending, *commandID}
	}
	return "id = ? AND status IN ? AND in_flight_command_id IS NULL",
		[]any{id, []models.MessageStatus{models.MessageStatusQueued, models.MessageStatusSending}}
}

// MarkSent records a delivered message and counts the attempt
func (r *MessageRepositoryImpl) MarkSent(ctx context.Context, id uint, commandID *uuid.UUID, at time.Time) (bool, error) {
	where, args := inFlightClause(id, commandID)
	affected, err := r.updateColumns(ctx, map[string]any{
		"status":               models.MessageStatusSent,
		"attempts":             gorm.Expr("attempts + 1"),
		"in_flight_command_id": nil,
		"is_paused":            false,
		"pause_reason":         nil,
		"failure_reason":       nil,
		"error_message":        nil,
		"sent_at":              at,
		"last_attempt_at":      at,
		"updated_at":           at,
	}, where, args...)
	return affected == 1, err
}

// MarkFailed records a failed message; incrementAttempts is false for failures that were not real send attempts
func (r *MessageRepositoryImpl) MarkFailed(ctx context.Context, id uint, commandID *uuid.UUID, reason models.FailureReason, errorMessage *string, incrementAttempts bool, at time.Time) (bool, error) {
	where, args := inFlightClause(id, commandID)
	updates := map[string]any{
		"status":               models.MessageStatusFailed,
		"in_flight_command_id": nil,
		"failure_reason":       string(reason),
		"error_message":        errorMessage,
		"last_attempt_at":      at,
		"updated_at":           at,
	}
	if incrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	affected, err := r.updateColumns(ctx, updates, where, args...)
	return affected == 1, err
}

// Requeue releases an in-flight message without counting an attempt.
// A member of a cancelled session is cancelled instead.
func (r *MessageRepositoryImpl) Requeue(ctx context.Context, id uint, commandID uuid.UUID, pauseReason *string) (bool, error) {
	affected, err := r.updateColumns(ctx, map[string]any{
		"status":               releasedStatus(),
		"in_flight_command_id": nil,
		"is_paused":            pauseReason != nil,
		"pause_reason":         pauseReason,
		"updated_at":           utils.UTCNow(),
	}, "id = ? AND status = ? AND in_flight_command_id = ?", id, models.MessageStatusSending, commandID)
	return affected == 1, err
}

// PauseQueued pauses a message that is not held by any command.
// A member of a cancelled session is cancelled instead.
func (r *MessageRepositoryImpl) PauseQueued(ctx context.Context, id uint, pauseReason string) (bool, error) {
	affected, err := r.updateColumns(ctx, map[string]any{
		"status":       releasedStatus(),
		"is_paused":    true,
		"pause_reason": pauseReason,
		"updated_at":   utils.UTCNow(),
	}, "id = ? AND status IN ? AND in_flight_command_id IS NULL",
		id, []models.MessageStatus{models.MessageStatusQueued, models.MessageStatusSending})
	return affected == 1, err
}

// RequeueFailed moves failed messages back to queued, keeping their pause state.
// Members of cancelled sessions stay failed.
func (r *MessageRepositoryImpl) RequeueFailed(ctx context.Context, ids []uint, resetAttempts bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	updates := map[string]any{
		"status":         models.MessageStatusQueued,
		"failure_reason": nil,
		"error_message":  nil,
		"updated_at":     utils.UTCNow(),
	}
	if resetAttempts {
		updates["attempts"] = 0
	}
	return r.updateColumns(ctx, updates,
		"id IN ? AND status = ? AND is_deleted = ? AND (session_id IS NULL OR NOT "+inCancelledSession+")",
		ids, models.MessageStatusFailed, false, models.MessageSessionStatusCancelled)
}

// CancelQueuedBySession cancels the members of a session that were not dispatched yet
func (r *MessageRepositoryImpl) CancelQueuedBySession(ctx context.Context, sessionID uint) (int64, error) {
	return r.updateColumns(ctx, map[string]any{
		"status":     models.MessageStatusCancelled,
		"updated_at": utils.UTCNow(),
	}, "session_id = ? AND status = ? AND in_flight_command_id IS NULL", sessionID, models.MessageStatusQueued)
}

// UnpauseByReasons clears message-level pauses of a moderator whose reason is in reasons
func (r *MessageRepositoryImpl) UnpauseByReasons(ctx context.Context, moderatorID uint, reasons []string) (int64, error) {
	if len(reasons) == 0 {
		return 0, nil
	}
	return r.updateColumns(ctx, map[string]any{
		"is_paused":    false,
		"pause_reason": nil,
		"updated_at":   utils.UTCNow(),
	}, "moderator_id = ? AND is_paused = ? AND pause_reason IN ?", moderatorID, true, reasons)
}

// SoftDeleteFailed soft-deletes failed messages of a moderator and returns the affected ids
func (r *MessageRepositoryImpl) SoftDeleteFailed(ctx context.Context, moderatorID uint, ids []uint, at time.Time) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := r.getDB(ctx)
	var matched []uint
	err := db.Model(&models.Message{}).
		Where("id IN ? AND moderator_id = ? AND status = ? AND is_deleted = ?", ids, moderatorID, models.MessageStatusFailed, false).
		Order("id ASC").
		Pluck("id", &matched).Error
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	_, err = r.updateColumns(ctx, map[string]any{
		"is_deleted": true,
		"deleted_at": at,
		"updated_at": at,
	}, "id IN ?", matched)
	if err != nil {
		return nil, err
	}
	return matched, nil
}

func (r *MessageRepositoryImpl) applyFilter(query *gorm.DB, filter models.MessageFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.SessionID != nil {
		query = query.Where("session_id = ?", *filter.SessionID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.IsPaused != nil {
		query = query.Where("is_paused = ?", *filter.IsPaused)
	}
	if filter.IsDeleted != nil {
		query = query.Where("is_deleted = ?", *filter.IsDeleted)
	}
	return query
}

// ByFilter retrieves messages based on filter criteria
func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)

	if orderBy == "" {
		orderBy = "id DESC"
	}
	query = query.Order(orderBy)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of messages matching filter
func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any message matches the filter
func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
