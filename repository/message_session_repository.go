package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"gorm.io/gorm"
)

// MessageSessionRepositoryImpl implements MessageSessionRepository interface
type MessageSessionRepositoryImpl struct {
	*BaseRepository[models.MessageSession, models.MessageSessionFilter]
}

// NewMessageSessionRepository creates a new message session repository
func NewMessageSessionRepository(db *gorm.DB) MessageSessionRepository {
	return &MessageSessionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.MessageSession, models.MessageSessionFilter](db),
	}
}

// ByIDForUpdate retrieves and row-locks a session
func (r *MessageSessionRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.MessageSession, error) {
	return r.byIDForUpdate(ctx, id, false)
}

// ListOngoing lists the sessions of a moderator that have not reached a terminal state
func (r *MessageSessionRepositoryImpl) ListOngoing(ctx context.Context, moderatorID uint) ([]*models.MessageSession, error) {
	return r.ByFilter(ctx, models.MessageSessionFilter{
		ModeratorID: &moderatorID,
		Statuses:    []models.MessageSessionStatus{models.MessageSessionStatusActive, models.MessageSessionStatusPaused},
	}, "created_at ASC, id ASC", 0, 0)
}

// Update applies a partial update to a session
func (r *MessageSessionRepositoryImpl) Update(ctx context.Context, id uint, updates map[string]any) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = utils.UTCNow()
	}
	affected, err := r.updateColumns(ctx, updates, "id = ?", id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message session %d not found", id)
	}
	return nil
}

// ApplyCounts stores recomputed aggregates and the derived status
func (r *MessageSessionRepositoryImpl) ApplyCounts(ctx context.Context, id uint, counts models.MessageSessionCounts, status models.MessageSessionStatus, completedAt *time.Time) error {
	return r.Update(ctx, id, map[string]any{
		"total_messages":   counts.Total,
		"sent_messages":    counts.Sent,
		"failed_messages":  counts.Failed,
		"ongoing_messages": counts.Ongoing,
		"status":           status,
		"completed_at":     completedAt,
	})
}

func (r *MessageSessionRepositoryImpl) applyFilter(query *gorm.DB, filter models.MessageSessionFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.QueueID != nil {
		query = query.Where("queue_id = ?", *filter.QueueID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	return query
}

// ByFilter retrieves sessions based on filter criteria
func (r *MessageSessionRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageSessionFilter, orderBy string, limit, offset int) ([]*models.MessageSession, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageSession{}), filter)

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

	var rows []*models.MessageSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of sessions matching filter
func (r *MessageSessionRepositoryImpl) Count(ctx context.Context, filter models.MessageSessionFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageSession{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any session matches the filter
func (r *MessageSessionRepositoryImpl) Exists(ctx context.Context, filter models.MessageSessionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
