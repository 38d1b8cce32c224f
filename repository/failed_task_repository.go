package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"gorm.io/gorm"
)

// FailedTaskRepositoryImpl implements FailedTaskRepository interface
type FailedTaskRepositoryImpl struct {
	*BaseRepository[models.FailedTask, models.FailedTaskFilter]
}

// NewFailedTaskRepository creates a new failed task repository
func NewFailedTaskRepository(db *gorm.DB) FailedTaskRepository {
	return &FailedTaskRepositoryImpl{
		BaseRepository: NewBaseRepository[models.FailedTask, models.FailedTaskFilter](db),
	}
}

// LatestByMessageIDs returns the newest failure record of each message
func (r *FailedTaskRepositoryImpl) LatestByMessageIDs(ctx context.Context, messageIDs []uint) (map[uint]*models.FailedTask, error) {
	out := make(map[uint]*models.FailedTask, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	db := r.getDB(ctx)
	var rows []*models.FailedTask
	err := db.Raw(`SELECT DISTINCT ON (message_id) *
		FROM failed_tasks
		WHERE message_id IN ?
		ORDER BY message_id, created_at DESC, id DESC`, messageIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load failure records: %w", err)
	}
	for _, row := range rows {
		out[row.MessageID] = row
	}
	return out, nil
}

// MarkRetried bumps the retry counter of the failure records of the given messages
func (r *FailedTaskRepositoryImpl) MarkRetried(ctx context.Context, messageIDs []uint, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.updateColumns(ctx, map[string]any{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_retry_at": at,
	}, "message_id IN ?", messageIDs)
	return err
}

// DeleteByMessageIDs removes every failure record of the given messages
func (r *FailedTaskRepositoryImpl) DeleteByMessageIDs(ctx context.Context, messageIDs []uint) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	db := r.getDB(ctx)
	result := db.Where("message_id IN ?", messageIDs).Delete(&models.FailedTask{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete failure records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *FailedTaskRepositoryImpl) applyFilter(query *gorm.DB, filter models.FailedTaskFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.MessageID != nil {
		query = query.Where("message_id = ?", *filter.MessageID)
	}
	if len(filter.MessageIDs) > 0 {
		query = query.Where("message_id IN ?", filter.MessageIDs)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.Reason != nil {
		query = query.Where("reason = ?", *filter.Reason)
	}
	return query
}

// ByFilter retrieves failure records based on filter criteria
func (r *FailedTaskRepositoryImpl) ByFilter(ctx context.Context, filter models.FailedTaskFilter, orderBy string, limit, offset int) ([]*models.FailedTask, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.FailedTask{}), filter)

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

	var rows []*models.FailedTask
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of failure records matching filter
func (r *FailedTaskRepositoryImpl) Count(ctx context.Context, filter models.FailedTaskFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.FailedTask{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any failure record matches the filter
func (r *FailedTaskRepositoryImpl) Exists(ctx context.Context, filter models.FailedTaskFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
