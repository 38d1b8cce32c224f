package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaRepositoryImpl implements QuotaRepository interface
type QuotaRepositoryImpl struct {
	*BaseRepository[models.Quota, models.QuotaFilter]
}

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &QuotaRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Quota, models.QuotaFilter](db),
	}
}

// ByModeratorID retrieves the quota row of a moderator
func (r *QuotaRepositoryImpl) ByModeratorID(ctx context.Context, moderatorID uint) (*models.Quota, error) {
	db := r.getDB(ctx)
	var row models.Quota
	if err := db.Where("moderator_id = ?", moderatorID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ByModeratorIDForUpdate retrieves and row-locks the quota of a moderator
func (r *QuotaRepositoryImpl) ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.Quota, error) {
	db := r.getDB(ctx)
	var row models.Quota
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("moderator_id = ?", moderatorID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Ensure creates the quota row unless it already exists
func (r *QuotaRepositoryImpl) Ensure(ctx context.Context, moderatorID uint, messagesLimit, queuesLimit int64) (*models.Quota, error) {
	db := r.getDB(ctx)
	row := models.Quota{
		ModeratorID:   moderatorID,
		MessagesLimit: messagesLimit,
		QueuesLimit:   queuesLimit,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "moderator_id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota for moderator %d: %w", moderatorID, err)
	}
	return r.ByModeratorID(ctx, moderatorID)
}

// TryConsumeMessages atomically adds count to consumed messages when the limit allows it
func (r *QuotaRepositoryImpl) TryConsumeMessages(ctx context.Context, moderatorID uint, count int64) (bool, error) {
	return r.tryConsume(ctx, moderatorID, count, "consumed_messages", "messages_limit")
}

// RefundMessages subtracts count from consumed messages, floored at zero
func (r *QuotaRepositoryImpl) RefundMessages(ctx context.Context, moderatorID uint, count int64) error {
	return r.refund(ctx, moderatorID, count, "consumed_messages")
}

// TryConsumeQueues atomically adds count to consumed queues when the limit allows it
func (r *QuotaRepositoryImpl) TryConsumeQueues(ctx context.Context, moderatorID uint, count int64) (bool, error) {
	return r.tryConsume(ctx, moderatorID, count, "consumed_queues", "queues_limit")
}

// RefundQueues subtracts count from consumed queues, floored at zero
func (r *QuotaRepositoryImpl) RefundQueues(ctx context.Context, moderatorID uint, count int64) error {
	return r.refund(ctx, moderatorID, count, "consumed_queues")
}

func (r *QuotaRepositoryImpl) tryConsume(ctx context.Context, moderatorID uint, count int64, consumedCol, limitCol string) (bool, error) {
	if count <= 0 {
		return true, nil
	}
	db := r.getDB(ctx)
	result := db.Model(&models.Quota{}).
		Where("moderator_id = ?", moderatorID).
		Where(fmt.Sprintf("(%s < 0 OR %s + ? <= %s)", limitCol, consumedCol, limitCol), count).
		Updates(map[string]any{
			consumedCol:  gorm.Expr(consumedCol+" + ?", count),
			"updated_at": utils.UTCNow(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to consume quota: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *QuotaRepositoryImpl) refund(ctx context.Context, moderatorID uint, count int64, consumedCol string) error {
	if count <= 0 {
		return nil
	}
	db := r.getDB(ctx)
	err := db.Model(&models.Quota{}).
		Where("moderator_id = ?", moderatorID).
		Updates(map[string]any{
			consumedCol:  gorm.Expr("GREATEST("+consumedCol+" - ?, 0)", count),
			"updated_at": utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}
	return nil
}

// UpdateLimits replaces the limits that are not nil
func (r *QuotaRepositoryImpl) UpdateLimits(ctx context.Context, moderatorID uint, messagesLimit, queuesLimit *int64) error {
	updates := map[string]any{
		"updated_at": utils.UTCNow(),
	}
	if messagesLimit != nil {
		updates["messages_limit"] = *messagesLimit
	}
	if queuesLimit != nil {
		updates["queues_limit"] = *queuesLimit
	}
	affected, err := r.updateColumns(ctx, updates, "moderator_id = ?", moderatorID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("quota not found for moderator %d", moderatorID)
	}
	return nil
}

// ModeratorIDs lists every moderator owning a quota row
func (r *QuotaRepositoryImpl) ModeratorIDs(ctx context.Context) ([]uint, error) {
	db := r.getDB(ctx)
	var ids []uint
	if err := db.Model(&models.Quota{}).Order("moderator_id ASC").Pluck("moderator_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// applyFilter applies filter criteria to a GORM query
func (r *QuotaRepositoryImpl) applyFilter(query *gorm.DB, filter models.QuotaFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	return query
}

// ByFilter retrieves quotas based on filter criteria
func (r *QuotaRepositoryImpl) ByFilter(ctx context.Context, filter models.QuotaFilter, orderBy string, limit, offset int) ([]*models.Quota, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Quota{}), filter)

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

	var rows []*models.Quota
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of quotas matching filter
func (r *QuotaRepositoryImpl) Count(ctx context.Context, filter models.QuotaFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Quota{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any quota matches the filter
func (r *QuotaRepositoryImpl) Exists(ctx context.Context, filter models.QuotaFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
