package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"gorm.io/gorm"
)

// MessageTemplateRepositoryImpl implements MessageTemplateRepository interface
type MessageTemplateRepositoryImpl struct {
	*BaseRepository[models.MessageTemplate, models.MessageTemplateFilter]
}

// NewMessageTemplateRepository creates a new message template repository
func NewMessageTemplateRepository(db *gorm.DB) MessageTemplateRepository {
	return &MessageTemplateRepositoryImpl{
		BaseRepository: NewBaseRepository[models.MessageTemplate, models.MessageTemplateFilter](db),
	}
}

// ListActiveByQueue lists the non-deleted templates of a queue
func (r *MessageTemplateRepositoryImpl) ListActiveByQueue(ctx context.Context, queueID uint) ([]*models.MessageTemplate, error) {
	isDeleted := false
	return r.ByFilter(ctx, models.MessageTemplateFilter{QueueID: &queueID, IsDeleted: &isDeleted}, "id ASC", 0, 0)
}

func (r *MessageTemplateRepositoryImpl) applyFilter(query *gorm.DB, filter models.MessageTemplateFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.QueueID != nil {
		query = query.Where("queue_id = ?", *filter.QueueID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.IsDeleted != nil {
		query = query.Where("is_deleted = ?", *filter.IsDeleted)
	}
	return query
}

// ByFilter retrieves templates based on filter criteria
func (r *MessageTemplateRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageTemplateFilter, orderBy string, limit, offset int) ([]*models.MessageTemplate, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageTemplate{}), filter)

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

	var rows []*models.MessageTemplate
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of templates matching filter
func (r *MessageTemplateRepositoryImpl) Count(ctx context.Context, filter models.MessageTemplateFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageTemplate{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any template matches the filter
func (r *MessageTemplateRepositoryImpl) Exists(ctx context.Context, filter models.MessageTemplateFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// MessageConditionRepositoryImpl implements MessageConditionRepository interface
type MessageConditionRepositoryImpl struct {
	*BaseRepository[models.MessageCondition, models.MessageConditionFilter]
}

// NewMessageConditionRepository creates a new message condition repository
func NewMessageConditionRepository(db *gorm.DB) MessageConditionRepository {
	return &MessageConditionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.MessageCondition, models.MessageConditionFilter](db),
	}
}

// ListByQueue lists every condition of a queue
func (r *MessageConditionRepositoryImpl) ListByQueue(ctx context.Context, queueID uint) ([]*models.MessageCondition, error) {
	return r.ByFilter(ctx, models.MessageConditionFilter{QueueID: &queueID}, "priority ASC, id ASC", 0, 0)
}

// LinkTemplate sets the template of a condition after both rows were inserted
func (r *MessageConditionRepositoryImpl) LinkTemplate(ctx context.Context, conditionID, templateID uint) error {
	affected, err := r.updateColumns(ctx, map[string]any{
		"template_id": templateID,
		"updated_at":  utils.UTCNow(),
	}, "id = ?", conditionID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message condition %d not found", conditionID)
	}
	return nil
}

func (r *MessageConditionRepositoryImpl) applyFilter(query *gorm.DB, filter models.MessageConditionFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.QueueID != nil {
		query = query.Where("queue_id = ?", *filter.QueueID)
	}
	return query
}

// ByFilter retrieves conditions based on filter criteria
func (r *MessageConditionRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageConditionFilter, orderBy string, limit, offset int) ([]*models.MessageCondition, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageCondition{}), filter)

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

	var rows []*models.MessageCondition
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of conditions matching filter
func (r *MessageConditionRepositoryImpl) Count(ctx context.Context, filter models.MessageConditionFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageCondition{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any condition matches the filter
func (r *MessageConditionRepositoryImpl) Exists(ctx context.Context, filter models.MessageConditionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
