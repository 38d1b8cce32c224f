package repository

import (
	"context"

	"github.com/amirphl/clinic-queue/models"
	"gorm.io/gorm"
)

// QueueRepositoryImpl implements QueueRepository interface
type QueueRepositoryImpl struct {
	*BaseRepository[models.Queue, models.QueueFilter]
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *gorm.DB) QueueRepository {
	return &QueueRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Queue, models.QueueFilter](db),
	}
}

func (r *QueueRepositoryImpl) applyFilter(query *gorm.DB, filter models.QueueFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.IsDeleted != nil {
		query = query.Where("is_deleted = ?", *filter.IsDeleted)
	}
	return query
}

// ByFilter retrieves queues based on filter criteria
func (r *QueueRepositoryImpl) ByFilter(ctx context.Context, filter models.QueueFilter, orderBy string, limit, offset int) ([]*models.Queue, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Queue{}), filter)

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

	var rows []*models.Queue
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of queues matching filter
func (r *QueueRepositoryImpl) Count(ctx context.Context, filter models.QueueFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Queue{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any queue matches the filter
func (r *QueueRepositoryImpl) Exists(ctx context.Context, filter models.QueueFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// PatientRepositoryImpl implements PatientRepository interface
type PatientRepositoryImpl struct {
	*BaseRepository[models.Patient, models.PatientFilter]
}

// NewPatientRepository creates a new patient repository
func NewPatientRepository(db *gorm.DB) PatientRepository {
	return &PatientRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Patient, models.PatientFilter](db),
	}
}

// ListActiveByQueue lists the non-deleted patients of a queue by position.
// A non-empty ids restricts the result to those patients.
func (r *PatientRepositoryImpl) ListActiveByQueue(ctx context.Context, queueID uint, ids []uint) ([]*models.Patient, error) {
	isDeleted := false
	return r.ByFilter(ctx, models.PatientFilter{QueueID: &queueID, IDs: ids, IsDeleted: &isDeleted}, "position ASC, id ASC", 0, 0)
}

func (r *PatientRepositoryImpl) applyFilter(query *gorm.DB, filter models.PatientFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.QueueID != nil {
		query = query.Where("queue_id = ?", *filter.QueueID)
	}
	if filter.IsDeleted != nil {
		query = query.Where("is_deleted = ?", *filter.IsDeleted)
	}
	return query
}

// ByFilter retrieves patients based on filter criteria
func (r *PatientRepositoryImpl) ByFilter(ctx context.Context, filter models.PatientFilter, orderBy string, limit, offset int) ([]*models.Patient, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Patient{}), filter)

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

	var rows []*models.Patient
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of patients matching filter
func (r *PatientRepositoryImpl) Count(ctx context.Context, filter models.PatientFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Patient{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any patient matches the filter
func (r *PatientRepositoryImpl) Exists(ctx context.Context, filter models.PatientFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
