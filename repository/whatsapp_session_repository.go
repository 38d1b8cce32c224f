package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WhatsAppSessionRepositoryImpl implements WhatsAppSessionRepository interface
type WhatsAppSessionRepositoryImpl struct {
	*BaseRepository[models.WhatsAppSession, models.WhatsAppSessionFilter]
}

// NewWhatsAppSessionRepository creates a new WhatsApp session repository
func NewWhatsAppSessionRepository(db *gorm.DB) WhatsAppSessionRepository {
	return &WhatsAppSessionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.WhatsAppSession, models.WhatsAppSessionFilter](db),
	}
}

// ByModeratorID retrieves the session of a moderator
func (r *WhatsAppSessionRepositoryImpl) ByModeratorID(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	db := r.getDB(ctx)
	var row models.WhatsAppSession
	if err := db.Where("moderator_id = ?", moderatorID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ByModeratorIDForUpdate retrieves and row-locks the session of a moderator
func (r *WhatsAppSessionRepositoryImpl) ByModeratorIDForUpdate(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	db := r.getDB(ctx)
	var row models.WhatsAppSession
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

// Ensure creates a disconnected session for the moderator unless one exists
func (r *WhatsAppSessionRepositoryImpl) Ensure(ctx context.Context, moderatorID uint) (*models.WhatsAppSession, error) {
	db := r.getDB(ctx)
	row := models.WhatsAppSession{
		ModeratorID: moderatorID,
		Status:      models.WhatsAppSessionStatusDisconnected,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "moderator_id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure whatsapp session for moderator %d: %w", moderatorID, err)
	}
	return r.ByModeratorID(ctx, moderatorID)
}

// Update applies a partial update to the session of a moderator
func (r *WhatsAppSessionRepositoryImpl) Update(ctx context.Context, moderatorID uint, updates map[string]any) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = utils.UTCNow()
	}
	affected, err := r.updateColumns(ctx, updates, "moderator_id = ?", moderatorID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("whatsapp session not found for moderator %d", moderatorID)
	}
	return nil
}

func (r *WhatsAppSessionRepositoryImpl) applyFilter(query *gorm.DB, filter models.WhatsAppSessionFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.IsPaused != nil {
		query = query.Where("is_paused = ?", *filter.IsPaused)
	}
	return query
}

// ByFilter retrieves sessions based on filter criteria
func (r *WhatsAppSessionRepositoryImpl) ByFilter(ctx context.Context, filter models.WhatsAppSessionFilter, orderBy string, limit, offset int) ([]*models.WhatsAppSession, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.WhatsAppSession{}), filter)

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

	var rows []*models.WhatsAppSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of sessions matching filter
func (r *WhatsAppSessionRepositoryImpl) Count(ctx context.Context, filter models.WhatsAppSessionFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.WhatsAppSession{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any session matches the filter
func (r *WhatsAppSessionRepositoryImpl) Exists(ctx context.Context, filter models.WhatsAppSessionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// ExtensionDeviceRepositoryImpl implements ExtensionDeviceRepository interface
type ExtensionDeviceRepositoryImpl struct {
	*BaseRepository[models.ExtensionDevice, struct{}]
}

// NewExtensionDeviceRepository creates a new extension device repository
func NewExtensionDeviceRepository(db *gorm.DB) ExtensionDeviceRepository {
	return &ExtensionDeviceRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ExtensionDevice, struct{}](db),
	}
}

// ByID retrieves a device by its id
func (r *ExtensionDeviceRepositoryImpl) ByID(ctx context.Context, id uuid.UUID) (*models.ExtensionDevice, error) {
	db := r.getDB(ctx)
	var row models.ExtensionDevice
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Save inserts a new device, generating its id when missing
func (r *ExtensionDeviceRepositoryImpl) Save(ctx context.Context, device *models.ExtensionDevice) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	return r.BaseRepository.Save(ctx, device)
}

// ActiveByModerator returns the most recently paired active device of a moderator
func (r *ExtensionDeviceRepositoryImpl) ActiveByModerator(ctx context.Context, moderatorID uint) (*models.ExtensionDevice, error) {
	db := r.getDB(ctx)
	var row models.ExtensionDevice
	err := db.Where("moderator_id = ? AND is_active = ?", moderatorID, true).
		Order("paired_at DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListByModerator lists every device a moderator paired, newest first
func (r *ExtensionDeviceRepositoryImpl) ListByModerator(ctx context.Context, moderatorID uint) ([]*models.ExtensionDevice, error) {
	db := r.getDB(ctx)
	var rows []*models.ExtensionDevice
	if err := db.Where("moderator_id = ?", moderatorID).Order("paired_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeactivateOthers revokes every active device of the moderator except keep
func (r *ExtensionDeviceRepositoryImpl) DeactivateOthers(ctx context.Context, moderatorID uint, keep uuid.UUID, at time.Time) error {
	_, err := r.updateColumns(ctx, map[string]any{
		"is_active":  false,
		"revoked_at": at,
		"updated_at": at,
	}, "moderator_id = ? AND is_active = ? AND id <> ?", moderatorID, true, keep)
	return err
}

// TouchHeartbeat records a heartbeat of an active device
func (r *ExtensionDeviceRepositoryImpl) TouchHeartbeat(ctx context.Context, id uuid.UUID, extensionVersion string, at time.Time) error {
	updates := map[string]any{
		"last_heartbeat_at": at,
		"updated_at":        at,
	}
	if extensionVersion != "" {
		updates["extension_version"] = extensionVersion
	}
	affected, err := r.updateColumns(ctx, updates, "id = ? AND is_active = ?", id, true)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("active extension device %s not found", id)
	}
	return nil
}

// Revoke deactivates a device of a moderator
func (r *ExtensionDeviceRepositoryImpl) Revoke(ctx context.Context, moderatorID uint, id uuid.UUID, at time.Time) (bool, error) {
	affected, err := r.updateColumns(ctx, map[string]any{
		"is_active":  false,
		"revoked_at": at,
		"updated_at": at,
	}, "id = ? AND moderator_id = ? AND is_active = ?", id, moderatorID, true)
	return affected == 1, err
}
