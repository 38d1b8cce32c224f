package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExtensionCommandRepositoryImpl implements ExtensionCommandRepository interface
type ExtensionCommandRepositoryImpl struct {
	*BaseRepository[models.ExtensionCommand, models.ExtensionCommandFilter]
}

// NewExtensionCommandRepository creates a new extension command repository
func NewExtensionCommandRepository(db *gorm.DB) ExtensionCommandRepository {
	return &ExtensionCommandRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ExtensionCommand, models.ExtensionCommandFilter](db),
	}
}

// ByID retrieves a command by its id
func (r *ExtensionCommandRepositoryImpl) ByID(ctx context.Context, id uuid.UUID) (*models.ExtensionCommand, error) {
	db := r.getDB(ctx)
	var row models.ExtensionCommand
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ByIDForUpdate retrieves and row-locks a command
func (r *ExtensionCommandRepositoryImpl) ByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ExtensionCommand, error) {
	db := r.getDB(ctx)
	var row models.ExtensionCommand
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Save inserts a new command, generating its id when missing
func (r *ExtensionCommandRepositoryImpl) Save(ctx context.Context, cmd *models.ExtensionCommand) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if len(cmd.PayloadJSON) == 0 {
		cmd.PayloadJSON = []byte("{}")
	}
	return r.BaseRepository.Save(ctx, cmd)
}

// Transition moves the command to "to" when its current status is one of from
func (r *ExtensionCommandRepositoryImpl) Transition(ctx context.Context, id uuid.UUID, from []models.CommandStatus, to models.CommandStatus, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	affected, err := r.updateColumns(ctx, updates, "id = ? AND status IN ?", id, from)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimPending hands the next pending commands of a moderator to a device and marks them sent.
// Rows locked by a concurrent poll are skipped.
func (r *ExtensionCommandRepositoryImpl) ClaimPending(ctx context.Context, moderatorID uint, deviceID uuid.UUID, limit int, now time.Time) ([]*models.ExtensionCommand, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return nil, err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	var rows []*models.ExtensionCommand
	err = db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("moderator_id = ? AND status = ? AND expires_at_utc > ?", moderatorID, models.CommandStatusPending, now).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select pending commands: %w", err)
	}
	if len(rows) == 0 {
		return rows, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	err = db.Model(&models.ExtensionCommand{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     models.CommandStatusSent,
			"sent_at":    now,
			"device_id":  deviceID,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to mark commands sent: %w", err)
	}

	for _, row := range rows {
		row.Status = models.CommandStatusSent
		row.SentAt = &now
		row.DeviceID = &deviceID
	}
	return rows, nil
}

// ListExpired lists non-terminal commands whose lease ran out
func (r *ExtensionCommandRepositoryImpl) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.ExtensionCommand, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.ExtensionCommand{}).
		Where("status IN ? AND expires_at_utc <= ?", models.NonTerminalCommandStatuses, now).
		Order("expires_at_utc ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.ExtensionCommand
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired commands: %w", err)
	}
	return rows, nil
}

// ListOrphaned lists non-terminal commands that their message no longer references,
// or that were created before createdBefore
func (r *ExtensionCommandRepositoryImpl) ListOrphaned(ctx context.Context, createdBefore time.Time, limit int) ([]*models.ExtensionCommand, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.ExtensionCommand{}).
		Where("status IN ?", models.NonTerminalCommandStatuses).
		Where(`(extension_commands.created_at < ? OR (extension_commands.message_id IS NOT NULL AND NOT EXISTS (
			SELECT 1 FROM messages
			WHERE messages.id = extension_commands.message_id
			AND messages.in_flight_command_id = extension_commands.id)))`, createdBefore).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.ExtensionCommand
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list orphaned commands: %w", err)
	}
	return rows, nil
}

// PurgeTerminalBefore deletes finished commands last touched before the cutoff
func (r *ExtensionCommandRepositoryImpl) PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	db := r.getDB(ctx)
	result := db.Where("status IN ? AND updated_at < ?", models.TerminalCommandStatuses, before).
		Delete(&models.ExtensionCommand{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge commands: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *ExtensionCommandRepositoryImpl) applyFilter(query *gorm.DB, filter models.ExtensionCommandFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ModeratorID != nil {
		query = query.Where("moderator_id = ?", *filter.ModeratorID)
	}
	if filter.MessageID != nil {
		query = query.Where("message_id = ?", *filter.MessageID)
	}
	if filter.CommandType != nil {
		query = query.Where("command_type = ?", *filter.CommandType)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	return query
}

// ByFilter retrieves commands based on filter criteria
func (r *ExtensionCommandRepositoryImpl) ByFilter(ctx context.Context, filter models.ExtensionCommandFilter, orderBy string, limit, offset int) ([]*models.ExtensionCommand, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ExtensionCommand{}), filter)

	if orderBy == "" {
		orderBy = "created_at DESC"
	}
	query = query.Order(orderBy)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []*models.ExtensionCommand
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of commands matching filter
func (r *ExtensionCommandRepositoryImpl) Count(ctx context.Context, filter models.ExtensionCommandFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ExtensionCommand{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
