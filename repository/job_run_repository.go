package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRunRepositoryImpl implements JobRunRepository interface
type JobRunRepositoryImpl struct {
	*BaseRepository[models.JobRun, struct{}]
}

// NewJobRunRepository creates a new job run repository
func NewJobRunRepository(db *gorm.DB) JobRunRepository {
	return &JobRunRepositoryImpl{
		BaseRepository: NewBaseRepository[models.JobRun, struct{}](db),
	}
}

// ByKey retrieves the run state of a job in a scope
func (r *JobRunRepositoryImpl) ByKey(ctx context.Context, jobName, scopeKey string) (*models.JobRun, error) {
	db := r.getDB(ctx)
	var row models.JobRun
	if err := db.Where("job_name = ? AND scope_key = ?", jobName, scopeKey).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// TryStart is a compare-and-set on last_started_at: it succeeds for exactly one
// caller per interval across processes
func (r *JobRunRepositoryImpl) TryStart(ctx context.Context, jobName, scopeKey string, minInterval time.Duration, now time.Time) (bool, error) {
	db := r.getDB(ctx)

	seed := models.JobRun{JobName: jobName, ScopeKey: scopeKey}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}, {Name: "scope_key"}},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return false, fmt.Errorf("failed to seed job run %s/%s: %w", jobName, scopeKey, err)
	}

	result := db.Model(&models.JobRun{}).
		Where("job_name = ? AND scope_key = ?", jobName, scopeKey).
		Where("(last_started_at IS NULL OR last_started_at <= ?)", now.Add(-minInterval)).
		Updates(map[string]any{
			"last_started_at": now,
			"last_status":     models.JobRunStatusRunning,
			"run_count":       gorm.Expr("run_count + 1"),
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to start job run %s/%s: %w", jobName, scopeKey, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Finish records the outcome of a run
func (r *JobRunRepositoryImpl) Finish(ctx context.Context, jobName, scopeKey string, runErr error, now time.Time) error {
	updates := map[string]any{
		"last_finished_at": now,
		"last_status":      models.JobRunStatusSucceeded,
		"last_error":       nil,
		"updated_at":       now,
	}
	if runErr != nil {
		msg := runErr.Error()
		updates["last_status"] = models.JobRunStatusFailed
		updates["last_error"] = msg
	}
	_, err := r.updateColumns(ctx, updates, "job_name = ? AND scope_key = ?", jobName, scopeKey)
	return err
}
