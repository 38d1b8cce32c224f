package models

import (
	"time"
)

// Job run outcomes
const (
	JobRunStatusRunning   = "running"
	JobRunStatusSucceeded = "succeeded"
	JobRunStatusFailed    = "failed"
)

// JobRun keeps the last-run state of a recurring job per scope so that
// restarts and multiple instances agree on whether a run is due.
// ScopeKey is "global" or "moderator:<id>".
type JobRun struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	JobName        string     `gorm:"size:100;not null;uniqueIndex:uk_job_runs_name_scope,priority:1" json:"job_name"`
	ScopeKey       string     `gorm:"size:100;not null;uniqueIndex:uk_job_runs_name_scope,priority:2" json:"scope_key"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastStatus     string     `gorm:"size:20;not null;default:''" json:"last_status"`
	LastError      *string    `gorm:"type:text" json:"last_error,omitempty"`
	RunCount       int64      `gorm:"not null;default:0" json:"run_count"`
	CreatedAt      time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_runs" }
