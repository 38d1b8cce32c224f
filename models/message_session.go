package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MessageSessionStatus represents the status of a bulk send
type MessageSessionStatus string

const (
	MessageSessionStatusActive    MessageSessionStatus = "active"
	MessageSessionStatusPaused    MessageSessionStatus = "paused"
	MessageSessionStatusCompleted MessageSessionStatus = "completed"
	MessageSessionStatusCancelled MessageSessionStatus = "cancelled"
)

func (s MessageSessionStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s MessageSessionStatus) Valid() bool {
	switch s {
	case MessageSessionStatusActive, MessageSessionStatusPaused,
		MessageSessionStatusCompleted, MessageSessionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further progress is expected
func (s MessageSessionStatus) IsTerminal() bool {
	return s == MessageSessionStatusCompleted || s == MessageSessionStatusCancelled
}

// Scan implements the sql.Scanner interface for MessageSessionStatus
func (s *MessageSessionStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = MessageSessionStatus(v)
	case []byte:
		*s = MessageSessionStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into MessageSessionStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for MessageSessionStatus
func (s MessageSessionStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid MessageSessionStatus: %s", s)
	}
	return string(s), nil
}

// MessageSession groups the messages created by one "send to queue" action
type MessageSession struct {
	ID              uint                 `gorm:"primaryKey" json:"id"`
	UUID            uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:uk_message_sessions_uuid" json:"uuid"`
	ModeratorID     uint                 `gorm:"not null;index:idx_message_sessions_moderator_status,priority:1" json:"moderator_id"`
	QueueID         uint                 `gorm:"not null;index:idx_message_sessions_queue_id" json:"queue_id"`
	CreatedBy       uint                 `gorm:"not null" json:"created_by"`
	Status          MessageSessionStatus `gorm:"type:varchar(20);not null;default:'active';index:idx_message_sessions_moderator_status,priority:2" json:"status"`
	PatientIDs      pq.Int64Array        `gorm:"type:bigint[]" json:"patient_ids"`
	TotalMessages   int                  `gorm:"not null;default:0" json:"total_messages"`
	SentMessages    int                  `gorm:"not null;default:0" json:"sent_messages"`
	FailedMessages  int                  `gorm:"not null;default:0" json:"failed_messages"`
	OngoingMessages int                  `gorm:"not null;default:0" json:"ongoing_messages"`
	IsPaused        bool                 `gorm:"not null;default:false" json:"is_paused"`
	PausedAt        *time.Time           `json:"paused_at,omitempty"`
	PausedBy        *uint                `json:"paused_by,omitempty"`
	PauseReason     *string              `gorm:"size:255" json:"pause_reason,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	CreatedAt       time.Time            `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (MessageSession) TableName() string { return "message_sessions" }

// Progress returns the percentage of messages that reached a terminal state
func (s MessageSession) Progress() float64 {
	if s.TotalMessages == 0 {
		return 100
	}
	done := s.SentMessages + s.FailedMessages
	return float64(done) * 100 / float64(s.TotalMessages)
}

// MessageSessionCounts is the aggregate of member message states
type MessageSessionCounts struct {
	Total     int
	Sent      int
	Failed    int
	Cancelled int
	Ongoing   int
}

// MessageSessionFilter provides filter fields for repository queries
type MessageSessionFilter struct {
	ID          *uint
	UUID        *uuid.UUID
	ModeratorID *uint
	QueueID     *uint
	Statuses    []MessageSessionStatus
}
